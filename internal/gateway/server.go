// Package gateway 浏览器侧 HTTP 服务: 会话状态查询、控制操作与 SSE 推送。
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/ide-agent/go-ide-gateway/pkg/errors"
	"github.com/ide-agent/go-ide-gateway/pkg/logger"

	"github.com/ide-agent/go-ide-gateway/internal/session"
)

// Server 网关 HTTP 服务。
type Server struct {
	router     *gin.Engine
	controller *session.Controller
	bus        *EventBus
	http       *http.Server
}

// NewServer 创建网关服务并注册路由。
func NewServer(controller *session.Controller) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{router: r, controller: controller, bus: NewEventBus()}
	s.registerRoutes()

	// 控制器每次状态变更推一帧全量快照
	controller.OnChange(func() {
		s.bus.Publish(Event{Type: "state", Data: controller.State()})
	})
	return s
}

// Engine 返回 Gin 引擎 (测试用)。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回事件总线。
func (s *Server) Bus() *EventBus { return s.bus }

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/session/state", s.handleState)
		api.POST("/session/submit", s.handleSubmit)
		api.POST("/session/cancel", s.handleCancel)
		api.POST("/session/exec/resolve", s.handleResolveExec)
		api.GET("/session/code", s.handleGetCode)
		api.POST("/session/code", s.handleSetCode)
		api.POST("/session/code/proposal", s.handleProposal)
		api.GET("/session/runs/:taskId/timeline", s.handleRunTimeline)
		api.GET("/session/events", s.sseHandler)
	}
}

// Start 启动 HTTP 服务 (阻塞直到出错或 Shutdown)。
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("gateway listening", logger.FieldAddr, addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ========================================
// Handlers
// ========================================

func (s *Server) handleState(c *gin.Context) {
	success(c, s.controller.State())
}

type submitRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	taskID, err := s.controller.SubmitPrompt(c.Request.Context(), req.Query)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) {
			badRequest(c, "blank_query", "query must not be blank")
			return
		}
		serverError(c, err)
		return
	}
	success(c, gin.H{"taskId": taskID})
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.controller.CancelCurrentTask(c.Request.Context()); err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"cancelling": s.controller.State().Cancelling})
}

type resolveExecRequest struct {
	Accept *bool `json:"accept"`
}

func (s *Server) handleResolveExec(c *gin.Context) {
	var req resolveExecRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Accept == nil {
		badRequest(c, "invalid_body", "accept (bool) is required")
		return
	}
	if err := s.controller.ResolveExecutionRequest(c.Request.Context(), *req.Accept); err != nil {
		if errors.Is(err, apperrors.ErrNoPendingRequest) {
			conflict(c, "no_pending_request", "no execution request is pending")
			return
		}
		serverError(c, err)
		return
	}
	success(c, gin.H{"accepted": *req.Accept})
}

func (s *Server) handleGetCode(c *gin.Context) {
	success(c, gin.H{"code": s.controller.Code()})
}

type setCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleSetCode(c *gin.Context) {
	var req setCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	s.controller.SetCode(req.Code)
	success(c, gin.H{"code": req.Code})
}

type proposalRequest struct {
	Action string `json:"action"` // accept | discard
}

func (s *Server) handleProposal(c *gin.Context) {
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	switch req.Action {
	case "accept":
		if err := s.controller.AcceptProposal(); err != nil {
			conflict(c, "no_proposal", "no code proposal to accept")
			return
		}
		success(c, gin.H{"code": s.controller.Code()})
	case "discard":
		s.controller.DiscardProposal()
		success(c, gin.H{"discarded": true})
	default:
		badRequest(c, "invalid_action", "action must be accept or discard")
	}
}

func (s *Server) handleRunTimeline(c *gin.Context) {
	run, err := s.controller.RunTimeline(c.Param("taskId"))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			notFound(c, "unknown task id")
			return
		}
		serverError(c, err)
		return
	}
	success(c, run)
}
