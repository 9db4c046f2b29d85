// Package session 会话控制器: 注册表之外的全部会话态 (loading、
// active task、cancelling、代码缓冲、代码提案) 与控制通道协调。
//
// 写路径只有两条: 上游事件 (HandleAgentEvent → reducer) 与用户操作
// (Submit / Cancel / Resolve / 代码缓冲)。两条路径都汇到这里, 由
// Controller 的互斥锁串行化会话标记, 注册表自带锁。
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/ide-agent/go-ide-gateway/pkg/errors"
	"github.com/ide-agent/go-ide-gateway/pkg/logger"
	"github.com/ide-agent/go-ide-gateway/pkg/util"

	"github.com/ide-agent/go-ide-gateway/internal/timeline"
	"github.com/ide-agent/go-ide-gateway/internal/upstream"
)

// 本地决策路径的默认文案。
const (
	DefaultRejectResponse = "Code execution request was rejected by the user."
	DefaultEmptyOutput    = "Code executed successfully with no output."
)

// Executor 代码执行协作方。失败折叠进返回值, 不抛错。
type Executor interface {
	Execute(ctx context.Context, code string) string
}

// Controller 会话控制器。
type Controller struct {
	mu sync.Mutex

	registry *timeline.Registry
	reducer  *timeline.Reducer
	control  upstream.ControlChannel
	runner   Executor
	ids      timeline.IDGenerator

	loading      bool
	activeTaskID string
	cancelling   bool

	code         string
	proposedCode string
	proposedSet  bool

	notify func() // 每次状态变更后触发 (SSE 推送), 可为 nil
}

// NewController 组装控制器。归约器在内部创建, 控制器自身作为其 Sink。
func NewController(registry *timeline.Registry, control upstream.ControlChannel, runner Executor, ids timeline.IDGenerator) *Controller {
	c := &Controller{
		registry: registry,
		control:  control,
		runner:   runner,
		ids:      ids,
	}
	c.reducer = timeline.NewReducer(registry, ids, c)
	return c
}

// OnChange 注册状态变更回调。必须在连接建立前调用。
func (c *Controller) OnChange(fn func()) { c.notify = fn }

func (c *Controller) changed() {
	if c.notify != nil {
		c.notify()
	}
}

// ========================================
// 上游事件入口 (upstream.EventSink)
// ========================================

// HandleAgentEvent 事件流回调, 在读循环 goroutine 上串行执行。
func (c *Controller) HandleAgentEvent(ev timeline.AgentEvent) {
	c.reducer.Apply(ev)
	c.changed()
}

// ========================================
// 归约器信号 (timeline.Sink)
// ========================================

// ProposedCode edit_code 产出的代码提案 — 不进时间线, 挂到编辑器侧。
func (c *Controller) ProposedCode(code string) {
	c.mu.Lock()
	c.proposedCode = code
	c.proposedSet = true
	c.mu.Unlock()
	logger.Info("code proposal received", logger.FieldCount, len(code))
}

// RunFinished run 终态: 无条件清 loading / active-task / cancelling。
func (c *Controller) RunFinished(taskID string) {
	c.mu.Lock()
	c.loading = false
	c.cancelling = false
	c.activeTaskID = ""
	c.mu.Unlock()
	logger.Info("run finished", logger.FieldTaskID, taskID)
}

// ========================================
// 控制通道操作
// ========================================

// SubmitPrompt 提交 prompt。空白文本直接拒绝。历史消息在 enqueue 前
// 计算 (所有已存在 run 的 final_answer); 成功后才在本地建 run, 失败
// 则清 loading 且不留 active-task 指针。
func (c *Controller) SubmitPrompt(ctx context.Context, text string) (string, error) {
	prompt := strings.TrimSpace(text)
	if prompt == "" {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, "Controller.SubmitPrompt", "blank prompt")
	}

	c.mu.Lock()
	code := c.code
	c.loading = true
	c.mu.Unlock()
	c.changed()

	history := c.registry.MessageHistory()
	taskID, err := c.control.Enqueue(ctx, prompt, code, history)
	if err != nil {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
		c.changed()
		return "", err
	}

	userMessage := timeline.Action{
		ID:        c.ids.NextID("user"),
		Kind:      timeline.KindUserMessage,
		Status:    timeline.StatusDone,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Content:   prompt,
	}
	if err := c.registry.AttachPrompt(taskID, prompt, userMessage); err != nil {
		// 真重复: 服务端为两次 enqueue 返回了同一 task_id — 理论不可达
		logger.Warn("enqueue returned duplicate task id", logger.FieldTaskID, taskID, logger.FieldError, err)
	}

	c.mu.Lock()
	c.activeTaskID = taskID
	c.mu.Unlock()
	c.changed()

	logger.Info("prompt submitted", logger.FieldTaskID, taskID)
	return taskID, nil
}

// CancelCurrentTask 请求取消当前任务。取消是观察性的: 只置标记并发
// 请求, 终态等 run_cancelled 事件落地。
func (c *Controller) CancelCurrentTask(ctx context.Context) error {
	c.mu.Lock()
	if c.activeTaskID == "" || c.cancelling {
		c.mu.Unlock()
		return nil
	}
	taskID := c.activeTaskID
	c.cancelling = true
	c.mu.Unlock()
	c.changed()

	if err := c.control.Cancel(ctx, taskID); err != nil {
		// 失败回滚标记, 用户可重试
		c.mu.Lock()
		c.cancelling = false
		c.mu.Unlock()
		c.changed()
		return err
	}
	logger.Info("cancel requested", logger.FieldTaskID, taskID)
	return nil
}

// ResolveExecutionRequest 处理当前挂起的执行审批。
//
// 用户的决定不可被传输错误逆转: CompleteTool 失败只记日志,
// 本地状态照常推进。
func (c *Controller) ResolveExecutionRequest(ctx context.Context, accept bool) error {
	taskID, pending, ok := c.registry.PendingExecRequest()
	if !ok {
		return apperrors.Wrap(apperrors.ErrNoPendingRequest, "Controller.ResolveExecutionRequest", "nothing to resolve")
	}

	if accept {
		c.acceptExecution(ctx, taskID, pending)
	} else {
		c.rejectExecution(ctx, taskID, pending)
	}
	c.changed()
	return nil
}

func (c *Controller) rejectExecution(ctx context.Context, taskID string, pending timeline.Action) {
	response := util.FirstNonEmpty(pending.ResponseOnReject, DefaultRejectResponse)

	if err := c.control.CompleteTool(ctx, taskID, pending.ID, response); err != nil {
		logger.Warn("complete_tool (reject) failed, continuing locally",
			logger.FieldTaskID, taskID,
			logger.FieldCallID, pending.ID,
			logger.FieldError, err)
	}

	c.registry.UpdateAction(taskID, pending.ID, func(existing *timeline.Action) timeline.Action {
		out := pending
		if existing != nil {
			out = *existing
		}
		out.Status = timeline.StatusFailed
		return out
	})
	c.registry.AddAction(taskID, timeline.Action{
		ID:        c.ids.NextID("notice"),
		Kind:      timeline.KindSystemNotice,
		Status:    timeline.StatusDone,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   response,
	})
	logger.Info("execution request rejected", logger.FieldTaskID, taskID, logger.FieldCallID, pending.ID)
}

func (c *Controller) acceptExecution(ctx context.Context, taskID string, pending timeline.Action) {
	c.mu.Lock()
	code := c.code
	c.mu.Unlock()

	output := c.runner.Execute(ctx, code)
	if strings.TrimSpace(output) == "" {
		output = DefaultEmptyOutput
	}

	if err := c.control.CompleteTool(ctx, taskID, pending.ID, output); err != nil {
		logger.Warn("complete_tool (accept) failed, continuing locally",
			logger.FieldTaskID, taskID,
			logger.FieldCallID, pending.ID,
			logger.FieldError, err)
	}

	c.registry.AddAction(taskID, timeline.Action{
		ID:        c.ids.NextID("exec"),
		Kind:      timeline.KindExecResult,
		Status:    timeline.StatusDone,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Output:    output,
	})
	c.registry.UpdateAction(taskID, pending.ID, func(existing *timeline.Action) timeline.Action {
		out := pending
		if existing != nil {
			out = *existing
		}
		out.Status = timeline.StatusDone
		return out
	})
	logger.Info("execution request accepted", logger.FieldTaskID, taskID, logger.FieldCallID, pending.ID)
}

// ========================================
// 代码缓冲与提案
// ========================================

// SetCode 更新编辑器代码缓冲。
func (c *Controller) SetCode(code string) {
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()
	c.changed()
}

// Code 读取当前代码缓冲。
func (c *Controller) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// AcceptProposal 整体接受代码提案: 提案替换代码缓冲并清除。
// 无提案时返回 ErrNoPendingRequest。
func (c *Controller) AcceptProposal() error {
	c.mu.Lock()
	if !c.proposedSet {
		c.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrNoPendingRequest, "Controller.AcceptProposal", "no code proposal")
	}
	c.code = c.proposedCode
	c.proposedCode = ""
	c.proposedSet = false
	c.mu.Unlock()
	c.changed()
	return nil
}

// DiscardProposal 丢弃代码提案, 代码缓冲不变。
func (c *Controller) DiscardProposal() {
	c.mu.Lock()
	c.proposedCode = ""
	c.proposedSet = false
	c.mu.Unlock()
	c.changed()
}

// ========================================
// 状态快照
// ========================================

// PendingExec 快照里的执行审批摘要。
type PendingExec struct {
	TaskID   string `json:"taskId"`
	ActionID string `json:"actionId"`
}

// State 会话状态快照 (供 HTTP 层序列化)。
type State struct {
	Runs         []timeline.Run `json:"runs"`
	Loading      bool           `json:"loading"`
	ActiveTaskID string         `json:"activeTaskId,omitempty"`
	Cancelling   bool           `json:"cancelling"`
	Code         string         `json:"code"`
	ProposedCode string         `json:"proposedCode,omitempty"`
	HasProposal  bool           `json:"hasProposal"`
	PendingExec  *PendingExec   `json:"pendingExec,omitempty"`
}

// RunTimeline 返回单个 run 的时间线快照。未知 taskID 返回 ErrNotFound。
func (c *Controller) RunTimeline(taskID string) (timeline.Run, error) {
	run, ok := c.registry.Run(taskID)
	if !ok {
		return timeline.Run{}, apperrors.Wrapf(apperrors.ErrNotFound, "Controller.RunTimeline", "run %s", taskID)
	}
	return run, nil
}

// State 返回完整会话快照。
func (c *Controller) State() State {
	runs := c.registry.Snapshot()
	var pending *PendingExec
	if taskID, action, ok := c.registry.PendingExecRequest(); ok {
		pending = &PendingExec{TaskID: taskID, ActionID: action.ID}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Runs:         runs,
		Loading:      c.loading,
		ActiveTaskID: c.activeTaskID,
		Cancelling:   c.cancelling,
		Code:         c.code,
		ProposedCode: c.proposedCode,
		HasProposal:  c.proposedSet,
		PendingExec:  pending,
	}
}
