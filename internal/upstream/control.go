// Package upstream 封装与 agent 服务端的两条通道:
//
//   - Control: REST 请求/响应 (enqueue / cancel / complete_tool)
//   - Conn: WebSocket 事件流 (每个用户会话一条, 只进不出)
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/ide-agent/go-ide-gateway/pkg/errors"
	"github.com/ide-agent/go-ide-gateway/pkg/logger"

	"github.com/ide-agent/go-ide-gateway/internal/timeline"
)

// ControlChannel 控制通道操作, 会话控制器依赖此接口 (测试可替换)。
type ControlChannel interface {
	Enqueue(ctx context.Context, query, code string, history []timeline.Message) (taskID string, err error)
	Cancel(ctx context.Context, taskID string) error
	CompleteTool(ctx context.Context, taskID, toolCallID, result string) error
}

// Control ControlChannel 的 HTTP 实现。
type Control struct {
	baseURL string
	userID  string
	hc      *http.Client
}

// NewControl 创建控制通道客户端。baseURL 形如 http://localhost:8000。
func NewControl(baseURL, userID string) *Control {
	return &Control{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

type enqueueRequest struct {
	UserID         string             `json:"user_id"`
	MessageHistory []timeline.Message `json:"message_history"`
	Query          string             `json:"query"`
	Code           string             `json:"code"`
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

type cancelRequest struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
}

type completeToolRequest struct {
	UserID     string `json:"user_id"`
	TaskID     string `json:"task_id"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
}

// Enqueue 提交新任务, 返回服务端分配的 task_id。
func (c *Control) Enqueue(ctx context.Context, query, code string, history []timeline.Message) (string, error) {
	if history == nil {
		history = []timeline.Message{}
	}
	req := enqueueRequest{UserID: c.userID, MessageHistory: history, Query: query, Code: code}
	var resp enqueueResponse
	if err := c.postJSON(ctx, "/api/enqueue", req, &resp); err != nil {
		return "", apperrors.Wrap(err, "Control.Enqueue", "enqueue task")
	}
	if strings.TrimSpace(resp.TaskID) == "" {
		return "", apperrors.New("Control.Enqueue", "server returned empty task_id")
	}
	return resp.TaskID, nil
}

// Cancel 请求取消任务。取消是观察性的: 本地不终结任何状态,
// 等服务端推送 run_cancelled 事件收尾。
func (c *Control) Cancel(ctx context.Context, taskID string) error {
	if err := c.postJSON(ctx, "/api/cancel", cancelRequest{UserID: c.userID, TaskID: taskID}, nil); err != nil {
		return apperrors.Wrapf(err, "Control.Cancel", "cancel task %s", taskID)
	}
	return nil
}

// CompleteTool 回传延迟工具调用的结果 (执行审批的 accept/reject 都走这里)。
func (c *Control) CompleteTool(ctx context.Context, taskID, toolCallID, result string) error {
	req := completeToolRequest{UserID: c.userID, TaskID: taskID, ToolCallID: toolCallID, Result: result}
	if err := c.postJSON(ctx, "/api/complete_tool", req, nil); err != nil {
		return apperrors.Wrapf(err, "Control.CompleteTool", "complete tool %s", toolCallID)
	}
	return nil
}

func (c *Control) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn("upstream request rejected",
			logger.FieldPath, path,
			logger.FieldStatus, resp.StatusCode)
		return fmt.Errorf("upstream %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
