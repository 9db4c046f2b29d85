// reducer.go — 事件归约器: 一条上游事件 → 一组注册表变更。
//
// 每种 event_type 对应一个 handler, 未识别类型记日志后忽略。
// 传输层不保证顺序, handler 不得假设 started 先于 completed 到达,
// 因此所有基于 call id 的写入都走 Registry.UpdateAction 的 upsert。
package timeline

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ide-agent/go-ide-gateway/pkg/logger"
)

// 终态事件合成的固定通知文案。
const (
	NoticeTaskCancelled = "Task was cancelled."
	NoticeRunFailed     = "Failed to get agent response."
)

// Sink 归约器向外部会话发出的信号。
type Sink interface {
	// ProposedCode edit_code 工具产出了新代码提案 (编辑器侧通道, 不进时间线)。
	ProposedCode(code string)
	// RunFinished run 到达终态 (最终回复 / 取消 / 失败), 会话应清理
	// loading、active-task 与 cancelling 标记。
	RunFinished(taskID string)
}

// Reducer 持有注册表与依赖, 自身无事件间状态 — 跨事件状态全部
// 存在 Action Store 里。
type Reducer struct {
	registry *Registry
	ids      IDGenerator
	sink     Sink
}

// NewReducer 构造归约器。sink 可为 nil (纯归约, 测试用)。
func NewReducer(registry *Registry, ids IDGenerator, sink Sink) *Reducer {
	return &Reducer{registry: registry, ids: ids, sink: sink}
}

type eventHandler func(*Reducer, AgentEvent)

var eventHandlers = map[string]eventHandler{
	EventToolActionStarted:   (*Reducer).handleToolStarted,
	EventToolActionCompleted: (*Reducer).handleToolCompleted,
	EventToolActionFailed:    (*Reducer).handleToolFailed,
	EventAgentOutput:         (*Reducer).handleAgentOutput,
	EventRunCancelled:        (*Reducer).handleRunCancelled,
	EventRunFailed:           (*Reducer).handleRunFailed,
}

// Apply 处理一条已解码事件。幂等安全: 畸形 payload 跳过并记日志,
// 不产生任何状态变更。
func (r *Reducer) Apply(ev AgentEvent) {
	handler, ok := eventHandlers[ev.EventType]
	if !ok {
		logger.Warn("unrecognized event type, ignored",
			logger.FieldEventType, ev.EventType,
			logger.FieldTaskID, ev.TaskID)
		return
	}
	r.registry.EnsureRun(ev.TaskID)
	handler(r, ev)
}

// ========================================
// tool_action_started / completed / failed
// ========================================

func (r *Reducer) handleToolStarted(ev AgentEvent) {
	tc, ok := toolCallFromArgs(ev.dataMap())
	if !ok {
		logger.Warn("tool started without call descriptor, skipped",
			logger.FieldTaskID, ev.TaskID)
		return
	}
	r.registry.UpdateAction(ev.TaskID, tc.ID, func(existing *Action) Action {
		if existing != nil {
			// completed/failed 已先到: 保留终态, 只补充 started 侧字段。
			merged := *existing
			if merged.ToolName == "" {
				merged.ToolName = tc.Name
			}
			if merged.Arguments == nil {
				merged.Arguments = tc.Arguments
			}
			return merged
		}
		if tc.Name == ToolExecRequest {
			return Action{
				Kind:             KindExecRequest,
				Status:           StatusRunning,
				Timestamp:        r.eventTime(ev),
				ToolName:         tc.Name,
				ResponseOnReject: extractFirstString(tc.Arguments, "response_on_reject"),
			}
		}
		return Action{
			Kind:      KindToolStarted,
			Status:    StatusRunning,
			Timestamp: r.eventTime(ev),
			ToolName:  tc.Name,
			Arguments: tc.Arguments,
		}
	})
}

func (r *Reducer) handleToolCompleted(ev AgentEvent) {
	tc, output, ok := toolCallFromResult(ev.dataMap())
	if !ok {
		logger.Warn("tool completed without call descriptor, skipped",
			logger.FieldTaskID, ev.TaskID)
		return
	}

	if tc.Name == ToolEditCode {
		if code, ok := extractNewCode(output); ok && r.sink != nil {
			r.sink.ProposedCode(code)
		}
	}
	if tc.Name == ToolExecRequest {
		// 执行请求的结果由用户本地 accept/reject 决定, 服务端的
		// completed 回执不产生时间线记录。
		return
	}

	r.registry.UpdateAction(ev.TaskID, tc.ID, func(existing *Action) Action {
		merged := Action{
			Kind:      KindToolCompleted,
			Status:    StatusDone,
			Timestamp: r.eventTime(ev),
			ToolName:  tc.Name,
			Result:    output,
		}
		if existing != nil {
			merged.Timestamp = existing.Timestamp
			merged.Arguments = existing.Arguments
			if merged.ToolName == "" {
				merged.ToolName = existing.ToolName
			}
		}
		return merged
	})

	// think 的字符串输出额外合成一条推理笔记。
	if tc.Name == ToolThink {
		if thought, ok := output.(string); ok && strings.TrimSpace(thought) != "" {
			r.registry.AddAction(ev.TaskID, Action{
				ID:        r.ids.NextID("thought"),
				Kind:      KindAssistantThought,
				Status:    StatusDone,
				Timestamp: r.eventTime(ev),
				Content:   thought,
			})
		}
	}
}

func (r *Reducer) handleToolFailed(ev AgentEvent) {
	tc, ok := toolCallFromArgs(ev.dataMap())
	if !ok {
		logger.Warn("tool failed without call descriptor, skipped",
			logger.FieldTaskID, ev.TaskID)
		return
	}
	r.registry.UpdateAction(ev.TaskID, tc.ID, func(existing *Action) Action {
		merged := Action{
			Kind:      KindToolFailed,
			Status:    StatusFailed,
			Timestamp: r.eventTime(ev),
			ToolName:  tc.Name,
			Error:     ev.Error,
		}
		if existing != nil {
			merged.Timestamp = existing.Timestamp
			merged.Arguments = existing.Arguments
			if merged.ToolName == "" {
				merged.ToolName = existing.ToolName
			}
		}
		return merged
	})
}

// ========================================
// 终态事件
// ========================================

func (r *Reducer) handleAgentOutput(ev AgentEvent) {
	r.registry.AddAction(ev.TaskID, Action{
		ID:        r.ids.NextID("answer"),
		Kind:      KindFinalAnswer,
		Status:    StatusDone,
		Timestamp: r.eventTime(ev),
		Content:   extractOutputText(ev.Data),
	})
	r.finishRun(ev.TaskID)
}

func (r *Reducer) handleRunCancelled(ev AgentEvent) {
	r.addNotice(ev, NoticeTaskCancelled)
	r.finishRun(ev.TaskID)
}

func (r *Reducer) handleRunFailed(ev AgentEvent) {
	r.addNotice(ev, NoticeRunFailed)
	r.finishRun(ev.TaskID)
}

func (r *Reducer) addNotice(ev AgentEvent, message string) {
	r.registry.AddAction(ev.TaskID, Action{
		ID:        r.ids.NextID("notice"),
		Kind:      KindSystemNotice,
		Status:    StatusDone,
		Timestamp: r.eventTime(ev),
		Message:   message,
	})
}

func (r *Reducer) finishRun(taskID string) {
	if r.sink != nil {
		r.sink.RunFinished(taskID)
	}
}

func (r *Reducer) eventTime(ev AgentEvent) string {
	if strings.TrimSpace(ev.Timestamp) != "" {
		return ev.Timestamp
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// extractOutputText agent_output 的 payload 可能是裸字符串,
// 也可能是带 content/output 字段的对象。
func extractOutputText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		if text := extractFirstString(m, "content", "output", "text", "message"); text != "" {
			return text
		}
	}
	return string(raw)
}
