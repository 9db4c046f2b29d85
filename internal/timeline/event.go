// event.go — 上游事件的解码与宽容提取。
//
// 入站消息形如 {event_type, task_id, timestamp, data, error?}, data 的内部
// 结构随服务端 agent 框架版本漂移, 所有字段访问都容忍缺失: 取不到就跳过。
package timeline

import (
	"encoding/json"
	"strings"

	apperrors "github.com/ide-agent/go-ide-gateway/pkg/errors"
)

// ========================================
// 事件类型 / 工具名
// ========================================

const (
	EventToolActionStarted   = "tool_action_started"
	EventToolActionCompleted = "tool_action_completed"
	EventToolActionFailed    = "tool_action_failed"
	EventAgentOutput         = "agent_output"
	EventRunCancelled        = "run_cancelled"
	EventRunFailed           = "run_failed"
)

const (
	ToolThink       = "think"
	ToolEditCode    = "edit_code"
	ToolExecRequest = "request_code_execution"
)

// AgentEvent 解码后的上游事件。Data 保持 raw, 由各 handler 按需解析。
type AgentEvent struct {
	EventType string          `json:"event_type"`
	TaskID    string          `json:"task_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// DecodeAgentEvent 在连接边界做一次封闭校验: event_type 与 task_id 必须存在。
func DecodeAgentEvent(raw []byte) (AgentEvent, error) {
	var ev AgentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return AgentEvent{}, apperrors.Wrap(err, "timeline.DecodeAgentEvent", "malformed event payload")
	}
	if strings.TrimSpace(ev.EventType) == "" {
		return AgentEvent{}, apperrors.Wrap(apperrors.ErrInvalidInput, "timeline.DecodeAgentEvent", "event missing event_type")
	}
	if strings.TrimSpace(ev.TaskID) == "" {
		return AgentEvent{}, apperrors.Wrap(apperrors.ErrInvalidInput, "timeline.DecodeAgentEvent", "event missing task_id")
	}
	return ev, nil
}

// dataMap 把 Data 解成 map, 失败返回 nil (调用方按缺失处理)。
func (ev AgentEvent) dataMap() map[string]any {
	if len(ev.Data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		return nil
	}
	return m
}

// ========================================
// 工具调用描述符
// ========================================

// ToolCall started/failed 事件中 data.args[0] 携带的调用描述,
// completed 事件则嵌在 data.result.tool_call 里。ID 是 start/complete
// 两侧共享的 join key。
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// toolCallFromArgs 从 data.args[0] 提取描述符; 形状不符返回 false。
func toolCallFromArgs(data map[string]any) (ToolCall, bool) {
	if data == nil {
		return ToolCall{}, false
	}
	args, ok := data["args"].([]any)
	if !ok || len(args) == 0 {
		return ToolCall{}, false
	}
	first, ok := args[0].(map[string]any)
	if !ok {
		return ToolCall{}, false
	}
	return toolCallFromMap(first)
}

// toolCallFromResult 从 data.result 提取描述符与工具输出。
func toolCallFromResult(data map[string]any) (ToolCall, any, bool) {
	if data == nil {
		return ToolCall{}, nil, false
	}
	result, ok := data["result"].(map[string]any)
	if !ok {
		return ToolCall{}, nil, false
	}
	var tc ToolCall
	if embedded, ok := result["tool_call"].(map[string]any); ok {
		tc, ok = toolCallFromMap(embedded)
		if !ok {
			return ToolCall{}, nil, false
		}
	} else {
		tc, ok = toolCallFromMap(result)
		if !ok {
			return ToolCall{}, nil, false
		}
	}
	output := firstPresent(result, "output", "content", "result")
	return tc, output, true
}

func toolCallFromMap(m map[string]any) (ToolCall, bool) {
	id := strings.TrimSpace(extractFirstString(m, "id", "tool_call_id", "call_id"))
	if id == "" {
		return ToolCall{}, false
	}
	name := strings.TrimSpace(extractFirstString(m, "name", "tool_name"))
	if name == "" {
		name = strings.TrimSpace(extractNestedFirstString(m, []string{"function", "name"}))
	}
	return ToolCall{ID: id, Name: name, Arguments: extractArguments(m)}, true
}

// extractArguments 参数可能是 map, 也可能是 JSON 字符串 (OpenAI 风格)。
func extractArguments(m map[string]any) map[string]any {
	raw, ok := m["arguments"]
	if !ok {
		if fn, ok := m["function"].(map[string]any); ok {
			raw = fn["arguments"]
		}
	}
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed
		}
	}
	return nil
}

// extractNewCode completed 事件里 edit_code 工具的代码提案。
func extractNewCode(output any) (string, bool) {
	m, ok := output.(map[string]any)
	if !ok {
		return "", false
	}
	code, ok := m["new_code"].(string)
	if !ok || strings.TrimSpace(code) == "" {
		return "", false
	}
	return code, true
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func extractFirstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		if text, ok := value.(string); ok {
			return text
		}
	}
	return ""
}

func extractNestedFirstString(payload map[string]any, paths ...[]string) string {
	for _, path := range paths {
		if len(path) == 0 {
			continue
		}
		current := any(payload)
		matched := true
		for _, key := range path {
			nextMap, ok := current.(map[string]any)
			if !ok {
				matched = false
				break
			}
			next, ok := nextMap[key]
			if !ok {
				matched = false
				break
			}
			current = next
		}
		if !matched {
			continue
		}
		if text, ok := current.(string); ok {
			trimmed := strings.TrimSpace(text)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
