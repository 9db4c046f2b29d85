// Package timeline 维护每个 run 的动作时间线状态机。
//
// Run = 一次用户 prompt 触发的请求/响应周期; Action = 时间线上的一条
// 用户可见记录 (消息, 工具事件, 通知, 执行结果)。事件可能乱序到达,
// 所有写入都走 upsert 语义, completed 可以先于 started 出现。
package timeline

// ActionStatus 动作生命周期状态。
type ActionStatus string

const (
	StatusRunning ActionStatus = "running"
	StatusDone    ActionStatus = "done"
	StatusFailed  ActionStatus = "failed"
)

// ActionKind 动作类别, 决定渲染形态与哪些字段有意义。
type ActionKind string

const (
	KindUserMessage      ActionKind = "user_message"      // 用户提交的 prompt
	KindToolStarted      ActionKind = "tool_started"      // 工具调用开始
	KindExecRequest      ActionKind = "exec_request"      // 等待用户批准的代码执行请求
	KindToolCompleted    ActionKind = "tool_completed"    // 工具调用完成
	KindToolFailed       ActionKind = "tool_failed"       // 工具调用出错
	KindExecResult       ActionKind = "exec_result"       // 用户批准后的本地执行输出
	KindAssistantThought ActionKind = "assistant_thought" // 对用户可见的推理笔记
	KindFinalAnswer      ActionKind = "final_answer"      // run 的最终回复
	KindSystemNotice     ActionKind = "system_notice"     // 合成的系统通知 (取消/失败/拒绝)
)

// Action 时间线里的统一渲染记录。不同 Kind 只使用部分字段,
// JSON tag 带 omitempty, 空字段不出现在快照里。
type Action struct {
	ID        string       `json:"id"`
	Kind      ActionKind   `json:"kind"`
	Status    ActionStatus `json:"status"`
	Timestamp string       `json:"timestamp"`

	Content          string         `json:"content,omitempty"`          // user_message / assistant_thought / final_answer
	ToolName         string         `json:"toolName,omitempty"`         // tool_* 系列
	Arguments        map[string]any `json:"arguments,omitempty"`        // tool_started
	Result           any            `json:"result,omitempty"`           // tool_completed (原样透传工具输出)
	Error            string         `json:"error,omitempty"`            // tool_failed
	Output           string         `json:"output,omitempty"`           // exec_result
	ResponseOnReject string         `json:"responseOnReject,omitempty"` // exec_request
	Message          string         `json:"message,omitempty"`          // system_notice
}

// clone 深拷贝 (Arguments 浅拷贝一层, 值本身视为只读)。
func (a Action) clone() Action {
	out := a
	if a.Arguments != nil {
		args := make(map[string]any, len(a.Arguments))
		for k, v := range a.Arguments {
			args[k] = v
		}
		out.Arguments = args
	}
	return out
}

// Message 历史消息, 回传给上游 enqueue 接口。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
