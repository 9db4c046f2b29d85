package timeline

import (
	"encoding/json"
	"fmt"
	"testing"
)

// fakeIDs 确定性 ID 生成, 避免测试依赖时钟。
type fakeIDs struct{ n int }

func (g *fakeIDs) NextID(kind string) string {
	g.n += 1
	return fmt.Sprintf("%s-%d", kind, g.n)
}

type fakeSink struct {
	proposed []string
	finished []string
}

func (s *fakeSink) ProposedCode(code string)  { s.proposed = append(s.proposed, code) }
func (s *fakeSink) RunFinished(taskID string) { s.finished = append(s.finished, taskID) }

func newTestReducer() (*Reducer, *Registry, *fakeSink) {
	registry := NewRegistry(nil)
	sink := &fakeSink{}
	return NewReducer(registry, &fakeIDs{}, sink), registry, sink
}

func mustEvent(t *testing.T, eventType, taskID string, data any) AgentEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	return AgentEvent{EventType: eventType, TaskID: taskID, Timestamp: "2026-01-02T03:04:05Z", Data: raw}
}

func startedEvent(t *testing.T, taskID, callID, tool string, args map[string]any) AgentEvent {
	t.Helper()
	return mustEvent(t, EventToolActionStarted, taskID, map[string]any{
		"args": []any{map[string]any{"id": callID, "name": tool, "arguments": args}},
	})
}

func completedEvent(t *testing.T, taskID, callID, tool string, output any) AgentEvent {
	t.Helper()
	return mustEvent(t, EventToolActionCompleted, taskID, map[string]any{
		"result": map[string]any{
			"tool_call": map[string]any{"id": callID, "name": tool},
			"output":    output,
		},
	})
}

func TestToolStartedInsertsRunningAction(t *testing.T) {
	r, registry, _ := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(startedEvent(t, "t1", "c1", "search_docs", map[string]any{"query": "go"}))

	run, _ := registry.Run("t1")
	if len(run.Actions) != 1 {
		t.Fatalf("len(Actions) = %d, want 1", len(run.Actions))
	}
	a := run.Actions[0]
	if a.ID != "c1" || a.Kind != KindToolStarted || a.Status != StatusRunning {
		t.Errorf("action = %+v, want tool_started/running keyed by c1", a)
	}
	if a.Arguments["query"] != "go" {
		t.Errorf("Arguments = %v, want query=go", a.Arguments)
	}
}

func TestExecRequestStartedCarriesRejectResponse(t *testing.T) {
	r, registry, _ := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(startedEvent(t, "t1", "c1", ToolExecRequest, map[string]any{
		"response_on_reject": "User said no.",
	}))

	run, _ := registry.Run("t1")
	a := run.Actions[0]
	if a.Kind != KindExecRequest || a.Status != StatusRunning {
		t.Fatalf("action = %+v, want exec_request/running", a)
	}
	if a.ResponseOnReject != "User said no." {
		t.Errorf("ResponseOnReject = %q, want %q", a.ResponseOnReject, "User said no.")
	}
}

func TestCompletedBeforeStartedStillProducesDoneRecord(t *testing.T) {
	r, registry, _ := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(completedEvent(t, "t1", "c1", "search_docs", "results"))
	// started 迟到, 不得重复也不得降级
	r.Apply(startedEvent(t, "t1", "c1", "search_docs", map[string]any{"query": "go"}))

	run, _ := registry.Run("t1")
	if len(run.Actions) != 1 {
		t.Fatalf("len(Actions) = %d, want 1 (no duplicate)", len(run.Actions))
	}
	a := run.Actions[0]
	if a.Kind != KindToolCompleted || a.Status != StatusDone {
		t.Errorf("action = %+v, want tool_completed/done preserved", a)
	}
	if a.Arguments["query"] != "go" {
		t.Errorf("late started must merge arguments, got %v", a.Arguments)
	}
}

func TestStartedThenCompletedReplacesInPlace(t *testing.T) {
	r, registry, _ := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(startedEvent(t, "t1", "c1", "search_docs", map[string]any{"query": "go"}))
	r.Apply(completedEvent(t, "t1", "c1", "search_docs", "results"))

	run, _ := registry.Run("t1")
	if len(run.Actions) != 1 {
		t.Fatalf("len(Actions) = %d, want 1", len(run.Actions))
	}
	a := run.Actions[0]
	if a.Kind != KindToolCompleted || a.Status != StatusDone {
		t.Errorf("action = %+v, want tool_completed/done", a)
	}
	if a.Result != "results" {
		t.Errorf("Result = %v, want %q", a.Result, "results")
	}
	if a.Arguments["query"] != "go" {
		t.Errorf("completed must keep started arguments, got %v", a.Arguments)
	}
}

func TestExecRequestCompletionSuppressed(t *testing.T) {
	r, registry, _ := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(startedEvent(t, "t1", "c1", ToolExecRequest, map[string]any{"response_on_reject": "no"}))
	r.Apply(completedEvent(t, "t1", "c1", ToolExecRequest, "ack"))

	run, _ := registry.Run("t1")
	if len(run.Actions) != 1 {
		t.Fatalf("len(Actions) = %d, want 1 (completion suppressed)", len(run.Actions))
	}
	if run.Actions[0].Kind != KindExecRequest || run.Actions[0].Status != StatusRunning {
		t.Errorf("action = %+v, exec_request must stay pending until user resolves", run.Actions[0])
	}
}

func TestEditCodeCompletionSurfacesProposal(t *testing.T) {
	r, registry, sink := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(completedEvent(t, "t1", "c1", ToolEditCode, map[string]any{"new_code": "print(1)\n"}))

	if len(sink.proposed) != 1 || sink.proposed[0] != "print(1)\n" {
		t.Fatalf("proposed = %v, want [print(1)\\n]", sink.proposed)
	}
	run, _ := registry.Run("t1")
	if len(run.Actions) != 1 || run.Actions[0].Kind != KindToolCompleted {
		t.Errorf("actions = %+v, want one tool_completed entry", run.Actions)
	}
}

func TestThinkCompletionSynthesizesThought(t *testing.T) {
	r, registry, _ := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(completedEvent(t, "t1", "c1", ToolThink, "need to sort first"))

	run, _ := registry.Run("t1")
	if len(run.Actions) != 2 {
		t.Fatalf("len(Actions) = %d, want tool_completed + assistant_thought", len(run.Actions))
	}
	thought := run.Actions[1]
	if thought.Kind != KindAssistantThought || thought.Content != "need to sort first" {
		t.Errorf("thought = %+v", thought)
	}
	if thought.ID == "c1" || thought.ID == "" {
		t.Errorf("thought.ID = %q, want freshly generated id", thought.ID)
	}
}

func TestToolFailedUpsertsFailedRecord(t *testing.T) {
	r, registry, _ := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	ev := mustEvent(t, EventToolActionFailed, "t1", map[string]any{
		"args": []any{map[string]any{"id": "c1", "name": "search_docs"}},
	})
	ev.Error = "boom"
	r.Apply(ev)

	run, _ := registry.Run("t1")
	a := run.Actions[0]
	if a.Kind != KindToolFailed || a.Status != StatusFailed || a.Error != "boom" {
		t.Errorf("action = %+v, want tool_failed/failed with error boom", a)
	}
}

func TestMalformedPayloadSkipped(t *testing.T) {
	r, registry, _ := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	// args 缺失
	r.Apply(mustEvent(t, EventToolActionStarted, "t1", map[string]any{"other": 1}))
	// result 缺少描述符
	r.Apply(mustEvent(t, EventToolActionCompleted, "t1", map[string]any{"result": map[string]any{"output": "x"}}))

	run, _ := registry.Run("t1")
	if len(run.Actions) != 0 {
		t.Fatalf("actions = %+v, malformed payloads must not mutate state", run.Actions)
	}
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	r, registry, sink := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(mustEvent(t, "heartbeat", "t1", map[string]any{}))

	run, _ := registry.Run("t1")
	if len(run.Actions) != 0 || len(sink.finished) != 0 {
		t.Error("unknown event type must be a pure no-op")
	}
}

func TestAgentOutputFinishesRun(t *testing.T) {
	r, registry, sink := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(mustEvent(t, EventAgentOutput, "t1", "here is the answer"))

	run, _ := registry.Run("t1")
	if len(run.Actions) != 1 {
		t.Fatalf("len(Actions) = %d, want 1", len(run.Actions))
	}
	a := run.Actions[0]
	if a.Kind != KindFinalAnswer || a.Status != StatusDone || a.Content != "here is the answer" {
		t.Errorf("action = %+v", a)
	}
	if len(sink.finished) != 1 || sink.finished[0] != "t1" {
		t.Errorf("finished = %v, want [t1]", sink.finished)
	}
}

func TestRunCancelledAddsFixedNotice(t *testing.T) {
	r, registry, sink := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(mustEvent(t, EventRunCancelled, "t1", nil))

	run, _ := registry.Run("t1")
	if run.Actions[0].Message != "Task was cancelled." {
		t.Errorf("Message = %q, want %q", run.Actions[0].Message, "Task was cancelled.")
	}
	if len(sink.finished) != 1 {
		t.Errorf("finished = %v, want run completion signal", sink.finished)
	}
}

func TestRunFailedAddsFixedNotice(t *testing.T) {
	r, registry, sink := newTestReducer()
	r.Apply(mustEvent(t, EventRunFailed, "t2", nil))

	// 未知 run 自动补占位
	run, ok := registry.Run("t2")
	if !ok {
		t.Fatal("placeholder run t2 missing")
	}
	if run.Actions[0].Kind != KindSystemNotice || run.Actions[0].Message != "Failed to get agent response." {
		t.Errorf("action = %+v", run.Actions[0])
	}
	if len(sink.finished) != 1 || sink.finished[0] != "t2" {
		t.Errorf("finished = %v, want [t2]", sink.finished)
	}
}

func TestDecodeAgentEventValidation(t *testing.T) {
	if _, err := DecodeAgentEvent([]byte(`{"task_id":"t1"}`)); err == nil {
		t.Error("missing event_type must fail decode")
	}
	if _, err := DecodeAgentEvent([]byte(`{"event_type":"agent_output"}`)); err == nil {
		t.Error("missing task_id must fail decode")
	}
	if _, err := DecodeAgentEvent([]byte(`not json`)); err == nil {
		t.Error("malformed JSON must fail decode")
	}
	ev, err := DecodeAgentEvent([]byte(`{"event_type":"agent_output","task_id":"t1","data":"hi"}`))
	if err != nil {
		t.Fatalf("DecodeAgentEvent() error = %v", err)
	}
	if ev.EventType != EventAgentOutput || ev.TaskID != "t1" {
		t.Errorf("decoded = %+v", ev)
	}
}

func TestToolCallArgumentsAsJSONString(t *testing.T) {
	r, registry, _ := newTestReducer()
	if err := registry.CreateRun("t1", "p"); err != nil {
		t.Fatal(err)
	}
	r.Apply(mustEvent(t, EventToolActionStarted, "t1", map[string]any{
		"args": []any{map[string]any{
			"id":       "c1",
			"function": map[string]any{"name": "search_docs", "arguments": `{"query":"go"}`},
		}},
	}))

	run, _ := registry.Run("t1")
	a := run.Actions[0]
	if a.ToolName != "search_docs" {
		t.Errorf("ToolName = %q, want search_docs", a.ToolName)
	}
	if a.Arguments["query"] != "go" {
		t.Errorf("Arguments = %v, want parsed JSON string", a.Arguments)
	}
}
