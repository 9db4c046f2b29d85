// registry.go — Run Registry: taskID → Run 的全局会话状态。
//
// 单实例, 生命周期与用户会话一致。写入只来自两个入口 (Reducer 与
// 会话控制器), 读取来自 HTTP 快照接口, RWMutex 保护。
package timeline

import (
	"sync"
	"time"

	apperrors "github.com/ide-agent/go-ide-gateway/pkg/errors"
	"github.com/ide-agent/go-ide-gateway/pkg/logger"
)

// Run 一次 prompt 触发的请求/响应周期。Actions 按插入顺序排列,
// 即默认展示顺序; run 在会话内只增不删。
type Run struct {
	TaskID  string   `json:"taskId"`
	Prompt  string   `json:"prompt"`
	Actions []Action `json:"actions"`
}

// Persister 在每次变更后收到回调, 把状态落库。实现必须自行处理
// 失败 (注册表不会因持久化错误回滚内存状态)。
type Persister interface {
	PersistRun(run Run)
	PersistAction(taskID string, action Action)
}

// Registry Run Registry 本体。
type Registry struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	runOrder  []string // 创建顺序 (旧 → 新)
	persister Persister
}

// NewRegistry 创建空注册表。persister 可为 nil (纯内存模式)。
func NewRegistry(persister Persister) *Registry {
	return &Registry{
		runs:      make(map[string]*Run),
		persister: persister,
	}
}

// ========================================
// Run 生命周期
// ========================================

// CreateRun 注册新 run。taskID 已存在时返回 ErrDuplicateRun, 不会覆盖。
func (r *Registry) CreateRun(taskID, prompt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[taskID]; ok {
		return apperrors.Wrapf(apperrors.ErrDuplicateRun, "Registry.CreateRun", "run %s already exists", taskID)
	}
	r.createRunLocked(taskID, prompt)
	return nil
}

// EnsureRun 返回 taskID 对应的 run, 不存在则创建占位 run (空 prompt)。
// 事件先于本地 enqueue 确认到达时走这条路径。
func (r *Registry) EnsureRun(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[taskID]; ok {
		return
	}
	logger.Warn("event for unknown run, creating placeholder", logger.FieldTaskID, taskID)
	r.createRunLocked(taskID, "")
}

func (r *Registry) createRunLocked(taskID, prompt string) {
	run := &Run{TaskID: taskID, Prompt: prompt, Actions: []Action{}}
	r.runs[taskID] = run
	r.runOrder = append(r.runOrder, taskID)
	if r.persister != nil {
		r.persister.PersistRun(run.clone())
	}
}

// AttachPrompt 把已接受的 prompt 与其 user_message 动作绑定到 taskID。
//
// 常规路径: 新建 run 并追加动作。事件流跑在独立 goroutine 上, 服务端
// 事件可能赶在 enqueue 确认之前到达, 此时 run 已作为空 prompt 占位
// 存在: 回填 prompt, user_message 插到动作头部 (它在时间上先于一切
// 工具动作)。已有非空 prompt 视为真重复, 返回 ErrDuplicateRun。
func (r *Registry) AttachPrompt(taskID, prompt string, userMessage Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[taskID]
	if !ok {
		r.createRunLocked(taskID, prompt)
		r.appendActionLocked(r.runs[taskID], userMessage)
		return nil
	}
	if run.Prompt != "" {
		return apperrors.Wrapf(apperrors.ErrDuplicateRun, "Registry.AttachPrompt", "run %s already exists", taskID)
	}
	logger.Info("backfilling placeholder run", logger.FieldTaskID, taskID)
	run.Prompt = prompt
	if userMessage.Timestamp == "" {
		userMessage.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	run.Actions = append([]Action{userMessage}, run.Actions...)
	if r.persister != nil {
		r.persister.PersistRun(run.clone())
	}
	r.persistActionLocked(taskID, userMessage)
	return nil
}

// HydrateRun 启动时从持久层恢复 run, 不触发持久化回调。
// 重复 taskID 幂等跳过。
func (r *Registry) HydrateRun(taskID, prompt string, actions []Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[taskID]; ok {
		return
	}
	run := &Run{TaskID: taskID, Prompt: prompt, Actions: make([]Action, 0, len(actions))}
	for _, a := range actions {
		run.Actions = append(run.Actions, a.clone())
	}
	r.runs[taskID] = run
	r.runOrder = append(r.runOrder, taskID)
}

// ========================================
// Action 写入
// ========================================

// AddAction 追加动作。taskID 未知时静默丢弃 (记日志), 不报错 —
// 调用方无法对这种事件做任何事。
func (r *Registry) AddAction(taskID string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[taskID]
	if !ok {
		logger.Warn("addAction: unknown run, dropped",
			logger.FieldTaskID, taskID,
			logger.FieldActionID, action.ID)
		return
	}
	r.appendActionLocked(run, action)
}

// UpdateAction 读-改-写 + upsert: updater 收到现有动作的副本指针
// (不存在则 nil), 返回新动作; 存在则原位替换, 不存在则追加。
// completed/failed 事件可能是某个 call id 的首次出现, upsert 保证
// 无论到达顺序如何都能得到完整记录。
func (r *Registry) UpdateAction(taskID, actionID string, updater func(existing *Action) Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[taskID]
	if !ok {
		logger.Warn("updateAction: unknown run, dropped",
			logger.FieldTaskID, taskID,
			logger.FieldActionID, actionID)
		return
	}
	for i := range run.Actions {
		if run.Actions[i].ID == actionID {
			existing := run.Actions[i].clone()
			updated := updater(&existing)
			updated.ID = actionID
			run.Actions[i] = updated
			r.persistActionLocked(taskID, updated)
			return
		}
	}
	created := updater(nil)
	created.ID = actionID
	r.appendActionLocked(run, created)
}

func (r *Registry) appendActionLocked(run *Run, action Action) {
	if action.Timestamp == "" {
		action.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	run.Actions = append(run.Actions, action)
	r.persistActionLocked(run.TaskID, action)
}

func (r *Registry) persistActionLocked(taskID string, action Action) {
	if r.persister != nil {
		r.persister.PersistAction(taskID, action.clone())
	}
}

// ========================================
// 读取 / 派生
// ========================================

// Run 返回 taskID 对应 run 的深拷贝快照。
func (r *Registry) Run(taskID string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[taskID]
	if !ok {
		return Run{}, false
	}
	return run.clone(), true
}

// Snapshot 返回全部 run 的快照, 按创建顺序排列。
func (r *Registry) Snapshot() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Run, 0, len(r.runOrder))
	for _, taskID := range r.runOrder {
		if run, ok := r.runs[taskID]; ok {
			out = append(out, run.clone())
		}
	}
	return out
}

// PendingExecRequest 派生当前可操作的执行审批请求: 遍历全部 run
// (创建顺序) 取最后一个仍为 running 的 exec_request。UI 只展示最新
// 一条, 历史上更早的 running 请求会被后来者遮蔽。
func (r *Registry) PendingExecRequest() (taskID string, action Action, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.runOrder {
		run, exists := r.runs[id]
		if !exists {
			continue
		}
		for _, a := range run.Actions {
			if a.Kind == KindExecRequest && a.Status == StatusRunning {
				taskID, action, ok = id, a.clone(), true
			}
		}
	}
	return taskID, action, ok
}

// MessageHistory 汇总所有 run 的 final_answer 为 assistant 消息,
// 顺序为 run 创建序 → run 内动作序。提交新 prompt 时随 enqueue 上送。
func (r *Registry) MessageHistory() []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for _, id := range r.runOrder {
		run, exists := r.runs[id]
		if !exists {
			continue
		}
		for _, a := range run.Actions {
			if a.Kind == KindFinalAnswer {
				out = append(out, Message{Role: "assistant", Content: a.Content})
			}
		}
	}
	return out
}

func (run *Run) clone() Run {
	out := Run{TaskID: run.TaskID, Prompt: run.Prompt, Actions: make([]Action, 0, len(run.Actions))}
	for _, a := range run.Actions {
		out.Actions = append(out.Actions, a.clone())
	}
	return out
}
