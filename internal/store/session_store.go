// Package store 会话时间线的 PostgreSQL 持久化。
//
// 两张表:
//   - session_runs:    run 元信息, ordinal 保证创建顺序可恢复
//   - session_actions: 动作记录, payload 整体存 JSONB,
//     UNIQUE(task_id, action_id) + ON CONFLICT DO UPDATE 承接 upsert
//
// 写入经 AsyncPersister 单 worker 串行, 首插顺序由自增 id 保留,
// 后续 upsert 不改变行位置, 与内存态的 "插入序即展示序" 语义一致
// (例外: user_message 可能因占位回填晚落库, 加载时归位到头部)。
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ide-agent/go-ide-gateway/internal/timeline"
)

// SessionStore session_runs / session_actions 存储。pool 为 nil 时
// 所有方法降级为 no-op (纯内存模式)。
type SessionStore struct {
	pool   *pgxpool.Pool
	userID string
}

// NewSessionStore 创建会话存储。
func NewSessionStore(pool *pgxpool.Pool, userID string) *SessionStore {
	return &SessionStore{pool: pool, userID: userID}
}

// Enabled 持久化是否开启。
func (s *SessionStore) Enabled() bool { return s != nil && s.pool != nil }

// EnsureSchema 建表 (幂等)。
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS session_runs (
			ordinal    BIGSERIAL,
			user_id    TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			prompt     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, task_id)
		);
		CREATE TABLE IF NOT EXISTS session_actions (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			action_id  TEXT NOT NULL,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, task_id, action_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure session schema: %w", err)
	}
	return nil
}

// InsertRun 落库新 run。重复 task_id 时只在新 prompt 非空时覆盖:
// 占位 run (空 prompt) 先落库、真实 prompt 经 AttachPrompt 回填后到,
// 这条 upsert 把回填同步到库里; 空 prompt 永远不会覆盖已有值。
func (s *SessionStore) InsertRun(ctx context.Context, taskID, prompt string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_runs (user_id, task_id, prompt)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, task_id) DO UPDATE SET prompt = EXCLUDED.prompt
		WHERE EXCLUDED.prompt <> ''`,
		s.userID, taskID, prompt)
	return err
}

// UpsertAction 落库动作。同一 (task_id, action_id) 已存在则整体替换
// payload, 行的插入位置不变。
func (s *SessionStore) UpsertAction(ctx context.Context, taskID string, action timeline.Action) error {
	if !s.Enabled() {
		return nil
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action %s: %w", action.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_actions (user_id, task_id, action_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, task_id, action_id)
		DO UPDATE SET payload = EXCLUDED.payload`,
		s.userID, taskID, action.ID, payload)
	return err
}

// RunRecord 历史加载结果。
type RunRecord struct {
	TaskID  string
	Prompt  string
	Actions []timeline.Action
}

// LoadSession 按创建顺序加载该用户的全部 run 与动作, 供启动时 hydrate。
func (s *SessionStore) LoadSession(ctx context.Context) ([]RunRecord, error) {
	if !s.Enabled() {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT task_id, prompt FROM session_runs
		WHERE user_id = $1 ORDER BY ordinal`, s.userID)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	var records []RunRecord
	index := map[string]int{}
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.TaskID, &rec.Prompt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		index[rec.TaskID] = len(records)
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	actionRows, err := s.pool.Query(ctx, `
		SELECT task_id, payload FROM session_actions
		WHERE user_id = $1 ORDER BY id`, s.userID)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var taskID string
		var payload []byte
		if err := actionRows.Scan(&taskID, &payload); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		i, ok := index[taskID]
		if !ok {
			continue
		}
		var action timeline.Action
		if err := json.Unmarshal(payload, &action); err != nil {
			return nil, fmt.Errorf("decode action for %s: %w", taskID, err)
		}
		records[i].Actions = append(records[i].Actions, action)
	}
	if err := actionRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	for i := range records {
		records[i].Actions = userMessageFirst(records[i].Actions)
	}
	return records, nil
}

// userMessageFirst 把 user_message 归位到动作列表头部。占位 run 回填
// 的场景下它的落库序晚于先到的工具动作, 自增 id 排序会把它排到后面,
// 而内存态里它恒为 run 的首个动作。
func userMessageFirst(actions []timeline.Action) []timeline.Action {
	out := make([]timeline.Action, 0, len(actions))
	for _, a := range actions {
		if a.Kind == timeline.KindUserMessage {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return actions
	}
	for _, a := range actions {
		if a.Kind != timeline.KindUserMessage {
			out = append(out, a)
		}
	}
	return out
}
