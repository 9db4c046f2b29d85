package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ide-agent/go-ide-gateway/internal/timeline"
)

type recordingWriter struct {
	mu    sync.Mutex
	calls []string
}

func (w *recordingWriter) InsertRun(ctx context.Context, taskID, prompt string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "run:"+taskID)
	return nil
}

func (w *recordingWriter) UpsertAction(ctx context.Context, taskID string, action timeline.Action) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "action:"+action.ID)
	return nil
}

// 落库必须按回调顺序串行: 动作行的自增 id 复现内存态的插入序,
// run 行先于它的动作提交。
func TestAsyncPersisterPreservesCallbackOrder(t *testing.T) {
	w := &recordingWriter{}
	p := newAsyncPersister(w)

	p.PersistRun(timeline.Run{TaskID: "t1", Prompt: "p"})
	const n = 50
	for i := 0; i < n; i++ {
		p.PersistAction("t1", timeline.Action{ID: fmt.Sprintf("a%d", i)})
	}
	p.Close()

	if len(w.calls) != n+1 {
		t.Fatalf("len(calls) = %d, want %d", len(w.calls), n+1)
	}
	if w.calls[0] != "run:t1" {
		t.Fatalf("calls[0] = %q, run must commit before its actions", w.calls[0])
	}
	for i := 0; i < n; i++ {
		want := fmt.Sprintf("action:a%d", i)
		if w.calls[i+1] != want {
			t.Fatalf("calls[%d] = %q, want %q", i+1, w.calls[i+1], want)
		}
	}
}

func TestAsyncPersisterCloseIdempotent(t *testing.T) {
	w := &recordingWriter{}
	p := newAsyncPersister(w)
	p.Close()
	p.Close()

	// 关闭后的投递静默丢弃, 不 panic
	p.PersistAction("t1", timeline.Action{ID: "late"})
	if len(w.calls) != 0 {
		t.Fatalf("calls = %v, want none after close", w.calls)
	}
}
