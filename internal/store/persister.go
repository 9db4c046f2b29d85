// persister.go — Registry → SessionStore 的异步落库桥。
//
// 注册表变更回调在持锁路径上触发, 落库必须不阻塞也不失败传播。
// 单 worker 按回调顺序串行写库: 动作行的自增 id 才能复现内存态的
// 插入序, run 行也保证先于它的动作落库。错误只记日志。
package store

import (
	"context"
	"sync"
	"time"

	"github.com/ide-agent/go-ide-gateway/pkg/logger"
	"github.com/ide-agent/go-ide-gateway/pkg/util"

	"github.com/ide-agent/go-ide-gateway/internal/timeline"
)

const (
	persistTimeout   = 5 * time.Second
	persistQueueSize = 1024
)

// sessionWriter SessionStore 的写入面, 便于测试替身。
type sessionWriter interface {
	InsertRun(ctx context.Context, taskID, prompt string) error
	UpsertAction(ctx context.Context, taskID string, action timeline.Action) error
}

// persistJob action 为 nil 时是 run 任务。
type persistJob struct {
	taskID string
	prompt string
	action *timeline.Action
}

// AsyncPersister 实现 timeline.Persister。
type AsyncPersister struct {
	writer sessionWriter

	mu     sync.Mutex
	queue  chan persistJob
	done   chan struct{}
	closed bool
}

// NewAsyncPersister 创建异步落库桥。store 未启用时返回 nil,
// 注册表按纯内存模式运行。
func NewAsyncPersister(store *SessionStore) *AsyncPersister {
	if !store.Enabled() {
		return nil
	}
	return newAsyncPersister(store)
}

func newAsyncPersister(writer sessionWriter) *AsyncPersister {
	p := &AsyncPersister{
		writer: writer,
		queue:  make(chan persistJob, persistQueueSize),
		done:   make(chan struct{}),
	}
	util.SafeGo(p.drain)
	return p
}

func (p *AsyncPersister) PersistRun(run timeline.Run) {
	p.enqueue(persistJob{taskID: run.TaskID, prompt: run.Prompt})
}

func (p *AsyncPersister) PersistAction(taskID string, action timeline.Action) {
	p.enqueue(persistJob{taskID: taskID, action: &action})
}

func (p *AsyncPersister) enqueue(job persistJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- job:
	default:
		// 队列打满说明数据库长时间不可用, 丢帧保内存态不阻塞
		logger.Warn("persist queue full, dropping", logger.FieldTaskID, job.taskID)
	}
}

// Close 停止接收新任务并等待队列排空。幂等。
func (p *AsyncPersister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func (p *AsyncPersister) drain() {
	defer close(p.done)
	for job := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if job.action != nil {
			if err := p.writer.UpsertAction(ctx, job.taskID, *job.action); err != nil {
				logger.Warn("persist action failed",
					logger.FieldTaskID, job.taskID,
					logger.FieldActionID, job.action.ID,
					logger.FieldError, err)
			}
		} else {
			if err := p.writer.InsertRun(ctx, job.taskID, job.prompt); err != nil {
				logger.Warn("persist run failed", logger.FieldTaskID, job.taskID, logger.FieldError, err)
			}
		}
		cancel()
	}
}
