package timeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDGenerator 生成合成动作的标识符。注入依赖, 测试可替换为确定性实现。
type IDGenerator interface {
	NextID(kind string) string
}

// seqIDGenerator 按 "kind-毫秒时间戳-序号" 生成, 序号单调递增保证进程内唯一。
type seqIDGenerator struct {
	mu  sync.Mutex
	seq int64
}

// NewSeqIDGenerator 返回默认的时间+序号生成器。
func NewSeqIDGenerator() IDGenerator {
	return &seqIDGenerator{}
}

func (g *seqIDGenerator) NextID(kind string) string {
	g.mu.Lock()
	g.seq += 1
	seq := g.seq
	g.mu.Unlock()
	if kind == "" {
		kind = "item"
	}
	return fmt.Sprintf("%s-%d-%d", kind, time.Now().UnixMilli(), seq)
}

type uuidIDGenerator struct{}

// NewUUIDGenerator 返回基于 UUID v4 的生成器, 用于需要全局唯一的场景 (持久化)。
func NewUUIDGenerator() IDGenerator {
	return uuidIDGenerator{}
}

func (uuidIDGenerator) NextID(kind string) string {
	if kind == "" {
		kind = "item"
	}
	return fmt.Sprintf("%s-%s", kind, uuid.NewString())
}
