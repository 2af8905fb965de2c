package mq

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultMemoryBuffer = 1024

// MemoryQueue 进程内事件队列，单个消费协程按发布顺序派发
type MemoryQueue struct {
	events chan *Event
	done   chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &MemoryQueue{
		events: make(chan *Event, buffer),
		done:   make(chan struct{}),
	}
}

// Name 后端名称
func (q *MemoryQueue) Name() string { return "memory" }

// Publish 发布事件，缓冲区满时阻塞直到ctx结束
func (q *MemoryQueue) Publish(ctx context.Context, ev *Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.events <- ev:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return fmt.Errorf("发布事件失败: %w", ctx.Err())
	}
}

// Consume 启动消费协程
func (q *MemoryQueue) Consume(handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return fmt.Errorf("消费者已启动")
	}
	q.started = true

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.done:
				return
			case ev := <-q.events:
				if err := handler(context.Background(), ev); err != nil {
					log.Warn().Err(err).Str("event_id", ev.ID).Msg("处理事件失败")
				}
			}
		}
	}()
	return nil
}

// Close 停止消费，未派发的事件被丢弃
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// NoopQueue 丢弃所有事件
type NoopQueue struct{}

func (NoopQueue) Name() string                          { return "none" }
func (NoopQueue) Publish(context.Context, *Event) error { return nil }
func (NoopQueue) Consume(Handler) error                 { return nil }
func (NoopQueue) Close() error                          { return nil }
