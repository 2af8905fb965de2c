// Package mq 投票事件的发布与消费。
package mq

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kiralightyagami/polling/keys"
)

// EventType 事件类型
type EventType string

const (
	EventPollCreated     EventType = "poll_created"
	EventVoterRegistered EventType = "voter_registered"
	EventVoteCast        EventType = "vote_cast"
)

// ErrQueueClosed 队列已关闭
var ErrQueueClosed = errors.New("消息队列已关闭")

// Event 状态变化事件，在存储提交后发布
type Event struct {
	ID        string        `json:"id"` // 用于幂等性处理
	Type      EventType     `json:"type"`
	PollID    uint32        `json:"poll_id"`
	Voter     keys.Identity `json:"voter"`
	Option    *int          `json:"option,omitempty"`
	Tallies   []uint64      `json:"tallies"`
	Timestamp int64         `json:"timestamp"`
}

// NewEvent 创建带唯一ID的事件
func NewEvent(typ EventType, pollID uint32, voter keys.Identity, tallies []uint64) *Event {
	t := make([]uint64, len(tallies))
	copy(t, tallies)
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		PollID:    pollID,
		Voter:     voter,
		Tallies:   t,
		Timestamp: time.Now().Unix(),
	}
}

// WithOption 设置所选选项下标
func (e *Event) WithOption(option int) *Event {
	e.Option = &option
	return e
}

// Handler 事件处理函数，返回错误时由队列决定是否重试
type Handler func(ctx context.Context, ev *Event) error

// Queue 事件队列
type Queue interface {
	// Publish 发布事件
	Publish(ctx context.Context, ev *Event) error
	// Consume 注册处理函数并开始后台消费
	Consume(handler Handler) error
	// Name 后端名称
	Name() string
	Close() error
}
