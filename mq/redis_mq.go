package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// 消息队列的队列名称常量
const (
	MainQueueName       = "poll_events"             // 主队列
	ProcessingQueueName = "poll_events_processing"  // 处理中队列
	DeadLetterQueueName = "poll_events_dead_letter" // 死信队列
	RetriesHashName     = "poll_events_retries"     // 重试次数记录
	InflightHashName    = "poll_events_inflight"    // 消息开始处理的时间
	MessageIDSetName    = "poll_events_ids"         // 幂等性集合
)

// RedisMQOptions RedisMQ参数
type RedisMQOptions struct {
	ProcessingTimeout time.Duration // 消息处理超时时间
	RetryDelay        time.Duration // 重试延迟
	MaxRetries        int           // 最大重试次数
	PollTimeout       time.Duration // BRPOPLPUSH阻塞时间
}

// RedisMQ 基于Redis List实现的消息队列
//
// 消费时用 BRPOPLPUSH 把消息原子地移到处理中队列，处理失败按次数重试，超过次数进入死信队列。
type RedisMQ struct {
	client  redis.UniversalClient
	opts    RedisMQOptions
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	isRunning bool
	wg        sync.WaitGroup
}

// NewRedisMQ 创建新的基于Redis的消息队列
func NewRedisMQ(client redis.UniversalClient, opts RedisMQOptions) *RedisMQ {
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 5 * time.Minute // 默认5分钟超时
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second // 默认30秒重试延迟
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3 // 默认最大重试3次
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisMQ{
		client: client,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name 后端名称
func (r *RedisMQ) Name() string { return "redis" }

// Publish 发送事件到主队列，同一事件ID只入队一次
func (r *RedisMQ) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	// 幂等性检查，SADD返回0说明已经发送过
	added, err := r.client.SAdd(ctx, MessageIDSetName, ev.ID).Result()
	if err != nil {
		// 继续处理，不因此阻止业务
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("检查消息幂等性出错")
	} else if added == 0 {
		log.Debug().Str("event_id", ev.ID).Msg("消息已发送过，跳过")
		return nil
	}
	// 设置过期时间，避免集合无限增长
	r.client.Expire(ctx, MessageIDSetName, 48*time.Hour)

	if err := r.client.LPush(ctx, MainQueueName, data).Err(); err != nil {
		return fmt.Errorf("发送消息到队列失败: %w", err)
	}

	log.Debug().Str("queue", MainQueueName).Str("event_id", ev.ID).Msg("消息成功发送到Redis队列")
	return nil
}

// Consume 注册处理函数并启动消费者
func (r *RedisMQ) Consume(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("处理函数未注册")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return ErrQueueClosed
	}
	if r.isRunning {
		return nil // 已经在运行中
	}
	r.handler = handler
	r.isRunning = true

	// 启动主消费循环
	r.wg.Add(1)
	go r.consumeLoop()

	// 启动处理中消息的超时检查
	r.wg.Add(1)
	go r.timeoutCheckLoop()

	log.Info().Msg("Redis消息队列消费者已启动")
	return nil
}

// Close 关闭消费者，不关闭Redis客户端
func (r *RedisMQ) Close() error {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	wasRunning := r.isRunning
	r.isRunning = false
	r.mu.Unlock()

	if wasRunning {
		log.Info().Msg("Redis消息队列消费者已关闭")
	}
	return nil
}

// 主消费循环
func (r *RedisMQ) consumeLoop() {
	defer r.wg.Done()

	for r.ctx.Err() == nil {
		// 使用BRPOPLPUSH原子操作从主队列获取并移动到处理中队列
		result, err := r.client.BRPopLPush(r.ctx, MainQueueName, ProcessingQueueName, r.opts.PollTimeout).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && r.ctx.Err() == nil { // 忽略超时错误
				log.Error().Err(err).Msg("从队列获取消息失败")
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}

		// 同一队列内按顺序处理，保证同一投票的事件有序
		r.processMessage(result)
	}
}

// 超时检查循环
func (r *RedisMQ) timeoutCheckLoop() {
	defer r.wg.Done()

	interval := r.opts.ProcessingTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.checkTimeouts()
		}
	}
}

// checkTimeouts 处理中队列里超时的消息重新入队
func (r *RedisMQ) checkTimeouts() {
	messages, err := r.client.LRange(r.ctx, ProcessingQueueName, 0, -1).Result()
	if err != nil {
		log.Error().Err(err).Msg("获取处理中队列消息失败")
		return
	}

	now := time.Now().Unix()
	for _, msgData := range messages {
		var ev Event
		if err := json.Unmarshal([]byte(msgData), &ev); err != nil {
			log.Error().Err(err).Msg("解析消息数据失败")
			r.moveToDeadLetter(msgData)
			continue
		}

		since, err := r.client.HGet(r.ctx, InflightHashName, ev.ID).Int64()
		if err != nil || now-since <= int64(r.opts.ProcessingTimeout.Seconds()) {
			continue
		}

		log.Warn().Str("event_id", ev.ID).Msg("消息处理超时，重新入队")
		r.retryOrDeadLetter(&ev, msgData)
	}
}

// 处理单个消息
func (r *RedisMQ) processMessage(msgData string) {
	var ev Event
	if err := json.Unmarshal([]byte(msgData), &ev); err != nil {
		log.Error().Err(err).Msg("解析消息失败")
		r.moveToDeadLetter(msgData)
		return
	}

	r.client.HSet(r.ctx, InflightHashName, ev.ID, time.Now().Unix())

	if err := r.handler(r.ctx, &ev); err != nil {
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("处理消息失败")
		r.retryOrDeadLetter(&ev, msgData)
		return
	}

	// 处理成功，从处理中队列移除
	r.client.HDel(r.ctx, InflightHashName, ev.ID)
	r.client.HDel(r.ctx, RetriesHashName, ev.ID)
	r.client.LRem(r.ctx, ProcessingQueueName, 1, msgData)
}

// retryOrDeadLetter 未超过最大重试次数时延迟重新入队，否则移至死信队列
func (r *RedisMQ) retryOrDeadLetter(ev *Event, msgData string) {
	r.client.HDel(r.ctx, InflightHashName, ev.ID)

	retries, err := r.client.HIncrBy(r.ctx, RetriesHashName, ev.ID, 1).Result()
	if err != nil || retries > int64(r.opts.MaxRetries) {
		log.Warn().Str("event_id", ev.ID).Int64("retries", retries).Msg("消息超过最大重试次数，移至死信队列")
		r.moveToDeadLetter(msgData)
		return
	}

	r.client.LRem(r.ctx, ProcessingQueueName, 1, msgData)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(r.opts.RetryDelay):
		case <-r.ctx.Done():
		}
		// 关闭时也放回主队列，等待下次启动
		if err := r.client.LPush(context.Background(), MainQueueName, msgData).Err(); err != nil {
			log.Error().Err(err).Str("event_id", ev.ID).Msg("消息重新入队失败")
			return
		}
		log.Debug().Str("event_id", ev.ID).Int64("retries", retries).Msg("消息重新入队")
	}()
}

// 将消息移动到死信队列
func (r *RedisMQ) moveToDeadLetter(msgData string) {
	r.client.LPush(r.ctx, DeadLetterQueueName, msgData)
	r.client.LRem(r.ctx, ProcessingQueueName, 1, msgData)
}

// RetryDeadLetters 将死信队列中的消息移回主队列，返回移动的条数
func (r *RedisMQ) RetryDeadLetters(ctx context.Context) (int, error) {
	messages, err := r.client.LRange(ctx, DeadLetterQueueName, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("获取死信队列消息失败: %w", err)
	}

	count := 0
	for _, msgData := range messages {
		if err := r.client.LPush(ctx, MainQueueName, msgData).Err(); err != nil {
			log.Error().Err(err).Msg("重新入队消息失败")
			continue
		}
		r.client.LRem(ctx, DeadLetterQueueName, 1, msgData)

		// 重置重试计数
		var ev Event
		if json.Unmarshal([]byte(msgData), &ev) == nil {
			r.client.HDel(ctx, RetriesHashName, ev.ID)
		}
		count++
	}

	log.Info().Int("count", count).Msg("死信队列消息已移回主队列")
	return count, nil
}

// Stats 获取各队列的消息数量统计
func (r *RedisMQ) Stats(ctx context.Context) map[string]int64 {
	stats := make(map[string]int64)

	mainLen, _ := r.client.LLen(ctx, MainQueueName).Result()
	procLen, _ := r.client.LLen(ctx, ProcessingQueueName).Result()
	deadLen, _ := r.client.LLen(ctx, DeadLetterQueueName).Result()

	stats["main_queue"] = mainLen
	stats["processing_queue"] = procLen
	stats["dead_letter_queue"] = deadLen
	return stats
}
