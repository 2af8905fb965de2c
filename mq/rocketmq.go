package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/rs/zerolog/log"
)

// 主题常量
const (
	TopicPollEvents = "poll_events"
)

// RocketMQConfig RocketMQ连接配置
type RocketMQConfig struct {
	NameServers   []string
	ProducerGroup string
	ConsumerGroup string
	Topic         string
}

// RocketMQ 基于RocketMQ的事件队列，同一投票的事件通过分区键进入同一队列并顺序消费
type RocketMQ struct {
	cfg      RocketMQConfig
	producer rocketmq.Producer

	mu       sync.Mutex
	consumer rocketmq.PushConsumer
	seen     *processedSet
}

// NewRocketMQ 创建并启动生产者
func NewRocketMQ(cfg RocketMQConfig) (*RocketMQ, error) {
	if len(cfg.NameServers) == 0 {
		cfg.NameServers = []string{"localhost:9876"} // 默认地址，与docker-compose一致
	}
	if cfg.ProducerGroup == "" {
		cfg.ProducerGroup = "poll_producer"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "poll_consumer"
	}
	if cfg.Topic == "" {
		cfg.Topic = TopicPollEvents
	}

	log.Info().Strs("name_servers", cfg.NameServers).Msg("初始化RocketMQ连接")

	p, err := rocketmq.NewProducer(
		producer.WithNameServer(cfg.NameServers),
		producer.WithGroupName(cfg.ProducerGroup),
		producer.WithRetry(2),
		producer.WithSendMsgTimeout(10*time.Second),
		producer.WithVIPChannel(false),
		producer.WithQueueSelector(producer.NewHashQueueSelector()), // 按分区键选择队列
	)
	if err != nil {
		return nil, fmt.Errorf("创建RocketMQ生产者失败: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("启动RocketMQ生产者失败: %w", err)
	}

	log.Info().Msg("RocketMQ生产者初始化成功")
	return &RocketMQ{
		cfg:      cfg,
		producer: p,
		seen:     newProcessedSet(24*time.Hour, 100000),
	}, nil
}

// Name 后端名称
func (q *RocketMQ) Name() string { return "rocketmq" }

// buildMessage 构造RocketMQ消息
func buildMessage(topic string, ev *Event) (*primitive.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("序列化消息失败: %w", err)
	}

	message := primitive.NewMessage(topic, body)
	message.WithTag(string(ev.Type))
	// 添加键 (用于消息去重)
	message.WithKeys([]string{ev.ID})
	// 设置分区键，确保同一投票的消息进入同一队列
	message.WithShardingKey(strconv.FormatUint(uint64(ev.PollID), 10))
	return message, nil
}

// Publish 同步发送事件
func (q *RocketMQ) Publish(ctx context.Context, ev *Event) error {
	message, err := buildMessage(q.cfg.Topic, ev)
	if err != nil {
		return err
	}

	res, err := q.producer.SendSync(ctx, message)
	if err != nil {
		return fmt.Errorf("发送消息失败: %w", err)
	}

	log.Debug().Str("msg_id", res.MsgID).Str("event_id", ev.ID).Str("queue", res.MessageQueue.String()).Msg("发送消息成功")
	return nil
}

// Consume 启动顺序消费者
func (q *RocketMQ) Consume(handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumer != nil {
		return nil
	}

	c, err := rocketmq.NewPushConsumer(
		consumer.WithNameServer(q.cfg.NameServers),
		consumer.WithGroupName(q.cfg.ConsumerGroup),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
		consumer.WithConsumerOrder(true), // 顺序消费
	)
	if err != nil {
		return fmt.Errorf("创建消息消费者失败: %w", err)
	}

	err = c.Subscribe(q.cfg.Topic, consumer.MessageSelector{
		Type:       consumer.TAG,
		Expression: "*",
	}, func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				log.Error().Err(err).Msg("解析消息失败")
				continue
			}

			// 幂等性检查 - 检查是否已处理过该消息
			if q.seen.Contains(ev.ID) {
				log.Debug().Str("event_id", ev.ID).Msg("消息已处理过，跳过")
				continue
			}

			if err := handler(ctx, &ev); err != nil {
				log.Warn().Err(err).Str("event_id", ev.ID).Msg("处理消息失败")
				// 对于顺序消息，处理失败会阻塞同一队列的后续消息
				return consumer.SuspendCurrentQueueAMoment, nil
			}
			q.seen.Add(ev.ID)
		}
		return consumer.ConsumeSuccess, nil
	})
	if err != nil {
		return fmt.Errorf("订阅主题失败: %w", err)
	}

	if err := c.Start(); err != nil {
		return fmt.Errorf("启动消费者失败: %w", err)
	}

	q.consumer = c
	log.Info().Str("topic", q.cfg.Topic).Msg("消息消费者启动成功")
	return nil
}

// Close 关闭生产者和消费者
func (q *RocketMQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumer != nil {
		if err := q.consumer.Shutdown(); err != nil {
			log.Error().Err(err).Msg("关闭RocketMQ消费者失败")
		}
		q.consumer = nil
	}
	if err := q.producer.Shutdown(); err != nil {
		return fmt.Errorf("关闭RocketMQ生产者失败: %w", err)
	}
	log.Info().Msg("RocketMQ生产者已关闭")
	return nil
}

// processedSet 已处理消息ID，超过ttl的记录在写入时清理
type processedSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	limit int
	ids   map[string]time.Time
	now   func() time.Time
}

func newProcessedSet(ttl time.Duration, limit int) *processedSet {
	return &processedSet{
		ttl:   ttl,
		limit: limit,
		ids:   make(map[string]time.Time),
		now:   time.Now,
	}
}

func (s *processedSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.ids[id]
	return ok && s.now().Sub(at) < s.ttl
}

func (s *processedSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if len(s.ids) >= s.limit {
		for k, at := range s.ids {
			if now.Sub(at) >= s.ttl {
				delete(s.ids, k)
			}
		}
	}
	// 仍然超过上限时整体清空，退化为至少一次投递
	if len(s.ids) >= s.limit {
		s.ids = make(map[string]time.Time)
	}
	s.ids[id] = now
}
