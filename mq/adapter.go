package mq

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config 消息队列配置
type Config struct {
	Backend     string // memory | redis | rocketmq | none
	NameServers []string
	Redis       RedisMQOptions
}

// NewQueue 按配置创建事件队列
//
// rocketmq 初始化失败且有可用的Redis客户端时自动切换到 Redis MQ。
func NewQueue(cfg Config, client redis.UniversalClient) (Queue, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryQueue(0), nil
	case "none":
		return NoopQueue{}, nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("Redis MQ 需要Redis客户端")
		}
		return NewRedisMQ(client, cfg.Redis), nil
	case "rocketmq":
		q, err := NewRocketMQ(RocketMQConfig{NameServers: cfg.NameServers})
		if err == nil {
			return q, nil
		}
		if client == nil {
			return nil, err
		}
		log.Warn().Err(err).Msg("RocketMQ初始化失败，切换到Redis MQ")
		return NewRedisMQ(client, cfg.Redis), nil
	default:
		return nil, fmt.Errorf("未知的消息队列类型: %s", cfg.Backend)
	}
}
