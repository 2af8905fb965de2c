package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config Redis连接配置
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewClient 创建Redis客户端并测试连接
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	log.Info().Str("addr", cfg.Addr).Msg("初始化Redis连接")

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 3 * time.Second,
		ReadTimeout: 3 * time.Second,
		PoolSize:    poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisNotAvailable, err)
	}

	log.Info().Str("addr", cfg.Addr).Msg("Redis连接初始化成功")
	return client, nil
}
