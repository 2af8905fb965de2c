package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const lockKeyPrefix = "poll:lock:"

// DistributedLockService 分布式锁服务，多个实例之间按投票串行化写操作
type DistributedLockService struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

// NewDistributedLockService 创建分布式锁服务
func NewDistributedLockService(client redis.UniversalClient, expiry time.Duration) *DistributedLockService {
	if expiry <= 0 {
		expiry = 5 * time.Second
	}

	// 使用现有的Redis客户端创建连接池
	pool := goredis.NewPool(client)

	log.Debug().Dur("expiry", expiry).Msg("分布式锁初始化成功")
	return &DistributedLockService{
		rs:     redsync.New(pool),
		expiry: expiry,
	}
}

// AcquireLock 获取锁，带重试
func (s *DistributedLockService) AcquireLock(ctx context.Context, lockName string) (*redsync.Mutex, error) {
	mutex := s.rs.NewMutex(lockKeyPrefix+lockName,
		redsync.WithExpiry(s.expiry),
		redsync.WithTries(32),                       // 最大重试次数
		redsync.WithRetryDelay(25*time.Millisecond), // 重试延迟
		redsync.WithDriftFactor(0.01),               // 时钟漂移因子
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, lockName, err)
	}
	return mutex, nil
}

// ReleaseLock 释放锁
func (s *DistributedLockService) ReleaseLock(ctx context.Context, mutex *redsync.Mutex) (bool, error) {
	return mutex.UnlockContext(ctx)
}

// WithLock 在锁内执行操作
func (s *DistributedLockService) WithLock(ctx context.Context, lockName string, action func() error) error {
	mutex, err := s.AcquireLock(ctx, lockName)
	if err != nil {
		return err
	}

	// 确保解锁；锁过期后解锁失败只记录日志
	defer func() {
		if ok, err := s.ReleaseLock(context.WithoutCancel(ctx), mutex); err != nil || !ok {
			log.Warn().Err(err).Str("lock", lockName).Msg("释放分布式锁失败")
		}
	}()

	return action()
}
