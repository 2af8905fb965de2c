package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/store"
)

const (
	recordKeyPrefix = "record:"
	fieldKind       = "kind"
	fieldValue      = "value"

	defaultMaxRetries = 64

	// 冲突后重试的退避区间
	retryBaseDelay = 2 * time.Millisecond
	retryMaxDelay  = 100 * time.Millisecond
)

// RedisStore 基于Redis的记录存储
//
// 每条记录是一个哈希 record:<address>。Update 用 WATCH/MULTI/EXEC 做乐观事务，
// 被并发修改时重试，超过次数返回 store.ErrConflict。
type RedisStore struct {
	client     redis.UniversalClient
	maxRetries int
}

// NewRedisStore 创建Redis存储
func NewRedisStore(client redis.UniversalClient, maxRetries int) *RedisStore {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &RedisStore{client: client, maxRetries: maxRetries}
}

// Name 后端名称
func (s *RedisStore) Name() string { return "redis" }

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordKey(addr keys.Address) string {
	return recordKeyPrefix + addr.String()
}

// Get 读取记录
func (s *RedisStore) Get(ctx context.Context, addr keys.Address) ([]byte, error) {
	return getValue(ctx, s.client, addr)
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getValue(ctx context.Context, c hashGetter, addr keys.Address) ([]byte, error) {
	bz, err := c.HGet(ctx, recordKey(addr), fieldValue).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("读取记录失败: %w", err)
	}
	return bz, nil
}

// Update 以乐观事务执行fn
func (s *RedisStore) Update(ctx context.Context, addrs []keys.Address, fn func(tx store.Tx) error) error {
	sorted := store.SortAddresses(addrs)
	watched := make([]string, len(sorted))
	for i, a := range sorted {
		watched[i] = recordKey(a)
	}

	txf := func(rtx *redis.Tx) error {
		tx := &redisTx{
			rtx:      rtx,
			declared: store.NewAddressSet(sorted),
			writes:   make(map[keys.Address]pendingWrite),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.writes) == 0 {
			return nil
		}

		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for addr, w := range tx.writes {
				pipe.HSet(ctx, recordKey(addr), fieldKind, string(w.kind), fieldValue, w.value)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, watched...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		log.Debug().Int("attempt", attempt+1).Strs("keys", watched).Msg("Redis事务冲突，重试")

		timer := time.NewTimer(retryBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return store.ErrConflict
}

// retryBackoff 指数退避加全抖动，避免冲突的事务同时重试
func retryBackoff(attempt int) time.Duration {
	ceiling := retryMaxDelay
	if attempt < 16 {
		if d := retryBaseDelay << attempt; d < ceiling {
			ceiling = d
		}
	}
	return retryBaseDelay/2 + rand.N(ceiling)
}

type pendingWrite struct {
	kind  store.Kind
	value []byte
}

type redisTx struct {
	rtx      *redis.Tx
	declared store.AddressSet
	writes   map[keys.Address]pendingWrite
}

func (t *redisTx) Get(ctx context.Context, addr keys.Address) ([]byte, error) {
	if err := t.declared.Check(addr); err != nil {
		return nil, err
	}
	if w, ok := t.writes[addr]; ok {
		return w.value, nil
	}
	return getValue(ctx, t.rtx, addr)
}

func (t *redisTx) Create(ctx context.Context, addr keys.Address, kind store.Kind, value []byte) error {
	if _, err := t.Get(ctx, addr); err == nil {
		return store.ErrExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	t.writes[addr] = pendingWrite{kind: kind, value: value}
	return nil
}

func (t *redisTx) Put(_ context.Context, addr keys.Address, kind store.Kind, value []byte) error {
	if err := t.declared.Check(addr); err != nil {
		return err
	}
	t.writes[addr] = pendingWrite{kind: kind, value: value}
	return nil
}

var _ store.Store = (*RedisStore)(nil)
