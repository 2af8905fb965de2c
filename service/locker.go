package service

import (
	"context"
	"strconv"
	"sync"
)

// Locker 按名称串行化操作，cache.DistributedLockService 实现跨实例版本
type Locker interface {
	WithLock(ctx context.Context, name string, action func() error) error
}

// pollLockName 投票的锁名
func pollLockName(pollID uint32) string {
	return "poll:" + strconv.FormatUint(uint64(pollID), 10)
}

// LocalLocker 进程内按名称加锁，无人持有的锁会被回收
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker 创建进程内锁
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*refMutex)}
}

// WithLock 持有name对应的锁执行action，等待期间ctx结束则返回ctx错误
func (l *LocalLocker) WithLock(ctx context.Context, name string, action func() error) error {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &refMutex{ch: make(chan struct{}, 1)}
		l.locks[name] = m
	}
	m.refs++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}()

	select {
	case m.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.ch }()

	return action()
}

// NoopLocker 不加锁，只依赖存储自身的原子性
type NoopLocker struct{}

func (NoopLocker) WithLock(_ context.Context, _ string, action func() error) error {
	return action()
}
