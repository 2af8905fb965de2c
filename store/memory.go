package store

import (
	"context"
	"sync"

	"github.com/kiralightyagami/polling/keys"
)

const lockStripes = 256

type entry struct {
	kind  Kind
	value []byte
}

// MemoryStore 进程内存储
//
// 写入按地址分段加锁，不同投票的操作可以并行执行。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[keys.Address]entry
	stripes [lockStripes]sync.Mutex
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[keys.Address]entry)}
}

// Name 后端名称
func (s *MemoryStore) Name() string { return "memory" }

// Close 内存存储无需关闭
func (s *MemoryStore) Close() error { return nil }

// Get 读取记录
func (s *MemoryStore) Get(_ context.Context, addr keys.Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

// Len 记录数量
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Update 锁定声明的地址后执行fn
func (s *MemoryStore) Update(ctx context.Context, addrs []keys.Address, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lock(addrs)
	defer unlock()

	tx := &memoryTx{
		store:    s,
		declared: NewAddressSet(addrs),
		writes:   make(map[keys.Address]entry),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	for addr, e := range tx.writes {
		s.records[addr] = e
	}
	s.mu.Unlock()
	return nil
}

// lock 按升序获取地址对应的分段锁
func (s *MemoryStore) lock(addrs []keys.Address) func() {
	var taken [lockStripes]bool
	for _, a := range addrs {
		taken[a[0]] = true
	}

	var held []int
	for i := 0; i < lockStripes; i++ {
		if taken[i] {
			s.stripes[i].Lock()
			held = append(held, i)
		}
	}

	return func() {
		for j := len(held) - 1; j >= 0; j-- {
			s.stripes[held[j]].Unlock()
		}
	}
}

type memoryTx struct {
	store    *MemoryStore
	declared AddressSet
	writes   map[keys.Address]entry
}

func (t *memoryTx) Get(ctx context.Context, addr keys.Address) ([]byte, error) {
	if err := t.declared.Check(addr); err != nil {
		return nil, err
	}
	if e, ok := t.writes[addr]; ok {
		return cloneBytes(e.value), nil
	}
	return t.store.Get(ctx, addr)
}

func (t *memoryTx) Create(ctx context.Context, addr keys.Address, kind Kind, value []byte) error {
	if _, err := t.Get(ctx, addr); err == nil {
		return ErrExists
	} else if err != ErrNotFound {
		return err
	}
	t.writes[addr] = entry{kind: kind, value: cloneBytes(value)}
	return nil
}

func (t *memoryTx) Put(_ context.Context, addr keys.Address, kind Kind, value []byte) error {
	if err := t.declared.Check(addr); err != nil {
		return err
	}
	t.writes[addr] = entry{kind: kind, value: cloneBytes(value)}
	return nil
}

func cloneBytes(bz []byte) []byte {
	out := make([]byte, len(bz))
	copy(out, bz)
	return out
}
