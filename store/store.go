// Package store 定义按地址访问记录的存储原语。
//
// 所有写操作都在 Update 内完成：声明要访问的地址，回调里的读写要么全部提交，要么全部丢弃。
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/kiralightyagami/polling/keys"
)

var (
	// ErrNotFound 地址上没有记录
	ErrNotFound = errors.New("record not found")
	// ErrExists 地址已被占用
	ErrExists = errors.New("record already exists")
	// ErrUndeclared 事务访问了未声明的地址
	ErrUndeclared = errors.New("address not declared in transaction")
	// ErrConflict 乐观事务重试次数用尽
	ErrConflict = errors.New("transaction conflict")
)

// Kind 记录类型
type Kind string

const (
	KindPoll  Kind = "poll"
	KindVoter Kind = "voter"
)

// Reader 按地址读取记录
type Reader interface {
	Get(ctx context.Context, addr keys.Address) ([]byte, error)
}

// Tx 一个原子单元内的读写
type Tx interface {
	Reader
	// Create 在空地址上创建记录，地址已占用时返回 ErrExists
	Create(ctx context.Context, addr keys.Address, kind Kind, value []byte) error
	// Put 创建或覆盖记录
	Put(ctx context.Context, addr keys.Address, kind Kind, value []byte) error
}

// Store 记录存储
type Store interface {
	Reader
	// Update 在一个原子单元内执行fn，fn返回错误时不提交任何写入
	Update(ctx context.Context, addrs []keys.Address, fn func(tx Tx) error) error
	// Name 后端名称
	Name() string
	Close() error
}

// SortAddresses 返回去重并升序排列的地址，用于按固定顺序加锁
func SortAddresses(addrs []keys.Address) []keys.Address {
	seen := make(map[keys.Address]struct{}, len(addrs))
	out := make([]keys.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// AddressSet 事务声明的地址集合
type AddressSet map[keys.Address]struct{}

// NewAddressSet 构造地址集合
func NewAddressSet(addrs []keys.Address) AddressSet {
	set := make(AddressSet, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return set
}

// Check 地址未声明时返回 ErrUndeclared
func (s AddressSet) Check(addr keys.Address) error {
	if _, ok := s[addr]; !ok {
		return ErrUndeclared
	}
	return nil
}
