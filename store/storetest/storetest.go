// Package storetest 提供所有存储后端共用的行为测试。
package storetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run 对newStore返回的存储执行通用行为测试
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), keys.PollAddress(1))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CreateThenGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		addr := keys.PollAddress(1)

		err := s.Update(ctx, []keys.Address{addr}, func(tx store.Tx) error {
			return tx.Create(ctx, addr, store.KindPoll, []byte(`{"id":1}`))
		})
		require.NoError(t, err)

		bz, err := s.Get(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, `{"id":1}`, string(bz))
	})

	t.Run("CreateOccupied", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		addr := keys.PollAddress(2)

		create := func(value string) error {
			return s.Update(ctx, []keys.Address{addr}, func(tx store.Tx) error {
				return tx.Create(ctx, addr, store.KindPoll, []byte(value))
			})
		}
		require.NoError(t, create("first"))
		assert.ErrorIs(t, create("second"), store.ErrExists)

		bz, err := s.Get(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, "first", string(bz))
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		addr := keys.PollAddress(3)

		for _, v := range []string{"v1", "v2"} {
			value := v
			require.NoError(t, s.Update(ctx, []keys.Address{addr}, func(tx store.Tx) error {
				return tx.Put(ctx, addr, store.KindPoll, []byte(value))
			}))
		}
		bz, err := s.Get(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(bz))
	})

	t.Run("ReadYourWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		addr := keys.PollAddress(4)

		err := s.Update(ctx, []keys.Address{addr}, func(tx store.Tx) error {
			if err := tx.Create(ctx, addr, store.KindPoll, []byte("x")); err != nil {
				return err
			}
			bz, err := tx.Get(ctx, addr)
			if err != nil {
				return err
			}
			assert.Equal(t, "x", string(bz))
			return tx.Create(ctx, addr, store.KindPoll, []byte("y"))
		})
		assert.ErrorIs(t, err, store.ErrExists)

		_, err = s.Get(ctx, addr)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := keys.PollAddress(5), keys.PollAddress(6)
		boom := errors.New("boom")

		err := s.Update(ctx, []keys.Address{a, b}, func(tx store.Tx) error {
			if err := tx.Put(ctx, a, store.KindPoll, []byte("a")); err != nil {
				return err
			}
			if err := tx.Put(ctx, b, store.KindPoll, []byte("b")); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.Get(ctx, a)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Get(ctx, b)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Undeclared", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		declared, other := keys.PollAddress(7), keys.PollAddress(8)

		err := s.Update(ctx, []keys.Address{declared}, func(tx store.Tx) error {
			return tx.Put(ctx, other, store.KindPoll, []byte("x"))
		})
		assert.ErrorIs(t, err, store.ErrUndeclared)
	})

	t.Run("ConcurrentIncrements", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		addr := keys.PollAddress(9)
		require.NoError(t, s.Update(ctx, []keys.Address{addr}, func(tx store.Tx) error {
			return tx.Create(ctx, addr, store.KindPoll, []byte("0"))
		}))

		const workers = 20
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Update(ctx, []keys.Address{addr}, func(tx store.Tx) error {
					bz, err := tx.Get(ctx, addr)
					if err != nil {
						return err
					}
					n, err := strconv.Atoi(string(bz))
					if err != nil {
						return err
					}
					return tx.Put(ctx, addr, store.KindPoll, []byte(strconv.Itoa(n+1)))
				})
			}()
		}
		wg.Wait()
		close(errs)

		committed := 0
		for err := range errs {
			if err == nil {
				committed++
				continue
			}
			// 乐观事务后端在竞争过大时可能放弃
			assert.ErrorIs(t, err, store.ErrConflict)
		}

		bz, err := s.Get(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(committed), string(bz))
	})
}
