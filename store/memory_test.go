package store_test

import (
	"testing"

	"github.com/kiralightyagami/polling/store"
	"github.com/kiralightyagami/polling/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}
