package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// ExecutedCache is the local executed-digest fast path, backed by pebble.
// A hit here short-circuits a settlement attempt without a chain read; a
// miss (or any cache error) falls through to the authoritative
// orderExecuted query, so stale or lost cache state is never unsafe.
type ExecutedCache struct {
	db *pebble.DB
}

func OpenExecutedCache(path string) (*ExecutedCache, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &ExecutedCache{db: db}, nil
}

func (c *ExecutedCache) Close() error { return c.db.Close() }

// keys: x:<32-byte-digest>
func kExecuted(d common.Hash) []byte { return append([]byte("x:"), d[:]...) }

// MarkExecuted records a digest as spent.
func (c *ExecutedCache) MarkExecuted(digest common.Hash) error {
	return c.db.Set(kExecuted(digest), []byte{1}, pebble.Sync)
}

// IsExecuted reports whether the digest is known spent. Errors surface to
// the caller, which treats them as a miss.
func (c *ExecutedCache) IsExecuted(digest common.Hash) (bool, error) {
	_, closer, err := c.db.Get(kExecuted(digest))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// Release removes a digest, returning the order to the available state.
// Only called after the authoritative source confirmed no state change.
func (c *ExecutedCache) Release(digest common.Hash) error {
	return c.db.Delete(kExecuted(digest), pebble.Sync)
}
