package shipper

import (
	"sync"

	"github.com/google/btree"
)

// MemoryBuffer is the volatile Buffer backend: an in-process ordered
// collection backed by github.com/google/btree, giving up persistence for
// throughput. Readers may run concurrently with each other; writes (store,
// overflow eviction, delete) are serialized through a single RWMutex writer
// lock to preserve ordering.
type MemoryBuffer struct {
	mu           sync.RWMutex
	tree         *btree.BTreeG[KeyedEntry]
	keys         *keyGenerator
	maxSize      int
	dropObserver DropObserver
}

func keyedEntryLess(a, b KeyedEntry) bool {
	return a.Key.Less(b.Key)
}

// NewMemoryBuffer constructs a volatile Buffer capped at maxSize entries.
func NewMemoryBuffer(maxSize int, onDrop DropObserver) *MemoryBuffer {
	return &MemoryBuffer{
		tree:         btree.NewG(32, keyedEntryLess),
		keys:         newKeyGenerator(0),
		maxSize:      maxSize,
		dropObserver: onDrop,
	}
}

// Store implements Buffer.
func (b *MemoryBuffer) Store(entry Entry) {
	entry.Labels = cloneLabels(entry.Labels)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tree.Len() >= b.maxSize {
		b.evictLocked()
	}

	key := b.keys.next()
	b.tree.ReplaceOrInsert(KeyedEntry{Key: key, Entry: entry})
}

// evictLocked removes the oldest overflowEvictCount entries. Caller must
// hold b.mu for writing.
func (b *MemoryBuffer) evictLocked() {
	n := overflowEvictCount(b.maxSize)
	victims := make([]BufferKey, 0, n)
	b.tree.Ascend(func(item KeyedEntry) bool {
		victims = append(victims, item.Key)
		return len(victims) < n
	})
	for _, k := range victims {
		b.tree.Delete(KeyedEntry{Key: k})
	}
	if b.dropObserver != nil && len(victims) > 0 {
		b.dropObserver(len(victims))
	}
}

// FetchBatch implements Buffer.
func (b *MemoryBuffer) FetchBatch(limit int) ([]KeyedEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]KeyedEntry, 0, limit)
	b.tree.Ascend(func(item KeyedEntry) bool {
		out = append(out, item)
		return len(out) < limit
	})
	return out, nil
}

// DeleteUpTo implements Buffer.
func (b *MemoryBuffer) DeleteUpTo(key BufferKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	victims := make([]BufferKey, 0)
	b.tree.Ascend(func(item KeyedEntry) bool {
		if key.Less(item.Key) {
			return false
		}
		victims = append(victims, item.Key)
		return true
	})
	for _, k := range victims {
		b.tree.Delete(KeyedEntry{Key: k})
	}
	return nil
}

// Count implements Buffer.
func (b *MemoryBuffer) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len(), nil
}

// Stop implements Buffer: frees the tree fully.
func (b *MemoryBuffer) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Clear(false)
	return nil
}
