package shipper

// KeyedEntry pairs a BufferKey with the Entry it was assigned to, the shape
// FetchBatch returns.
type KeyedEntry struct {
	Key   BufferKey
	Entry Entry
}

// Buffer is the ordered, bounded, multi-producer/single-consumer queue, with
// two interchangeable backends. The Dispatcher depends only on this
// interface.
type Buffer interface {
	// Store assigns a fresh key, applies overflow policy, and inserts.
	// Non-blocking and fire-and-forget from the caller's perspective.
	Store(entry Entry)

	// FetchBatch returns the limit smallest-keyed entries in ascending
	// key order without deleting them. Returns fewer if fewer exist.
	FetchBatch(limit int) ([]KeyedEntry, error)

	// DeleteUpTo deletes every entry whose key is <= key.
	DeleteUpTo(key BufferKey) error

	// Count returns the current number of entries.
	Count() (int, error)

	// Stop releases backend resources. Safe to call more than once.
	Stop() error
}

// overflowEvictCount computes how many of the smallest-keyed entries to
// evict before an insert that would otherwise exceed maxSize:
// max(floor(maxSize/10), 1).
func overflowEvictCount(maxSize int) int {
	n := maxSize / 10
	if n < 1 {
		n = 1
	}
	return n
}

// DropObserver is an optional metric hook an overflow eviction emits to.
// Nil is valid and means no observation.
type DropObserver func(dropped int)
