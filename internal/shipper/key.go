package shipper

import (
	"fmt"
	"sync/atomic"
	"time"
)

// BufferKey is the composite, totally ordered key assigned to every entry on
// insert: (monotonic_ns, counter). Lexicographic comparison of the two
// fields gives insertion order even when the clock component collides.
type BufferKey struct {
	MonotonicNS int64
	Counter     uint64
}

// Less reports whether k sorts strictly before other.
func (k BufferKey) Less(other BufferKey) bool {
	if k.MonotonicNS != other.MonotonicNS {
		return k.MonotonicNS < other.MonotonicNS
	}
	return k.Counter < other.Counter
}

// Compare returns -1, 0, or 1 the way sort.Interface-adjacent code expects.
func (k BufferKey) Compare(other BufferKey) int {
	switch {
	case k.Less(other):
		return -1
	case other.Less(k):
		return 1
	default:
		return 0
	}
}

// String renders the key as a fixed-width, lexicographically-sortable
// string.
func (k BufferKey) String() string {
	return fmt.Sprintf("%020d-%020d", k.MonotonicNS, k.Counter)
}

// keyGenerator produces strictly monotonic, duplicate-free BufferKeys. Each
// buffer owns its own generator, so the counter is per generator, not shared
// across the process: it starts from zero when the generator is created, is
// never persisted, and wraps only beyond math.MaxUint64, treated as
// unreachable.
type keyGenerator struct {
	counter   uint64
	bootEpoch int64
}

// newKeyGenerator starts a generator that adds bootEpoch to the monotonic
// component of every key. The persistent backend passes the largest mono_ns
// already on disk, so keys minted after a restart sort after the persisted
// ones; the volatile backend passes 0.
func newKeyGenerator(bootEpoch int64) *keyGenerator {
	return &keyGenerator{bootEpoch: bootEpoch}
}

// next returns a fresh key. Safe for concurrent use by many producers: the
// counter is an atomic add, and the clock read happens after the increment
// so two racing calls cannot observe the same (time, counter) pair.
func (g *keyGenerator) next() BufferKey {
	c := atomic.AddUint64(&g.counter, 1)
	return BufferKey{
		MonotonicNS: g.bootEpoch + monotonicNow(),
		Counter:     c,
	}
}

// processStart anchors monotonicNow. time.Since measures against the
// monotonic reading time.Time carries internally, never the wall clock, so
// it cannot go backward during the process's lifetime even if the system
// clock is adjusted underneath it.
var processStart = time.Now()

// monotonicNow returns nanoseconds elapsed since process start, sourced
// from the runtime's monotonic clock rather than the wall clock.
func monotonicNow() int64 {
	return int64(time.Since(processStart))
}
