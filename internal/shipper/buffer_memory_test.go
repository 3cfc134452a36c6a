package shipper

import (
	"strconv"
	"testing"
)

func entryWithMessage(msg string) Entry {
	return Entry{Level: LevelInfo, Message: msg, Labels: map[string]string{"level": "info"}}
}

func TestMemoryBufferOrdering(t *testing.T) {
	buf := NewMemoryBuffer(100, nil)
	defer buf.Stop()

	for _, m := range []string{"a", "b", "c", "d", "e"} {
		buf.Store(entryWithMessage(m))
	}

	batch, err := buf.FetchBatch(10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(batch))
	}
	want := []string{"a", "b", "c", "d", "e"}
	for i, ke := range batch {
		if ke.Entry.Message != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], ke.Entry.Message)
		}
	}
}

func TestMemoryBufferFetchBatchLimit(t *testing.T) {
	buf := NewMemoryBuffer(100, nil)
	defer buf.Stop()

	for i := 0; i < 10; i++ {
		buf.Store(entryWithMessage("x"))
	}

	batch, err := buf.FetchBatch(3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(batch))
	}
}

func TestMemoryBufferDeleteUpTo(t *testing.T) {
	buf := NewMemoryBuffer(100, nil)
	defer buf.Stop()

	for i := 0; i < 5; i++ {
		buf.Store(entryWithMessage("x"))
	}

	batch, _ := buf.FetchBatch(3)
	maxKey := batch[len(batch)-1].Key

	if err := buf.DeleteUpTo(maxKey); err != nil {
		t.Fatalf("delete: %v", err)
	}

	count, _ := buf.Count()
	if count != 2 {
		t.Fatalf("expected 2 remaining, got %d", count)
	}
}

func TestMemoryBufferOverflowEviction(t *testing.T) {
	var dropped int
	buf := NewMemoryBuffer(10, func(n int) { dropped += n })
	defer buf.Stop()

	for i := 1; i <= 15; i++ {
		buf.Store(entryWithMessage(msgN(i)))
	}

	count, _ := buf.Count()
	if count != 10 {
		t.Fatalf("expected count 10 after overflow, got %d", count)
	}
	if dropped != 5 {
		t.Fatalf("expected 5 dropped, got %d", dropped)
	}

	batch, _ := buf.FetchBatch(100)
	if len(batch) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(batch))
	}
	if batch[0].Entry.Message != msgN(6) {
		t.Errorf("expected oldest surviving message %q, got %q", msgN(6), batch[0].Entry.Message)
	}
	if batch[9].Entry.Message != msgN(15) {
		t.Errorf("expected newest message %q, got %q", msgN(15), batch[9].Entry.Message)
	}
}

func TestMemoryBufferCountNeverExceedsMax(t *testing.T) {
	buf := NewMemoryBuffer(5, nil)
	defer buf.Stop()

	for i := 0; i < 50; i++ {
		buf.Store(entryWithMessage("x"))
		count, _ := buf.Count()
		if count > 5 {
			t.Fatalf("count %d exceeded max_buffer_size after store %d", count, i)
		}
	}
}

func msgN(n int) string {
	return "msg " + strconv.Itoa(n)
}
