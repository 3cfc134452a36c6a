package shipper

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DiskBuffer is the persistent Buffer backend: an embedded SQLite database
// (modernc.org/sqlite, pure Go, no cgo) keyed by (mono_ns, counter) so
// ORDER BY gives the ascending-key scan FetchBatch and the overflow evictor
// both need.
//
// Cross-restart ordering: newKeyGenerator is seeded with the largest
// mono_ns already on disk (read once at open), so every key minted this run
// sorts at or after every key from a previous run, without a separate
// epoch column.
type DiskBuffer struct {
	mu           sync.RWMutex
	db           *sql.DB
	keys         *keyGenerator
	maxSize      int
	dropObserver DropObserver
}

const diskBufferSchema = `
CREATE TABLE IF NOT EXISTS entries (
	mono_ns INTEGER NOT NULL,
	counter INTEGER NOT NULL,
	timestamp_ns INTEGER NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	labels TEXT NOT NULL,
	structured_metadata TEXT,
	PRIMARY KEY (mono_ns, counter)
);
`

// NewDiskBuffer opens (creating if absent) a SQLite-backed buffer rooted at
// dataDir.
func NewDiskBuffer(dataDir string, maxSize int, onDrop DropObserver) (*DiskBuffer, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "buffer.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("buffer: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(diskBufferSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: create schema: %w", err)
	}

	bootEpoch, err := loadMaxMonoNS(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: read boot epoch: %w", err)
	}

	return &DiskBuffer{
		db:           db,
		keys:         newKeyGenerator(bootEpoch),
		maxSize:      maxSize,
		dropObserver: onDrop,
	}, nil
}

func loadMaxMonoNS(db *sql.DB) (int64, error) {
	var max sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(mono_ns) FROM entries`).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// Store implements Buffer.
func (b *DiskBuffer) Store(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count, err := b.countLocked()
	if err == nil && count >= b.maxSize {
		b.evictLocked()
	}

	key := b.keys.next()
	labelsJSON, _ := json.Marshal(entry.Labels)
	var metaJSON []byte
	if len(entry.StructuredMetadata) > 0 {
		metaJSON, _ = json.Marshal(entry.StructuredMetadata)
	}

	_, _ = b.db.Exec(
		`INSERT INTO entries (mono_ns, counter, timestamp_ns, level, message, labels, structured_metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.MonotonicNS, key.Counter, entry.TimestampNS, string(entry.Level), entry.Message, string(labelsJSON), nullableString(metaJSON),
	)
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// evictLocked removes the oldest overflowEvictCount rows. Caller must hold
// b.mu for writing; this serializes eviction against DeleteUpTo so the two
// can never race into a double-delete.
func (b *DiskBuffer) evictLocked() {
	n := overflowEvictCount(b.maxSize)
	res, err := b.db.Exec(`
		DELETE FROM entries WHERE rowid IN (
			SELECT rowid FROM entries ORDER BY mono_ns ASC, counter ASC LIMIT ?
		)`, n)
	if err != nil {
		return
	}
	affected, _ := res.RowsAffected()
	if b.dropObserver != nil && affected > 0 {
		b.dropObserver(int(affected))
	}
}

func (b *DiskBuffer) countLocked() (int, error) {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

// FetchBatch implements Buffer.
func (b *DiskBuffer) FetchBatch(limit int) ([]KeyedEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rows, err := b.db.Query(`
		SELECT mono_ns, counter, timestamp_ns, level, message, labels, structured_metadata
		FROM entries ORDER BY mono_ns ASC, counter ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("buffer: fetch batch: %w", err)
	}
	defer rows.Close()

	var out []KeyedEntry
	for rows.Next() {
		var (
			monoNS, counter, timestampNS int64
			level, message               string
			labelsJSON                   string
			metaJSON                     sql.NullString
		)
		if err := rows.Scan(&monoNS, &counter, &timestampNS, &level, &message, &labelsJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("buffer: scan row: %w", err)
		}

		var labels map[string]string
		if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
			return nil, fmt.Errorf("buffer: decode labels: %w", err)
		}

		var meta map[string]string
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
				return nil, fmt.Errorf("buffer: decode structured metadata: %w", err)
			}
		}

		out = append(out, KeyedEntry{
			Key: BufferKey{MonotonicNS: monoNS, Counter: uint64(counter)},
			Entry: Entry{
				TimestampNS:        timestampNS,
				Level:              Level(level),
				Message:            message,
				Labels:             labels,
				StructuredMetadata: meta,
			},
		})
	}
	return out, rows.Err()
}

// DeleteUpTo implements Buffer.
func (b *DiskBuffer) DeleteUpTo(key BufferKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.Exec(
		`DELETE FROM entries WHERE (mono_ns, counter) <= (?, ?)`,
		key.MonotonicNS, key.Counter,
	)
	if err != nil {
		return fmt.Errorf("buffer: delete up to: %w", err)
	}
	return nil
}

// Count implements Buffer.
func (b *DiskBuffer) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.countLocked()
}

// Stop implements Buffer: closes the underlying database file.
func (b *DiskBuffer) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Close()
}
