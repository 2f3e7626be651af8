package automation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTriggers = []byte("rule_triggers")

// AuditRecord is one rule trigger in the history.
type AuditRecord struct {
	ID            uint64    `json:"id"`
	RuleID        string    `json:"rule_id"`
	RuleName      string    `json:"rule_name"`
	ContentType   string    `json:"content_type"`
	SourceApp     string    `json:"source_app,omitempty"`
	ContentHash   string    `json:"content_hash"`
	ActionsOK     int       `json:"actions_ok"`
	ActionsFailed int       `json:"actions_failed"`
	TriggeredAt   time.Time `json:"triggered_at"`
	RequestID     string    `json:"request_id"`
}

// AuditStats aggregates trigger history since a point in time.
type AuditStats struct {
	TotalTriggers   int64            `json:"total_triggers"`
	ByRule          map[string]int64 `json:"by_rule"`
	FailedTriggers  int64            `json:"failed_triggers"`
	MostTriggeredID string           `json:"most_triggered_id"`
}

// AuditLog records rule triggers.
type AuditLog interface {
	Insert(rec AuditRecord) error
	Recent(limit int, ruleID string) ([]AuditRecord, error)
	Cleanup(cutoff time.Time) (int, error)
	Close() error
}

// BoltAuditLog is an append-only trigger history in a bbolt file.
//
// Design decisions:
//   - Keys are the bucket sequence, big-endian, so cursor order is insertion order
//   - Values are JSON so records can gain fields without a migration
//   - Reads walk the cursor backwards; newest records come first
type BoltAuditLog struct {
	db *bolt.DB
}

// OpenBoltAuditLog opens (or creates) the audit database at path.
func OpenBoltAuditLog(path string) (*BoltAuditLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTriggers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit bucket: %w", err)
	}
	return &BoltAuditLog{db: db}, nil
}

// Insert appends rec and assigns its ID.
//
// Complexity: O(log n)
func (l *BoltAuditLog) Insert(rec AuditRecord) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTriggers)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = seq

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal audit record: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
}

// Recent returns up to limit records, newest first. A non-empty ruleID
// filters to that rule. limit <= 0 returns everything.
func (l *BoltAuditLog) Recent(limit int, ruleID string) ([]AuditRecord, error) {
	var out []AuditRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTriggers).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// Skip unreadable records rather than failing the whole read.
				continue
			}
			if ruleID != "" && rec.RuleID != ruleID {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (l *BoltAuditLog) Count() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTriggers).Stats().KeyN
		return nil
	})
	return n, err
}

// Stats aggregates records triggered at or after since.
func (l *BoltAuditLog) Stats(since time.Time) (*AuditStats, error) {
	stats := &AuditStats{ByRule: make(map[string]int64)}
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTriggers).ForEach(func(_, v []byte) error {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.TriggeredAt.Before(since) {
				return nil
			}
			stats.TotalTriggers++
			stats.ByRule[rec.RuleID]++
			if rec.ActionsFailed > 0 {
				stats.FailedTriggers++
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit log: %w", err)
	}

	var best int64
	for id, n := range stats.ByRule {
		if n > best || (n == best && id < stats.MostTriggeredID) {
			best, stats.MostTriggeredID = n, id
		}
	}
	return stats, nil
}

// Cleanup removes records triggered before cutoff and returns how many
// were deleted.
func (l *BoltAuditLog) Cleanup(cutoff time.Time) (int, error) {
	var removed int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTriggers)

		// Deleting through a live cursor skips keys; collect first.
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err == nil && !rec.TriggeredAt.Before(cutoff) {
				// Records are in insertion order; the rest are newer.
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to cleanup audit log: %w", err)
	}
	return removed, nil
}

// Close closes the underlying database.
func (l *BoltAuditLog) Close() error {
	return l.db.Close()
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
