package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AppendAudit records an administrative action.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendAudit(tx, e)
	})
}

func appendAudit(tx *bolt.Tx, e *AuditEntry) error {
	b := tx.Bucket(bucketAudit)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	seq, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate audit sequence: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	key := fmt.Sprintf("%s:%016x", e.Timestamp.UTC().Format(dueTimeFormat), seq)
	if err := b.Put([]byte(key), data); err != nil {
		return fmt.Errorf("failed to store audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	var out []*AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
