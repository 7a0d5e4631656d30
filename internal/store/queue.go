package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// dueTimeFormat keeps a fixed-width fraction so index keys sort
// chronologically byte-for-byte. RFC3339Nano trims trailing zeros and
// would break lexical ordering.
const dueTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Enqueue adds a queue item. Returns ErrDuplicateActive if another item for
// the same (campaign, normalized identity) is still pending or processing;
// the check and the insert commit in the same transaction.
func (s *Store) Enqueue(ctx context.Context, item *QueueItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		active := tx.Bucket(bucketActive)

		akey := activeKey(item.CampaignID, item.NormalizedID)
		if item.NormalizedID != "" && active.Get(akey) != nil {
			return ErrDuplicateActive
		}

		seq, err := items.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		item.Seq = seq
		item.Status = ItemPending
		now := time.Now()
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now

		if err := putJSON(items, item.ID, item); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDue).Put(dueKey(item), []byte(item.ID)); err != nil {
			return fmt.Errorf("failed to add to due index: %w", err)
		}
		if item.NormalizedID != "" {
			if err := active.Put(akey, []byte(item.ID)); err != nil {
				return fmt.Errorf("failed to add to active index: %w", err)
			}
		}
		return nil
	})
}

// Due returns pending items with scheduled_for <= now, ordered by
// scheduled_for ascending with insertion order breaking ties.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*QueueItem, error) {
	var out []*QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		c := tx.Bucket(bucketDue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if dueKeyTime(k).After(now) {
				break
			}
			data := items.Get(v)
			if data == nil {
				continue
			}
			var item QueueItem
			if err := json.Unmarshal(data, &item); err != nil {
				continue
			}
			if item.Status != ItemPending {
				continue
			}
			out = append(out, &item)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Claim atomically transitions an item from pending to processing.
// Returns false if the item is no longer pending, which is how concurrent
// workers lose the race without double-claiming.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		item, err := getJSON[QueueItem](items, id)
		if err != nil {
			return err
		}
		if item.Status != ItemPending {
			return nil
		}
		if err := tx.Bucket(bucketDue).Delete(dueKey(item)); err != nil {
			return fmt.Errorf("failed to remove from due index: %w", err)
		}
		item.Status = ItemProcessing
		item.ClaimedAt = now
		item.UpdatedAt = now
		if err := putJSON(items, item.ID, item); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// Defer reverts a processing item to pending with a new scheduled time.
// Used for working-hour and quota deferrals; attempts are not touched.
func (s *Store) Defer(ctx context.Context, id string, until time.Time) error {
	return s.requeue(id, until, "", false)
}

// RequeueRetry reverts a processing item to pending for a backoff retry,
// consuming one attempt and recording the error.
func (s *Store) RequeueRetry(ctx context.Context, id string, nextAt time.Time, reason string) error {
	return s.requeue(id, nextAt, reason, true)
}

// Release reverts a processing item to pending immediately. Operator escape
// hatch for items claimed by a worker that died.
func (s *Store) Release(ctx context.Context, id string) error {
	return s.requeue(id, time.Now(), "", false)
}

func (s *Store) requeue(id string, until time.Time, reason string, countAttempt bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		item, err := getJSON[QueueItem](items, id)
		if err != nil {
			return err
		}
		if item.Status != ItemProcessing && item.Status != ItemPending {
			return fmt.Errorf("cannot requeue item in status %s", item.Status)
		}
		due := tx.Bucket(bucketDue)
		// drop the stale index entry if the item was still pending
		if item.Status == ItemPending {
			if err := due.Delete(dueKey(item)); err != nil {
				return fmt.Errorf("failed to remove from due index: %w", err)
			}
		}
		item.Status = ItemPending
		item.ScheduledFor = until
		item.ClaimedAt = time.Time{}
		if countAttempt {
			item.Attempts++
		}
		if reason != "" {
			item.ErrorReason = reason
		}
		item.UpdatedAt = time.Now()
		if err := putJSON(items, item.ID, item); err != nil {
			return err
		}
		if err := due.Put(dueKey(item), []byte(item.ID)); err != nil {
			return fmt.Errorf("failed to add to due index: %w", err)
		}
		return nil
	})
}

// MarkSent marks a processing item sent and releases its identity slot.
func (s *Store) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return s.finalize(id, ItemSent, "", sentAt, false)
}

// MarkFailed marks an item failed with a reason and releases its identity slot.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.finalize(id, ItemFailed, reason, time.Time{}, false)
}

// MarkFailedAttempt is MarkFailed for a failure that consumed a delivery
// attempt, so the attempt count survives into the terminal record.
func (s *Store) MarkFailedAttempt(ctx context.Context, id, reason string) error {
	return s.finalize(id, ItemFailed, reason, time.Time{}, true)
}

// MarkSkipped marks an item skipped with a reason and releases its identity slot.
func (s *Store) MarkSkipped(ctx context.Context, id, reason string) error {
	return s.finalize(id, ItemSkipped, reason, time.Time{}, false)
}

func (s *Store) finalize(id string, status ItemStatus, reason string, sentAt time.Time, countAttempt bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		item, err := getJSON[QueueItem](items, id)
		if err != nil {
			return err
		}
		if item.Status.Terminal() {
			return fmt.Errorf("item already terminal: %s", item.Status)
		}
		if item.Status == ItemPending {
			if err := tx.Bucket(bucketDue).Delete(dueKey(item)); err != nil {
				return fmt.Errorf("failed to remove from due index: %w", err)
			}
		}
		if item.NormalizedID != "" {
			key := activeKey(item.CampaignID, item.NormalizedID)
			if err := tx.Bucket(bucketActive).Delete(key); err != nil {
				return fmt.Errorf("failed to remove from active index: %w", err)
			}
		}
		item.Status = status
		item.ErrorReason = reason
		if countAttempt {
			item.Attempts++
		}
		if !sentAt.IsZero() {
			item.SentAt = sentAt
		}
		item.UpdatedAt = time.Now()
		return putJSON(items, item.ID, item)
	})
}

// Retry moves a failed or skipped item back to pending, resetting attempts.
// Fails with ErrDuplicateActive if the identity slot has been taken since.
func (s *Store) Retry(ctx context.Context, id string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		item, err := getJSON[QueueItem](items, id)
		if err != nil {
			return err
		}
		if item.Status != ItemFailed && item.Status != ItemSkipped {
			return fmt.Errorf("cannot retry item in status %s", item.Status)
		}
		active := tx.Bucket(bucketActive)
		akey := activeKey(item.CampaignID, item.NormalizedID)
		if item.NormalizedID != "" && active.Get(akey) != nil {
			return ErrDuplicateActive
		}
		item.Status = ItemPending
		item.Attempts = 0
		item.ErrorReason = ""
		item.ScheduledFor = now
		item.UpdatedAt = now
		if err := putJSON(items, item.ID, item); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDue).Put(dueKey(item), []byte(item.ID)); err != nil {
			return fmt.Errorf("failed to add to due index: %w", err)
		}
		if item.NormalizedID != "" {
			if err := active.Put(akey, []byte(item.ID)); err != nil {
				return fmt.Errorf("failed to add to active index: %w", err)
			}
		}
		return nil
	})
}

// ReapStuck requeues processing items claimed longer than grace ago and
// returns them so callers can undo per-item reservations. Covers workers
// that crashed mid-dispatch; the item retries on the next tick as a
// transient failure would.
func (s *Store) ReapStuck(ctx context.Context, grace time.Duration, now time.Time) ([]*QueueItem, error) {
	var reaped []*QueueItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		due := tx.Bucket(bucketDue)
		cutoff := now.Add(-grace)

		var stuck []*QueueItem
		err := items.ForEach(func(k, v []byte) error {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return nil
			}
			if item.Status == ItemProcessing && !item.ClaimedAt.IsZero() && item.ClaimedAt.Before(cutoff) {
				stuck = append(stuck, &item)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, item := range stuck {
			item.Status = ItemPending
			item.ScheduledFor = now
			item.ClaimedAt = time.Time{}
			item.UpdatedAt = now
			if err := putJSON(items, item.ID, item); err != nil {
				return err
			}
			if err := due.Put(dueKey(item), []byte(item.ID)); err != nil {
				return fmt.Errorf("failed to add to due index: %w", err)
			}
			reaped = append(reaped, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

// GetItem retrieves a queue item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	var item *QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getJSON[QueueItem](tx.Bucket(bucketItems), id)
		return err
	})
	return item, err
}

// ListItems returns queue items matching the filter.
func (s *Store) ListItems(ctx context.Context, filter ItemFilter) ([]*QueueItem, error) {
	var out []*QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketItems).Cursor()
		count := 0
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			if filter.CampaignID != "" && item.CampaignID != filter.CampaignID {
				continue
			}
			if filter.Status != "" && item.Status != filter.Status {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			out = append(out, &item)
			count++
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// DeleteItem removes a queue item and its index entries.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		data := items.Get([]byte(id))
		if data != nil {
			var item QueueItem
			if err := json.Unmarshal(data, &item); err == nil {
				tx.Bucket(bucketDue).Delete(dueKey(&item))
				if item.NormalizedID != "" && !item.Status.Terminal() {
					tx.Bucket(bucketActive).Delete(activeKey(item.CampaignID, item.NormalizedID))
				}
			}
		}
		return items.Delete([]byte(id))
	})
}

// Stats returns per-status queue item counts.
func (s *Store) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(k, v []byte) error {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return nil
			}
			stats.Total++
			switch item.Status {
			case ItemPending:
				stats.Pending++
			case ItemProcessing:
				stats.Processing++
			case ItemSent:
				stats.Sent++
			case ItemFailed:
				stats.Failed++
			case ItemSkipped:
				stats.Skipped++
			}
			return nil
		})
	})
	return stats, err
}

// CleanupTerminal deletes terminal items older than maxAge.
func (s *Store) CleanupTerminal(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		var toDelete [][]byte
		err := items.ForEach(func(k, v []byte) error {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return nil
			}
			if item.Status.Terminal() && item.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := items.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func dueKey(item *QueueItem) []byte {
	return []byte(fmt.Sprintf("%s:%016x", item.ScheduledFor.UTC().Format(dueTimeFormat), item.Seq))
}

func dueKeyTime(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(dueTimeFormat, s[:i])
			return ts
		}
	}
	return time.Time{}
}

func activeKey(campaignID, normalizedID string) []byte {
	return []byte(campaignID + "/" + normalizedID)
}
