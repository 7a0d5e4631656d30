// Package store is the durable state model: accounts, campaigns, prospects,
// queue items and the audit log, all persisted in a single BoltDB file.
// Atomic claims and counter updates happen inside single write transactions,
// which is what the dispatcher and quota tracker rely on for correctness
// under concurrent workers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccounts  = []byte("accounts")
	bucketCampaigns = []byte("campaigns")
	bucketProspects = []byte("prospects")
	bucketIdentity  = []byte("prospect_identity")
	bucketItems     = []byte("queue_items")
	bucketDue       = []byte("queue_due")
	bucketActive    = []byte("queue_active")
	bucketAudit     = []byte("audit_log")
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateActive is returned when enqueueing would create a second
	// pending/processing item for the same (campaign, normalized identity).
	ErrDuplicateActive = errors.New("active queue item already exists for identity")
)

// Store persists all scheduler state in BoltDB.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketAccounts, bucketCampaigns, bucketProspects, bucketIdentity,
			bucketItems, bucketDue, bucketActive, bucketAudit,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Accounts

// PutAccount inserts or replaces an account.
func (s *Store) PutAccount(ctx context.Context, a *Account) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
		return putJSON(tx.Bucket(bucketAccounts), a.ID, a)
	})
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a *Account
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = getJSON[Account](tx.Bucket(bucketAccounts), id)
		return err
	})
	return a, err
}

// ListAccounts returns all accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	var out []*Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			var a Account
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

// UpdateAccount applies fn to the stored account inside a single write
// transaction. This is the only mutation path for quota counters: the
// read-modify-write cannot interleave with another worker's update.
func (s *Store) UpdateAccount(ctx context.Context, id string, fn func(*Account) error) (*Account, error) {
	var updated *Account
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		a, err := getJSON[Account](b, id)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now()
		if err := putJSON(b, a.ID, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	return updated, err
}

// Campaigns

// PutCampaign inserts or replaces a campaign.
func (s *Store) PutCampaign(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		return putJSON(tx.Bucket(bucketCampaigns), c.ID, c)
	})
}

// GetCampaign retrieves a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getJSON[Campaign](tx.Bucket(bucketCampaigns), id)
		return err
	})
	return c, err
}

// ListCampaigns returns campaigns matching the filter.
func (s *Store) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*Campaign, error) {
	var out []*Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if filter.WorkspaceID != "" && c.WorkspaceID != filter.WorkspaceID {
				return nil
			}
			if filter.Status != "" && c.Status != filter.Status {
				return nil
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// UpdateCampaign applies fn to the stored campaign in one write transaction.
func (s *Store) UpdateCampaign(ctx context.Context, id string, fn func(*Campaign) error) (*Campaign, error) {
	var updated *Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		c, err := getJSON[Campaign](b, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.UpdatedAt = time.Now()
		if err := putJSON(b, c.ID, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	return updated, err
}

// Prospects

// PutProspect inserts or replaces a prospect and maintains the workspace
// identity index used by duplicate detection.
func (s *Store) PutProspect(ctx context.Context, p *Prospect) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		if err := putJSON(tx.Bucket(bucketProspects), p.ID, p); err != nil {
			return err
		}
		if p.NormalizedID != "" {
			key := identityKey(p.WorkspaceID, p.NormalizedID, p.ID)
			if err := tx.Bucket(bucketIdentity).Put(key, []byte(p.ID)); err != nil {
				return fmt.Errorf("failed to index prospect identity: %w", err)
			}
		}
		return nil
	})
}

// GetProspect retrieves a prospect by ID.
func (s *Store) GetProspect(ctx context.Context, id string) (*Prospect, error) {
	var p *Prospect
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = getJSON[Prospect](tx.Bucket(bucketProspects), id)
		return err
	})
	return p, err
}

// ListProspects returns prospects matching the filter.
func (s *Store) ListProspects(ctx context.Context, filter ProspectFilter) ([]*Prospect, error) {
	var out []*Prospect
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProspects).ForEach(func(k, v []byte) error {
			var p Prospect
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			if filter.CampaignID != "" && p.CampaignID != filter.CampaignID {
				return nil
			}
			if filter.Status != "" && p.Status != filter.Status {
				return nil
			}
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return nil
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

// UpdateProspect applies fn to the stored prospect in one write transaction.
func (s *Store) UpdateProspect(ctx context.Context, id string, fn func(*Prospect) error) (*Prospect, error) {
	var updated *Prospect
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProspects)
		p, err := getJSON[Prospect](b, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		p.UpdatedAt = time.Now()
		if err := putJSON(b, p.ID, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	return updated, err
}

// ProspectsByIdentity returns every prospect in the workspace sharing the
// normalized identity, across all campaigns.
func (s *Store) ProspectsByIdentity(ctx context.Context, workspaceID, normalizedID string) ([]*Prospect, error) {
	var out []*Prospect
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := identityKey(workspaceID, normalizedID, "")
		c := tx.Bucket(bucketIdentity).Cursor()
		prospects := tx.Bucket(bucketProspects)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := prospects.Get(v)
			if data == nil {
				continue
			}
			var p Prospect
			if err := json.Unmarshal(data, &p); err != nil {
				continue
			}
			out = append(out, &p)
		}
		return nil
	})
	return out, err
}

// ProspectsByProviderID returns prospects matching a provider member ID.
// Used by the event feed to map inbound signals back to prospects.
func (s *Store) ProspectsByProviderID(ctx context.Context, providerID string) ([]*Prospect, error) {
	if providerID == "" {
		return nil, nil
	}
	var out []*Prospect
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProspects).ForEach(func(k, v []byte) error {
			var p Prospect
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			if p.ProviderID == providerID {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

// ResetProspect is the audited administrative override: the only way out of
// a terminal prospect state. The status change and the audit entry commit in
// the same transaction.
func (s *Store) ResetProspect(ctx context.Context, id string, to ProspectStatus, actor, reason string) (*Prospect, error) {
	var updated *Prospect
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProspects)
		p, err := getJSON[Prospect](b, id)
		if err != nil {
			return err
		}
		entry := &AuditEntry{
			Timestamp:  time.Now(),
			Actor:      actor,
			Action:     "prospect_reset",
			ProspectID: p.ID,
			FromStatus: string(p.Status),
			ToStatus:   string(to),
			Reason:     reason,
		}
		if err := appendAudit(tx, entry); err != nil {
			return err
		}
		p.Status = to
		p.StatusReason = ""
		p.UpdatedAt = entry.Timestamp
		if err := putJSON(b, p.ID, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	return updated, err
}

// helpers

func putJSON(b *bolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := b.Put([]byte(id), data); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

func getJSON[T any](b *bolt.Bucket, id string) (*T, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return v, nil
}

func identityKey(workspaceID, normalizedID, prospectID string) []byte {
	return []byte(workspaceID + "/" + normalizedID + "/" + prospectID)
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	return string(k[:len(prefix)]) == string(prefix)
}
