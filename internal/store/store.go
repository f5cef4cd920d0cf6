// Package store persists campaigns, contacts and per-contact state in BoltDB.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/campaign"
)

var (
	bucketCampaigns    = []byte("campaigns")
	bucketContacts     = []byte("contacts")
	bucketContactIndex = []byte("contact_index")
	bucketStates       = []byte("states")
	bucketPendingCraft = []byte("pending_craft")
	bucketPendingSend  = []byte("pending_send")
	bucketHistory      = []byte("history")
	bucketStats        = []byte("stats")
	bucketSuppression  = []byte("suppression")
	bucketRetired      = []byte("retired")
)

var allBuckets = [][]byte{
	bucketCampaigns, bucketContacts, bucketContactIndex, bucketStates,
	bucketPendingCraft, bucketPendingSend, bucketHistory, bucketStats,
	bucketSuppression, bucketRetired,
}

// BoltStore is the durable campaign state store
type BoltStore struct {
	db *bolt.DB
}

// Open opens (or creates) the database file at path
func Open(path string) (*BoltStore, error) {
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

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already open database, creating the buckets it needs
func New(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// DB returns the underlying bolt.DB instance for components sharing the file
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateCampaign persists a campaign together with its contacts and their
// initial states in one transaction. Contacts get ingestion sequence numbers
// in slice order and a deterministic idempotency key. Suppressed addresses
// are stored directly as skipped.
func (s *BoltStore) CreateCampaign(ctx context.Context, c *campaign.Campaign, contacts []*campaign.Contact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		campaigns := tx.Bucket(bucketCampaigns)
		if campaigns.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s already exists", c.ID)
		}

		now := time.Now()
		stats := &campaign.Stats{}
		contactsB := tx.Bucket(bucketContacts)
		index := tx.Bucket(bucketContactIndex)
		states := tx.Bucket(bucketStates)
		pending := tx.Bucket(bucketPendingCraft)
		suppressed := tx.Bucket(bucketSuppression)

		for i, ct := range contacts {
			seq := uint64(i + 1)
			ct.CampaignID = c.ID
			ct.Seq = seq
			ct.IngestedAt = now

			idKey := contactKey(c.ID, ct.ID)
			if index.Get(idKey) != nil {
				return fmt.Errorf("duplicate contact %s in campaign %s", ct.ID, c.ID)
			}

			if err := putJSON(contactsB, seqKey(c.ID, seq), ct); err != nil {
				return fmt.Errorf("failed to store contact: %w", err)
			}
			if err := index.Put(idKey, seqKey(c.ID, seq)); err != nil {
				return fmt.Errorf("failed to index contact: %w", err)
			}

			st := &campaign.State{
				CampaignID:     c.ID,
				ContactID:      ct.ID,
				Seq:            seq,
				Craft:          campaign.CraftPending,
				Send:           campaign.SendNotReady,
				IdempotencyKey: campaign.IdempotencyKey(c.Namespace, ct.ID),
				Version:        1,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if suppressed.Get(suppressionKey(c.TenantID, ct.Email)) != nil {
				st.Send = campaign.SendSkipped
				st.LastError = "address is suppressed"
			}

			if err := putJSON(states, idKey, st); err != nil {
				return fmt.Errorf("failed to store state: %w", err)
			}
			if st.Step().Qualifies(campaign.PhaseCraft) {
				if err := pending.Put(seqKey(c.ID, seq), []byte(ct.ID)); err != nil {
					return fmt.Errorf("failed to add to pending index: %w", err)
				}
			}
			if err := appendHistory(tx, st, campaign.Transition{
				To:        st.Step(),
				Version:   st.Version,
				Reason:    "ingested",
				Error:     st.LastError,
				Timestamp: now,
			}); err != nil {
				return err
			}
			stats.Apply(campaign.Step{}, st.Step(), true)
		}

		c.ContactCount = len(contacts)
		c.UpdatedAt = now
		if err := putJSON(campaigns, []byte(c.ID), c); err != nil {
			return fmt.Errorf("failed to store campaign: %w", err)
		}
		return putJSON(tx.Bucket(bucketStats), []byte(c.ID), stats)
	})
}

// GetCampaign returns a campaign by id. Retired campaigns are not found.
func (s *BoltStore) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	var c *campaign.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getCampaign(tx, id)
		return err
	})
	return c, err
}

// CampaignFilter contains filter options for listing campaigns
type CampaignFilter struct {
	TenantID string
	Status   campaign.Status
	Limit    int
	Offset   int
}

// ListCampaigns returns campaigns ordered by creation time
func (s *BoltStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*campaign.Campaign, error) {
	var result []*campaign.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c campaign.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if c.Retired() {
				return nil
			}
			if filter.TenantID != "" && c.TenantID != filter.TenantID {
				return nil
			}
			if filter.Status != "" && c.Status != filter.Status {
				return nil
			}
			result = append(result, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateCampaign applies fn to the stored campaign inside one write
// transaction. If fn returns an error nothing is written.
func (s *BoltStore) UpdateCampaign(ctx context.Context, id string, fn func(c *campaign.Campaign) error) (*campaign.Campaign, error) {
	var c *campaign.Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		c, err = getCampaign(tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.UpdatedAt = time.Now()
		return putJSON(tx.Bucket(bucketCampaigns), []byte(id), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetCampaignStatus moves a campaign to status `to` if its current status is
// one of `from`. It returns campaign.ErrInvalidStatus otherwise.
func (s *BoltStore) SetCampaignStatus(ctx context.Context, id string, to campaign.Status, reason string, from ...campaign.Status) (*campaign.Campaign, error) {
	return s.UpdateCampaign(ctx, id, func(c *campaign.Campaign) error {
		allowed := len(from) == 0
		for _, f := range from {
			if c.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: campaign %s is %s", campaign.ErrInvalidStatus, id, c.Status)
		}

		now := time.Now()
		c.Status = to
		c.StatusReason = reason
		if to == campaign.StatusRunning && c.StartedAt.IsZero() {
			c.StartedAt = now
		}
		if to.Final() || to == campaign.StatusFailed {
			c.FinishedAt = now
		} else {
			c.FinishedAt = time.Time{}
		}
		return nil
	})
}

// DeleteCampaign retires a campaign. It disappears from every query at once
// and its records are physically removed later by PurgeRetired.
func (s *BoltStore) DeleteCampaign(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		c.RetiredAt = time.Now()
		c.UpdatedAt = c.RetiredAt
		if err := putJSON(tx.Bucket(bucketCampaigns), []byte(id), c); err != nil {
			return err
		}

		// Drop pending work so nothing is scheduled for it again
		for _, b := range [][]byte{bucketPendingCraft, bucketPendingSend} {
			if err := deletePrefix(tx.Bucket(b), campaignPrefix(id)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketRetired).Put(makeIndexKey(c.RetiredAt, id), []byte(id))
	})
}

// GetContact returns one contact of a campaign
func (s *BoltStore) GetContact(ctx context.Context, campaignID, contactID string) (*campaign.Contact, error) {
	var ct *campaign.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, campaignID); err != nil {
			return err
		}
		sk := tx.Bucket(bucketContactIndex).Get(contactKey(campaignID, contactID))
		if sk == nil {
			return fmt.Errorf("contact %s: %w", contactID, campaign.ErrNotFound)
		}
		data := tx.Bucket(bucketContacts).Get(sk)
		if data == nil {
			return fmt.Errorf("contact %s: %w", contactID, campaign.ErrNotFound)
		}
		ct = &campaign.Contact{}
		return json.Unmarshal(data, ct)
	})
	return ct, err
}

// Stats returns the per-status contact counts of a campaign
func (s *BoltStore) Stats(ctx context.Context, campaignID string) (*campaign.Stats, error) {
	stats := &campaign.Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, campaignID); err != nil {
			return err
		}
		data := tx.Bucket(bucketStats).Get([]byte(campaignID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, stats)
	})
	return stats, err
}

func getCampaign(tx *bolt.Tx, id string) (*campaign.Campaign, error) {
	data := tx.Bucket(bucketCampaigns).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	var c campaign.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	if c.Retired() {
		return nil, fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	return &c, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func campaignPrefix(campaignID string) []byte {
	return []byte(campaignID + "/")
}

func contactKey(campaignID, contactID string) []byte {
	return []byte(campaignID + "/" + contactID)
}

// seqKey orders contacts of a campaign by ingestion sequence
func seqKey(campaignID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", campaignID, seq))
}

func historyKey(campaignID, contactID string, version uint64) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d", campaignID, contactID, version))
}

// indexTimeLayout is fixed width so index keys sort chronologically
const indexTimeLayout = "2006-01-02T15:04:05.000000000Z"

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeLayout) + "|" + id)
}

// parseIndexKey splits an index key into its timestamp and ID
func parseIndexKey(key []byte) (time.Time, string) {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '|' {
			ts, _ := time.Parse(indexTimeLayout, s[:i])
			return ts, s[i+1:]
		}
	}
	return time.Time{}, s
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte{}, k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}
