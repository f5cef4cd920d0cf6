package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ledgerBucket = []byte("dispatch_ledger")

// LedgerEntry records one confirmed delivery
type LedgerEntry struct {
	Key               string    `json:"key"`
	TenantID          string    `json:"tenant_id"`
	CampaignID        string    `json:"campaign_id"`
	ContactID         string    `json:"contact_id"`
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
	DeliveredAt       time.Time `json:"delivered_at"`
}

// Ledger is the durable record of delivered idempotency keys
type Ledger struct {
	db *bolt.DB
}

// NewLedger creates a ledger in db
func NewLedger(db *bolt.DB) (*Ledger, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Lookup returns the entry for key, or nil when the key was never delivered
func (l *Ledger) Lookup(ctx context.Context, key string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ledgerBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		entry = &LedgerEntry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return entry, nil
}

// Record stores a delivery. An existing entry for the key is kept.
func (l *Ledger) Record(ctx context.Context, entry *LedgerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		if b.Get([]byte(entry.Key)) != nil {
			return nil
		}
		return b.Put([]byte(entry.Key), data)
	})
}

// Purge removes entries delivered before the cutoff
func (l *Ledger) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e LedgerEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.DeliveredAt.Before(cutoff) {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
