package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/campaign"
)

// Suppression is an address a tenant must never contact again
type Suppression struct {
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AddSuppression records an address as suppressed for a tenant
func (s *BoltStore) AddSuppression(ctx context.Context, tenantID, email, reason string) error {
	addr, err := campaign.NormalizeEmail(email)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSuppression), suppressionKey(tenantID, addr), &Suppression{
			TenantID:  tenantID,
			Email:     addr,
			Reason:    reason,
			CreatedAt: time.Now(),
		})
	})
}

// RemoveSuppression lifts a suppression
func (s *BoltStore) RemoveSuppression(ctx context.Context, tenantID, email string) error {
	addr, err := campaign.NormalizeEmail(email)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuppression).Delete(suppressionKey(tenantID, addr))
	})
}

// IsSuppressed reports whether the address is suppressed for the tenant
func (s *BoltStore) IsSuppressed(ctx context.Context, tenantID, email string) (bool, error) {
	addr, err := campaign.NormalizeEmail(email)
	if err != nil {
		return false, err
	}
	found := false
	err = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketSuppression).Get(suppressionKey(tenantID, addr)) != nil
		return nil
	})
	return found, err
}

// ListSuppressions returns all suppressed addresses of a tenant
func (s *BoltStore) ListSuppressions(ctx context.Context, tenantID string) ([]*Suppression, error) {
	var result []*Suppression
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(tenantID + "/")
		c := tx.Bucket(bucketSuppression).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var sup Suppression
			if err := json.Unmarshal(v, &sup); err != nil {
				continue
			}
			result = append(result, &sup)
		}
		return nil
	})
	return result, err
}

func suppressionKey(tenantID, email string) []byte {
	return []byte(tenantID + "/" + strings.ToLower(email))
}

func isNotFound(err error) bool {
	return errors.Is(err, campaign.ErrNotFound)
}
