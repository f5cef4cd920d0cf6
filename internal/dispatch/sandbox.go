package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/vault"
)

var bucketSandbox = []byte("sandbox")

// simulatedErrors are the replies returned when error simulation is on
var simulatedErrors = []string{
	"550 User not found",
	"451 Temporary failure",
	"452 Insufficient storage",
	"421 Service not available",
}

// SandboxMessage is a message captured instead of being delivered
type SandboxMessage struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	CampaignID   string    `json:"campaign_id"`
	ContactID    string    `json:"contact_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	Data         []byte    `json:"data,omitempty"`
	Domain       string    `json:"domain"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// SandboxFilter contains filters for listing captured messages
type SandboxFilter struct {
	CampaignID string
	TenantID   string
	Limit      int
	Offset     int
}

// SandboxProvider stores messages in bbolt instead of sending them.
// Messages are keyed by idempotency key, so a replay is reported as
// already delivered.
type SandboxProvider struct {
	db     *bolt.DB
	logger *slog.Logger

	simulateErrors   bool
	errorProbability float64
	rand             func() float64
}

// NewSandboxProvider creates a sandbox provider using the provided BoltDB instance
func NewSandboxProvider(db *bolt.DB, logger *slog.Logger) (*SandboxProvider, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSandbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}
	return &SandboxProvider{
		db:     db,
		logger: logger.With("component", "sandbox_provider"),
		rand:   rand.Float64,
	}, nil
}

// SetErrorSimulation enables/disables error simulation
func (p *SandboxProvider) SetErrorSimulation(enabled bool, probability float64) {
	p.simulateErrors = enabled
	p.errorProbability = probability
}

// Name implements Provider
func (p *SandboxProvider) Name() string { return "sandbox" }

// Deliver implements Provider
func (p *SandboxProvider) Deliver(ctx context.Context, env *Envelope, raw []byte, cred vault.Credential) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg := &SandboxMessage{
		ID:         env.IdempotencyKey,
		TenantID:   env.TenantID,
		CampaignID: env.CampaignID,
		ContactID:  env.ContactID,
		From:       env.From,
		To:         env.To,
		Subject:    env.Message.Subject,
		Data:       raw,
		Domain:     extractDomain(env.To),
		CapturedAt: time.Now(),
	}

	var simulated error
	if p.simulateErrors && p.rand() < p.errorProbability {
		msg.SimulatedErr = simulatedErrors[int(p.rand()*float64(len(simulatedErrors)))%len(simulatedErrors)]
		simulated = classifySMTPError(errors.New(msg.SimulatedErr))
	}

	duplicate := false
	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandbox)
		if existing := b.Get([]byte(msg.ID)); existing != nil {
			var prev SandboxMessage
			if err := json.Unmarshal(existing, &prev); err == nil && prev.SimulatedErr == "" {
				duplicate = true
				return nil
			}
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return b.Put([]byte(msg.ID), data)
	})
	if err != nil {
		return "", &ProviderError{Kind: KindTransient, Err: fmt.Errorf("sandbox: failed to save message: %w", err)}
	}

	id := MessageID(env, "sandbox.local")
	if duplicate {
		return id, ErrAlreadyDelivered
	}
	if simulated != nil {
		p.logger.Info("sandbox: simulated failure", "campaign_id", env.CampaignID, "to", env.To, "error", msg.SimulatedErr)
		return "", simulated
	}

	p.logger.Info("sandbox: captured message",
		"campaign_id", env.CampaignID,
		"to", env.To,
		"domain", msg.Domain,
	)
	return id, nil
}

// Get retrieves a captured message by idempotency key
func (p *SandboxProvider) Get(ctx context.Context, id string) (*SandboxMessage, error) {
	var msg *SandboxMessage
	err := p.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSandbox).Get([]byte(id))
		if data == nil {
			return nil
		}
		msg = &SandboxMessage{}
		return json.Unmarshal(data, msg)
	})
	return msg, err
}

// List returns captured messages matching the filter, without their data
func (p *SandboxProvider) List(ctx context.Context, filter SandboxFilter) ([]*SandboxMessage, error) {
	var messages []*SandboxMessage
	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg SandboxMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if filter.CampaignID != "" && msg.CampaignID != filter.CampaignID {
				continue
			}
			if filter.TenantID != "" && msg.TenantID != filter.TenantID {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			msg.Data = nil
			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return messages, err
}

// Clear removes captured messages older than the given age. Zero clears all.
func (p *SandboxProvider) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandbox)
		var keysToDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var msg SandboxMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			if olderThan > 0 && msg.CapturedAt.After(cutoff) {
				return nil
			}
			keysToDelete = append(keysToDelete, append([]byte{}, k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keysToDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}
