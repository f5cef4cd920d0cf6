// Package dispatch delivers crafted messages through a mail provider.
// It classifies provider outcomes and deduplicates deliveries by
// idempotency key.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/retry"
	"github.com/foxzi/outreach/internal/vault"
)

// Outcome is the classified result of one delivery attempt
type Outcome string

const (
	Delivered              Outcome = "delivered"
	TransientProviderError Outcome = "transient_error"
	PermanentProviderError Outcome = "permanent_error"
	RateLimitedByProvider  Outcome = "rate_limited"
)

// ErrAlreadyDelivered is returned by providers that recognise an
// idempotency key they have already accepted
var ErrAlreadyDelivered = errors.New("already delivered")

// Envelope is everything needed to deliver one message
type Envelope struct {
	TenantID       string
	CampaignID     string
	ContactID      string
	From           string
	FromName       string
	ReplyTo        string
	To             string
	ToName         string
	Message        *campaign.Message
	IdempotencyKey string
}

// Validate checks the envelope can be turned into a message
func (e *Envelope) Validate() error {
	if e.IdempotencyKey == "" {
		return errors.New("idempotency key is required")
	}
	if _, err := mail.ParseAddress(e.From); err != nil {
		return fmt.Errorf("invalid sender %q: %w", e.From, err)
	}
	if _, err := mail.ParseAddress(e.To); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", e.To, err)
	}
	if e.Message == nil || strings.TrimSpace(e.Message.Subject) == "" || strings.TrimSpace(e.Message.Body) == "" {
		return errors.New("message subject and body are required")
	}
	return nil
}

// Result is the outcome of Send
type Result struct {
	Outcome           Outcome
	ProviderMessageID string
	RetryAfter        time.Duration
	Duplicate         bool
	Err               error
	Duration          time.Duration
}

// Provider hands a rendered message to a mail service
type Provider interface {
	Name() string
	// Deliver sends raw for env and returns the provider's message id.
	// Failures should be a *ProviderError; anything else is treated as transient.
	Deliver(ctx context.Context, env *Envelope, raw []byte, cred vault.Credential) (string, error)
}

// CredentialSource hands out scoped tenant credentials
type CredentialSource interface {
	Decrypt(ctx context.Context, tenantID string) (*vault.Handle, error)
}

// Observer is notified of every provider call
type Observer interface {
	ObserveDelivery(provider, outcome string, d time.Duration)
}

// Config configures the dispatcher
type Config struct {
	Timeout time.Duration
	// Hostname is used for Message-ID when the sender has no domain
	Hostname string
}

// Dispatcher sends envelopes through a provider
type Dispatcher struct {
	provider Provider
	creds    CredentialSource
	ledger   *Ledger
	signer   *Signer
	observer Observer
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a dispatcher
func New(provider Provider, creds CredentialSource, ledger *Ledger, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Dispatcher{
		provider: provider,
		creds:    creds,
		ledger:   ledger,
		config:   cfg,
		logger:   logger.With("component", "dispatcher", "provider", provider.Name()),
		now:      time.Now,
	}
}

// SetSigner enables DKIM signing of outgoing messages
func (d *Dispatcher) SetSigner(s *Signer) {
	d.signer = s
}

// SetObserver registers a delivery observer
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// Provider returns the configured provider name
func (d *Dispatcher) Provider() string {
	return d.provider.Name()
}

// Send delivers env at most once per idempotency key as far as the ledger
// can tell. Provider failures are reported in the Result. The returned
// error is reserved for problems that are not about this message: a
// *campaign.CredentialError, a ledger failure or a cancelled ctx.
func (d *Dispatcher) Send(ctx context.Context, env *Envelope) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return &Result{Outcome: PermanentProviderError, Err: err}, nil
	}

	entry, err := d.ledger.Lookup(ctx, env.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		d.logger.Info("duplicate delivery suppressed",
			"campaign_id", env.CampaignID,
			"contact_id", env.ContactID,
			"message_id", entry.ProviderMessageID,
		)
		return &Result{Outcome: Delivered, ProviderMessageID: entry.ProviderMessageID, Duplicate: true}, nil
	}

	handle, err := d.creds.Decrypt(ctx, env.TenantID)
	if err != nil {
		var ce *campaign.CredentialError
		if !errors.As(err, &ce) {
			err = &campaign.CredentialError{TenantID: env.TenantID, Err: err}
		}
		return nil, err
	}
	defer handle.Close()

	raw := d.render(env)

	sendCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	start := d.now()
	var id string
	var deliverErr error
	if err := handle.Use(func(cred vault.Credential) error {
		id, deliverErr = d.provider.Deliver(sendCtx, env, raw, cred)
		return nil
	}); err != nil {
		return nil, err
	}
	elapsed := d.now().Sub(start)

	var credErr *campaign.CredentialError
	if errors.As(deliverErr, &credErr) {
		return nil, credErr
	}

	res := classify(deliverErr)
	res.Duration = elapsed
	if d.observer != nil {
		d.observer.ObserveDelivery(d.provider.Name(), string(res.Outcome), elapsed)
	}

	if res.Outcome != Delivered {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warn("delivery failed",
			"campaign_id", env.CampaignID,
			"contact_id", env.ContactID,
			"outcome", res.Outcome,
			"error", res.Err,
		)
		return res, nil
	}

	if id == "" {
		id = MessageID(env, d.config.Hostname)
	}
	res.ProviderMessageID = id

	// A ledger failure after a successful delivery must not turn into a
	// retry, so it is logged and the delivery reported.
	if err := d.ledger.Record(ctx, &LedgerEntry{
		Key:               env.IdempotencyKey,
		TenantID:          env.TenantID,
		CampaignID:        env.CampaignID,
		ContactID:         env.ContactID,
		Provider:          d.provider.Name(),
		ProviderMessageID: id,
		DeliveredAt:       d.now(),
	}); err != nil {
		d.logger.Error("failed to record delivery", "campaign_id", env.CampaignID, "contact_id", env.ContactID, "error", err)
	}

	d.logger.Debug("message delivered",
		"campaign_id", env.CampaignID,
		"contact_id", env.ContactID,
		"message_id", id,
		"duplicate", res.Duplicate,
		"duration", elapsed,
	)
	return res, nil
}

func (d *Dispatcher) render(env *Envelope) []byte {
	raw := BuildMessage(env, d.config.Hostname, d.now())
	if d.signer == nil {
		return raw
	}
	signed, err := d.signer.Sign(raw)
	if err != nil {
		d.logger.Warn("DKIM signing failed, sending unsigned", "campaign_id", env.CampaignID, "error", err)
		return raw
	}
	return signed
}

// classify maps a provider error onto an outcome
func classify(err error) *Result {
	if err == nil {
		return &Result{Outcome: Delivered}
	}
	if errors.Is(err, ErrAlreadyDelivered) {
		return &Result{Outcome: Delivered, Duplicate: true}
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindPermanent:
			return &Result{Outcome: PermanentProviderError, Err: err}
		case KindRateLimited:
			return &Result{Outcome: RateLimitedByProvider, RetryAfter: pe.RetryAfter, Err: err}
		default:
			return &Result{Outcome: TransientProviderError, RetryAfter: pe.RetryAfter, Err: err}
		}
	}
	if retry.IsContextError(err) {
		return &Result{Outcome: TransientProviderError, Err: fmt.Errorf("provider call timed out: %w", err)}
	}
	return &Result{Outcome: TransientProviderError, Err: err}
}
