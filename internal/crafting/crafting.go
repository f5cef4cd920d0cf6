// Package crafting produces personalized message content for contacts.
package crafting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/retry"
)

// Request is the input of one generation call
type Request struct {
	Contact *campaign.Contact
	Context campaign.Context
	// 1-based attempt number across the contact's lifetime
	Attempt int
}

// Generator produces a message for a contact. Errors should be typed as
// *campaign.TransientCraftError or *campaign.PermanentCraftError; any other
// error is treated as transient.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*campaign.Message, error)
}

// Config contains crafting limits
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	// Budget caps the wall-clock time of one Craft call across its attempts
	Budget    time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// Report tells the caller what a Craft call consumed
type Report struct {
	Attempts int
	Duration time.Duration
}

// Client wraps a Generator with bounded retry
type Client struct {
	gen    Generator
	cfg    Config
	policy retry.Policy
	logger *slog.Logger
}

// NewClient creates a crafting client
func NewClient(gen Generator, cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 2 * time.Minute
	}

	return &Client{
		gen: gen,
		cfg: cfg,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Jitter:      cfg.Jitter,
			Retryable:   func(err error) bool { return !campaign.IsPermanent(err) },
		}.WithDefaults(),
		logger: logger.With("component", "crafting"),
	}
}

// MaxAttempts returns the per-contact attempt ceiling
func (c *Client) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// Backoff returns the delay before the next attempt after attempt failures
func (c *Client) Backoff(attempt int) time.Duration {
	return c.policy.Backoff(attempt)
}

// Craft generates the message for a contact. attemptsUsed is the number of
// attempts already spent on this contact; Craft never goes beyond the
// ceiling in total. Errors are *campaign.PermanentCraftError,
// *campaign.TransientCraftError (budget ran out with attempts left) or the
// context error when ctx is done.
func (c *Client) Craft(ctx context.Context, contact *campaign.Contact, cctx campaign.Context, attemptsUsed int) (*campaign.Message, Report, error) {
	start := time.Now()

	if err := validate(contact); err != nil {
		return nil, Report{}, &campaign.PermanentCraftError{Err: err}
	}

	remaining := c.cfg.MaxAttempts - attemptsUsed
	if remaining <= 0 {
		return nil, Report{}, &campaign.PermanentCraftError{
			Err: fmt.Errorf("attempt ceiling of %d reached", c.cfg.MaxAttempts),
		}
	}

	budgetCtx, cancel := context.WithTimeout(ctx, c.cfg.Budget)
	defer cancel()

	policy := c.policy
	policy.MaxAttempts = remaining

	caller := ctx
	var msg *campaign.Message
	interrupted := false
	attempts, err := policy.Do(budgetCtx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()

		req := &Request{Contact: contact, Context: cctx, Attempt: attemptsUsed + attempt}
		out, err := c.gen.Generate(attemptCtx, req)
		if err == nil {
			err = checkMessage(out)
		}
		if err != nil {
			if caller.Err() != nil {
				interrupted = true
				return err
			}
			err = classify(ctx, err)
			c.logger.Warn("craft attempt failed",
				"campaign_id", contact.CampaignID,
				"contact_id", contact.ID,
				"attempt", req.Attempt,
				"error", err,
			)
			return err
		}
		msg = out
		return nil
	})

	// An attempt cut short by the caller going away is not used up
	if interrupted {
		attempts--
	}
	report := Report{Attempts: attempts, Duration: time.Since(start)}
	if err == nil {
		return msg, report, nil
	}

	// Shutdown is not a crafting failure
	if ctx.Err() != nil {
		return nil, report, ctx.Err()
	}
	if campaign.IsPermanent(err) {
		return nil, report, err
	}
	var transient *campaign.TransientCraftError
	if !errors.As(err, &transient) {
		err = &campaign.TransientCraftError{Err: err}
	}
	return nil, report, err
}

func validate(contact *campaign.Contact) error {
	if contact == nil {
		return errors.New("contact is required")
	}
	if contact.Email == "" {
		return fmt.Errorf("contact %s has no email address", contact.ID)
	}
	return nil
}

func checkMessage(msg *campaign.Message) error {
	if msg == nil || strings.TrimSpace(msg.Subject) == "" || strings.TrimSpace(msg.Body) == "" {
		return &campaign.TransientCraftError{Err: errors.New("generator returned an empty message")}
	}
	return nil
}

// classify types a generator error. Timeouts of a single attempt are
// transient; anything untyped is transient.
func classify(ctx context.Context, err error) error {
	var transient *campaign.TransientCraftError
	var permanent *campaign.PermanentCraftError
	switch {
	case errors.As(err, &permanent), errors.As(err, &transient):
		return err
	case retry.IsContextError(err) && ctx.Err() == nil:
		return &campaign.TransientCraftError{Err: fmt.Errorf("attempt timed out: %w", err)}
	}
	return &campaign.TransientCraftError{Err: err}
}
