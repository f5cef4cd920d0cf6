package engine

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/metrics"
)

// ErrInvalidLaunch is returned for launch requests that cannot become a campaign
var ErrInvalidLaunch = errors.New("invalid launch request")

// ContactInput is one uploaded contact row
type ContactInput struct {
	Email  string            `json:"email"`
	Name   string            `json:"name,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// LaunchRequest creates a campaign from a descriptor and its contacts
type LaunchRequest struct {
	TenantID string           `json:"tenant_id"`
	Context  campaign.Context `json:"context"`
	Contacts []ContactInput   `json:"contacts"`
	// Start at this time instead of immediately
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	// Keep the campaign in Draft until Start is called
	Draft bool `json:"draft,omitempty"`
}

// Rejection is a contact row that was not ingested
type Rejection struct {
	Row    int    `json:"row"`
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// LaunchResult describes the created campaign
type LaunchResult struct {
	Campaign   *campaign.Campaign `json:"campaign"`
	Accepted   int                `json:"accepted"`
	Duplicates int                `json:"duplicates"`
	Suppressed int                `json:"suppressed"`
	Rejected   []Rejection        `json:"rejected,omitempty"`
}

func (r *LaunchRequest) validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidLaunch)
	}
	if strings.TrimSpace(r.Context.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", ErrInvalidLaunch)
	}
	if r.Context.SenderEmail == "" {
		return fmt.Errorf("%w: sender_email is required", ErrInvalidLaunch)
	}
	if _, err := mail.ParseAddress(r.Context.SenderEmail); err != nil {
		return fmt.Errorf("%w: invalid sender_email: %v", ErrInvalidLaunch, err)
	}
	if r.Context.ReplyTo != "" {
		if _, err := mail.ParseAddress(r.Context.ReplyTo); err != nil {
			return fmt.Errorf("%w: invalid reply_to: %v", ErrInvalidLaunch, err)
		}
	}
	if len(r.Contacts) == 0 {
		return fmt.Errorf("%w: no contacts", ErrInvalidLaunch)
	}
	return nil
}

// normalizeContacts turns uploaded rows into contacts keyed by normalized
// address. The first occurrence of an address wins.
func normalizeContacts(rows []ContactInput) ([]*campaign.Contact, int, []Rejection) {
	seen := make(map[string]struct{}, len(rows))
	contacts := make([]*campaign.Contact, 0, len(rows))
	var rejected []Rejection
	duplicates := 0

	for i, row := range rows {
		email, err := campaign.NormalizeEmail(row.Email)
		if err != nil {
			rejected = append(rejected, Rejection{Row: i + 1, Email: row.Email, Reason: err.Error()})
			continue
		}
		if _, dup := seen[email]; dup {
			duplicates++
			continue
		}
		seen[email] = struct{}{}

		var fields map[string]string
		if len(row.Fields) > 0 {
			fields = make(map[string]string, len(row.Fields))
			for k, v := range row.Fields {
				fields[k] = v
			}
		}
		contacts = append(contacts, &campaign.Contact{
			ID:     email,
			Email:  email,
			Name:   strings.TrimSpace(row.Name),
			Fields: fields,
		})
	}
	return contacts, duplicates, rejected
}

// Launch validates and persists a campaign with its contacts, then starts
// it unless it is a draft or scheduled for later. The tenant plan is
// snapshotted into the campaign.
func (e *Engine) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	contacts, duplicates, rejected := normalizeContacts(req.Contacts)
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w: no valid contacts (%d rejected)", ErrInvalidLaunch, len(rejected))
	}

	plan, err := e.plans.PlanFor(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan for tenant %s: %w", req.TenantID, err)
	}

	c := campaign.New(req.TenantID, req.Context)
	c.Plan = plan.Name
	c.RateLimit = plan.Limits
	c.ScheduledAt = req.ScheduledAt

	if err := e.store.CreateCampaign(ctx, c, contacts); err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	result := &LaunchResult{
		Campaign:   c,
		Accepted:   len(contacts),
		Duplicates: duplicates,
		Rejected:   rejected,
	}
	if stats, err := e.store.Stats(ctx, c.ID); err == nil {
		result.Suppressed = int(stats.Skipped)
		metrics.AddSkipped("suppressed", result.Suppressed)
	}

	e.logger.Info("campaign launched",
		"campaign_id", c.ID,
		"tenant_id", c.TenantID,
		"plan", c.Plan,
		"contacts", len(contacts),
		"duplicates", duplicates,
		"rejected", len(rejected),
		"suppressed", result.Suppressed,
	)

	if req.Draft || c.ScheduledAt.After(e.now()) {
		return result, nil
	}

	started, err := e.start(ctx, c.ID, "")
	if err != nil {
		return nil, err
	}
	result.Campaign = started
	return result, nil
}
