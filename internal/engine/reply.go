package engine

import (
	"context"
	"fmt"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/store"
)

// ReplyResult is the outcome of recording a reply
type ReplyResult struct {
	Email   string `json:"email"`
	Skipped int    `json:"skipped"`
}

// RecordReply stops outreach to an address that answered. The address is
// suppressed for the tenant and its contacts in unfinished campaigns are
// skipped. A contact with a call in flight finishes that call.
func (e *Engine) RecordReply(ctx context.Context, tenantID, email, note string) (*ReplyResult, error) {
	email, err := campaign.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}

	reason := "replied"
	if note != "" {
		reason = "replied: " + note
	}
	if err := e.store.AddSuppression(ctx, tenantID, email, reason); err != nil {
		return nil, fmt.Errorf("failed to suppress %s: %w", email, err)
	}

	camps, err := e.store.ListCampaigns(ctx, store.CampaignFilter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns of tenant %s: %w", tenantID, err)
	}

	result := &ReplyResult{Email: email}
	for _, c := range camps {
		if c.Status.Final() {
			continue
		}
		if !e.skipContact(ctx, c.ID, email, "contact replied") {
			continue
		}
		result.Skipped++
		if c.Status == campaign.StatusRunning {
			e.checkCompletion(ctx, c.ID)
		}
	}

	metrics.AddSkipped("replied", result.Skipped)
	e.logger.Info("reply recorded", "tenant_id", tenantID, "email", email, "skipped", result.Skipped)
	return result, nil
}
