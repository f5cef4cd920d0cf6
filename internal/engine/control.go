package engine

import (
	"context"
	"fmt"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/store"
)

// CampaignStatus is a campaign together with its contact counts
type CampaignStatus struct {
	Campaign *campaign.Campaign `json:"campaign"`
	Stats    *campaign.Stats    `json:"stats"`
}

// Status returns a campaign and its progress
func (e *Engine) Status(ctx context.Context, campaignID string) (*CampaignStatus, error) {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := e.store.Stats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignStatus{Campaign: c, Stats: stats}, nil
}

// Start runs a draft campaign now
func (e *Engine) Start(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	return e.start(ctx, campaignID, "")
}

func (e *Engine) start(ctx context.Context, campaignID, reason string) (*campaign.Campaign, error) {
	c, err := e.store.SetCampaignStatus(ctx, campaignID, campaign.StatusRunning, reason, campaign.StatusDraft)
	if err != nil {
		return nil, err
	}
	e.activate(ctx, c)
	return c, nil
}

// activate hands a running campaign to the limiter and the scheduler
func (e *Engine) activate(ctx context.Context, c *campaign.Campaign) {
	e.limiter.Configure(c.TenantID, c.RateLimit)
	e.admission.track(c)
	e.sched.AddCampaign(c.ID)
	e.checkCompletion(ctx, c.ID)
}

// unschedule drops a campaign from the scheduler and the admission queue
func (e *Engine) unschedule(campaignID string) {
	e.sched.RemoveCampaign(campaignID)
	e.admission.forget(campaignID)
}

// Pause stops admitting work for a campaign. Calls in flight finish and
// record their results; contact state is untouched.
func (e *Engine) Pause(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	c, err := e.store.SetCampaignStatus(ctx, campaignID, campaign.StatusPaused, "paused", campaign.StatusRunning)
	if err != nil {
		return nil, err
	}
	e.sched.SetPaused(campaignID, true)
	e.logger.Info("campaign paused", "campaign_id", campaignID, "tenant_id", c.TenantID)
	return c, nil
}

// Resume continues a paused or failed campaign. The tenant plan is read
// again, so plan changes take effect from here on.
func (e *Engine) Resume(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != campaign.StatusPaused && c.Status != campaign.StatusFailed {
		return nil, fmt.Errorf("%w: campaign %s is %s", campaign.ErrInvalidStatus, campaignID, c.Status)
	}

	plan, err := e.plans.PlanFor(ctx, c.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan for tenant %s: %w", c.TenantID, err)
	}
	if _, err := e.store.UpdateCampaign(ctx, campaignID, func(c *campaign.Campaign) error {
		c.Plan = plan.Name
		c.RateLimit = plan.Limits
		return nil
	}); err != nil {
		return nil, err
	}

	c, err = e.store.SetCampaignStatus(ctx, campaignID, campaign.StatusRunning, "", campaign.StatusPaused, campaign.StatusFailed)
	if err != nil {
		return nil, err
	}
	e.activate(ctx, c)
	e.logger.Info("campaign resumed", "campaign_id", campaignID, "tenant_id", c.TenantID, "plan", c.Plan)

	// Completion may have happened during activate
	return e.store.GetCampaign(ctx, campaignID)
}

// Cancel stops a campaign for good. Contacts that have not finished are
// marked skipped; contacts with a call in flight are skipped once it ends
// unless it finished them.
func (e *Engine) Cancel(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	c, err := e.store.SetCampaignStatus(ctx, campaignID, campaign.StatusCancelled, "cancelled",
		campaign.StatusDraft, campaign.StatusRunning, campaign.StatusPaused, campaign.StatusFailed)
	if err != nil {
		return nil, err
	}
	e.unschedule(campaignID)

	skipped := e.skipRemaining(ctx, campaignID, "campaign cancelled")
	e.logger.Info("campaign cancelled", "campaign_id", campaignID, "tenant_id", c.TenantID, "skipped", skipped)
	return c, nil
}

// Delete retires a campaign and everything it owns
func (e *Engine) Delete(ctx context.Context, campaignID string) error {
	e.unschedule(campaignID)
	if err := e.store.DeleteCampaign(ctx, campaignID); err != nil {
		return err
	}
	e.logger.Info("campaign deleted", "campaign_id", campaignID)
	return nil
}

// failTenant stops every running campaign of a tenant whose provider
// credential is unusable. They can be resumed once it is fixed.
func (e *Engine) failTenant(ctx context.Context, tenantID string, cause error) {
	camps, err := e.store.ListCampaigns(ctx, store.CampaignFilter{TenantID: tenantID, Status: campaign.StatusRunning})
	if err != nil {
		e.logger.Error("failed to list campaigns of tenant", "tenant_id", tenantID, "error", err)
		return
	}

	reason := fmt.Sprintf("credential error: %v", cause)
	for _, c := range camps {
		if _, err := e.store.SetCampaignStatus(ctx, c.ID, campaign.StatusFailed, reason, campaign.StatusRunning); err != nil {
			continue
		}
		e.unschedule(c.ID)
		e.logger.Error("campaign failed", "campaign_id", c.ID, "tenant_id", tenantID, "error", cause)
	}
}

// skipRemaining skips every contact of a campaign that has not finished
// and has no call in flight. It returns the number of contacts skipped.
func (e *Engine) skipRemaining(ctx context.Context, campaignID, reason string) int {
	const page = 500
	skipped := 0

	for offset := 0; ; offset += page {
		states, err := e.store.ListStates(ctx, campaignID, store.StateFilter{Limit: page, Offset: offset})
		if err != nil {
			e.logger.Error("failed to list contacts", "campaign_id", campaignID, "error", err)
			break
		}
		for _, st := range states {
			if e.skipContact(ctx, campaignID, st.ContactID, reason) {
				skipped++
			}
		}
		if len(states) < page {
			break
		}
	}

	metrics.AddSkipped("cancelled", skipped)
	return skipped
}

// skipContact marks one contact skipped if it is not finished and idle
func (e *Engine) skipContact(ctx context.Context, campaignID, contactID, reason string) bool {
	st, err := e.store.GetState(ctx, campaignID, contactID)
	if err != nil {
		return false
	}
	from := st.Step()
	if from.Terminal() || from.InFlight() {
		return false
	}

	to := campaign.Step{Craft: from.Craft, Send: campaign.SendSkipped}
	if _, err := e.store.Transition(ctx, campaignID, contactID, from, to, store.Meta{Reason: reason}); err != nil {
		if !campaign.IsStale(err) {
			e.logger.Error("failed to skip contact", "campaign_id", campaignID, "contact_id", contactID, "error", err)
		}
		return false
	}
	return true
}
