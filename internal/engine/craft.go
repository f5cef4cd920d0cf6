package engine

import (
	"context"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/store"
)

var (
	stepCrafting = campaign.Step{Craft: campaign.CraftCrafting, Send: campaign.SendNotReady}
	stepCrafted  = campaign.Step{Craft: campaign.CraftCrafted, Send: campaign.SendNotReady}
	stepFailed   = campaign.Step{Craft: campaign.CraftFailed, Send: campaign.SendNotReady}
)

// craft generates the message of a pending contact and records the result
func (e *Engine) craft(ctx context.Context, c *campaign.Campaign, st *campaign.State) (time.Time, error) {
	contact, err := e.store.GetContact(ctx, c.ID, st.ContactID)
	if err != nil {
		return time.Time{}, err
	}

	if _, err := e.store.Transition(ctx, c.ID, st.ContactID, campaign.Initial, stepCrafting, store.Meta{Reason: "crafting"}); err != nil {
		if campaign.IsStale(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}

	msg, report, craftErr := e.crafter.Craft(ctx, contact, c.Context, st.CraftAttempts)
	attempts := st.CraftAttempts + report.Attempts

	// The result is recorded even when ctx was cancelled mid-call
	rctx := context.WithoutCancel(ctx)
	logger := e.logger.With(
		"campaign_id", c.ID,
		"contact_id", st.ContactID,
		"attempts", attempts,
	)

	switch {
	case craftErr == nil:
		_, err := e.record(rctx, c.ID, st.ContactID, stepCrafting, stepCrafted, store.Meta{
			Reason: "crafted",
			Mutate: func(s *campaign.State) {
				s.CraftAttempts = attempts
				s.Message = msg
				s.LastError = ""
				s.NextAttemptAt = time.Time{}
			},
		})
		if err != nil {
			return time.Time{}, ignoreStale(err)
		}
		metrics.IncCrafted(c.TenantID)
		logger.Debug("message crafted", "duration", report.Duration)

		e.sched.Submit(scheduler.Unit{
			CampaignID: c.ID,
			ContactID:  st.ContactID,
			Phase:      campaign.PhaseSend,
			Seq:        st.Seq,
		})
		return time.Time{}, nil

	case ctx.Err() != nil:
		_, err := e.record(rctx, c.ID, st.ContactID, stepCrafting, campaign.Initial, store.Meta{
			Reason: "interrupted",
			Mutate: func(s *campaign.State) { s.CraftAttempts = attempts },
		})
		return time.Time{}, ignoreStale(err)

	case campaign.IsPermanent(craftErr) || attempts >= e.crafter.MaxAttempts():
		_, err := e.record(rctx, c.ID, st.ContactID, stepCrafting, stepFailed, store.Meta{
			Reason: "crafting failed",
			Mutate: func(s *campaign.State) {
				s.CraftAttempts = attempts
				s.LastError = craftErr.Error()
			},
		})
		if err != nil {
			return time.Time{}, ignoreStale(err)
		}
		metrics.IncCraftFailed(c.TenantID)
		logger.Warn("crafting failed permanently", "error", craftErr)
		return time.Time{}, nil

	default:
		next := e.now().Add(e.crafter.Backoff(attempts))
		_, err := e.record(rctx, c.ID, st.ContactID, stepCrafting, campaign.Initial, store.Meta{
			Reason: "crafting deferred",
			Mutate: func(s *campaign.State) {
				s.CraftAttempts = attempts
				s.LastError = craftErr.Error()
				s.NextAttemptAt = next
			},
		})
		if err != nil {
			return time.Time{}, ignoreStale(err)
		}
		logger.Info("crafting deferred", "retry_at", next, "error", craftErr)
		return next, nil
	}
}

// ignoreStale drops conflicts where the contact was moved on by someone else
func ignoreStale(err error) error {
	if campaign.IsStale(err) {
		return nil
	}
	return err
}
