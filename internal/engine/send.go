package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/store"
)

var (
	stepQueued     = campaign.Step{Craft: campaign.CraftCrafted, Send: campaign.SendQueued}
	stepSending    = campaign.Step{Craft: campaign.CraftCrafted, Send: campaign.SendSending}
	stepSent       = campaign.Step{Craft: campaign.CraftCrafted, Send: campaign.SendSent}
	stepSendFailed = campaign.Step{Craft: campaign.CraftCrafted, Send: campaign.SendFailed}
)

// send delivers the crafted message of a contact once the tenant budget
// admits it and records the outcome
func (e *Engine) send(ctx context.Context, c *campaign.Campaign, st *campaign.State) (time.Time, error) {
	contact, err := e.store.GetContact(ctx, c.ID, st.ContactID)
	if err != nil {
		return time.Time{}, err
	}

	if st.Send == campaign.SendNotReady {
		if _, err := e.record(ctx, c.ID, st.ContactID, st.Step(), stepQueued, store.Meta{Reason: "queued"}); err != nil {
			return time.Time{}, ignoreStale(err)
		}
	}

	lease, err := e.limiter.AcquireTicket(ctx, c.TenantID, ticketOf(c.ID, st.ContactID, c.CreatedAt, st.Seq))
	if err != nil {
		var exceeded *campaign.RateLimitExceeded
		if errors.As(err, &exceeded) {
			metrics.IncRateLimitDeferral(exceeded.Reason)
			return e.now().Add(max(exceeded.RetryAfter, time.Millisecond)), errAwaitingAdmission
		}
		return time.Time{}, err
	}
	defer e.limiter.Release(lease)

	if _, err := e.record(ctx, c.ID, st.ContactID, stepQueued, stepSending, store.Meta{Reason: "sending"}); err != nil {
		// Nothing goes out, so the budget is given back
		e.limiter.Cancel(lease)
		return time.Time{}, ignoreStale(err)
	}

	res, sendErr := e.dispatcher.Send(ctx, envelope(c, contact, st))

	rctx := context.WithoutCancel(ctx)
	logger := e.logger.With(
		"campaign_id", c.ID,
		"tenant_id", c.TenantID,
		"contact_id", st.ContactID,
	)

	if sendErr != nil {
		reason := "interrupted"
		var credErr *campaign.CredentialError
		if errors.As(sendErr, &credErr) {
			reason = "credential rejected"
		}
		_, err := e.record(rctx, c.ID, st.ContactID, stepSending, stepQueued, store.Meta{
			Reason: reason,
			Mutate: func(s *campaign.State) { s.LastError = sendErr.Error() },
		})
		switch {
		case credErr != nil:
			e.failTenant(rctx, c.TenantID, credErr)
			return time.Time{}, ignoreStale(err)
		case ctx.Err() != nil, err != nil:
			return time.Time{}, ignoreStale(err)
		}
		return time.Time{}, sendErr
	}

	attempts := st.SendAttempts
	lastError := ""
	if res.Err != nil {
		lastError = res.Err.Error()
	}

	switch res.Outcome {
	case dispatch.Delivered:
		_, err := e.record(rctx, c.ID, st.ContactID, stepSending, stepSent, store.Meta{
			Reason: deliveredReason(res),
			Mutate: func(s *campaign.State) {
				s.SendAttempts = attempts + 1
				s.ProviderMessageID = res.ProviderMessageID
				s.LastError = ""
			},
		})
		if err != nil {
			return time.Time{}, ignoreStale(err)
		}
		metrics.IncSent(c.TenantID)
		logger.Info("message delivered", "provider_message_id", res.ProviderMessageID, "duplicate", res.Duplicate)
		return time.Time{}, nil

	case dispatch.RateLimitedByProvider:
		// Throttling by the provider does not use up an attempt
		wait := res.RetryAfter
		if wait <= 0 {
			wait = e.sendPolicy.Backoff(1)
		}
		next := e.now().Add(wait)
		_, err := e.record(rctx, c.ID, st.ContactID, stepSending, stepQueued, store.Meta{
			Reason: "throttled by provider",
			Mutate: func(s *campaign.State) {
				s.LastError = lastError
				s.NextAttemptAt = next
			},
		})
		if err != nil {
			return time.Time{}, ignoreStale(err)
		}
		metrics.IncRateLimitDeferral("provider")
		metrics.IncSendDeferred(c.TenantID)
		logger.Info("delivery throttled by provider", "retry_at", next)
		return next, nil

	case dispatch.TransientProviderError:
		attempts++
		if !e.sendPolicy.Exhausted(attempts) {
			next := e.now().Add(max(e.sendPolicy.Backoff(attempts), res.RetryAfter))
			_, err := e.record(rctx, c.ID, st.ContactID, stepSending, stepQueued, store.Meta{
				Reason: "delivery deferred",
				Mutate: func(s *campaign.State) {
					s.SendAttempts = attempts
					s.LastError = lastError
					s.NextAttemptAt = next
				},
			})
			if err != nil {
				return time.Time{}, ignoreStale(err)
			}
			metrics.IncSendDeferred(c.TenantID)
			logger.Info("delivery deferred", "attempts", attempts, "retry_at", next, "error", res.Err)
			return next, nil
		}
		return time.Time{}, e.failSend(rctx, c, st, attempts, lastError, logger)

	default:
		return time.Time{}, e.failSend(rctx, c, st, attempts+1, lastError, logger)
	}
}

func (e *Engine) failSend(ctx context.Context, c *campaign.Campaign, st *campaign.State, attempts int, lastError string, logger *slog.Logger) error {
	_, err := e.record(ctx, c.ID, st.ContactID, stepSending, stepSendFailed, store.Meta{
		Reason: "delivery failed",
		Mutate: func(s *campaign.State) {
			s.SendAttempts = attempts
			s.LastError = lastError
		},
	})
	if err != nil {
		return ignoreStale(err)
	}
	metrics.IncSendFailed(c.TenantID)
	logger.Warn("delivery failed permanently", "attempts", attempts, "error", lastError)
	return nil
}

func deliveredReason(res *dispatch.Result) string {
	if res.Duplicate {
		return "delivered (duplicate suppressed)"
	}
	return "delivered"
}

func envelope(c *campaign.Campaign, contact *campaign.Contact, st *campaign.State) *dispatch.Envelope {
	return &dispatch.Envelope{
		TenantID:       c.TenantID,
		CampaignID:     c.ID,
		ContactID:      contact.ID,
		From:           c.Context.SenderEmail,
		FromName:       c.Context.SenderName,
		ReplyTo:        c.Context.ReplyTo,
		To:             contact.Email,
		ToName:         contact.Name,
		Message:        st.Message,
		IdempotencyKey: st.IdempotencyKey,
	}
}
