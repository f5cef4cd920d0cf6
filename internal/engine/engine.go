// Package engine runs outreach campaigns: it pulls eligible contacts from
// the scheduler, crafts and delivers their messages and derives campaign
// status from contact state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/crafting"
	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/retry"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/store"
)

// ErrAlreadyRunning is returned by Run when the engine is already running
var ErrAlreadyRunning = errors.New("engine is already running")

// Config contains engine settings
type Config struct {
	Workers int `yaml:"workers"`

	// Delivery attempts per contact before it fails permanently
	SendMaxAttempts int           `yaml:"send_max_attempts"`
	SendBaseDelay   time.Duration `yaml:"send_base_delay"`
	SendMaxDelay    time.Duration `yaml:"send_max_delay"`
	SendJitter      float64       `yaml:"send_jitter"`

	// Compare-and-set conflicts retried before giving up on a result
	StaleRetries int `yaml:"stale_retries"`

	// How often scheduled drafts are checked for their start time
	ActivationInterval time.Duration `yaml:"activation_interval"`

	// Wait before retrying a unit after a storage error
	RetryInterval time.Duration `yaml:"retry_interval"`

	// Contacts read from the store per scheduler page
	PageSize int `yaml:"page_size"`
}

// Deps are the collaborators of the engine
type Deps struct {
	Store      *store.BoltStore
	Crafter    *crafting.Client
	Limiter    *ratelimit.Limiter
	Dispatcher *dispatch.Dispatcher
	Plans      ratelimit.PlanSource
}

// Engine is the campaign orchestrator
type Engine struct {
	store      *store.BoltStore
	sched      *scheduler.Scheduler
	crafter    *crafting.Client
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	plans      ratelimit.PlanSource
	admission  *admission

	cfg        Config
	sendPolicy retry.Policy
	logger     *slog.Logger
	now        func() time.Time

	running atomic.Bool
}

// New creates an engine
func New(deps Deps, cfg Config, logger *slog.Logger) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Crafter == nil:
		return nil, errors.New("engine: crafting client is required")
	case deps.Limiter == nil:
		return nil, errors.New("engine: rate limiter is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("engine: dispatcher is required")
	case deps.Plans == nil:
		return nil, errors.New("engine: plan source is required")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SendMaxAttempts <= 0 {
		cfg.SendMaxAttempts = 5
	}
	if cfg.SendBaseDelay <= 0 {
		cfg.SendBaseDelay = 30 * time.Second
	}
	if cfg.SendMaxDelay <= 0 {
		cfg.SendMaxDelay = 30 * time.Minute
	}
	if cfg.StaleRetries <= 0 {
		cfg.StaleRetries = 3
	}
	if cfg.ActivationInterval <= 0 {
		cfg.ActivationInterval = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}

	e := &Engine{
		store:      deps.Store,
		crafter:    deps.Crafter,
		limiter:    deps.Limiter,
		dispatcher: deps.Dispatcher,
		plans:      deps.Plans,
		admission:  newAdmission(deps.Limiter),
		cfg:        cfg,
		sendPolicy: retry.Policy{
			MaxAttempts: cfg.SendMaxAttempts,
			BaseDelay:   cfg.SendBaseDelay,
			MaxDelay:    cfg.SendMaxDelay,
			Jitter:      cfg.SendJitter,
		}.WithDefaults(),
		logger: logger.With("component", "engine"),
		now:    time.Now,
	}
	e.sched = scheduler.New(deps.Store, scheduler.Config{
		PageSize:      cfg.PageSize,
		RetryInterval: cfg.RetryInterval,
		OnHandout:     e.admission.handout,
	}, logger)
	return e, nil
}

// Run recovers interrupted work, reschedules running campaigns and
// processes contacts until ctx is done. In-flight calls are interrupted on
// shutdown and their contacts returned to the step before the call.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	recovered, err := e.store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted contacts: %w", err)
	}
	if recovered > 0 {
		e.logger.Info("recovered interrupted contacts", "count", recovered)
	}

	if err := e.restore(ctx); err != nil {
		return err
	}

	e.logger.Info("engine started", "workers", e.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			e.worker(gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		e.activationLoop(gctx)
		return nil
	})

	err = g.Wait()
	e.sched.Reset()
	e.logger.Info("engine stopped")
	return err
}

// restore puts campaigns back on the scheduler after a restart
func (e *Engine) restore(ctx context.Context) error {
	camps, err := e.store.ListCampaigns(ctx, store.CampaignFilter{})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	for _, c := range camps {
		switch c.Status {
		case campaign.StatusRunning:
			e.activate(ctx, c)
		case campaign.StatusCancelled:
			// A cancel interrupted by a crash may have left contacts behind
			e.skipRemaining(ctx, c.ID, "campaign cancelled")
		}
	}
	e.activateDue(ctx)
	return nil
}

func (e *Engine) worker(ctx context.Context, id int) {
	logger := e.logger.With("worker", id)
	logger.Debug("worker started")

	for {
		u, err := e.sched.Next(ctx)
		if err != nil {
			logger.Debug("worker stopped")
			return
		}

		metrics.IncInFlight()
		e.process(ctx, u)
		metrics.DecInFlight()
	}
}

// process runs one unit and hands it back to the scheduler
func (e *Engine) process(ctx context.Context, u scheduler.Unit) {
	until, err := e.handle(ctx, u)
	if errors.Is(err, errAwaitingAdmission) {
		err = nil
	} else {
		e.admission.withdraw(u)
	}
	if err != nil && !errors.Is(err, campaign.ErrNotFound) && ctx.Err() == nil {
		e.logger.Error("failed to process contact",
			"campaign_id", u.CampaignID,
			"contact_id", u.ContactID,
			"phase", u.Phase,
			"error", err,
		)
		until = e.now().Add(e.cfg.RetryInterval)
	}

	if !until.IsZero() && ctx.Err() == nil {
		e.sched.Defer(u, until)
	} else {
		e.sched.Done(u)
	}

	e.settle(context.WithoutCancel(ctx), u)
}

// handle runs the phase of a unit. A non-zero time asks for the unit to be
// retried then.
func (e *Engine) handle(ctx context.Context, u scheduler.Unit) (time.Time, error) {
	c, err := e.store.GetCampaign(ctx, u.CampaignID)
	if err != nil {
		return time.Time{}, err
	}
	if c.Status != campaign.StatusRunning {
		return time.Time{}, nil
	}

	st, err := e.store.GetState(ctx, u.CampaignID, u.ContactID)
	if err != nil {
		return time.Time{}, err
	}
	if !st.Step().Qualifies(u.Phase) {
		return time.Time{}, nil
	}
	if st.NextAttemptAt.After(e.now()) {
		return st.NextAttemptAt, nil
	}

	switch u.Phase {
	case campaign.PhaseCraft:
		return e.craft(ctx, c, st)
	case campaign.PhaseSend:
		return e.send(ctx, c, st)
	}
	return time.Time{}, fmt.Errorf("unknown phase %q", u.Phase)
}

// settle finishes contacts of cancelled campaigns and completes campaigns
// whose contacts are all terminal
func (e *Engine) settle(ctx context.Context, u scheduler.Unit) {
	c, err := e.store.GetCampaign(ctx, u.CampaignID)
	if err != nil {
		return
	}

	switch c.Status {
	case campaign.StatusCancelled:
		if e.skipContact(ctx, c.ID, u.ContactID, "campaign cancelled") {
			metrics.AddSkipped("cancelled", 1)
		}
	case campaign.StatusRunning:
		e.checkCompletion(ctx, c.ID)
	}
}

// record applies a transition, retrying a bounded number of times when the
// contact moved underneath. A retry starts from the step actually stored.
func (e *Engine) record(ctx context.Context, campaignID, contactID string, from, to campaign.Step, meta store.Meta) (*campaign.State, error) {
	for attempt := 0; ; attempt++ {
		st, err := e.store.Transition(ctx, campaignID, contactID, from, to, meta)
		if err == nil {
			return st, nil
		}

		var stale *campaign.StaleStateError
		if !errors.As(err, &stale) || attempt >= e.cfg.StaleRetries {
			return nil, err
		}
		if !campaign.ValidTransition(stale.Actual, to) {
			return nil, err
		}
		metrics.IncStaleRetries()
		e.logger.Debug("retrying transition from stored step",
			"campaign_id", campaignID,
			"contact_id", contactID,
			"expected", from.String(),
			"actual", stale.Actual.String(),
		)
		from = stale.Actual
	}
}

// checkCompletion moves a running campaign whose contacts are all terminal
// to Completed, or to Failed when nothing was delivered and some failed
func (e *Engine) checkCompletion(ctx context.Context, campaignID string) {
	stats, err := e.store.Stats(ctx, campaignID)
	if err != nil || !stats.Done() {
		return
	}

	to, reason := campaign.StatusCompleted, ""
	if stats.Sent == 0 && stats.Failures() > 0 {
		to = campaign.StatusFailed
		reason = fmt.Sprintf("no message delivered, %d contacts failed", stats.Failures())
	}

	c, err := e.store.SetCampaignStatus(ctx, campaignID, to, reason, campaign.StatusRunning)
	if err != nil {
		return
	}
	e.unschedule(campaignID)
	e.logger.Info("campaign finished",
		"campaign_id", campaignID,
		"tenant_id", c.TenantID,
		"status", c.Status,
		"sent", stats.Sent,
		"craft_failed", stats.CraftFailed,
		"send_failed", stats.SendFailed,
		"skipped", stats.Skipped,
	)
}

// activationLoop starts scheduled drafts when their time comes
func (e *Engine) activationLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ActivationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.activateDue(ctx)
		}
	}
}

func (e *Engine) activateDue(ctx context.Context) {
	drafts, err := e.store.ListCampaigns(ctx, store.CampaignFilter{Status: campaign.StatusDraft})
	if err != nil {
		e.logger.Error("failed to list drafts", "error", err)
		return
	}

	now := e.now()
	for _, c := range drafts {
		if c.ScheduledAt.IsZero() || c.ScheduledAt.After(now) {
			continue
		}
		if _, err := e.start(ctx, c.ID, "scheduled start"); err != nil {
			if !errors.Is(err, campaign.ErrInvalidStatus) {
				e.logger.Error("failed to start scheduled campaign", "campaign_id", c.ID, "error", err)
			}
			continue
		}
		e.logger.Info("scheduled campaign started", "campaign_id", c.ID, "tenant_id", c.TenantID)
	}
}

// SchedulerStats returns the scheduler sizes
func (e *Engine) SchedulerStats() metrics.SchedulerStats {
	s := e.sched.Stats()
	return metrics.SchedulerStats{
		Campaigns: s.Campaigns,
		Ready:     s.Ready,
		Deferred:  s.Deferred,
		InFlight:  s.InFlight,
	}
}

// CampaignCounts returns the number of campaigns per status
func (e *Engine) CampaignCounts(ctx context.Context) (map[string]int, error) {
	camps, err := e.store.ListCampaigns(ctx, store.CampaignFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, c := range camps {
		counts[string(c.Status)]++
	}
	return counts, nil
}
