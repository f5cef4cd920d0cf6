// Package scheduler decides when contact work units are eligible to run.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
)

// Unit is one phase of work for one contact
type Unit struct {
	CampaignID string
	ContactID  string
	Phase      campaign.Phase
	Seq        uint64
	NotBefore  time.Time
}

func (u Unit) key() string {
	return u.CampaignID + "/" + u.ContactID + "/" + string(u.Phase)
}

// Source pages qualifying contacts out of durable storage
type Source interface {
	GetPendingAfter(ctx context.Context, campaignID string, phase campaign.Phase, afterSeq uint64, limit int) ([]*campaign.State, error)
}

// Config contains scheduler settings
type Config struct {
	// Contacts read from the store per page
	PageSize int
	// Wait before re-reading a campaign after a store error
	RetryInterval time.Duration
	// Called for each unit handed out, in hand-out order, with the
	// scheduler lock held. It must not call back into the scheduler.
	OnHandout func(Unit)
}

var phases = [...]campaign.Phase{campaign.PhaseSend, campaign.PhaseCraft}

// lane is the work of one campaign
type lane struct {
	id        string
	ready     map[campaign.Phase][]Unit
	cursor    map[campaign.Phase]uint64
	exhausted map[campaign.Phase]bool
	fetching  map[campaign.Phase]bool
	retryAt   time.Time
	gen       uint64
	paused    bool
	last      campaign.Phase
}

func newLane(id string) *lane {
	return &lane{
		id:        id,
		ready:     make(map[campaign.Phase][]Unit),
		cursor:    make(map[campaign.Phase]uint64),
		exhausted: make(map[campaign.Phase]bool),
		fetching:  make(map[campaign.Phase]bool),
		last:      campaign.PhaseCraft,
	}
}

// choose returns the phase to take the next unit from. Phases alternate,
// and send goes first when both have work.
func (l *lane) choose(filter campaign.Phase) (campaign.Phase, bool) {
	if filter != "" {
		return filter, len(l.ready[filter]) > 0
	}
	first, second := campaign.PhaseSend, campaign.PhaseCraft
	if l.last == campaign.PhaseSend {
		first, second = campaign.PhaseCraft, campaign.PhaseSend
	}
	if len(l.ready[first]) > 0 {
		return first, true
	}
	return second, len(l.ready[second]) > 0
}

// Stats is a snapshot of scheduler sizes
type Stats struct {
	Campaigns int
	Ready     int
	Deferred  int
	InFlight  int
}

// Scheduler hands out eligible units round-robin across campaigns. Units
// denied or failed transiently are deferred and become eligible again after
// their time. A unit is never handed out twice while it is in flight.
type Scheduler struct {
	source Source
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	lanes    map[string]*lane
	order    []string
	next     int
	deferred deferredHeap
	deferSeq uint64
	known    map[string]struct{}
	inflight map[string]Unit

	wake chan struct{}
	now  func() time.Time
}

// New creates a scheduler reading pending work from source
func New(source Source, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Scheduler{
		source:   source,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		lanes:    make(map[string]*lane),
		known:    make(map[string]struct{}),
		inflight: make(map[string]Unit),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// AddCampaign starts scheduling a campaign. Adding a campaign again rescans
// it from the beginning and unpauses it.
func (s *Scheduler) AddCampaign(campaignID string) {
	s.mu.Lock()
	l, ok := s.lanes[campaignID]
	if !ok {
		l = newLane(campaignID)
		s.lanes[campaignID] = l
		s.order = append(s.order, campaignID)
	} else {
		clear(l.cursor)
		clear(l.exhausted)
		l.retryAt = time.Time{}
		l.gen++
	}
	l.paused = false
	s.mu.Unlock()

	s.signal()
}

// RemoveCampaign stops scheduling a campaign and drops its queued units.
// Units already handed out stay in flight until Done or Defer is called.
func (s *Scheduler) RemoveCampaign(campaignID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[campaignID]
	if !ok {
		return
	}
	for _, units := range l.ready {
		for _, u := range units {
			delete(s.known, u.key())
		}
	}
	delete(s.lanes, campaignID)

	for i, id := range s.order {
		if id == campaignID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			if s.next > i {
				s.next--
			}
			break
		}
	}
	if len(s.order) == 0 || s.next >= len(s.order) {
		s.next = 0
	}
}

// SetPaused stops or restarts handing out units of a campaign
func (s *Scheduler) SetPaused(campaignID string, paused bool) {
	s.mu.Lock()
	if l, ok := s.lanes[campaignID]; ok {
		l.paused = paused
	}
	s.mu.Unlock()

	if !paused {
		s.signal()
	}
}

// Reset forgets every campaign and unit
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lanes = make(map[string]*lane)
	s.order = nil
	s.next = 0
	s.deferred = nil
	s.known = make(map[string]struct{})
	s.inflight = make(map[string]Unit)
}

// Submit makes a unit eligible, or schedules it for NotBefore if that is in
// the future. It reports false if the unit is already known or its campaign
// is not scheduled.
func (s *Scheduler) Submit(u Unit) bool {
	s.mu.Lock()
	l, ok := s.lanes[u.CampaignID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.known[u.key()]; dup {
		s.mu.Unlock()
		return false
	}
	s.known[u.key()] = struct{}{}
	if u.NotBefore.After(s.now()) {
		s.pushDeferred(u, u.NotBefore)
	} else {
		l.ready[u.Phase] = append(l.ready[u.Phase], u)
	}
	s.mu.Unlock()

	s.signal()
	return true
}

// Defer returns a handed out unit to the scheduler; it becomes eligible
// again at until.
func (s *Scheduler) Defer(u Unit, until time.Time) {
	s.mu.Lock()
	delete(s.inflight, u.key())
	if _, ok := s.lanes[u.CampaignID]; !ok {
		delete(s.known, u.key())
		s.mu.Unlock()
		return
	}
	s.known[u.key()] = struct{}{}
	u.NotBefore = until
	s.pushDeferred(u, until)
	s.mu.Unlock()

	s.signal()
}

// Done releases a handed out unit
func (s *Scheduler) Done(u Unit) {
	s.mu.Lock()
	delete(s.inflight, u.key())
	delete(s.known, u.key())
	s.mu.Unlock()
}

// Next blocks until a unit is eligible and hands it out. The caller must
// call Done or Defer for it.
func (s *Scheduler) Next(ctx context.Context) (Unit, error) {
	for {
		if u, ok := s.claim(ctx, ""); ok {
			return u, nil
		}
		if err := ctx.Err(); err != nil {
			return Unit{}, err
		}

		var timer *time.Timer
		var due <-chan time.Time
		if wait, ok := s.untilNextDue(); ok {
			timer = time.NewTimer(wait)
			due = timer.C
		}

		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Eligible returns the units of a phase that are ready now, handing each
// out as it is consumed. It never blocks waiting for deferred units. The
// sequence can be ranged over again to pick up newly eligible units.
func (s *Scheduler) Eligible(ctx context.Context, phase campaign.Phase) iter.Seq[Unit] {
	return func(yield func(Unit) bool) {
		for {
			u, ok := s.claim(ctx, phase)
			if !ok || !yield(u) {
				return
			}
		}
	}
}

// Stats returns current sizes
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Campaigns: len(s.lanes),
		Deferred:  len(s.deferred),
		InFlight:  len(s.inflight),
	}
	for _, l := range s.lanes {
		for _, units := range l.ready {
			st.Ready += len(units)
		}
	}
	return st
}

type refill struct {
	campaignID string
	phase      campaign.Phase
	after      uint64
	gen        uint64
}

// claim hands out one ready unit, reading more from the source for lanes
// that ran dry first so every campaign gets its turn.
func (s *Scheduler) claim(ctx context.Context, filter campaign.Phase) (Unit, bool) {
	for {
		s.mu.Lock()
		now := s.now()
		s.promote(now)

		reqs := s.refills(filter, now)
		if len(reqs) == 0 {
			u, ok := s.pick(filter)
			if ok {
				s.inflight[u.key()] = u
				if s.cfg.OnHandout != nil {
					s.cfg.OnHandout(u)
				}
			}
			s.mu.Unlock()
			if ok {
				// Another waiting worker may find more
				s.signal()
			}
			return u, ok
		}
		s.mu.Unlock()

		if ctx.Err() != nil {
			s.mu.Lock()
			for _, r := range reqs {
				if l, ok := s.lanes[r.campaignID]; ok {
					l.fetching[r.phase] = false
				}
			}
			s.mu.Unlock()
			return Unit{}, false
		}
		for _, r := range reqs {
			s.fetch(ctx, r)
		}
	}
}

// refills marks and returns the lanes that need reading from the source
func (s *Scheduler) refills(filter campaign.Phase, now time.Time) []refill {
	var reqs []refill
	for _, id := range s.order {
		l := s.lanes[id]
		if l.paused || now.Before(l.retryAt) {
			continue
		}
		for _, p := range phases {
			if filter != "" && p != filter {
				continue
			}
			if len(l.ready[p]) > 0 || l.exhausted[p] || l.fetching[p] {
				continue
			}
			l.fetching[p] = true
			reqs = append(reqs, refill{campaignID: id, phase: p, after: l.cursor[p], gen: l.gen})
		}
	}
	return reqs
}

func (s *Scheduler) fetch(ctx context.Context, r refill) {
	states, err := s.source.GetPendingAfter(ctx, r.campaignID, r.phase, r.after, s.cfg.PageSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[r.campaignID]
	if !ok {
		return
	}
	l.fetching[r.phase] = false
	if l.gen != r.gen {
		return
	}

	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			s.logger.Warn("campaign disappeared, unscheduling", "campaign_id", r.campaignID)
			l.exhausted[campaign.PhaseCraft] = true
			l.exhausted[campaign.PhaseSend] = true
			return
		}
		s.logger.Error("failed to read pending contacts",
			"campaign_id", r.campaignID,
			"phase", r.phase,
			"error", err,
		)
		l.retryAt = s.now().Add(s.cfg.RetryInterval)
		return
	}

	l.retryAt = time.Time{}
	now := s.now()
	for _, st := range states {
		if st.Seq > l.cursor[r.phase] {
			l.cursor[r.phase] = st.Seq
		}
		u := Unit{CampaignID: st.CampaignID, ContactID: st.ContactID, Phase: r.phase, Seq: st.Seq}
		if _, dup := s.known[u.key()]; dup {
			continue
		}
		s.known[u.key()] = struct{}{}
		if st.NextAttemptAt.After(now) {
			u.NotBefore = st.NextAttemptAt
			s.pushDeferred(u, st.NextAttemptAt)
			continue
		}
		l.ready[r.phase] = append(l.ready[r.phase], u)
	}
	if len(states) < s.cfg.PageSize {
		l.exhausted[r.phase] = true
	}
}

// pick takes the next unit round-robin across campaigns
func (s *Scheduler) pick(filter campaign.Phase) (Unit, bool) {
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		l := s.lanes[s.order[idx]]
		if l.paused {
			continue
		}
		p, ok := l.choose(filter)
		if !ok {
			continue
		}
		u := l.ready[p][0]
		l.ready[p] = l.ready[p][1:]
		l.last = p
		s.next = (idx + 1) % n
		return u, true
	}
	return Unit{}, false
}

// promote moves deferred units that are due into their ready queues. A
// returning unit goes in front of later contacts that are still waiting.
func (s *Scheduler) promote(now time.Time) {
	for len(s.deferred) > 0 && !s.deferred[0].at.After(now) {
		d := heap.Pop(&s.deferred).(deferredUnit)
		l, ok := s.lanes[d.unit.CampaignID]
		if !ok {
			delete(s.known, d.unit.key())
			continue
		}
		ready := l.ready[d.unit.Phase]
		i := sort.Search(len(ready), func(i int) bool { return ready[i].Seq > d.unit.Seq })
		l.ready[d.unit.Phase] = slices.Insert(ready, i, d.unit)
	}
}

func (s *Scheduler) pushDeferred(u Unit, at time.Time) {
	s.deferSeq++
	heap.Push(&s.deferred, deferredUnit{unit: u, at: at, seq: s.deferSeq})
}

// untilNextDue returns how long until a deferred unit or a lane retry is due
func (s *Scheduler) untilNextDue() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due time.Time
	if len(s.deferred) > 0 {
		due = s.deferred[0].at
	}
	for _, l := range s.lanes {
		if l.paused || !l.retryAt.After(now) {
			continue
		}
		if due.IsZero() || l.retryAt.Before(due) {
			due = l.retryAt
		}
	}
	if due.IsZero() {
		return 0, false
	}
	return max(due.Sub(now), 0), true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
