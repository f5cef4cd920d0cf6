package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/scheduler"
)

// errAwaitingAdmission marks a send unit deferred by the limiter. The unit
// keeps its ticket while it waits.
var errAwaitingAdmission = errors.New("awaiting admission")

type lane struct {
	tenantID string
	ingested time.Time
}

// admission queues send units in the limiter in the order the scheduler
// hands them out, so a tenant's sends are admitted by ingestion order
type admission struct {
	limiter *ratelimit.Limiter

	mu    sync.RWMutex
	lanes map[string]lane
}

func newAdmission(limiter *ratelimit.Limiter) *admission {
	return &admission{limiter: limiter, lanes: make(map[string]lane)}
}

func (a *admission) track(c *campaign.Campaign) {
	a.mu.Lock()
	a.lanes[c.ID] = lane{tenantID: c.TenantID, ingested: c.CreatedAt}
	a.mu.Unlock()
}

func (a *admission) forget(campaignID string) {
	a.mu.Lock()
	delete(a.lanes, campaignID)
	a.mu.Unlock()
}

func (a *admission) ticket(u scheduler.Unit) (string, ratelimit.Ticket, bool) {
	a.mu.RLock()
	l, ok := a.lanes[u.CampaignID]
	a.mu.RUnlock()
	if !ok {
		return "", ratelimit.Ticket{}, false
	}
	return l.tenantID, ticketOf(u.CampaignID, u.ContactID, l.ingested, u.Seq), true
}

func ticketOf(campaignID, contactID string, ingested time.Time, seq uint64) ratelimit.Ticket {
	return ratelimit.Ticket{ID: campaignID + "/" + contactID, Ingested: ingested, Seq: seq}
}

// handout runs under the scheduler lock for every unit handed out
func (a *admission) handout(u scheduler.Unit) {
	if u.Phase != campaign.PhaseSend {
		return
	}
	if tenantID, t, ok := a.ticket(u); ok {
		a.limiter.Enqueue(tenantID, t)
	}
}

// withdraw gives up the place of a unit that stopped waiting
func (a *admission) withdraw(u scheduler.Unit) {
	if u.Phase != campaign.PhaseSend {
		return
	}
	if tenantID, t, ok := a.ticket(u); ok {
		a.limiter.Withdraw(tenantID, t.ID)
	}
}
