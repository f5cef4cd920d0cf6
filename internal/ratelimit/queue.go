package ratelimit

import (
	"time"
)

// Ticket is the place of one send in its tenant's admission queue. Tickets
// are ordered by the time their contacts were ingested, then by sequence.
type Ticket struct {
	ID       string
	Ingested time.Time
	Seq      uint64
}

// Before reports whether t is admitted ahead of o
func (t Ticket) Before(o Ticket) bool {
	if !t.Ingested.Equal(o.Ingested) {
		return t.Ingested.Before(o.Ingested)
	}
	if t.Seq != o.Seq {
		return t.Seq < o.Seq
	}
	return t.ID < o.ID
}

type waiter struct {
	ticket  Ticket
	expires time.Time
}

// Enqueue puts a ticket in the tenant queue, or refreshes its place. A ticket
// leaves the queue when it is admitted, withdrawn or not seen again before
// it expires.
func (l *Limiter) Enqueue(tenantID string, t Ticket) {
	b := l.bucketFor(tenantID)
	now := l.now()

	b.mu.Lock()
	b.wait(t, now.Add(l.config.QueueTimeout))
	b.mu.Unlock()
}

// Withdraw removes a ticket that no longer waits for admission
func (l *Limiter) Withdraw(tenantID, ticketID string) {
	l.mu.RLock()
	b, ok := l.buckets[tenantID]
	l.mu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	delete(b.queue, ticketID)
	b.mu.Unlock()
}

// wait records t as waiting until expires. An earlier deadline never
// shortens one already held.
func (b *bucket) wait(t Ticket, expires time.Time) {
	if b.queue == nil {
		b.queue = make(map[string]*waiter)
	}
	if w, ok := b.queue[t.ID]; ok {
		w.ticket = t
		if expires.After(w.expires) {
			w.expires = expires
		}
		return
	}
	b.queue[t.ID] = &waiter{ticket: t, expires: expires}
}

// ahead reports whether a live ticket waits in front of t. Expired tickets
// are dropped on the way.
func (b *bucket) ahead(t Ticket, now time.Time) bool {
	found := false
	for id, w := range b.queue {
		if now.After(w.expires) {
			delete(b.queue, id)
			continue
		}
		if id != t.ID && w.ticket.Before(t) {
			found = true
		}
	}
	return found
}

func (b *bucket) queued(now time.Time) int {
	n := 0
	for _, w := range b.queue {
		if !now.After(w.expires) {
			n++
		}
	}
	return n
}
