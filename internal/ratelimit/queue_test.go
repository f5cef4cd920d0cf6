package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
)

func ticket(seq uint64) Ticket {
	return Ticket{ID: "c1/" + string(rune('a'+seq)), Ingested: time.Unix(1700000000, 0), Seq: seq}
}

func TestTicketOrder(t *testing.T) {
	early := time.Unix(1700000000, 0)
	late := early.Add(time.Minute)

	tests := []struct {
		name string
		a, b Ticket
		want bool
	}{
		{"earlier campaign first", Ticket{ID: "x", Ingested: early, Seq: 9}, Ticket{ID: "y", Ingested: late, Seq: 1}, true},
		{"lower sequence first", Ticket{ID: "x", Ingested: early, Seq: 1}, Ticket{ID: "y", Ingested: early, Seq: 2}, true},
		{"later sequence waits", Ticket{ID: "x", Ingested: early, Seq: 3}, Ticket{ID: "y", Ingested: early, Seq: 2}, false},
		{"tie broken by id", Ticket{ID: "a", Ingested: early, Seq: 1}, Ticket{ID: "b", Ingested: early, Seq: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Before(tt.b); got != tt.want {
				t.Errorf("Before() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueuedTicketIsAdmittedFirst(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()
	clock := &fakeClock{now: time.Now()}
	limiter.now = clock.Now

	limiter.Configure("tenant-a", campaign.RateLimit{MaxConcurrency: 1})
	ctx := context.Background()

	first, err := limiter.AcquireTicket(ctx, "tenant-a", ticket(1))
	if err != nil {
		t.Fatal(err)
	}

	// The second contact is denied while the first sends and keeps its place
	_, err = limiter.AcquireTicket(ctx, "tenant-a", ticket(2))
	var exceeded *campaign.RateLimitExceeded
	if !errors.As(err, &exceeded) || exceeded.Reason != "concurrency" {
		t.Fatalf("expected concurrency denial, got %v", err)
	}
	limiter.Release(first)

	// A later contact arriving first is turned away
	_, err = limiter.AcquireTicket(ctx, "tenant-a", ticket(3))
	if !errors.As(err, &exceeded) || exceeded.Reason != "queued" {
		t.Fatalf("expected queued denial, got %v", err)
	}
	if q := limiter.Stats("tenant-a").Queued; q != 2 {
		t.Errorf("Queued = %d, want 2", q)
	}

	second, err := limiter.AcquireTicket(ctx, "tenant-a", ticket(2))
	if err != nil {
		t.Fatalf("queued ticket not admitted: %v", err)
	}
	limiter.Release(second)

	third, err := limiter.AcquireTicket(ctx, "tenant-a", ticket(3))
	if err != nil {
		t.Fatalf("next ticket not admitted: %v", err)
	}
	limiter.Release(third)

	if q := limiter.Stats("tenant-a").Queued; q != 0 {
		t.Errorf("Queued = %d, want 0", q)
	}
}

func TestEnqueuedTicketHoldsLaterOnes(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()
	ctx := context.Background()

	// Handed out first but not yet asking for budget
	limiter.Enqueue("tenant-a", ticket(1))

	_, err := limiter.AcquireTicket(ctx, "tenant-a", ticket(2))
	var exceeded *campaign.RateLimitExceeded
	if !errors.As(err, &exceeded) || exceeded.Reason != "queued" {
		t.Fatalf("expected queued denial, got %v", err)
	}

	// Other tenants are not held up
	other, err := limiter.AcquireTicket(ctx, "tenant-b", ticket(5))
	if err != nil {
		t.Fatalf("other tenant denied: %v", err)
	}
	limiter.Release(other)

	limiter.Withdraw("tenant-a", ticket(1).ID)
	lease, err := limiter.AcquireTicket(ctx, "tenant-a", ticket(2))
	if err != nil {
		t.Fatalf("expected admission after withdraw, got %v", err)
	}
	limiter.Release(lease)
}

func TestAbandonedTicketExpires(t *testing.T) {
	limiter, err := NewLimiter(setupTestDB(t), &Config{FlushInterval: time.Hour, QueueTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer limiter.Stop()
	clock := &fakeClock{now: time.Now()}
	limiter.now = clock.Now
	ctx := context.Background()

	limiter.Enqueue("tenant-a", ticket(1))
	if _, err := limiter.AcquireTicket(ctx, "tenant-a", ticket(2)); err == nil {
		t.Fatal("expected queued denial")
	}

	// The first ticket never comes back
	clock.Advance(2 * time.Second)
	lease, err := limiter.AcquireTicket(ctx, "tenant-a", ticket(2))
	if err != nil {
		t.Fatalf("expected admission once the abandoned ticket expired, got %v", err)
	}
	limiter.Release(lease)
}

func TestCancelGivesBudgetBack(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()
	clock := &fakeClock{now: time.Now()}
	limiter.now = clock.Now

	limiter.Configure("tenant-a", campaign.RateLimit{
		RatePerSecond:   1,
		Burst:           1,
		MaxConcurrency:  1,
		MessagesPerHour: 1,
		MessagesPerDay:  1,
	})
	ctx := context.Background()

	lease, err := limiter.Acquire(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	limiter.Cancel(lease)
	limiter.Cancel(lease)  // cancelling twice is ignored
	limiter.Release(lease) // so is releasing after cancel

	stats := limiter.Stats("tenant-a")
	if stats.InFlight != 0 || stats.HourlyCount != 0 || stats.DailyCount != 0 || stats.Tokens != 1 {
		t.Fatalf("budget not given back: %+v", stats)
	}

	// Every limit would deny a second send had the first counted
	again, err := limiter.Acquire(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("expected admission after cancel, got %v", err)
	}
	limiter.Release(again)

	// A released lease keeps its quota
	if _, err := limiter.Acquire(ctx, "tenant-a"); err == nil {
		t.Fatal("expected denial once the quota is used")
	}
}
