package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/campaign"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLimiter(t *testing.T, db *bolt.DB) *Limiter {
	t.Helper()
	limiter, err := NewLimiter(db, &Config{FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return limiter
}

// fakeClock lets tests move time without sleeping
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	db := setupTestDB(t)

	limiter, err := NewLimiter(db, nil)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}
	if limiter.config.ConcurrencyRetry != 50*time.Millisecond {
		t.Errorf("expected default ConcurrencyRetry=50ms, got %v", limiter.config.ConcurrencyRetry)
	}
}

func TestAcquireTokenBucket(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()

	clock := &fakeClock{now: time.Now()}
	limiter.now = clock.Now
	limiter.Configure("tenant-a", campaign.RateLimit{RatePerSecond: 2, Burst: 2})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		lease, err := limiter.Acquire(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i+1, err)
		}
		limiter.Release(lease)
	}

	_, err := limiter.Acquire(ctx, "tenant-a")
	var exceeded *campaign.RateLimitExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected RateLimitExceeded, got %v", err)
	}
	if exceeded.Reason != "rate" {
		t.Errorf("expected reason rate, got %s", exceeded.Reason)
	}
	if exceeded.RetryAfter != 500*time.Millisecond {
		t.Errorf("expected RetryAfter=500ms, got %v", exceeded.RetryAfter)
	}
	if !errors.Is(err, campaign.ErrRateLimitExceeded) {
		t.Error("expected error to match ErrRateLimitExceeded")
	}

	clock.Advance(500 * time.Millisecond)
	lease, err := limiter.Acquire(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("expected token after refill, got %v", err)
	}
	limiter.Release(lease)
}

func TestAcquireConcurrencyLimit(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()

	limiter.Configure("tenant-a", campaign.RateLimit{MaxConcurrency: 2})
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	second, err := limiter.Acquire(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}

	_, err = limiter.Acquire(ctx, "tenant-a")
	var exceeded *campaign.RateLimitExceeded
	if !errors.As(err, &exceeded) || exceeded.Reason != "concurrency" {
		t.Fatalf("expected concurrency denial, got %v", err)
	}
	if exceeded.RetryAfter != limiter.config.ConcurrencyRetry {
		t.Errorf("expected RetryAfter=%v, got %v", limiter.config.ConcurrencyRetry, exceeded.RetryAfter)
	}

	limiter.Release(first)
	limiter.Release(first) // second release of the same lease is ignored

	if stats := limiter.Stats("tenant-a"); stats.InFlight != 1 {
		t.Errorf("expected InFlight=1, got %d", stats.InFlight)
	}

	third, err := limiter.Acquire(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("expected slot after release, got %v", err)
	}
	limiter.Release(second)
	limiter.Release(third)
}

func TestConcurrencyNeverExceeded(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()

	const limit = 3
	limiter.Configure("tenant-a", campaign.RateLimit{MaxConcurrency: limit})

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for done := 0; done < 10; {
				lease, err := limiter.Acquire(ctx, "tenant-a")
				if err != nil {
					time.Sleep(time.Millisecond)
					continue
				}
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				current.Add(-1)
				limiter.Release(lease)
				done++
			}
		}()
	}
	wg.Wait()

	if peak.Load() > limit {
		t.Errorf("concurrency peaked at %d, limit %d", peak.Load(), limit)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()

	limiter.Configure("tenant-a", campaign.RateLimit{MaxConcurrency: 1})
	limiter.Configure("tenant-b", campaign.RateLimit{MaxConcurrency: 1})
	ctx := context.Background()

	a, err := limiter.Acquire(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	defer limiter.Release(a)

	b, err := limiter.Acquire(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("tenant-b should not be limited by tenant-a: %v", err)
	}
	limiter.Release(b)
}

func TestHourlyQuota(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()

	clock := &fakeClock{now: time.Now()}
	limiter.now = clock.Now
	limiter.Configure("tenant-a", campaign.RateLimit{MessagesPerHour: 3, MessagesPerDay: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lease, err := limiter.Acquire(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("request %d should be allowed: %v", i+1, err)
		}
		limiter.Release(lease)
	}

	_, err := limiter.Acquire(ctx, "tenant-a")
	var exceeded *campaign.RateLimitExceeded
	if !errors.As(err, &exceeded) || exceeded.Reason != "hourly quota" {
		t.Fatalf("expected hourly quota denial, got %v", err)
	}
	if exceeded.RetryAfter <= 0 || exceeded.RetryAfter > time.Hour {
		t.Errorf("unexpected RetryAfter %v", exceeded.RetryAfter)
	}

	clock.Advance(time.Hour)
	lease, err := limiter.Acquire(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("expected quota reset after an hour, got %v", err)
	}
	limiter.Release(lease)

	stats := limiter.Stats("tenant-a")
	if stats.HourlyCount != 1 || stats.DailyCount != 4 {
		t.Errorf("expected hourly=1 daily=4, got hourly=%d daily=%d", stats.HourlyCount, stats.DailyCount)
	}
}

func TestCountersPersistAcrossRestart(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	limiter := newTestLimiter(t, db)
	limiter.Configure("tenant-a", campaign.RateLimit{MessagesPerDay: 2})
	for i := 0; i < 2; i++ {
		lease, err := limiter.Acquire(ctx, "tenant-a")
		if err != nil {
			t.Fatal(err)
		}
		limiter.Release(lease)
	}
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	restarted := newTestLimiter(t, db)
	defer restarted.Stop()
	restarted.Configure("tenant-a", campaign.RateLimit{MessagesPerDay: 2})

	_, err := restarted.Acquire(ctx, "tenant-a")
	if !errors.Is(err, campaign.ErrRateLimitExceeded) {
		t.Fatalf("expected daily quota to survive restart, got %v", err)
	}
}

func TestAcquireCancelledContext(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := limiter.Acquire(ctx, "tenant-a"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestUnconfiguredTenantIsUnlimited(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		lease, err := limiter.Acquire(context.Background(), "tenant-x")
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		limiter.Release(lease)
	}
}

func TestStatsUnknownTenant(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t))
	defer limiter.Stop()

	stats := limiter.Stats("nobody")
	if stats.TenantID != "nobody" || stats.InFlight != 0 || stats.HourlyCount != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
