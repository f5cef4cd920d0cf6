package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/campaign"
)

var bucketRateLimits = []byte("rate_limits")

// Config contains limiter settings that are not part of a plan
type Config struct {
	// How often quota counters are written to disk
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`

	// Retry hint returned when every concurrency slot is taken
	ConcurrencyRetry time.Duration `yaml:"concurrency_retry,omitempty"`

	// How long a queued ticket keeps its place past its retry hint
	QueueTimeout time.Duration `yaml:"queue_timeout,omitempty"`
}

// Counter tracks quota counters
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Lease is one admitted send. It holds a concurrency slot until released.
type Lease struct {
	TenantID   string
	AcquiredAt time.Time

	bucket   *bucket
	released atomic.Bool
}

// bucket is the budget of one tenant
type bucket struct {
	mu       sync.Mutex
	limits   campaign.RateLimit
	tokens   float64
	last     time.Time
	inFlight int
	counter  *Counter
	queue    map[string]*waiter
}

// Limiter admits sends per tenant: a token bucket for the rate, a cap on
// concurrent sends and hourly/daily quotas that survive restarts.
type Limiter struct {
	db      *bolt.DB
	config  *Config
	buckets map[string]*bucket
	mu      sync.RWMutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.ConcurrencyRetry == 0 {
		cfg.ConcurrencyRetry = 50 * time.Millisecond
	}
	if cfg.QueueTimeout == 0 {
		cfg.QueueTimeout = 5 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:      db,
		config:  cfg,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	l.wg.Add(1)
	go l.persistLoop()

	return l, nil
}

// Configure sets the limits of a tenant. Tokens already accumulated are kept
// up to the new burst size.
func (l *Limiter) Configure(tenantID string, limits campaign.RateLimit) {
	b := l.bucketFor(tenantID)

	b.mu.Lock()
	defer b.mu.Unlock()

	fresh := b.last.IsZero()
	b.limits = limits
	if fresh {
		b.tokens = burstOf(limits)
		b.last = l.now()
		return
	}
	b.tokens = math.Min(b.tokens, burstOf(limits))
}

// Acquire admits one send for the tenant. When the tenant has no budget left
// it returns a *campaign.RateLimitExceeded carrying the time until budget is
// available again. A granted lease must be released with Release.
func (l *Limiter) Acquire(ctx context.Context, tenantID string) (*Lease, error) {
	return l.acquire(ctx, tenantID, nil)
}

// AcquireTicket is Acquire for a queued send. While a tenant has tickets
// waiting, budget goes to the lowest one; a later ticket is denied with
// reason "queued" and keeps its own place.
func (l *Limiter) AcquireTicket(ctx context.Context, tenantID string, t Ticket) (*Lease, error) {
	return l.acquire(ctx, tenantID, &t)
}

func (l *Limiter) acquire(ctx context.Context, tenantID string, t *Ticket) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := l.bucketFor(tenantID)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	resetExpiredCounter(b.counter, now)

	deny := func(reason string, after time.Duration) (*Lease, error) {
		if t != nil {
			b.wait(*t, now.Add(after+l.config.QueueTimeout))
		}
		return nil, &campaign.RateLimitExceeded{TenantID: tenantID, Reason: reason, RetryAfter: after}
	}

	if b.limits.MessagesPerHour > 0 && b.counter.HourlyCount >= b.limits.MessagesPerHour {
		return deny("hourly quota", b.counter.HourStart.Add(time.Hour).Sub(now))
	}
	if b.limits.MessagesPerDay > 0 && b.counter.DailyCount >= b.limits.MessagesPerDay {
		return deny("daily quota", b.counter.DayStart.Add(24*time.Hour).Sub(now))
	}
	if b.limits.MaxConcurrency > 0 && b.inFlight >= b.limits.MaxConcurrency {
		return deny("concurrency", l.config.ConcurrencyRetry)
	}
	if b.limits.RatePerSecond > 0 && b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / b.limits.RatePerSecond * float64(time.Second))
		return deny("rate", max(wait, time.Millisecond))
	}
	if t != nil && b.ahead(*t, now) {
		return deny("queued", l.config.ConcurrencyRetry)
	}

	if b.limits.RatePerSecond > 0 {
		b.tokens--
	}
	b.inFlight++
	b.counter.HourlyCount++
	b.counter.DailyCount++
	if t != nil {
		delete(b.queue, t.ID)
	}

	return &Lease{TenantID: tenantID, AcquiredAt: now, bucket: b}, nil
}

// Release returns the concurrency slot held by a lease. Releasing twice is a no-op.
func (l *Limiter) Release(lease *Lease) {
	if lease == nil || lease.bucket == nil {
		return
	}
	if !lease.released.CompareAndSwap(false, true) {
		return
	}
	b := lease.bucket
	b.mu.Lock()
	if b.inFlight > 0 {
		b.inFlight--
	}
	b.mu.Unlock()
}

// Cancel gives back everything a lease took: its concurrency slot, its token
// and its place in the quotas. It is for admissions that end without a send.
// Cancelling a released lease is a no-op.
func (l *Limiter) Cancel(lease *Lease) {
	if lease == nil || lease.bucket == nil {
		return
	}
	if !lease.released.CompareAndSwap(false, true) {
		return
	}
	b := lease.bucket
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight > 0 {
		b.inFlight--
	}
	if b.limits.RatePerSecond > 0 {
		b.tokens = math.Min(burstOf(b.limits), b.tokens+1)
	}
	// Counters that rolled over since the lease was taken no longer hold it
	if b.counter.HourlyCount > 0 && !lease.AcquiredAt.Before(b.counter.HourStart) {
		b.counter.HourlyCount--
	}
	if b.counter.DailyCount > 0 && !lease.AcquiredAt.Before(b.counter.DayStart) {
		b.counter.DailyCount--
	}
}

// Stats contains the current budget of a tenant
type Stats struct {
	TenantID    string             `json:"tenant_id"`
	Limits      campaign.RateLimit `json:"limits"`
	Tokens      float64            `json:"tokens"`
	InFlight    int                `json:"in_flight"`
	HourlyCount int                `json:"hourly_count"`
	DailyCount  int                `json:"daily_count"`
	HourStart   time.Time          `json:"hour_start"`
	DayStart    time.Time          `json:"day_start"`
	Queued      int                `json:"queued"`
}

// Stats returns the current budget of a tenant
func (l *Limiter) Stats(tenantID string) *Stats {
	l.mu.RLock()
	b, ok := l.buckets[tenantID]
	l.mu.RUnlock()
	if !ok {
		return &Stats{TenantID: tenantID}
	}

	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)

	stats := &Stats{
		TenantID:    tenantID,
		Limits:      b.limits,
		Tokens:      b.tokens,
		InFlight:    b.inFlight,
		HourlyCount: b.counter.HourlyCount,
		DailyCount:  b.counter.DailyCount,
		HourStart:   b.counter.HourStart,
		DayStart:    b.counter.DayStart,
		Queued:      b.queued(now),
	}
	if now.Sub(b.counter.HourStart) >= time.Hour {
		stats.HourlyCount = 0
	}
	if now.Sub(b.counter.DayStart) >= 24*time.Hour {
		stats.DailyCount = 0
	}
	return stats
}

// Stop stops the rate limiter and persists counters
func (l *Limiter) Stop() error {
	close(l.stopCh)
	l.wg.Wait()
	return l.persistCounters()
}

func (l *Limiter) bucketFor(tenantID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[tenantID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[tenantID]; ok {
		return b
	}
	now := l.now()
	b = &bucket{counter: &Counter{HourStart: now, DayStart: now}}
	l.buckets[tenantID] = b
	return b
}

func (b *bucket) refill(now time.Time) {
	if b.limits.RatePerSecond <= 0 {
		return
	}
	if b.last.IsZero() {
		b.tokens = burstOf(b.limits)
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(burstOf(b.limits), b.tokens+elapsed*b.limits.RatePerSecond)
		b.last = now
	}
}

func burstOf(limits campaign.RateLimit) float64 {
	if limits.Burst > 0 {
		return float64(limits.Burst)
	}
	return math.Max(1, math.Ceil(limits.RatePerSecond))
}

func resetExpiredCounter(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		rl := tx.Bucket(bucketRateLimits)
		if rl == nil {
			return nil
		}

		return rl.ForEach(func(k, v []byte) error {
			tenantID, ok := strings.CutPrefix(string(k), keyPrefix)
			if !ok {
				return nil
			}
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.buckets[tenantID] = &bucket{counter: &counter}
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	snapshot := make(map[string]Counter, len(l.buckets))
	for tenantID, b := range l.buckets {
		b.mu.Lock()
		snapshot[tenantID] = *b.counter
		b.mu.Unlock()
	}
	l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		rl := tx.Bucket(bucketRateLimits)
		if rl == nil {
			return nil
		}

		for tenantID, counter := range snapshot {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := rl.Put([]byte(makeKey(tenantID)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

const keyPrefix = "tenant:"

func makeKey(tenantID string) string {
	return keyPrefix + tenantID
}
