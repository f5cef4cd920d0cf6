package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	bolt "go.etcd.io/bbolt"
)

type fakeStats struct {
	sched  SchedulerStats
	counts map[string]int
}

func (f *fakeStats) SchedulerStats() SchedulerStats {
	return f.sched
}

func (f *fakeStats) CampaignCounts(ctx context.Context) (map[string]int, error) {
	return f.counts, nil
}

func openTestDB(t *testing.T) (*bolt.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metrics.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestCollectorPersistsCounters(t *testing.T) {
	db, path := openTestDB(t)

	m := New()
	c, err := NewCollector(db, m, nil, path, time.Minute)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	m.MessagesSentTotal.WithLabelValues("acme").Add(5)
	m.CraftFailedTotal.WithLabelValues("globex").Add(2)
	m.ContactsSkippedTotal.WithLabelValues("suppressed").Inc()
	// Not persisted
	m.StaleRetriesTotal.Add(9)

	c.Start(context.Background())
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	restored := New()
	if _, err := NewCollector(db, restored, nil, path, time.Minute); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(restored.MessagesSentTotal.WithLabelValues("acme")); got != 5 {
		t.Errorf("sent = %v, want 5", got)
	}
	if got := testutil.ToFloat64(restored.CraftFailedTotal.WithLabelValues("globex")); got != 2 {
		t.Errorf("craft failed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(restored.ContactsSkippedTotal.WithLabelValues("suppressed")); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(restored.StaleRetriesTotal); got != 0 {
		t.Errorf("stale retries = %v, want 0", got)
	}
}

func TestCollectorGauges(t *testing.T) {
	db, path := openTestDB(t)

	m := New()
	stats := &fakeStats{
		sched:  SchedulerStats{Campaigns: 2, Ready: 7, Deferred: 3},
		counts: map[string]int{"running": 2, "completed": 5},
	}
	c, err := NewCollector(db, m, stats, path, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	c.collect(context.Background())

	if got := testutil.ToFloat64(m.SchedulerReady); got != 7 {
		t.Errorf("ready = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.SchedulerDeferred); got != 3 {
		t.Errorf("deferred = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.CampaignsByStatus.WithLabelValues("completed")); got != 5 {
		t.Errorf("completed campaigns = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.StorageUsedBytes); got <= 0 {
		t.Errorf("storage bytes = %v, want > 0", got)
	}
}
