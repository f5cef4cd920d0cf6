package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// SchedulerStats is a snapshot of the work scheduler
type SchedulerStats struct {
	Campaigns int `json:"campaigns"`
	Ready     int `json:"ready"`
	Deferred  int `json:"deferred"`
	InFlight  int `json:"in_flight"`
}

// StatsProvider exposes engine state for gauges
type StatsProvider interface {
	SchedulerStats() SchedulerStats
	CampaignCounts(ctx context.Context) (map[string]int, error)
}

var (
	bucketMetrics = []byte("metrics")
	countersKey   = []byte("counters")
)

type sample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// Collector persists pipeline counters across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	stats         StatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	// counters that survive restarts, by family name
	persistent map[string]*prometheus.CounterVec

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, stats StatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		stats:         stats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		persistent: map[string]*prometheus.CounterVec{
			"outreach_messages_crafted_total": m.MessagesCraftedTotal,
			"outreach_craft_failed_total":     m.CraftFailedTotal,
			"outreach_messages_sent_total":    m.MessagesSentTotal,
			"outreach_send_failed_total":      m.SendFailedTotal,
			"outreach_contacts_skipped_total": m.ContactsSkippedTotal,
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateGauges(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(countersKey)
		if data == nil {
			return nil
		}

		var saved map[string][]sample
		if err := json.Unmarshal(data, &saved); err != nil {
			return nil // Skip invalid data
		}

		for name, samples := range saved {
			vec, ok := c.persistent[name]
			if !ok {
				continue
			}
			for _, s := range samples {
				counter, err := vec.GetMetricWith(prometheus.Labels(s.Labels))
				if err != nil {
					continue
				}
				counter.Add(s.Value)
			}
		}
		return nil
	})
}

// snapshot reads the current values of the persistent counters
func (c *Collector) snapshot() (map[string][]sample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]sample)
	for _, mf := range families {
		if _, ok := c.persistent[mf.GetName()]; !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out[mf.GetName()] = append(out[mf.GetName()], sample{
				Labels: labels,
				Value:  metric.GetCounter().GetValue(),
			})
		}
	}
	return out, nil
}

func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(countersKey, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateGauges(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// collect refreshes system and engine gauges
func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats == nil {
		return
	}

	s := c.stats.SchedulerStats()
	c.metrics.SchedulerCampaigns.Set(float64(s.Campaigns))
	c.metrics.SchedulerReady.Set(float64(s.Ready))
	c.metrics.SchedulerDeferred.Set(float64(s.Deferred))

	counts, err := c.stats.CampaignCounts(ctx)
	if err != nil {
		return
	}
	c.metrics.CampaignsByStatus.Reset()
	for status, n := range counts {
		c.metrics.CampaignsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
