package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PurgeRetired physically removes campaigns retired longer than maxAge ago,
// along with every record they own. It returns the number purged.
func (s *BoltStore) PurgeRetired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	purged := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		retired := tx.Bucket(bucketRetired)

		var keys [][]byte
		var ids []string
		c := retired.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts, _ := parseIndexKey(k)
			if ts.After(cutoff) {
				break // All remaining are newer
			}
			keys = append(keys, append([]byte{}, k...))
			ids = append(ids, string(v))
		}

		for i, id := range ids {
			prefix := campaignPrefix(id)
			for _, b := range [][]byte{bucketContacts, bucketContactIndex, bucketStates,
				bucketPendingCraft, bucketPendingSend, bucketHistory} {
				if err := deletePrefix(tx.Bucket(b), prefix); err != nil {
					return fmt.Errorf("failed to purge %s: %w", b, err)
				}
			}
			if err := tx.Bucket(bucketStats).Delete([]byte(id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketCampaigns).Delete([]byte(id)); err != nil {
				return err
			}
			if err := retired.Delete(keys[i]); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// RetireFinished retires campaigns that reached a final status longer than
// maxAge ago. It returns the number retired.
func (s *BoltStore) RetireFinished(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)

	campaigns, err := s.ListCampaigns(ctx, CampaignFilter{})
	if err != nil {
		return 0, err
	}

	retired := 0
	for _, c := range campaigns {
		if !c.Status.Final() || c.FinishedAt.IsZero() || c.FinishedAt.After(cutoff) {
			continue
		}
		if err := s.DeleteCampaign(ctx, c.ID); err != nil {
			if isNotFound(err) {
				continue
			}
			return retired, err
		}
		retired++
	}
	return retired, nil
}

// CleanerConfig contains retention settings
type CleanerConfig struct {
	// Finished campaigns are retired this long after completion (0 = keep forever)
	FinishedMaxAge time.Duration
	// Retired campaigns are purged from disk this long after deletion
	RetiredMaxAge time.Duration
	Interval      time.Duration
}

// Purger drops records older than a given age
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
}

type purgeTask struct {
	name   string
	maxAge time.Duration
	p      Purger
}

// Cleaner runs retention in the background
type Cleaner struct {
	store  *BoltStore
	cfg    CleanerConfig
	tasks  []purgeTask
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(store *BoltStore, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// AddPurger runs p on every pass with maxAge. It must be called before Start.
// A zero maxAge disables the task.
func (c *Cleaner) AddPurger(name string, maxAge time.Duration, p Purger) {
	if maxAge <= 0 {
		return
	}
	c.tasks = append(c.tasks, purgeTask{name: name, maxAge: maxAge, p: p})
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"finished_max_age", c.cfg.FinishedMaxAge,
		"retired_max_age", c.cfg.RetiredMaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs one retention pass
func (c *Cleaner) RunOnce(ctx context.Context) {
	retired, err := c.store.RetireFinished(ctx, c.cfg.FinishedMaxAge)
	if err != nil {
		c.logger.Error("failed to retire finished campaigns", "error", err)
	} else if retired > 0 {
		c.logger.Info("retired finished campaigns", "retired", retired)
	}

	purged, err := c.store.PurgeRetired(ctx, c.cfg.RetiredMaxAge)
	if err != nil {
		c.logger.Error("failed to purge retired campaigns", "error", err)
	} else if purged > 0 {
		c.logger.Info("purged retired campaigns", "purged", purged)
	}

	for _, t := range c.tasks {
		n, err := t.p.Purge(ctx, t.maxAge)
		if err != nil {
			c.logger.Error("purge failed", "task", t.name, "error", err)
			continue
		}
		if n > 0 {
			c.logger.Info("purged old records", "task", t.name, "purged", n)
		}
	}
}
