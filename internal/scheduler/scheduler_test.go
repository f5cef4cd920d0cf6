package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
)

// memSource serves pending states from memory
type memSource struct {
	mu     sync.Mutex
	states map[string][]*campaign.State
	err    error
	calls  int
}

func newMemSource() *memSource {
	return &memSource{states: make(map[string][]*campaign.State)}
}

func (m *memSource) add(campaignID string, n int, step campaign.Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := len(m.states[campaignID])
	for i := 0; i < n; i++ {
		seq := uint64(start + i + 1)
		m.states[campaignID] = append(m.states[campaignID], &campaign.State{
			CampaignID: campaignID,
			ContactID:  fmt.Sprintf("%s-c%d", campaignID, seq),
			Seq:        seq,
			Craft:      step.Craft,
			Send:       step.Send,
		})
	}
}

func (m *memSource) GetPendingAfter(ctx context.Context, campaignID string, phase campaign.Phase, afterSeq uint64, limit int) ([]*campaign.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var result []*campaign.State
	for _, st := range m.states[campaignID] {
		if st.Seq <= afterSeq || !st.Step().Qualifies(phase) {
			continue
		}
		copied := *st
		result = append(result, &copied)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func newTestScheduler(src Source, cfg Config) *Scheduler {
	return New(src, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var craftedStep = campaign.Step{Craft: campaign.CraftCrafted, Send: campaign.SendNotReady}

func drain(t *testing.T, s *Scheduler, phase campaign.Phase) []Unit {
	t.Helper()
	var units []Unit
	for u := range s.Eligible(context.Background(), phase) {
		units = append(units, u)
		s.Done(u)
	}
	return units
}

func TestEligibleIngestionOrderWithPaging(t *testing.T) {
	src := newMemSource()
	src.add("a", 5, campaign.Initial)

	s := newTestScheduler(src, Config{PageSize: 2})
	s.AddCampaign("a")

	units := drain(t, s, campaign.PhaseCraft)
	if len(units) != 5 {
		t.Fatalf("got %d units, want 5", len(units))
	}
	for i, u := range units {
		if u.Seq != uint64(i+1) {
			t.Errorf("unit %d has seq %d", i, u.Seq)
		}
		if u.Phase != campaign.PhaseCraft {
			t.Errorf("unit %d has phase %s", i, u.Phase)
		}
	}

	if more := drain(t, s, campaign.PhaseCraft); len(more) != 0 {
		t.Errorf("exhausted campaign yielded %d more units", len(more))
	}
}

func TestRoundRobinAcrossCampaigns(t *testing.T) {
	src := newMemSource()
	src.add("a", 3, campaign.Initial)
	src.add("b", 3, campaign.Initial)

	s := newTestScheduler(src, Config{})
	s.AddCampaign("a")
	s.AddCampaign("b")

	units := drain(t, s, campaign.PhaseCraft)
	want := []string{"a", "b", "a", "b", "a", "b"}
	if len(units) != len(want) {
		t.Fatalf("got %d units, want %d", len(units), len(want))
	}
	for i, u := range units {
		if u.CampaignID != want[i] {
			t.Errorf("unit %d from %s, want %s", i, u.CampaignID, want[i])
		}
	}
}

func TestPhasesAlternateSendFirst(t *testing.T) {
	src := newMemSource()
	src.add("a", 2, craftedStep)
	src.add("a", 2, campaign.Initial)

	s := newTestScheduler(src, Config{})
	s.AddCampaign("a")

	ctx := context.Background()
	var got []campaign.Phase
	for i := 0; i < 4; i++ {
		u, err := s.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, u.Phase)
		s.Done(u)
	}

	want := []campaign.Phase{campaign.PhaseSend, campaign.PhaseCraft, campaign.PhaseSend, campaign.PhaseCraft}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases = %v, want %v", got, want)
		}
	}
}

func TestDeferredUnitWaitsForItsTime(t *testing.T) {
	src := newMemSource()
	src.add("a", 1, campaign.Initial)

	s := newTestScheduler(src, Config{})
	now := time.Now()
	s.now = func() time.Time { return now }
	s.AddCampaign("a")

	units := drain(t, s, campaign.PhaseCraft)
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}

	// Hand it out again and defer it
	s.Submit(units[0])
	var u Unit
	for got := range s.Eligible(context.Background(), campaign.PhaseCraft) {
		u = got
		break
	}
	s.Defer(u, now.Add(time.Minute))

	if got := drain(t, s, campaign.PhaseCraft); len(got) != 0 {
		t.Fatalf("deferred unit eligible early: %v", got)
	}
	if st := s.Stats(); st.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", st.Deferred)
	}

	now = now.Add(time.Minute)
	got := drain(t, s, campaign.PhaseCraft)
	if len(got) != 1 || got[0].ContactID != u.ContactID {
		t.Fatalf("deferred unit not eligible after its time: %v", got)
	}
}

func TestDeferredUnitKeepsIngestionOrder(t *testing.T) {
	src := newMemSource()
	src.add("a", 4, craftedStep)

	s := newTestScheduler(src, Config{})
	now := time.Now()
	s.now = func() time.Time { return now }
	s.AddCampaign("a")

	// Hand out the first two and defer them briefly, leaving 3 and 4 ready
	var taken []Unit
	for u := range s.Eligible(context.Background(), campaign.PhaseSend) {
		taken = append(taken, u)
		if len(taken) == 2 {
			break
		}
	}
	s.Defer(taken[1], now)
	s.Defer(taken[0], now)

	got := drain(t, s, campaign.PhaseSend)
	var seqs []uint64
	for _, u := range got {
		seqs = append(seqs, u.Seq)
	}
	want := []uint64{1, 2, 3, 4}
	if fmt.Sprint(seqs) != fmt.Sprint(want) {
		t.Errorf("hand-out order = %v, want %v", seqs, want)
	}
}

func TestOnHandoutSeesEveryUnitInOrder(t *testing.T) {
	src := newMemSource()
	src.add("a", 3, craftedStep)

	var seen []uint64
	s := newTestScheduler(src, Config{OnHandout: func(u Unit) { seen = append(seen, u.Seq) }})
	s.AddCampaign("a")

	got := drain(t, s, campaign.PhaseSend)
	if len(got) != 3 {
		t.Fatalf("got %d units, want 3", len(got))
	}
	if fmt.Sprint(seen) != "[1 2 3]" {
		t.Errorf("OnHandout saw %v, want [1 2 3]", seen)
	}
}

func TestNextWakesOnDeferredTime(t *testing.T) {
	src := newMemSource()
	s := newTestScheduler(src, Config{})
	s.AddCampaign("a")

	u := Unit{CampaignID: "a", ContactID: "x", Phase: campaign.PhaseSend, NotBefore: time.Now().Add(30 * time.Millisecond)}
	if !s.Submit(u) {
		t.Fatal("Submit rejected unit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	got, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got.ContactID != "x" {
		t.Errorf("got %s, want x", got.ContactID)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("Next returned after %v, before the unit was due", elapsed)
	}
}

func TestNextWakesOnSubmit(t *testing.T) {
	s := newTestScheduler(newMemSource(), Config{})
	s.AddCampaign("a")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Submit(Unit{CampaignID: "a", ContactID: "x", Phase: campaign.PhaseSend})
	}()

	got, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got.ContactID != "x" {
		t.Errorf("got %s, want x", got.ContactID)
	}
}

func TestNextReturnsOnCancel(t *testing.T) {
	s := newTestScheduler(newMemSource(), Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v, want DeadlineExceeded", err)
	}
}

func TestInFlightUnitIsNotHandedOutTwice(t *testing.T) {
	src := newMemSource()
	src.add("a", 1, campaign.Initial)

	s := newTestScheduler(src, Config{})
	s.AddCampaign("a")

	ctx := context.Background()
	u, err := s.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if s.Submit(u) {
		t.Error("Submit accepted a unit that is in flight")
	}
	// A rescan must not produce it either
	s.AddCampaign("a")
	if got := drain(t, s, campaign.PhaseCraft); len(got) != 0 {
		t.Errorf("in-flight unit handed out again: %v", got)
	}

	s.Done(u)
	if !s.Submit(u) {
		t.Error("Submit rejected a unit after Done")
	}
}

func TestPausedCampaignIsSkipped(t *testing.T) {
	src := newMemSource()
	src.add("a", 2, campaign.Initial)
	src.add("b", 2, campaign.Initial)

	s := newTestScheduler(src, Config{})
	s.AddCampaign("a")
	s.AddCampaign("b")
	s.SetPaused("a", true)

	units := drain(t, s, campaign.PhaseCraft)
	for _, u := range units {
		if u.CampaignID == "a" {
			t.Fatalf("paused campaign handed out %s", u.ContactID)
		}
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}

	s.SetPaused("a", false)
	if units := drain(t, s, campaign.PhaseCraft); len(units) != 2 {
		t.Errorf("resumed campaign yielded %d units, want 2", len(units))
	}
}

func TestRemoveCampaign(t *testing.T) {
	src := newMemSource()
	src.add("a", 3, campaign.Initial)

	s := newTestScheduler(src, Config{})
	s.AddCampaign("a")
	s.RemoveCampaign("a")

	if units := drain(t, s, campaign.PhaseCraft); len(units) != 0 {
		t.Errorf("removed campaign yielded %d units", len(units))
	}
	if s.Submit(Unit{CampaignID: "a", ContactID: "x", Phase: campaign.PhaseCraft}) {
		t.Error("Submit accepted a unit of a removed campaign")
	}
}

func TestFutureNextAttemptIsDeferred(t *testing.T) {
	src := newMemSource()
	src.add("a", 1, campaign.Initial)
	src.states["a"][0].NextAttemptAt = time.Now().Add(time.Hour)

	s := newTestScheduler(src, Config{})
	s.AddCampaign("a")

	if units := drain(t, s, campaign.PhaseCraft); len(units) != 0 {
		t.Fatalf("unit with future NextAttemptAt eligible now")
	}
	if st := s.Stats(); st.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", st.Deferred)
	}
}

func TestSourceErrorIsRetriedLater(t *testing.T) {
	src := newMemSource()
	src.add("a", 1, campaign.Initial)
	src.err = errors.New("disk on fire")

	s := newTestScheduler(src, Config{RetryInterval: time.Minute})
	now := time.Now()
	s.now = func() time.Time { return now }
	s.AddCampaign("a")

	if units := drain(t, s, campaign.PhaseCraft); len(units) != 0 {
		t.Fatal("got units despite source error")
	}
	calls := src.calls
	drain(t, s, campaign.PhaseCraft)
	if src.calls != calls {
		t.Error("source re-read before retry interval")
	}

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	now = now.Add(time.Minute)

	if units := drain(t, s, campaign.PhaseCraft); len(units) != 1 {
		t.Errorf("got %d units after retry, want 1", len(units))
	}
}

func TestConcurrentNextHandsOutEachUnitOnce(t *testing.T) {
	src := newMemSource()
	for _, id := range []string{"a", "b", "c"} {
		src.add(id, 20, campaign.Initial)
	}

	s := newTestScheduler(src, Config{PageSize: 7})
	for _, id := range []string{"a", "b", "c"} {
		s.AddCampaign(id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				u, err := s.Next(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[u.key()]++
				total := len(seen)
				mu.Unlock()
				s.Done(u)
				if total == 60 {
					cancel()
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != 60 {
		t.Fatalf("saw %d distinct units, want 60", len(seen))
	}
	for k, n := range seen {
		if n != 1 {
			t.Errorf("unit %s handed out %d times", k, n)
		}
	}
}
