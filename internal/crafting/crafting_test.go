package crafting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/foxzi/outreach/internal/campaign"
)

// scriptedGenerator returns the queued results in order, then succeeds
type scriptedGenerator struct {
	mu       sync.Mutex
	results  []error
	calls    int
	attempts []int
	block    bool
}

func (g *scriptedGenerator) Generate(ctx context.Context, req *Request) (*campaign.Message, error) {
	g.mu.Lock()
	g.calls++
	g.attempts = append(g.attempts, req.Attempt)
	var err error
	if len(g.results) > 0 {
		err = g.results[0]
		g.results = g.results[1:]
	}
	block := g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &campaign.Message{Subject: "Hello " + req.Contact.Name, Body: "Body"}, nil
}

func newTestClient(gen Generator, cfg Config) *Client {
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Millisecond
	}
	return NewClient(gen, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testContact() *campaign.Contact {
	return &campaign.Contact{
		ID:         "ada@example.com",
		CampaignID: "c1",
		Email:      "ada@example.com",
		Name:       "Ada",
		Fields:     map[string]string{"company": "Analytical Engines"},
	}
}

func TestCraftSucceedsAfterTransientFailures(t *testing.T) {
	gen := &scriptedGenerator{results: []error{
		&campaign.TransientCraftError{Err: errors.New("503")},
		errors.New("connection reset"),
	}}
	client := newTestClient(gen, Config{MaxAttempts: 3})

	msg, report, err := client.Craft(context.Background(), testContact(), campaign.Context{}, 0)
	if err != nil {
		t.Fatalf("Craft() error = %v", err)
	}
	if msg.Subject != "Hello Ada" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if report.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", report.Attempts)
	}
	if want := []int{1, 2, 3}; !slices.Equal(gen.attempts, want) {
		t.Errorf("attempt numbers = %v, want %v", gen.attempts, want)
	}
}

func TestCraftStopsAtCeiling(t *testing.T) {
	transient := &campaign.TransientCraftError{Err: errors.New("overloaded")}
	gen := &scriptedGenerator{results: []error{transient, transient, transient, transient, transient}}
	client := newTestClient(gen, Config{MaxAttempts: 3})

	_, report, err := client.Craft(context.Background(), testContact(), campaign.Context{}, 0)
	var te *campaign.TransientCraftError
	if !errors.As(err, &te) {
		t.Fatalf("Craft() error = %v, want TransientCraftError", err)
	}
	if report.Attempts != 3 || gen.calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want exactly 3", report.Attempts, gen.calls)
	}
}

func TestCraftHonoursAttemptsUsed(t *testing.T) {
	transient := &campaign.TransientCraftError{Err: errors.New("overloaded")}
	gen := &scriptedGenerator{results: []error{transient, transient, transient}}
	client := newTestClient(gen, Config{MaxAttempts: 3})

	_, report, err := client.Craft(context.Background(), testContact(), campaign.Context{}, 2)
	if err == nil {
		t.Fatal("expected error")
	}
	if report.Attempts != 1 || gen.calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1", report.Attempts, gen.calls)
	}
	if gen.attempts[0] != 3 {
		t.Errorf("attempt number = %d, want 3", gen.attempts[0])
	}

	_, report, err = client.Craft(context.Background(), testContact(), campaign.Context{}, 3)
	if !campaign.IsPermanent(err) {
		t.Errorf("Craft() past the ceiling error = %v, want permanent", err)
	}
	if report.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", report.Attempts)
	}
}

func TestCraftPermanentErrorShortCircuits(t *testing.T) {
	gen := &scriptedGenerator{results: []error{&campaign.PermanentCraftError{Err: errors.New("invalid input")}}}
	client := newTestClient(gen, Config{MaxAttempts: 3})

	_, report, err := client.Craft(context.Background(), testContact(), campaign.Context{}, 0)
	if !campaign.IsPermanent(err) {
		t.Fatalf("Craft() error = %v, want permanent", err)
	}
	if report.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", report.Attempts)
	}
}

func TestCraftRejectsInvalidContact(t *testing.T) {
	gen := &scriptedGenerator{}
	client := newTestClient(gen, Config{})

	_, _, err := client.Craft(context.Background(), &campaign.Contact{ID: "x"}, campaign.Context{}, 0)
	if !campaign.IsPermanent(err) {
		t.Errorf("Craft() error = %v, want permanent", err)
	}
	if gen.calls != 0 {
		t.Error("generator called for invalid contact")
	}
}

func TestCraftAttemptTimeoutIsTransient(t *testing.T) {
	gen := &scriptedGenerator{block: true}
	client := newTestClient(gen, Config{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond})

	_, report, err := client.Craft(context.Background(), testContact(), campaign.Context{}, 0)
	var te *campaign.TransientCraftError
	if !errors.As(err, &te) {
		t.Fatalf("Craft() error = %v, want TransientCraftError", err)
	}
	if report.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", report.Attempts)
	}
}

func TestCraftBudgetCapsWallClock(t *testing.T) {
	gen := &scriptedGenerator{block: true}
	client := newTestClient(gen, Config{
		MaxAttempts:    10,
		AttemptTimeout: time.Second,
		Budget:         30 * time.Millisecond,
	})

	start := time.Now()
	_, report, err := client.Craft(context.Background(), testContact(), campaign.Context{}, 0)
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Craft() ran for %v despite the budget", time.Since(start))
	}
	var te *campaign.TransientCraftError
	if !errors.As(err, &te) {
		t.Fatalf("Craft() error = %v, want TransientCraftError", err)
	}
	if report.Attempts >= 10 {
		t.Errorf("Attempts = %d, budget should stop early", report.Attempts)
	}
}

func TestCraftCancelledContext(t *testing.T) {
	gen := &scriptedGenerator{block: true}
	client := newTestClient(gen, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := client.Craft(ctx, testContact(), campaign.Context{}, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Craft() error = %v, want context error", err)
	}
}

func TestCraftInterruptedAttemptIsNotCounted(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     int
	}{
		{"first attempt", 0, 0},
		{"after failures", 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Fail as scripted, then shut down while the next call runs
			calls := 0
			gen := generatorFunc(func(ctx context.Context, req *Request) (*campaign.Message, error) {
				calls++
				if calls <= tt.failures {
					return nil, errors.New("overloaded")
				}
				cancel()
				<-ctx.Done()
				return nil, ctx.Err()
			})
			client := newTestClient(gen, Config{MaxAttempts: 5, AttemptTimeout: time.Second})

			_, report, err := client.Craft(ctx, testContact(), campaign.Context{}, 0)
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("Craft() error = %v, want context.Canceled", err)
			}
			if report.Attempts != tt.want {
				t.Errorf("Attempts = %d, want %d", report.Attempts, tt.want)
			}
		})
	}
}

func TestCraftEmptyMessageIsTransient(t *testing.T) {
	client := newTestClient(generatorFunc(func(ctx context.Context, req *Request) (*campaign.Message, error) {
		return &campaign.Message{Subject: " "}, nil
	}), Config{MaxAttempts: 1})

	_, _, err := client.Craft(context.Background(), testContact(), campaign.Context{}, 0)
	var te *campaign.TransientCraftError
	if !errors.As(err, &te) {
		t.Errorf("Craft() error = %v, want TransientCraftError", err)
	}
}

func TestClassifyGenAIError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"rate limited", genai.APIError{Code: http.StatusTooManyRequests}, false},
		{"server error", genai.APIError{Code: http.StatusServiceUnavailable}, false},
		{"bad request", genai.APIError{Code: http.StatusBadRequest}, true},
		{"forbidden", genai.APIError{Code: http.StatusForbidden}, true},
		{"timeout", context.DeadlineExceeded, false},
		{"network", errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyGenAIError(tt.err)
			if campaign.IsPermanent(got) != tt.permanent {
				t.Errorf("classifyGenAIError(%v) permanent = %v, want %v", tt.err, campaign.IsPermanent(got), tt.permanent)
			}
		})
	}
}

type generatorFunc func(ctx context.Context, req *Request) (*campaign.Message, error)

func (f generatorFunc) Generate(ctx context.Context, req *Request) (*campaign.Message, error) {
	return f(ctx, req)
}
