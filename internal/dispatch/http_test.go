package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
)

func TestHTTPProviderDelivers(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"id": "api-123"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{Endpoint: srv.URL}, testLogger())
	env := testEnvelope()

	id, err := p.Deliver(context.Background(), env, nil, relayCredential())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if id != "api-123" {
		t.Errorf("id = %q", id)
	}
	if gotKey != env.IdempotencyKey {
		t.Errorf("Idempotency-Key = %q", gotKey)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.To != env.To || gotBody.Subject != "Hello Ada" || gotBody.Text != env.Message.Body {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestHTTPProviderStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			name:   "conflict is already delivered",
			status: http.StatusConflict,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrAlreadyDelivered) {
					t.Errorf("err = %v, want ErrAlreadyDelivered", err)
				}
			},
		},
		{
			name:       "too many requests",
			status:     http.StatusTooManyRequests,
			retryAfter: "7",
			check: func(t *testing.T, err error) {
				var pe *ProviderError
				if !errors.As(err, &pe) || pe.Kind != KindRateLimited || pe.RetryAfter != 7*time.Second {
					t.Errorf("err = %v, want rate limited with 7s", err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var pe *ProviderError
				if !errors.As(err, &pe) || pe.Kind != KindTransient {
					t.Errorf("err = %v, want transient", err)
				}
			},
		},
		{
			name:   "bad request",
			status: http.StatusUnprocessableEntity,
			check: func(t *testing.T, err error) {
				var pe *ProviderError
				if !errors.As(err, &pe) || pe.Kind != KindPermanent || pe.Code != http.StatusUnprocessableEntity {
					t.Errorf("err = %v, want permanent 422", err)
				}
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var ce *campaign.CredentialError
				if !errors.As(err, &ce) {
					t.Errorf("err = %v, want CredentialError", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": "nope"}`))
			}))
			defer srv.Close()

			p := NewHTTPProvider(HTTPConfig{Endpoint: srv.URL}, testLogger())
			_, err := p.Deliver(context.Background(), testEnvelope(), nil, relayCredential())
			tt.check(t, err)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{now.Add(time.Minute).Format(http.TimeFormat), time.Minute},
		{"garbage", 0},
		{"-5", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
