package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/outreach/internal/ipfilter"
)

func TestServerFiltersMetricsPath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.MessagesSentTotal.WithLabelValues("acme").Inc()

	filter, err := ipfilter.Parse([]string{"10.0.0.0/8"}, false, logger)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(m, "", "", filter, logger)

	tests := []struct {
		name   string
		path   string
		remote string
		want   int
	}{
		{"allowed scrape", "/metrics", "10.1.2.3:4000", http.StatusOK},
		{"denied scrape", "/metrics", "192.0.2.1:4000", http.StatusForbidden},
		{"health is open", "/health", "192.0.2.1:4000", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.path == "/metrics" && tt.want == http.StatusOK &&
				!strings.Contains(rec.Body.String(), `outreach_messages_sent_total{tenant="acme"} 1`) {
				t.Errorf("scrape missing sent counter:\n%s", rec.Body.String())
			}
		})
	}
}
