package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/vault"
)

// HTTPConfig configures the JSON mail API provider
type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// HTTPProvider posts messages to a JSON mail API. The idempotency key is
// sent in the Idempotency-Key header so the API can drop replays.
type HTTPProvider struct {
	config HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProvider creates an HTTP provider
func NewHTTPProvider(cfg HTTPConfig, logger *slog.Logger) *HTTPProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "http_provider"),
	}
}

// Name implements Provider
func (p *HTTPProvider) Name() string { return "http" }

// sendRequest is the body posted to the mail API
type sendRequest struct {
	From       string `json:"from"`
	FromName   string `json:"from_name,omitempty"`
	To         string `json:"to"`
	ToName     string `json:"to_name,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
	Subject    string `json:"subject"`
	Text       string `json:"text"`
	HTML       string `json:"html,omitempty"`
	MessageID  string `json:"message_id"`
	CampaignID string `json:"campaign_id,omitempty"`
}

type sendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Deliver implements Provider. The raw message is not used: the API
// builds its own MIME structure from the fields.
func (p *HTTPProvider) Deliver(ctx context.Context, env *Envelope, raw []byte, cred vault.Credential) (string, error) {
	body, err := json.Marshal(sendRequest{
		From:       env.From,
		FromName:   env.FromName,
		To:         env.To,
		ToName:     env.ToName,
		ReplyTo:    env.ReplyTo,
		Subject:    env.Message.Subject,
		Text:       env.Message.Body,
		HTML:       env.Message.HTML,
		MessageID:  MessageID(env, "localhost"),
		CampaignID: env.CampaignID,
	})
	if err != nil {
		return "", &ProviderError{Kind: KindPermanent, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &ProviderError{Kind: KindPermanent, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.IdempotencyKey)
	req.Header.Set("Authorization", "Bearer "+string(cred.Secret))

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &ProviderError{Kind: KindTransient, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	var out sendResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	id := out.ID
	if id == "" {
		id = out.MessageID
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return id, nil
	case resp.StatusCode == http.StatusConflict:
		return id, ErrAlreadyDelivered
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &campaign.CredentialError{TenantID: env.TenantID, Err: statusError(resp.StatusCode, out.Error)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &ProviderError{
			Kind:       KindRateLimited,
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        statusError(resp.StatusCode, out.Error),
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return "", &ProviderError{
			Kind:       KindTransient,
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        statusError(resp.StatusCode, out.Error),
		}
	default:
		return "", &ProviderError{Kind: KindPermanent, Code: resp.StatusCode, Err: statusError(resp.StatusCode, out.Error)}
	}
}

func statusError(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	return fmt.Errorf("mail API returned %d: %s", code, msg)
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
