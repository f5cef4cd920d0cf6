package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/vault"
)

// TLS modes for the SMTP provider
const (
	TLSOpportunistic = "starttls"
	TLSRequired      = "require"
	TLSImplicit      = "tls"
	TLSNone          = "none"
)

// SMTPConfig configures the relay the SMTP provider submits to
type SMTPConfig struct {
	Host               string
	Port               int
	Hostname           string
	TLS                string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SMTPProvider submits messages to a relay using the tenant's
// credential for PLAIN authentication
type SMTPProvider struct {
	config SMTPConfig
	logger *slog.Logger
}

// NewSMTPProvider creates an SMTP provider
func NewSMTPProvider(cfg SMTPConfig, logger *slog.Logger) *SMTPProvider {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSOpportunistic
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPProvider{
		config: cfg,
		logger: logger.With("component", "smtp_provider"),
	}
}

// Name implements Provider
func (p *SMTPProvider) Name() string { return "smtp" }

// Deliver implements Provider
func (p *SMTPProvider) Deliver(ctx context.Context, env *Envelope, raw []byte, cred vault.Credential) (string, error) {
	addr := net.JoinHostPort(p.config.Host, strconv.Itoa(p.config.Port))
	tlsConfig := &tls.Config{
		ServerName:         p.config.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.config.InsecureSkipVerify,
	}

	client, stop, err := p.connect(ctx, addr, tlsConfig)
	if err != nil {
		return "", err
	}
	defer stop()
	defer client.Close()

	if cred.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return "", &ProviderError{Kind: KindPermanent, Err: fmt.Errorf("relay %s does not offer AUTH", addr)}
		}
		if err := client.Auth(sasl.NewPlainClient("", cred.Username, string(cred.Secret))); err != nil {
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) && smtpErr.Code == 535 {
				return "", &campaign.CredentialError{TenantID: env.TenantID, Err: fmt.Errorf("relay rejected credentials: %w", err)}
			}
			return "", p.wrap(ctx, err, "AUTH")
		}
	}

	if err := client.Mail(env.From, nil); err != nil {
		return "", p.wrap(ctx, err, "MAIL FROM")
	}
	if err := client.Rcpt(env.To, nil); err != nil {
		return "", p.wrap(ctx, err, "RCPT TO")
	}

	w, err := client.Data()
	if err != nil {
		return "", p.wrap(ctx, err, "DATA")
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", p.wrap(ctx, err, "DATA write")
	}
	if err := w.Close(); err != nil {
		return "", p.wrap(ctx, err, "DATA close")
	}

	if err := client.Quit(); err != nil {
		p.logger.Debug("QUIT failed", "relay", addr, "error", err)
	}

	return MessageID(env, p.config.Hostname), nil
}

// connect opens a session with the relay and greets it. In the STARTTLS
// modes the connection is upgraded before the greeting with our hostname;
// opportunistic mode falls back to a fresh plaintext connection when the
// upgrade fails.
func (p *SMTPProvider) connect(ctx context.Context, addr string, tlsConfig *tls.Config) (*smtp.Client, func() bool, error) {
	if p.config.TLS == TLSOpportunistic || p.config.TLS == TLSRequired {
		client, stop, err := p.startTLS(ctx, addr, tlsConfig)
		if err == nil {
			return client, stop, nil
		}
		if p.config.TLS == TLSRequired || ctx.Err() != nil {
			return nil, nil, err
		}
		p.logger.Warn("STARTTLS failed, continuing without encryption", "relay", addr, "error", err)
	}

	conn, stop, err := p.dial(ctx, addr, tlsConfig)
	if err != nil {
		return nil, nil, err
	}
	client := smtp.NewClient(conn)
	if err := client.Hello(p.config.Hostname); err != nil {
		client.Close()
		stop()
		return nil, nil, p.wrap(ctx, err, "EHLO")
	}
	return client, stop, nil
}

func (p *SMTPProvider) startTLS(ctx context.Context, addr string, tlsConfig *tls.Config) (*smtp.Client, func() bool, error) {
	conn, stop, err := p.dial(ctx, addr, tlsConfig)
	if err != nil {
		return nil, nil, err
	}

	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		conn.Close()
		stop()
		if ctx.Err() == nil && strings.Contains(err.Error(), "doesn't support STARTTLS") {
			return nil, nil, &ProviderError{Kind: KindPermanent, Err: fmt.Errorf("relay %s does not offer STARTTLS", addr)}
		}
		return nil, nil, p.wrap(ctx, err, "STARTTLS")
	}

	// The handshake runs on the first exchange after the upgrade
	if err := client.Hello(p.config.Hostname); err != nil {
		client.Close()
		stop()
		return nil, nil, p.wrap(ctx, err, "STARTTLS")
	}
	return client, stop, nil
}

// dial connects to the relay with a deadline. The returned stop function
// detaches the ctx watcher that closes the connection when ctx ends.
func (p *SMTPProvider) dial(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, func() bool, error) {
	dialer := &net.Dialer{Timeout: p.config.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if p.config.TLS == TLSImplicit {
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, &ProviderError{Kind: KindTransient, Err: fmt.Errorf("connection failed to %s: %w", addr, err)}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(p.config.Timeout))
	}

	// Unblock protocol reads when ctx ends before the deadline
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return conn, stop, nil
}

// wrap classifies an SMTP failure. A failure caused by ctx ending is
// reported as a timeout.
func (p *SMTPProvider) wrap(ctx context.Context, err error, stage string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ProviderError{Kind: KindTransient, Err: fmt.Errorf("%s: %w", stage, ctxErr)}
	}
	return classifySMTPError(fmt.Errorf("%s: %w", stage, err))
}
