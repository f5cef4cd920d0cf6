package dispatch

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BuildMessage renders env as an RFC 5322 message. The Message-ID and the
// MIME boundary are derived from the idempotency key, so a retried send
// produces the same identifiers.
func BuildMessage(env *Envelope, hostname string, date time.Time) []byte {
	var buf bytes.Buffer

	from := mail.Address{Name: env.FromName, Address: env.From}
	to := mail.Address{Name: env.ToName, Address: env.To}

	buf.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", to.String()))
	if env.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", (&mail.Address{Address: env.ReplyTo}).String()))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", env.Message.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", date.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", MessageID(env, hostname)))
	if env.CampaignID != "" {
		buf.WriteString(fmt.Sprintf("X-Campaign-ID: %s\r\n", env.CampaignID))
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	body := crlf(env.Message.Body)
	if env.Message.HTML != "" {
		boundary := uuid.NewSHA1(uuid.NameSpaceOID, []byte(env.IdempotencyKey)).String()
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(body)
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(crlf(env.Message.HTML))
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(body)
		buf.WriteString("\r\n")
	}

	return buf.Bytes()
}

// MessageID returns the deterministic Message-ID for env
func MessageID(env *Envelope, hostname string) string {
	domain := extractDomain(env.From)
	if domain == "" {
		domain = hostname
	}
	return fmt.Sprintf("<%s@%s>", env.IdempotencyKey, domain)
}

// extractDomain extracts domain from email address
func extractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err == nil {
		email = addr.Address
	}
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
