package campaign

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact is one recipient of a campaign. It is immutable once ingested.
type Contact struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Email      string            `json:"email"`
	Name       string            `json:"name,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Seq        uint64            `json:"seq"`
	IngestedAt time.Time         `json:"ingested_at"`
}

// NormalizeEmail validates an address and returns its canonical form,
// which doubles as the contact id within a campaign
func NormalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("email is required")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("invalid email %q: %w", raw, err)
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return "", fmt.Errorf("invalid email %q", raw)
	}
	return strings.ToLower(addr.Address), nil
}

// Domain returns the domain part of the contact's address
func (c *Contact) Domain() string {
	if i := strings.LastIndex(c.Email, "@"); i >= 0 {
		return c.Email[i+1:]
	}
	return ""
}

// Vars returns the personalization variables for the contact.
// Explicit fields win over the derived aliases.
func (c *Contact) Vars() map[string]string {
	vars := map[string]string{
		"email":     c.Email,
		"name":      c.Name,
		"lead_name": c.Name,
	}
	if v, ok := c.Fields["company"]; ok {
		vars["company_name"] = v
	}
	for k, v := range c.Fields {
		vars[k] = v
	}
	if vars["name"] == "" {
		vars["name"] = strings.Split(c.Email, "@")[0]
	}
	if vars["lead_name"] == "" {
		vars["lead_name"] = vars["name"]
	}
	return vars
}

// IdempotencyKey derives the deterministic delivery key for a contact
// within a campaign namespace
func IdempotencyKey(namespace uuid.UUID, contactID string) string {
	return uuid.NewSHA1(namespace, []byte(contactID)).String()
}
