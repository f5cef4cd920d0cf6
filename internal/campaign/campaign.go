// Package campaign holds the data model shared by the engine components:
// campaigns, contacts, per-contact delivery state and the error taxonomy.
package campaign

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle status of a campaign
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Final reports whether no further work will ever be scheduled for the campaign.
// Failed is not final: a campaign halted by a credential problem can be resumed.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RateLimit is the sending budget derived from a tenant's billing plan
type RateLimit struct {
	RatePerSecond   float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst           int     `yaml:"burst" json:"burst"`
	MaxConcurrency  int     `yaml:"max_concurrency" json:"max_concurrency"`
	MessagesPerHour int     `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int     `yaml:"messages_per_day" json:"messages_per_day"`
}

// Context is the campaign-level input to message crafting
type Context struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Offering     string `json:"offering,omitempty"`
	Audience     string `json:"audience,omitempty"`
	CallToAction string `json:"call_to_action,omitempty"`
	Tone         string `json:"tone,omitempty"`
	SenderName   string `json:"sender_name,omitempty"`
	SenderEmail  string `json:"sender_email"`
	ReplyTo      string `json:"reply_to,omitempty"`

	// Optional templates used by the offline generator
	SubjectTemplate string `json:"subject_template,omitempty"`
	BodyTemplate    string `json:"body_template,omitempty"`
}

// Campaign is a tenant's outreach run over an uploaded contact batch
type Campaign struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Status       Status    `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"`
	Plan         string    `json:"plan"`
	RateLimit    RateLimit `json:"rate_limit"`
	Namespace    uuid.UUID `json:"namespace"`
	Context      Context   `json:"context"`
	ContactCount int       `json:"contact_count"`
	ScheduledAt  time.Time `json:"scheduled_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	RetiredAt    time.Time `json:"retired_at,omitempty"`
}

// New creates a campaign with a fresh id and idempotency namespace
func New(tenantID string, ctx Context) *Campaign {
	now := time.Now()
	return &Campaign{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Status:    StatusDraft,
		Namespace: uuid.New(),
		Context:   ctx,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Retired reports whether the campaign has been deleted
func (c *Campaign) Retired() bool {
	return !c.RetiredAt.IsZero()
}

// Stats contains per-status contact counts for a campaign
type Stats struct {
	Total       int64 `json:"total"`
	Pending     int64 `json:"pending"`
	Crafting    int64 `json:"crafting"`
	Crafted     int64 `json:"crafted"`
	CraftFailed int64 `json:"craft_failed"`
	Queued      int64 `json:"queued"`
	Sending     int64 `json:"sending"`
	Sent        int64 `json:"sent"`
	SendFailed  int64 `json:"send_failed"`
	Skipped     int64 `json:"skipped"`
	Terminal    int64 `json:"terminal"`
}

// Done reports whether every contact has reached a terminal state
func (s *Stats) Done() bool {
	return s.Total > 0 && s.Terminal >= s.Total
}

// Failures returns the number of contacts that ended in a failed state
func (s *Stats) Failures() int64 {
	return s.CraftFailed + s.SendFailed
}

// Apply moves one contact from one step to another.
// When added is true the contact is new and from is ignored.
func (s *Stats) Apply(from, to Step, added bool) {
	if added {
		s.Total++
	} else {
		s.count(from, -1)
	}
	s.count(to, 1)
}

func (s *Stats) count(st Step, d int64) {
	switch st.Craft {
	case CraftPending:
		s.Pending += d
	case CraftCrafting:
		s.Crafting += d
	case CraftCrafted:
		s.Crafted += d
	case CraftFailed:
		s.CraftFailed += d
	}
	switch st.Send {
	case SendQueued:
		s.Queued += d
	case SendSending:
		s.Sending += d
	case SendSent:
		s.Sent += d
	case SendFailed:
		s.SendFailed += d
	case SendSkipped:
		s.Skipped += d
	}
	if st.Terminal() {
		s.Terminal += d
	}
}
