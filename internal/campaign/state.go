package campaign

import (
	"fmt"
	"time"
)

// Phase identifies which half of the pipeline a unit of work belongs to
type Phase string

const (
	PhaseCraft Phase = "craft"
	PhaseSend  Phase = "send"
)

// CraftStatus is the crafting progress of one contact
type CraftStatus string

const (
	CraftPending  CraftStatus = "pending"
	CraftCrafting CraftStatus = "crafting"
	CraftCrafted  CraftStatus = "crafted"
	CraftFailed   CraftStatus = "craft_failed"
)

// SendStatus is the delivery progress of one contact
type SendStatus string

const (
	SendNotReady SendStatus = "not_ready"
	SendQueued   SendStatus = "queued"
	SendSending  SendStatus = "sending"
	SendSent     SendStatus = "sent"
	SendFailed   SendStatus = "send_failed"
	SendSkipped  SendStatus = "skipped"
)

// Step is the pair of craft and send statuses a contact is in.
// Transitions are expressed as moves between steps.
type Step struct {
	Craft CraftStatus `json:"craft"`
	Send  SendStatus  `json:"send"`
}

// Initial is the step every contact starts in
var Initial = Step{Craft: CraftPending, Send: SendNotReady}

func (s Step) String() string {
	return fmt.Sprintf("%s/%s", s.Craft, s.Send)
}

// Terminal reports whether no further transition can leave this step
func (s Step) Terminal() bool {
	if s.Craft == CraftFailed {
		return true
	}
	switch s.Send {
	case SendSent, SendFailed, SendSkipped:
		return true
	}
	return false
}

// InFlight reports whether an external call may be running for this step
func (s Step) InFlight() bool {
	return s.Craft == CraftCrafting || s.Send == SendSending
}

// Qualifies reports whether a contact in this step has work in the given phase
func (s Step) Qualifies(p Phase) bool {
	switch p {
	case PhaseCraft:
		return s.Craft == CraftPending && s.Send == SendNotReady
	case PhaseSend:
		return s.Craft == CraftCrafted && (s.Send == SendNotReady || s.Send == SendQueued)
	}
	return false
}

// edges lists every allowed move between non-skip steps
var edges = map[Step][]Step{
	{CraftPending, SendNotReady}: {
		{CraftCrafting, SendNotReady},
	},
	{CraftCrafting, SendNotReady}: {
		{CraftCrafted, SendNotReady},
		{CraftFailed, SendNotReady},
		{CraftPending, SendNotReady},
	},
	{CraftCrafted, SendNotReady}: {
		{CraftCrafted, SendQueued},
	},
	{CraftCrafted, SendQueued}: {
		{CraftCrafted, SendSending},
	},
	{CraftCrafted, SendSending}: {
		{CraftCrafted, SendSent},
		{CraftCrafted, SendFailed},
		{CraftCrafted, SendQueued},
	},
}

// ValidTransition reports whether a contact may move from one step to another.
// Any non-terminal step without an external call in flight may be skipped.
func ValidTransition(from, to Step) bool {
	if from.Terminal() {
		return false
	}
	if to.Send == SendSkipped {
		return to.Craft == from.Craft && !from.InFlight()
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Message is the crafted content for one contact
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}

// State is the durable per-contact record of pipeline progress
type State struct {
	CampaignID        string      `json:"campaign_id"`
	ContactID         string      `json:"contact_id"`
	Seq               uint64      `json:"seq"`
	Craft             CraftStatus `json:"craft"`
	Send              SendStatus  `json:"send"`
	CraftAttempts     int         `json:"craft_attempts"`
	SendAttempts      int         `json:"send_attempts"`
	LastError         string      `json:"last_error,omitempty"`
	IdempotencyKey    string      `json:"idempotency_key"`
	NextAttemptAt     time.Time   `json:"next_attempt_at,omitempty"`
	Message           *Message    `json:"message,omitempty"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	Version           uint64      `json:"version"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	CraftedAt         time.Time   `json:"crafted_at,omitempty"`
	SentAt            time.Time   `json:"sent_at,omitempty"`
}

// Step returns the current craft/send pair
func (s *State) Step() Step {
	return Step{Craft: s.Craft, Send: s.Send}
}

// Terminal reports whether the contact has finished
func (s *State) Terminal() bool {
	return s.Step().Terminal()
}

// Transition is one recorded move of a contact between steps
type Transition struct {
	From      Step      `json:"from"`
	To        Step      `json:"to"`
	Version   uint64    `json:"version"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
