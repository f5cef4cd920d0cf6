package campaign

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a campaign, contact or state does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for a move the state machine does not allow
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRateLimitExceeded is matched by every *RateLimitExceeded
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidStatus is returned when a campaign command does not apply to its current status
	ErrInvalidStatus = errors.New("invalid campaign status")
)

// TransientCraftError is a crafting failure worth retrying
type TransientCraftError struct {
	Err error
}

func (e *TransientCraftError) Error() string {
	return fmt.Sprintf("transient craft error: %v", e.Err)
}

func (e *TransientCraftError) Unwrap() error { return e.Err }

// PermanentCraftError is a crafting failure that retrying cannot fix
type PermanentCraftError struct {
	Err error
}

func (e *PermanentCraftError) Error() string {
	return fmt.Sprintf("permanent craft error: %v", e.Err)
}

func (e *PermanentCraftError) Unwrap() error { return e.Err }

// TransientSendError is a delivery failure worth retrying
type TransientSendError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientSendError) Error() string {
	return fmt.Sprintf("transient send error: %v", e.Err)
}

func (e *TransientSendError) Unwrap() error { return e.Err }

// PermanentSendError is a delivery failure that retrying cannot fix
type PermanentSendError struct {
	Err error
}

func (e *PermanentSendError) Error() string {
	return fmt.Sprintf("permanent send error: %v", e.Err)
}

func (e *PermanentSendError) Unwrap() error { return e.Err }

// RateLimitExceeded is returned by the limiter when a tenant has no budget left
type RateLimitExceeded struct {
	TenantID   string
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %s (%s), retry after %s", e.TenantID, e.Reason, e.RetryAfter)
}

func (e *RateLimitExceeded) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// StaleStateError is returned when a compare-and-set transition finds
// the contact in a different step than expected
type StaleStateError struct {
	CampaignID string
	ContactID  string
	Expected   Step
	Actual     Step
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state for contact %s/%s: expected %s, found %s",
		e.CampaignID, e.ContactID, e.Expected, e.Actual)
}

// CredentialError means a tenant's provider credential is missing or unusable.
// It halts sending for the tenant.
type CredentialError struct {
	TenantID string
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential error for tenant %s: %v", e.TenantID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent craft or send classification
func IsPermanent(err error) bool {
	var pc *PermanentCraftError
	var ps *PermanentSendError
	return errors.As(err, &pc) || errors.As(err, &ps)
}

// IsStale reports whether err is a compare-and-set conflict
func IsStale(err error) bool {
	var se *StaleStateError
	return errors.As(err, &se)
}
