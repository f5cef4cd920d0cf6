package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
)

// ErrorKind classifies a provider failure
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// ProviderError is a classified delivery failure
type ProviderError struct {
	Kind       ErrorKind
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s provider error (%d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// smtpCodePattern matches SMTP reply codes in error text
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// classifySMTPError turns an SMTP failure into a ProviderError.
// 5xx replies are permanent and 4xx transient. 421 and 452 signal the
// server throttling us and are reported as rate limited.
func classifySMTPError(err error) error {
	if err == nil {
		return nil
	}

	code := 0
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		code = smtpErr.Code
	} else if m := smtpCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}

	switch {
	case code == 421 || code == 452:
		return &ProviderError{Kind: KindRateLimited, Code: code, Err: err}
	case code >= 500:
		return &ProviderError{Kind: KindPermanent, Code: code, Err: err}
	case code >= 400:
		return &ProviderError{Kind: KindTransient, Code: code, Err: err}
	}
	// Connection failures and unknown errors
	return &ProviderError{Kind: KindTransient, Err: err}
}
