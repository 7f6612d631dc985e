package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehrsync/ehrsync/internal/sync/provider"
)

// Kind classifies an adapter failure. The queue's failure handler keys its
// retry decision off this taxonomy.
type Kind string

const (
	// KindAuth means the vendor rejected our credentials. Fatal: retrying
	// without new credentials cannot succeed, and the connection is flagged
	// unhealthy.
	KindAuth Kind = "AUTHENTICATION_FAILURE"
	// KindRateLimited means the vendor throttled us. Retryable, with the
	// vendor's Retry-After carried as a hint when present.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindTransient covers network failures and 5xx responses. Retryable.
	KindTransient Kind = "TRANSIENT_NETWORK_ERROR"
	// KindUnsupportedResource means the connection cannot handle the
	// requested resource type. Fatal for that resource type.
	KindUnsupportedResource Kind = "UNSUPPORTED_RESOURCE"
	// KindVendorValidation means the vendor rejected the payload itself.
	// Fatal; the vendor detail is surfaced to the operator.
	KindVendorValidation Kind = "VENDOR_VALIDATION_ERROR"
)

// Error is the typed failure every adapter operation returns.
type Error struct {
	Kind       Kind
	Provider   provider.Type
	Op         string
	StatusCode int
	Message    string
	// RetryAfter is the vendor-supplied throttle hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s: %s", e.Provider, e.Op, e.Kind, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether retrying the same operation is pointless.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindAuth, KindUnsupportedResource, KindVendorValidation:
		return true
	}
	return false
}

// RetryAfterHint returns the vendor throttle hint, zero when none applies.
func (e *Error) RetryAfterHint() time.Duration {
	if e.Kind == KindRateLimited {
		return e.RetryAfter
	}
	return 0
}

// KindOf extracts the taxonomy kind from err, or "" when err is not an
// adapter error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
