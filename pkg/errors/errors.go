package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is the closed set of failure classes produced while resolving,
// extracting and downloading media.
type ErrorType string

const (
	// Permanent: retrying cannot help.
	ErrorTypeDeleted       ErrorType = "deleted"
	ErrorTypePrivate       ErrorType = "private"
	ErrorTypeRegionBlocked ErrorType = "region"
	ErrorTypeTooLong       ErrorType = "too_long"

	// Transient: eligible for retry.
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeExtraction ErrorType = "extraction"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// Error is a classified failure. Code carries the provider or HTTP status
// when one is known.
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Op      string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Type))
	b.WriteString(" error")
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(t ErrorType, msg string) *Error {
	return &Error{Type: t, Message: msg}
}

// Wrap classifies err under t. The operation name is used as a prefix.
func Wrap(t ErrorType, op string, err error) *Error {
	return &Error{Type: t, Op: op, Err: err}
}

// IsPermanent reports whether an error type must not be retried.
func IsPermanent(t ErrorType) bool {
	switch t {
	case ErrorTypeDeleted, ErrorTypePrivate, ErrorTypeRegionBlocked, ErrorTypeTooLong:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether an error type is transient.
func IsRetryable(t ErrorType) bool {
	switch t {
	case ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeExtraction, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// TypeOf extracts the classification from anywhere in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

// Is reports whether err carries the given classification.
func Is(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}

// ClassifyStatus maps a provider status tag onto an error type. The
// second return value is false for "ok".
func ClassifyStatus(status string) (ErrorType, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "ok", "":
		return "", false
	case "deleted":
		return ErrorTypeDeleted, true
	case "private":
		return ErrorTypePrivate, true
	case "rate_limit":
		return ErrorTypeRateLimit, true
	case "region":
		return ErrorTypeRegionBlocked, true
	case "network":
		return ErrorTypeNetwork, true
	default:
		return ErrorTypeExtraction, true
	}
}

// ClassifyMessage maps a free-form extractor message onto an error type.
// Unknown messages are extraction failures.
func ClassifyMessage(msg string) ErrorType {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "unavailable", "removed", "deleted"):
		return ErrorTypeDeleted
	case strings.Contains(m, "private"):
		return ErrorTypePrivate
	case containsAny(m, "rate", "too many", "429"):
		return ErrorTypeRateLimit
	case containsAny(m, "region", "geo", "country", "not available in your"):
		return ErrorTypeRegionBlocked
	default:
		return ErrorTypeExtraction
	}
}

// ClassifyHTTPStatus maps an unexpected HTTP status onto an error type.
func ClassifyHTTPStatus(code int) ErrorType {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrorTypeDeleted
	case code == http.StatusUnavailableForLegalReasons:
		return ErrorTypeRegionBlocked
	default:
		return ErrorTypeNetwork
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
