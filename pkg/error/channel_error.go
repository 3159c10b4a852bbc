package error

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Category buckets every provider-facing failure so callers can decide
// between retrying, recovering, or surfacing the error to the user.
type Category string

const (
	CategoryTransient   Category = "transient"
	CategoryRateLimited Category = "rate_limited"
	CategoryAuth        Category = "auth"
	CategoryPermanent   Category = "permanent"
	CategoryValidation  Category = "validation"
)

// ChannelError is the normalized error shape that crosses component
// boundaries. Low-level transport errors are converted into this before
// leaving the infrastructure layer.
type ChannelError struct {
	Category   Category
	HTTPStatus int
	Message    string
	// Region is a best-effort enrichment extracted from free-text provider
	// messages when no structured field is present. Never load-bearing.
	Region string
}

func (e *ChannelError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Category, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *ChannelError) ErrCode() string {
	return strings.ToUpper(string(e.Category)) + "_ERROR"
}

func (e *ChannelError) StatusCode() int {
	if e.HTTPStatus > 0 {
		return e.HTTPStatus
	}
	return http.StatusBadGateway
}

// Retryable reports whether the failure may succeed on retry.
func (e *ChannelError) Retryable() bool {
	return e.Category == CategoryTransient || e.Category == CategoryRateLimited
}

var regionPattern = regexp.MustCompile(`\bregion[:= ]+"?([A-Z]{2})"?`)

// FromStatus normalizes a provider HTTP status plus message into a
// ChannelError. Connection-level failures (no status) should use
// FromTransport instead.
func FromStatus(status int, message string) *ChannelError {
	ce := &ChannelError{HTTPStatus: status, Message: message}
	switch {
	case status == http.StatusTooManyRequests:
		ce.Category = CategoryRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ce.Category = CategoryAuth
	case status >= 500:
		ce.Category = CategoryTransient
	case status >= 400:
		ce.Category = CategoryPermanent
	default:
		ce.Category = CategoryTransient
	}
	if m := regionPattern.FindStringSubmatch(message); len(m) == 2 {
		ce.Region = m[1]
	}
	return ce
}

// FromTransport normalizes connection resets, timeouts and similar network
// failures. These are always treated as transient.
func FromTransport(err error) *ChannelError {
	return &ChannelError{Category: CategoryTransient, Message: err.Error()}
}

// CategoryOf extracts the category from any error, defaulting to transient
// for plain network failures and permanent for everything else.
func CategoryOf(err error) Category {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Category
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return CategoryAuth
	}
	return CategoryPermanent
}

// IsAuth reports whether the error is an authentication failure (401/403 or
// an invalid/expired refresh token).
func IsAuth(err error) bool {
	return CategoryOf(err) == CategoryAuth
}

// IsRateLimited reports whether the error is a provider rate limit.
func IsRateLimited(err error) bool {
	return CategoryOf(err) == CategoryRateLimited
}
