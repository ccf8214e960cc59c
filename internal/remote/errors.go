package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a remote API failure carrying its classification.
//
// Taxonomy (matching how the worker treats each class):
//
//	transient     — network failure, rate limit, 5xx: retried on the next
//	                scheduled pass, ledger tags left stale.
//	not found     — entity already gone: success for deletes, tombstone
//	                trigger otherwise.
//	auth expired  — credentials rejected: one token refresh attempt, then
//	                surfaced as needs-re-authentication.
//	permanent     — everything else: recorded on the record, tags advanced
//	                so the record stops hot-looping.
type APIError struct {
	StatusCode int
	Message    string
	// RateLimited marks a 403/429 with an exhausted rate budget.
	RateLimited bool
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote API error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote API error: status %d: %s", e.StatusCode, e.Message)
}

// ErrNotFound is returned when the remote entity does not exist.
var ErrNotFound = errors.New("remote entity not found")

// IsNotFound reports whether the entity is gone on the remote.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone
	}
	return false
}

// IsTransient reports whether the failure should be retried on the next
// pass without recording a permanent error.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.RateLimited {
			return true
		}
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Raw transport errors (connection reset, timeout) arrive unwrapped.
	return err != nil && !IsNotFound(err) && !errors.As(err, &apiErr)
}

// IsAuthExpired reports whether the remote rejected our credentials.
func IsAuthExpired(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized
	}
	return false
}

// IsPermanent reports whether the failure will not resolve by retrying.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err) && !IsNotFound(err) && !IsAuthExpired(err)
}
