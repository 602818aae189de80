package gcal

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// Common remote calendar API errors.
var (
	// ErrUnauthorized indicates invalid or expired credentials.
	ErrUnauthorized = errors.New("gcal: unauthorized (invalid credentials)")

	// ErrForbidden indicates insufficient permissions.
	ErrForbidden = errors.New("gcal: forbidden (insufficient permissions)")

	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("gcal: resource not found")

	// ErrRateLimited indicates the API rate limit was exceeded.
	ErrRateLimited = errors.New("gcal: rate limit exceeded")

	// ErrSyncTokenExpired indicates the sync token has expired (410 GONE).
	// The caller should perform a full import and store the fresh token.
	ErrSyncTokenExpired = errors.New("gcal: sync token expired, full import required")

	// ErrInvalidRemoteEvent indicates a remote event payload that cannot be
	// mirrored, such as one without an id.
	ErrInvalidRemoteEvent = errors.New("gcal: invalid remote event")
)

// IsUnauthorized returns true if the error indicates invalid credentials.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized
	}
	return false
}

// IsForbidden returns true if the error indicates insufficient permissions.
func IsForbidden(err error) bool {
	if errors.Is(err, ErrForbidden) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusForbidden
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound
	}
	return false
}

// IsRateLimited returns true if the error indicates rate limiting.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests
	}
	return false
}

// IsSyncTokenExpired returns true if the error indicates an expired sync
// token (410 GONE). The next import for that calendar must be a full one.
func IsSyncTokenExpired(err error) bool {
	if errors.Is(err, ErrSyncTokenExpired) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusGone
	}
	return false
}

// IsAccessRevoked returns true when the user's grant is gone for good: an
// unauthorized response, or a refresh rejected with invalid_grant. Retrying
// is pointless; the caller should tear down sync state for the user.
func IsAccessRevoked(err error) bool {
	if err == nil {
		return false
	}
	if IsUnauthorized(err) {
		return true
	}
	return strings.Contains(err.Error(), "invalid_grant")
}

// WrapError converts a remote API error to a more specific error type.
func WrapError(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	switch gerr.Code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusGone:
		return ErrSyncTokenExpired
	default:
		return err
	}
}
