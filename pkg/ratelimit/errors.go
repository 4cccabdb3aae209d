package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is returned when the counter store or ban registry failed or
	// timed out. The accompanying Result follows the configured failure policy.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrPolicyNotFound is recovered inside the registry and never returned to callers.
	ErrPolicyNotFound = errors.New("rate limit policy not found")

	// ErrInvalidIdentifier is returned for an empty identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrInvalidBan is returned when a ban has no duration.
	ErrInvalidBan = errors.New("invalid ban duration")

	// ErrInvalidLimit is returned for ad-hoc checks without a positive limit and window.
	ErrInvalidLimit = errors.New("invalid limit")
)

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
