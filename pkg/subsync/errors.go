package subsync

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription record
	// exists for the given identity or provider reference
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrProfileNotFound is returned when the user directory has no
	// record for the given identity
	ErrProfileNotFound = errors.New("profile not found")

	// ErrMissingMetadata is returned when a billing event lacks the
	// identity or plan required to reconcile it
	ErrMissingMetadata = errors.New("missing identity or plan metadata")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRoleSync is returned by role grant collaborators on failure.
	// Role sync is best effort: callers log this and never fail the
	// subscription write because of it.
	ErrRoleSync = errors.New("role sync failed")
)
