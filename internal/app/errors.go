package app

import "errors"

var (
	// ErrUnauthorized indicates the caller does not own the resource.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound covers both true absence and ownership mismatch on
	// masked lookups.
	ErrNotFound = errors.New("not found")
	// ErrProfileIncomplete indicates the identity provider returned no
	// usable primary email for a first-time user.
	ErrProfileIncomplete = errors.New("identity profile incomplete")
	// ErrSyncFailure indicates the identity provider could not be reached
	// while provisioning a first-time user.
	ErrSyncFailure = errors.New("identity sync failure")
	// ErrToolSourceUnavailable indicates the remote tool process could not
	// be reached. Logged only; never surfaced to clients.
	ErrToolSourceUnavailable = errors.New("tool source unavailable")
)
