package sync

import "errors"

var (
	// ErrAlreadyResolved is returned when a resolution is applied to a
	// conflict that has already been settled. Callers should re-read the
	// conflict before retrying.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrNotFound is returned for unknown conflict ids.
	ErrNotFound = errors.New("not found")

	ErrInvalidStrategy = errors.New("invalid resolution strategy")
	ErrInvalidChange   = errors.New("invalid change")

	// ErrTransportUnavailable is wrapped by transports when the backend
	// cannot be reached at all. It aborts the whole pass; any other
	// transmission error only affects the change being sent.
	ErrTransportUnavailable = errors.New("transport unavailable")

	ErrSyncInProgress  = errors.New("sync pass in progress")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)
