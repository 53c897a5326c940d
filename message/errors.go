package message

import "errors"

var (
	// ErrTransientNetwork indicates a connectivity-class failure. Operations
	// failing with this error are safe to retry with backoff.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrPermanentValidation indicates the remote store rejected the payload.
	// The operation must not be retried.
	ErrPermanentValidation = errors.New("permanent validation failure")

	// ErrStorageExhausted indicates a local cache write could not complete
	// because the device is out of space.
	ErrStorageExhausted = errors.New("local storage exhausted")

	// ErrCorruptCacheEntry indicates cached metadata points at a missing or
	// damaged file. The cache self-heals by demoting the entry.
	ErrCorruptCacheEntry = errors.New("corrupt cache entry")

	// ErrCancelled indicates the operation was cancelled by the caller.
	// It is silent cleanup, not a user-visible error.
	ErrCancelled = errors.New("operation cancelled")
)

// IsTransient reports whether err should re-enter the retry loop.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

// IsPermanent reports whether err must be surfaced immediately without retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentValidation)
}
