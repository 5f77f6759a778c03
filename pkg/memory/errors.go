package memory

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation indicates input that fails schema or shape checks.
	ErrValidation = errors.New("validation failed")

	// ErrPermission indicates a missing, invalid or insufficient capability token.
	ErrPermission = errors.New("permission denied")

	// ErrRateLimited indicates the caller exhausted its token bucket.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate key on an append-only record.
	ErrConflict = errors.New("conflict")

	// ErrStorageUnavailable indicates a backing tier could not serve the call.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Permissionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermission, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Unavailable wraps a backend failure so that errors.Is(err, ErrStorageUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// RateLimitError reports a rate limit denial with the time until a token is available.
type RateLimitError struct {
	ArmID      string
	Operation  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: arm %q operation %q, retry after %s", e.ArmID, e.Operation, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
