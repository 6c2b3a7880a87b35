package history

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned before any request when start is not
	// before end or the interval is below one minute.
	ErrInvalidRange = errors.New("invalid history range")

	// ErrUnauthorized means the bearer token is missing, expired, or was
	// rejected. Callers should re-authenticate rather than retry.
	ErrUnauthorized = errors.New("unauthorized")
)

// FetchError is a failed history request. Status is zero when no HTTP
// response was received.
type FetchError struct {
	Status  int
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("history fetch failed (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("history fetch failed: %s", e.Message)
}

// Unwrap exposes ErrUnauthorized for 401 responses and the transport error
// otherwise.
func (e *FetchError) Unwrap() error {
	if e.Status == 401 {
		return ErrUnauthorized
	}
	return e.Err
}
