package store

import "errors"

var (
	ErrNotFound = errors.New("store: resource not found")
	ErrConflict = errors.New("store: conflicting resource state")
	// ErrThrottled is returned when the backing store sheds load; callers retry with backoff.
	ErrThrottled = errors.New("store: request throttled")
)
