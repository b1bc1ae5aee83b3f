package services

import (
	"context"
	"errors"
	"fmt"

	"bookscan/internal/models"
	"bookscan/internal/store"
)

// classifyStoreError wraps a store failure into the retry taxonomy. Errors that fit
// neither class are returned with context but otherwise untouched.
func classifyStoreError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrThrottled):
		return models.Transient(op, err)
	case errors.Is(err, store.ErrNotFound):
		return models.Permanent(op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
