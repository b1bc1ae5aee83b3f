package models

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrValidation = errors.New("validation error")

	ErrNoImages            = errors.New("no images found for run")
	ErrNothingToAssemble   = errors.New("no completed items to assemble")
	ErrStillProcessing     = errors.New("items still processing")
	ErrMaxAttemptsExceeded = errors.New("maximum attempts reached")
	ErrAlreadyTerminal     = errors.New("item already in a terminal state")
	ErrNotClaimed          = errors.New("item not claimed for processing")
)

// MaxErrorMessageLength bounds the error text persisted on a work item.
const MaxErrorMessageLength = 1000

// ErrorKind classifies failures for the external executor.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindDegraded
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// PipelineError tags an error with its retry classification.
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Transient marks err as safe to retry unchanged.
func Transient(op string, err error) error {
	return &PipelineError{Kind: KindTransient, Op: op, Err: err}
}

// Permanent marks err as one the caller must not retry blindly.
func Permanent(op string, err error) error {
	return &PipelineError{Kind: KindPermanent, Op: op, Err: err}
}

// StateConsistencyError is returned by the finalization gate while items are in flight.
func StateConsistencyError(runID string, processing int) error {
	return Transient("finalize", fmt.Errorf("run %s has %d items in PROCESSING: %w", runID, processing, ErrStillProcessing))
}

// OutstandingWorkError is returned by the finalization gate while items still
// wait for dispatch or have retries left.
func OutstandingWorkError(runID string, outstanding int) error {
	return Transient("finalize", fmt.Errorf("run %s has %d items awaiting dispatch: %w", runID, outstanding, ErrStillProcessing))
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind == KindPermanent
	}
	return errors.Is(err, ErrValidation)
}

// IsRetryable reports whether err is explicitly classified as transient.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	return false
}

// TruncateError renders err for persistence, bounded to MaxErrorMessageLength bytes
// without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorMessageLength {
		return msg
	}
	cut := MaxErrorMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
