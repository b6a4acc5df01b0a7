package models

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Wrap with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	// ErrNotFound indicates an absent collection, unit, or job.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate name or a delete while content remains.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates malformed request data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransientProvider indicates an embedding or vector backend timeout; retried.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrPermanentUnit indicates content that can never be indexed; parked, not retried.
	ErrPermanentUnit = errors.New("permanent unit error")

	// ErrConsistency indicates vector deletion failed after the delete was accepted.
	ErrConsistency = errors.New("consistency error")
)

// Transient wraps err as a TransientProviderError. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientProvider) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientProvider, err)
}

// Permanent wraps err as a PermanentUnitError. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermanentUnit) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanentUnit, err)
}

// IsRetryable reports whether err should be retried. Permanent errors and
// cancellation are not; everything else, including deadlines, is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentUnit) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
