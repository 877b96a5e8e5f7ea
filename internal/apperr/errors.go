// Package apperr defines the error taxonomy shared by the someday services.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied indicates that the entity exists but the visibility or ownership policy hides or blocks it.
	ErrAccessDenied = errors.New("access denied")
	// ErrValidation indicates that the request was rejected before reaching the store.
	ErrValidation = errors.New("validation failed")
	// ErrTransient indicates a connectivity or backend failure; the caller may try again.
	ErrTransient = errors.New("transient store failure")
	// ErrConflict indicates a uniqueness violation that could not be resolved to a final state.
	ErrConflict = errors.New("conflict")
	// ErrBusy indicates that an identical request from the same actor is still in flight.
	ErrBusy = errors.New("request already in flight")
)

// Kind is the coarse error category exposed to callers.
type Kind string

const (
	KindNone         Kind = ""
	KindNotFound     Kind = "not_found"
	KindAccessDenied Kind = "access_denied"
	KindValidation   Kind = "validation_failed"
	KindTransient    Kind = "transient"
	KindConflict     Kind = "conflict"
	KindBusy         Kind = "busy"
	KindCanceled     Kind = "canceled"
)

// KindOf reports the taxonomy category of err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindTransient
	}
}

// Classify maps a raw store error onto the taxonomy. Errors that already carry a
// taxonomy sentinel, and context cancellations, are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindTransient || errors.Is(err, ErrTransient) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsUniqueViolation reports whether err is a uniqueness constraint failure from any supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Validation wraps a validation failure so that it unwraps to ErrValidation.
func Validation(cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, cause)
}

// ValidationMessage builds a validation failure from a message.
func ValidationMessage(message string) error {
	return fmt.Errorf("%w: %s", ErrValidation, message)
}
