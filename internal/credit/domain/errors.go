package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrValidation          = errors.New("validation_failed")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrPurchaseProcessing  = errors.New("purchase_processing_failed")
	ErrEntityNotFound      = errors.New("entity_not_found")

	// ErrConcurrentUpdate signals a lost race on a guarded debit; the
	// transaction is retried.
	ErrConcurrentUpdate = errors.New("concurrent_update")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)

// ValidationError reports malformed input. No state was changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientCreditsError is a normal business outcome; nothing was debited.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d more (required %d, available %d)",
		e.Shortfall(), e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Shortfall is how many more credits the operation needed.
func (e *InsufficientCreditsError) Shortfall() int64 {
	if e.Required <= e.Available {
		return 0
	}
	return e.Required - e.Available
}

// PurchaseProcessingError means funds were captured upstream but the grant
// failed. A failed purchase record is left for reconciliation.
type PurchaseProcessingError struct {
	ExternalTransactionID string
	Err                   error
}

func (e *PurchaseProcessingError) Error() string {
	return fmt.Sprintf("purchase %s could not be granted: %v", e.ExternalTransactionID, e.Err)
}

func (e *PurchaseProcessingError) Is(target error) bool {
	return target == ErrPurchaseProcessing
}

func (e *PurchaseProcessingError) Unwrap() error {
	return e.Err
}

// EntityNotFoundError is returned when an entity does not exist or belongs to
// another tenant.
type EntityNotFoundError struct {
	TenantID snowflake.ID
	EntityID snowflake.ID
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %s not found for tenant %s", e.EntityID, e.TenantID)
}

func (e *EntityNotFoundError) Is(target error) bool {
	return target == ErrEntityNotFound
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
