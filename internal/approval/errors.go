package approval

import (
	"errors"
	"fmt"

	"membership-reconciler/internal/ingest"
	"membership-reconciler/internal/registry"
	"membership-reconciler/internal/staging"
)

var (
	ErrValidation = errors.New("approval: invalid request")
	// ErrOrphanedCustomer marks a customer that was created but never got a card.
	// The operator must retry against OrphanedCustomerError.CustomerID instead of
	// creating another customer.
	ErrOrphanedCustomer = errors.New("approval: customer created without a card")
)

// OrphanedCustomerError carries the id of the customer left without a card.
type OrphanedCustomerError struct {
	CustomerID int64
	Err        error
}

func (e *OrphanedCustomerError) Error() string {
	return fmt.Sprintf("approval: customer %d created but card attach failed: %v", e.CustomerID, e.Err)
}

func (e *OrphanedCustomerError) Unwrap() []error {
	return []error{ErrOrphanedCustomer, e.Err}
}

// Error kinds reported to callers and used as metric labels.
const (
	KindValidation          = "validation"
	KindNotFound            = "not_found"
	KindNotPending          = "not_pending"
	KindCustomerNotFound    = "customer_not_found"
	KindDuplicateCardNumber = "duplicate_card_number"
	KindRegistryUnavailable = "registry_unavailable"
	KindOrphanedCustomer    = "orphaned_customer"
	KindInternal            = "internal"
)

// Kind classifies err into a stable string.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOrphanedCustomer):
		return KindOrphanedCustomer
	case errors.Is(err, ErrValidation), errors.Is(err, ingest.ErrMalformedOrder), errors.Is(err, staging.ErrInvalidRecord):
		return KindValidation
	case errors.Is(err, staging.ErrNotFound):
		return KindNotFound
	case errors.Is(err, staging.ErrNotPending):
		return KindNotPending
	case errors.Is(err, registry.ErrCustomerNotFound):
		return KindCustomerNotFound
	case errors.Is(err, registry.ErrDuplicateCardNumber):
		return KindDuplicateCardNumber
	case errors.Is(err, registry.ErrUnavailable):
		return KindRegistryUnavailable
	default:
		return KindInternal
	}
}
