// Package registry is the client for the external customer-and-card registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"membership-reconciler/internal/renewal"
)

var (
	ErrCustomerNotFound = errors.New("registry: customer not found")
	// ErrDuplicateCardNumber is returned when a supplied card number already exists.
	// No registry change has been made.
	ErrDuplicateCardNumber = errors.New("registry: card number already exists")
	// ErrUnavailable wraps transport and database failures.
	ErrUnavailable = errors.New("registry: unavailable")
)

// Client is the contract the approval engine and candidate matcher use.
type Client interface {
	// FindCandidates is read-only. Results are ranked email-first, then by id.
	FindCandidates(ctx context.Context, q CandidateQuery, limit int) ([]Customer, error)
	CreateCustomer(ctx context.Context, c NewCustomer) (int64, error)

	// Renew issues a new card for the customer.
	//
	// The customer's card state is held exclusively from reading the current card
	// through inserting the new one. Any error leaves the registry unchanged.
	Renew(ctx context.Context, customerID int64, req RenewRequest) (Renewal, error)

	CardExists(ctx context.Context, cardNo string) (bool, error)
}

type Options struct {
	// Cards generates candidate numbers when the operator supplies none.
	Cards renewal.CardNumbers
	// OnCardCollision is called for every generated number that was already taken.
	OnCardCollision func(cardNo string)
	Clock           func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Cards == nil {
		out.Cards = renewal.RandomCardNumbers{Prefix: "M"}
	}
	if out.OnCardCollision == nil {
		out.OnCardCollision = func(string) {}
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// unavailable wraps infrastructure failures, leaving the client's own sentinels intact.
func unavailable(err error) error {
	if err == nil ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrDuplicateCardNumber) ||
		errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (r RenewRequest) withDefaults(clock func() time.Time) RenewRequest {
	out := r
	if out.Today.IsZero() {
		out.Today = renewal.DateOf(clock(), time.UTC)
	}
	if out.IssuedAt.IsZero() {
		out.IssuedAt = clock()
	}
	if out.TermMonths <= 0 {
		out.TermMonths = renewal.DefaultTermMonths
	}
	return out
}
