package staging

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("staging: record not found")
	// ErrNotPending is returned for any transition attempted on a record that has
	// already been approved or rejected.
	ErrNotPending = errors.New("staging: record is not pending")
	// ErrDuplicate means the order line item is already staged (redelivered webhook).
	ErrDuplicate     = errors.New("staging: line item already staged")
	ErrInvalidRecord = errors.New("staging: invalid record")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ListFilter selects records for the review queue. Results are newest first.
type ListFilter struct {
	// Status is optional; empty lists every status.
	Status Status
	Limit  int
}

func (f ListFilter) normalized() ListFilter {
	out := f
	if out.Limit <= 0 {
		out.Limit = DefaultPageSize
	}
	if out.Limit > MaxPageSize {
		out.Limit = MaxPageSize
	}
	return out
}

// CommitFunc runs while the record is held in pending state. Returning an error
// aborts the transition and leaves the record pending.
type CommitFunc func(ctx context.Context, rec Record) error

// Store is the persistence contract for staging records.
type Store interface {
	// CreateBatch inserts every record or none of them.
	CreateBatch(ctx context.Context, recs []Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, f ListFilter) ([]Record, error)

	// Resolve moves a pending record to a terminal status exactly once.
	//
	// The record is held exclusively while commit runs, and the status write is a
	// compare-and-swap on pending. Concurrent callers on the same record see one
	// success; the rest get ErrNotPending without commit being invoked.
	Resolve(ctx context.Context, id string, to Status, at time.Time, commit CommitFunc) (Record, error)
}

func validateNew(r Record) error {
	if r.ID == "" || r.OrderID == "" || r.LineItemID == "" {
		return ErrInvalidRecord
	}
	if r.Status != StatusPending {
		return ErrInvalidRecord
	}
	if r.TermMonths <= 0 {
		return ErrInvalidRecord
	}
	return nil
}

func validateTarget(to Status) error {
	if !to.Terminal() {
		return ErrInvalidRecord
	}
	return nil
}
