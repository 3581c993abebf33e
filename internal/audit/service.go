package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository is the persistence contract for audit entries.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	// Append stores e and returns it with its assigned ID.
	Append(ctx context.Context, e Entry) (Entry, error)
	// ListByStaging returns entries for one staging record, oldest first.
	ListByStaging(ctx context.Context, stagingID string) ([]Entry, error)
}

// Service records state transitions of staging records.
//
// Callers treat audit writes that follow a committed transition as best-effort:
// the transition already happened and must not be reported as failed.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

var ErrInvalidEntry = errors.New("audit: invalid entry")

func (s *Service) Append(ctx context.Context, e Entry) (Entry, error) {
	if s.repo == nil {
		return Entry{}, errors.New("audit: repository not configured")
	}
	if e.StagingID == "" || !e.Action.Valid() {
		return Entry{}, ErrInvalidEntry
	}
	if strings.TrimSpace(e.Actor) == "" {
		e.Actor = DefaultActor
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record marshals diff and appends one entry.
func (s *Service) Record(ctx context.Context, stagingID string, action Action, actor string, diff any) (Entry, error) {
	var raw json.RawMessage
	if diff != nil {
		b, err := json.Marshal(diff)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: encode diff: %w", err)
		}
		raw = b
	}
	return s.Append(ctx, Entry{StagingID: stagingID, Action: action, Actor: actor, Diff: raw})
}

func (s *Service) History(ctx context.Context, stagingID string) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.ListByStaging(ctx, stagingID)
}
