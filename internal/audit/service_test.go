package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresStagingAndAction(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if _, err := svc.Append(context.Background(), Entry{Action: ActionRenewed}); err != ErrInvalidEntry {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
	if _, err := svc.Append(context.Background(), Entry{StagingID: "s1", Action: "approved"}); err != ErrInvalidEntry {
		t.Fatalf("expected ErrInvalidEntry for unknown action, got %v", err)
	}
}

func TestService_RecordDefaultsActorAndAssignsMonotonicIDs(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(repo).WithClock(func() time.Time { return now })

	first, err := svc.Record(context.Background(), "s1", ActionError, "", map[string]string{"error": "registry down"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	second, err := svc.Record(context.Background(), "s1", ActionRenewed, "op-7", map[string]any{"customer_id": 42})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if first.Actor != DefaultActor {
		t.Fatalf("expected default actor, got %q", first.Actor)
	}
	if second.ID <= first.ID {
		t.Fatalf("expected monotonic ids, got %d then %d", first.ID, second.ID)
	}
	if !first.CreatedAt.Equal(now) {
		t.Fatalf("expected clock time, got %s", first.CreatedAt)
	}
	if string(second.Diff) != `{"customer_id":42}` {
		t.Fatalf("unexpected diff %s", second.Diff)
	}
}

func TestService_HistoryFiltersByStaging(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s1"} {
		if _, err := svc.Record(ctx, id, ActionRejected, "op", nil); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}

	got, err := svc.History(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("unexpected history %+v", got)
	}
	if len(repo.Entries()) != 3 {
		t.Fatalf("expected 3 entries in repo")
	}
}
