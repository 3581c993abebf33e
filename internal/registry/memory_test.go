package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"membership-reconciler/internal/renewal"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMemory_RenewExtendsUnexpiredCardBackToBack(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(Options{})
	id := reg.Seed(Customer{FirstName: "Ada", LastName: "Lovelace"},
		Card{CardNo: "M2024-000001", StartDate: date(2024, 3, 2), ExpiresAt: renewal.EndOfDay(date(2025, 3, 1))},
	)

	got, err := reg.Renew(ctx, id, RenewRequest{TermMonths: 12, Today: date(2025, 2, 20)})
	require.NoError(t, err)

	assert.Equal(t, date(2025, 3, 2), got.Window.Start)
	assert.Equal(t, date(2026, 3, 1), got.Window.End)
	assert.Equal(t, renewal.EndOfDay(date(2026, 3, 1)), got.Window.ExpiresAt)
	assert.Regexp(t, `^M2025-\d{6}$`, got.CardNo)
	assert.Len(t, reg.Cards(id), 2)
}

func TestMemory_RenewIgnoresRevokedAndExpiredCards(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(Options{})
	id := reg.Seed(Customer{FirstName: "Ada"},
		Card{CardNo: "A", ExpiresAt: renewal.EndOfDay(date(2024, 1, 1))},
		Card{CardNo: "B", ExpiresAt: renewal.EndOfDay(date(2030, 1, 1)), Revoked: true},
	)

	got, err := reg.Renew(ctx, id, RenewRequest{TermMonths: 6, Today: date(2025, 5, 10)})
	require.NoError(t, err)
	assert.Equal(t, date(2025, 5, 10), got.Window.Start)
	assert.Equal(t, date(2025, 11, 10), got.Window.End)
}

func TestMemory_RenewUnknownCustomer(t *testing.T) {
	_, err := NewMemory(Options{}).Renew(context.Background(), 99, RenewRequest{TermMonths: 12})
	require.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestMemory_SuppliedDuplicateCardLeavesRegistryUnchanged(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(Options{})
	other := reg.Seed(Customer{FirstName: "Grace"}, Card{CardNo: "M2025-123456", ExpiresAt: date(2026, 1, 1)})
	id := reg.Seed(Customer{FirstName: "Ada"})

	_, err := reg.Renew(ctx, id, RenewRequest{TermMonths: 12, CardNo: "M2025-123456", Today: date(2025, 1, 1)})
	require.ErrorIs(t, err, ErrDuplicateCardNumber)
	assert.Empty(t, reg.Cards(id))
	assert.Len(t, reg.Cards(other), 1)
}

func TestMemory_GeneratedCollisionRetries(t *testing.T) {
	ctx := context.Background()
	seq := []string{"M2025-000001", "M2025-000001", "M2025-000002"}
	var calls atomic.Int32
	var collisions []string

	reg := NewMemory(Options{
		Cards: renewal.CardNumberFunc(func(time.Time) string {
			n := calls.Add(1) - 1
			return seq[n]
		}),
		OnCardCollision: func(cardNo string) { collisions = append(collisions, cardNo) },
	})
	reg.Seed(Customer{FirstName: "Grace"}, Card{CardNo: "M2025-000001", ExpiresAt: date(2026, 1, 1)})
	id := reg.Seed(Customer{FirstName: "Ada"})

	got, err := reg.Renew(ctx, id, RenewRequest{TermMonths: 12, Today: date(2025, 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, "M2025-000002", got.CardNo)
	assert.Equal(t, []string{"M2025-000001", "M2025-000001"}, collisions)
}

func TestMemory_ConcurrentRenewalsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(Options{})
	id := reg.Seed(Customer{FirstName: "Ada"})
	today := date(2025, 1, 15)

	const n = 8
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := reg.Renew(ctx, id, RenewRequest{TermMonths: 1, Today: today})
			return err
		})
	}
	require.NoError(t, g.Wait())

	cards := reg.Cards(id)
	require.Len(t, cards, n)
	// Serialized renewals chain: each card starts the day after the previous one expires.
	for i := 1; i < len(cards); i++ {
		prev := renewal.DateOf(cards[i-1].ExpiresAt, time.UTC)
		assert.Equal(t, prev.AddDate(0, 0, 1), cards[i].StartDate, "card %d", i)
	}
}

func TestMemory_ConcurrentAllocationIssuesUniqueNumbers(t *testing.T) {
	ctx := context.Background()
	// A tiny number space forces collisions across customers.
	var mu sync.Mutex
	var next int
	reg := NewMemory(Options{Cards: renewal.CardNumberFunc(func(time.Time) string {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("M-%d", next%40)
	})})

	ids := make([]int64, 20)
	for i := range ids {
		ids[i] = reg.Seed(Customer{FirstName: fmt.Sprint("c", i)})
	}

	var g errgroup.Group
	results := make([]string, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			r, err := reg.Renew(ctx, id, RenewRequest{TermMonths: 12, Today: date(2025, 1, 1)})
			results[i] = r.CardNo
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := map[string]bool{}
	for _, no := range results {
		require.False(t, seen[no], "card number %s issued twice", no)
		seen[no] = true
	}
}

func TestMemory_FindCandidatesRanksEmailFirst(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(Options{})
	byName1 := reg.Seed(Customer{FirstName: "Ada", LastName: "Lovelace", Email: "old@example.com"})
	byName2 := reg.Seed(Customer{FirstName: "ada ", LastName: "LOVELACE"})
	byEmail := reg.Seed(Customer{FirstName: "A.", LastName: "King", Email: " Ada@Example.com "},
		Card{CardNo: "old", ExpiresAt: date(2024, 1, 1), CreatedAt: date(2023, 1, 1)},
		Card{CardNo: "new", ExpiresAt: date(2026, 1, 1), CreatedAt: date(2024, 1, 1), Revoked: true},
	)
	reg.Seed(Customer{FirstName: "Someone", LastName: "Else"})

	got, err := reg.FindCandidates(ctx, CandidateQuery{
		Email:     NormalizeEmail("ada@example.com"),
		FirstName: "Ada",
		LastName:  "Lovelace",
	}, 5)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{byEmail, byName1, byName2}, []int64{got[0].ID, got[1].ID, got[2].ID})
	require.NotNil(t, got[0].Card)
	assert.Equal(t, "new", got[0].Card.CardNo)
	assert.Nil(t, got[1].Card)
}

func TestMemory_FindCandidatesEmptyFieldsNeverMatchEverything(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(Options{})
	reg.Seed(Customer{FirstName: "Ada", LastName: "Lovelace"})
	reg.Seed(Customer{FirstName: "Grace", Phone: "+44 7700-900123"})

	got, err := reg.FindCandidates(ctx, CandidateQuery{FirstName: "Ada"}, 5)
	require.NoError(t, err)
	assert.Empty(t, got, "a lone first name must not match")

	got, err = reg.FindCandidates(ctx, CandidateQuery{Phone: NormalizePhone("447700900123")}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Grace", got[0].FirstName)
}

func TestMemory_FindCandidatesLimit(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(Options{})
	dob := date(1990, 6, 1)
	for i := 0; i < 8; i++ {
		reg.Seed(Customer{FirstName: fmt.Sprint("c", i), DateOfBirth: &dob})
	}
	got, err := reg.FindCandidates(ctx, CandidateQuery{DateOfBirth: &dob}, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.EqualValues(t, 1, got[0].ID)
	assert.EqualValues(t, 5, got[4].ID)
}
