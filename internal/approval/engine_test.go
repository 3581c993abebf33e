package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"membership-reconciler/internal/audit"
	"membership-reconciler/internal/events"
	"membership-reconciler/internal/ingest"
	"membership-reconciler/internal/matching"
	"membership-reconciler/internal/metrics"
	"membership-reconciler/internal/registry"
	"membership-reconciler/internal/renewal"
	"membership-reconciler/internal/staging"
)

var now = time.Date(2025, 2, 20, 10, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// flakyRegistry fails the next renewFailures Renew calls as unavailable.
type flakyRegistry struct {
	registry.Client

	mu            sync.Mutex
	renewFailures int
	renewCalls    int
}

func (f *flakyRegistry) Renew(ctx context.Context, id int64, req registry.RenewRequest) (registry.Renewal, error) {
	f.mu.Lock()
	f.renewCalls++
	fail := f.renewFailures > 0
	if fail {
		f.renewFailures--
	}
	f.mu.Unlock()
	if fail {
		return registry.Renewal{}, fmt.Errorf("%w: connection refused", registry.ErrUnavailable)
	}
	return f.Client.Renew(ctx, id, req)
}

type harness struct {
	store   *staging.MemoryStore
	reg     *registry.Memory
	flaky   *flakyRegistry
	audit   *audit.MemoryRepo
	events  *events.Recorder
	metrics *metrics.Metrics
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   staging.NewMemoryStore(),
		reg:     registry.NewMemory(registry.Options{Clock: func() time.Time { return now }}),
		audit:   audit.NewMemoryRepo(),
		events:  &events.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.flaky = &flakyRegistry{Client: h.reg}
	h.engine = New(Deps{
		Staging:  h.store,
		Registry: h.flaky,
		Audit:    audit.NewService(h.audit).WithClock(func() time.Time { return now }),
		Matcher:  matching.NewMatcher(h.reg),
		Events:   h.events,
		Metrics:  h.metrics,
		Location: time.UTC,
		Clock:    func() time.Time { return now },
	})
	return h
}

func (h *harness) stage(t *testing.T, id string) staging.Record {
	t.Helper()
	r := staging.Record{
		ID:         id,
		OrderID:    "5123",
		LineItemID: id,
		FirstName:  "Ada",
		LastName:   "Lovelace",
		Email:      "ada@example.com",
		Phone:      "+44 7700 900123",
		TermMonths: 12,
		PricePaid:  49.99,
		Status:     staging.StatusPending,
		CreatedAt:  now.Add(-time.Hour),
		UpdatedAt:  now.Add(-time.Hour),
	}
	require.NoError(t, h.store.CreateBatch(context.Background(), []staging.Record{r}))
	return r
}

func (h *harness) status(t *testing.T, id string) staging.Status {
	t.Helper()
	r, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

func diffOf(t *testing.T, e audit.Entry) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(e.Diff, &m))
	return m
}

func TestEndToEnd_OrderThenCreateNewMember(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	adapter := ingest.NewAdapter(h.store, ingest.Options{Clock: func() time.Time { return now }})
	res, err := adapter.HandlePayload(ctx, []byte(`{
	  "id": 9001, "date_created_gmt": "2025-02-20T08:30:00",
	  "billing": {"first_name": "Grace", "last_name": "Hopper", "email": "grace@example.com", "phone": "555-0100"},
	  "line_items": [{"id": 1, "product_id": 77, "name": "Annual membership", "total": "49.99",
	    "categories": [{"slug": "membership", "name": "Membership"}],
	    "meta_data": [{"key": "term_months", "value": "12"}]}]
	}`))
	require.NoError(t, err)
	require.Len(t, res.Staged, 1)
	id := res.Staged[0]
	assert.Equal(t, staging.StatusPending, h.status(t, id))

	out, err := h.engine.Approve(ctx, id, "op-1", ApproveRequest{CreateNew: true})
	require.NoError(t, err)

	assert.Equal(t, audit.ActionUpserted, out.Action)
	assert.Equal(t, renewal.EndOfDay(day(2026, 2, 20)), out.NewExpiry)
	assert.Equal(t, day(2025, 2, 20), out.StartDate)
	assert.Regexp(t, `^M2025-\d{6}$`, out.CardNo)
	assert.Equal(t, staging.StatusApproved, h.status(t, id))
	assert.Equal(t, 1, h.reg.CustomerCount())

	cards := h.reg.Cards(out.CustomerID)
	require.Len(t, cards, 1)
	assert.Equal(t, out.CardNo, cards[0].CardNo)

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionUpserted, entries[0].Action)
	assert.Equal(t, "op-1", entries[0].Actor)
	d := diffOf(t, entries[0])
	assert.EqualValues(t, out.CustomerID, d["customer_id"])
	assert.Equal(t, out.CardNo, d["card_no"])

	evs := h.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.RoutingApproved, evs[0].RoutingKey())
	assert.Equal(t, "9001", evs[0].OrderID)
}

func TestEndToEnd_RenewalExtendsBackToBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	customer := h.reg.Seed(registry.Customer{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
		registry.Card{CardNo: "M2024-000042", StartDate: day(2024, 3, 2), ExpiresAt: renewal.EndOfDay(day(2025, 3, 1))},
	)
	h.stage(t, "s1")

	out, err := h.engine.Approve(ctx, "s1", "", ApproveRequest{CustomerID: customer})
	require.NoError(t, err)

	assert.Equal(t, audit.ActionRenewed, out.Action)
	assert.Equal(t, day(2025, 3, 2), out.StartDate)
	assert.Equal(t, day(2026, 3, 1), out.EndDate)
	assert.Equal(t, renewal.EndOfDay(day(2026, 3, 1)), out.NewExpiry)

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionRenewed, entries[0].Action)
	assert.Equal(t, audit.DefaultActor, entries[0].Actor)
}

func TestApprove_ConcurrentCallsTransitionExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	customer := h.reg.Seed(registry.Customer{FirstName: "Ada"})
	h.stage(t, "s1")

	var wins, notPending atomic.Int32
	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			_, err := h.engine.Approve(ctx, "s1", fmt.Sprintf("op-%d", i), ApproveRequest{CustomerID: customer})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, staging.ErrNotPending):
				notPending.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 11, notPending.Load())
	assert.Len(t, h.reg.Cards(customer), 1, "exactly one card issued")
	assert.Len(t, h.audit.Entries(), 1, "losers write no audit entries")
	assert.Len(t, h.events.Events(), 1)
}

func TestApprove_RegistryFailureLeavesPendingAndRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	customer := h.reg.Seed(registry.Customer{FirstName: "Ada"})
	h.stage(t, "s1")
	h.flaky.renewFailures = 1

	_, err := h.engine.Approve(ctx, "s1", "op-1", ApproveRequest{CustomerID: customer})
	require.ErrorIs(t, err, registry.ErrUnavailable)
	assert.Equal(t, KindRegistryUnavailable, Kind(err))
	assert.Equal(t, staging.StatusPending, h.status(t, "s1"))
	assert.Empty(t, h.reg.Cards(customer))

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionError, entries[0].Action)
	assert.Equal(t, KindRegistryUnavailable, diffOf(t, entries[0])["kind"])
	assert.Empty(t, h.events.Events())

	out, err := h.engine.Approve(ctx, "s1", "op-1", ApproveRequest{CustomerID: customer})
	require.NoError(t, err)
	assert.Equal(t, staging.StatusApproved, h.status(t, "s1"))
	assert.Len(t, h.reg.Cards(customer), 1)
	assert.Equal(t, out.CardNo, h.reg.Cards(customer)[0].CardNo)

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Approvals.WithLabelValues(KindRegistryUnavailable)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Approvals.WithLabelValues("renewed")), 0)
}

func TestApprove_SuppliedDuplicateCardNumber(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	holder := h.reg.Seed(registry.Customer{FirstName: "Grace"}, registry.Card{CardNo: "M2025-111111", ExpiresAt: day(2026, 1, 1)})
	customer := h.reg.Seed(registry.Customer{FirstName: "Ada"})
	h.stage(t, "s1")
	h.stage(t, "s2")

	_, err := h.engine.Approve(ctx, "s1", "op", ApproveRequest{CustomerID: customer, CardNo: "M2025-111111"})
	require.ErrorIs(t, err, registry.ErrDuplicateCardNumber)
	assert.Empty(t, h.reg.Cards(customer))
	assert.Len(t, h.reg.Cards(holder), 1)
	assert.Equal(t, staging.StatusPending, h.status(t, "s1"))

	customersBefore := h.reg.CustomerCount()
	_, err = h.engine.Approve(ctx, "s2", "op", ApproveRequest{CreateNew: true, CardNo: " M2025-111111 "})
	require.ErrorIs(t, err, registry.ErrDuplicateCardNumber)
	assert.Equal(t, customersBefore, h.reg.CustomerCount(), "no customer created for a taken card number")

	entries := h.audit.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, audit.ActionError, e.Action)
		assert.Equal(t, KindDuplicateCardNumber, diffOf(t, e)["kind"])
	}
}

func TestApprove_SuppliedCardNumberIsUsed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	customer := h.reg.Seed(registry.Customer{FirstName: "Ada"})
	h.stage(t, "s1")

	out, err := h.engine.Approve(ctx, "s1", "op", ApproveRequest{CustomerID: customer, CardNo: "PAPER-0007"})
	require.NoError(t, err)
	assert.Equal(t, "PAPER-0007", out.CardNo)
}

func TestApprove_OrphanedCustomerIsReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.stage(t, "s1")
	h.flaky.renewFailures = 1

	_, err := h.engine.Approve(ctx, "s1", "op", ApproveRequest{CreateNew: true})
	require.ErrorIs(t, err, ErrOrphanedCustomer)
	require.ErrorIs(t, err, registry.ErrUnavailable)
	assert.Equal(t, KindOrphanedCustomer, Kind(err))

	var orphan *OrphanedCustomerError
	require.ErrorAs(t, err, &orphan)
	assert.Equal(t, 1, h.reg.CustomerCount())
	assert.Empty(t, h.reg.Cards(orphan.CustomerID))
	assert.Equal(t, staging.StatusPending, h.status(t, "s1"))

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	d := diffOf(t, entries[0])
	assert.Equal(t, KindOrphanedCustomer, d["kind"])
	assert.EqualValues(t, orphan.CustomerID, d["customer_id"])
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.OrphanCustomers), 0)

	// The operator retries against the customer that now exists.
	out, err := h.engine.Approve(ctx, "s1", "op", ApproveRequest{CustomerID: orphan.CustomerID})
	require.NoError(t, err)
	assert.Equal(t, orphan.CustomerID, out.CustomerID)
	assert.Equal(t, 1, h.reg.CustomerCount())
}

func TestApprove_UnknownCustomer(t *testing.T) {
	h := newHarness(t)
	h.stage(t, "s1")

	_, err := h.engine.Approve(context.Background(), "s1", "op", ApproveRequest{CustomerID: 404})
	require.ErrorIs(t, err, registry.ErrCustomerNotFound)
	assert.Equal(t, staging.StatusPending, h.status(t, "s1"))
}

func TestApprove_ValidationHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.stage(t, "s1")

	for name, req := range map[string]ApproveRequest{
		"neither": {},
		"both":    {CustomerID: 1, CreateNew: true},
		"spaces":  {CustomerID: 1, CardNo: "M 1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Approve(ctx, "s1", "op", req)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
	_, err := h.engine.Approve(ctx, "missing", "op", ApproveRequest{CreateNew: true})
	require.ErrorIs(t, err, staging.ErrNotFound)

	assert.Empty(t, h.audit.Entries())
	assert.Zero(t, h.reg.CustomerCount())
	assert.Equal(t, staging.StatusPending, h.status(t, "s1"))
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	customer := h.reg.Seed(registry.Customer{FirstName: "Ada"})
	h.stage(t, "s1")

	rec, err := h.engine.Reject(ctx, "s1", "op-2", "  duplicate purchase ")
	require.NoError(t, err)
	assert.Equal(t, staging.StatusRejected, rec.Status)
	assert.Equal(t, now, rec.UpdatedAt)

	_, err = h.engine.Reject(ctx, "s1", "op-2", "again")
	require.ErrorIs(t, err, staging.ErrNotPending)
	_, err = h.engine.Approve(ctx, "s1", "op-2", ApproveRequest{CustomerID: customer})
	require.ErrorIs(t, err, staging.ErrNotPending)
	assert.Empty(t, h.reg.Cards(customer))

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionRejected, entries[0].Action)
	assert.Equal(t, "duplicate purchase", diffOf(t, entries[0])["reason"])

	evs := h.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.RoutingRejected, evs[0].RoutingKey())
}

func TestInspectAndHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	byName := h.reg.Seed(registry.Customer{FirstName: "Ada", LastName: "Lovelace"})
	byEmail := h.reg.Seed(registry.Customer{FirstName: "Augusta", LastName: "King", Email: "ADA@example.com"})
	h.stage(t, "s1")

	ins, err := h.engine.Inspect(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", ins.Record.ID)
	require.Len(t, ins.Candidates, 2)
	assert.Equal(t, byEmail, ins.Candidates[0].ID)
	assert.True(t, ins.Candidates[0].EmailMatch)
	assert.Equal(t, byName, ins.Candidates[1].ID)

	_, err = h.engine.Reject(ctx, "s1", "op", "")
	require.NoError(t, err)
	hist, err := h.engine.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Nil(t, hist[0].Diff)

	_, err = h.engine.History(ctx, "missing")
	require.ErrorIs(t, err, staging.ErrNotFound)
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.List(context.Background(), staging.ListFilter{Status: "archived"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestEventPublishFailureDoesNotFailApproval(t *testing.T) {
	h := newHarness(t)
	h.events.Err = errors.New("broker gone")
	customer := h.reg.Seed(registry.Customer{FirstName: "Ada"})
	h.stage(t, "s1")

	_, err := h.engine.Approve(context.Background(), "s1", "op", ApproveRequest{CustomerID: customer})
	require.NoError(t, err)
	assert.Equal(t, staging.StatusApproved, h.status(t, "s1"))
}

func TestKind(t *testing.T) {
	cases := map[error]string{
		nil:                                   "",
		fmt.Errorf("x: %w", ErrValidation):    KindValidation,
		ingest.ErrMalformedOrder:              KindValidation,
		staging.ErrNotFound:                   KindNotFound,
		staging.ErrNotPending:                 KindNotPending,
		registry.ErrCustomerNotFound:          KindCustomerNotFound,
		registry.ErrDuplicateCardNumber:       KindDuplicateCardNumber,
		registry.ErrUnavailable:               KindRegistryUnavailable,
		&OrphanedCustomerError{CustomerID: 1}: KindOrphanedCustomer,
		errors.New("boom"):                    KindInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, Kind(err), "%v", err)
	}
}
