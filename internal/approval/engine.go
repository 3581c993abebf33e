// Package approval moves staging records from pending to approved or rejected,
// committing renewals and enrollments to the customer registry.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"membership-reconciler/internal/audit"
	"membership-reconciler/internal/events"
	"membership-reconciler/internal/matching"
	"membership-reconciler/internal/metrics"
	"membership-reconciler/internal/registry"
	"membership-reconciler/internal/renewal"
	"membership-reconciler/internal/staging"
)

// AuditLog is the subset of audit.Service the engine writes through.
type AuditLog interface {
	Record(ctx context.Context, stagingID string, action audit.Action, actor string, diff any) (audit.Entry, error)
	History(ctx context.Context, stagingID string) ([]audit.Entry, error)
}

type CandidateMatcher interface {
	Match(ctx context.Context, a matching.Applicant) ([]matching.Candidate, error)
}

type Deps struct {
	Staging  staging.Store
	Registry registry.Client
	Audit    AuditLog
	Matcher  CandidateMatcher

	// Optional.
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Location *time.Location
	Clock    func() time.Time
}

type Engine struct {
	staging  staging.Store
	registry registry.Client
	audit    AuditLog
	matcher  CandidateMatcher
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger
	loc      *time.Location
	clock    func() time.Time
}

func New(d Deps) *Engine {
	e := &Engine{
		staging:  d.Staging,
		registry: d.Registry,
		audit:    d.Audit,
		matcher:  d.Matcher,
		events:   d.Events,
		metrics:  d.Metrics,
		log:      d.Log,
		loc:      d.Location,
		clock:    d.Clock,
	}
	if e.events == nil {
		e.events = events.NoopPublisher{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e
}

// ApproveRequest selects exactly one of CustomerID (renewal) or CreateNew (enrollment).
type ApproveRequest struct {
	CustomerID int64  `json:"customer_id"`
	CreateNew  bool   `json:"create_new"`
	CardNo     string `json:"card_no"`
}

func (r ApproveRequest) validate() error {
	switch {
	case r.CreateNew && r.CustomerID != 0:
		return fmt.Errorf("%w: customer_id and create_new are mutually exclusive", ErrValidation)
	case !r.CreateNew && r.CustomerID <= 0:
		return fmt.Errorf("%w: customer_id or create_new is required", ErrValidation)
	case strings.ContainsAny(r.CardNo, " \t\r\n"):
		return fmt.Errorf("%w: card_no must not contain whitespace", ErrValidation)
	}
	return nil
}

// Result is the outcome of a committed approval.
type Result struct {
	StagingID  string       `json:"staging_id"`
	Action     audit.Action `json:"action"`
	CustomerID int64        `json:"customer_id"`
	CardNo     string       `json:"card_no"`
	StartDate  time.Time    `json:"start_date"`
	EndDate    time.Time    `json:"end_date"`
	NewExpiry  time.Time    `json:"new_expiry"`
}

// Approve commits the registry change and then marks the record approved.
//
// The staging record is held for the whole registry round trip, so concurrent
// approvals of one record yield one success and ErrNotPending for the rest.
// Any registry failure leaves the record pending and appends an error entry.
func (e *Engine) Approve(ctx context.Context, stagingID, actor string, req ApproveRequest) (Result, error) {
	req.CardNo = strings.TrimSpace(req.CardNo)
	if strings.TrimSpace(stagingID) == "" {
		return Result{}, fmt.Errorf("%w: staging id is required", ErrValidation)
	}
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	actor = actorOrDefault(actor)

	now := e.clock()
	today := renewal.DateOf(now, e.loc)

	var (
		res Result
		rec staging.Record
	)
	rec, err := e.staging.Resolve(ctx, stagingID, staging.StatusApproved, now.UTC(), func(ctx context.Context, r staging.Record) error {
		renew := registry.RenewRequest{
			TermMonths: r.TermMonths,
			CardNo:     req.CardNo,
			Today:      today,
			IssuedAt:   now,
		}

		if req.CreateNew {
			// Check before creating anything, so a duplicate number cannot orphan a customer.
			if req.CardNo != "" {
				taken, err := e.registry.CardExists(ctx, req.CardNo)
				if err != nil {
					return err
				}
				if taken {
					return registry.ErrDuplicateCardNumber
				}
			}
			id, err := e.registry.CreateCustomer(ctx, newCustomer(r))
			if err != nil {
				return err
			}
			out, err := e.registry.Renew(ctx, id, renew)
			if err != nil {
				return &OrphanedCustomerError{CustomerID: id, Err: err}
			}
			res = resultFrom(r.ID, audit.ActionUpserted, out)
			return nil
		}

		out, err := e.registry.Renew(ctx, req.CustomerID, renew)
		if err != nil {
			return err
		}
		res = resultFrom(r.ID, audit.ActionRenewed, out)
		return nil
	})
	if err != nil {
		e.approveFailed(ctx, stagingID, actor, req, err)
		return Result{}, err
	}

	log := e.log.With("staging_id", stagingID, "actor", actor, "customer_id", res.CustomerID)
	diff := map[string]any{
		"customer_id": res.CustomerID,
		"card_no":     res.CardNo,
		"start_date":  res.StartDate.Format(time.DateOnly),
		"end_date":    res.EndDate.Format(time.DateOnly),
		"expires_at":  res.NewExpiry,
		"term_months": rec.TermMonths,
		"order_id":    rec.OrderID,
	}
	if _, err := e.audit.Record(ctx, stagingID, res.Action, actor, diff); err != nil {
		// The transition is committed; a lost audit line must not undo it.
		log.Error("audit append failed after approval", "err", err)
	}
	e.metrics.IncOutcome(string(res.Action))
	log.Info("staging record approved", "action", res.Action, "card_no", res.CardNo, "expires_at", res.NewExpiry)

	expiry := res.NewExpiry
	e.publish(ctx, events.Outcome{
		StagingID:  stagingID,
		OrderID:    rec.OrderID,
		Status:     string(staging.StatusApproved),
		Action:     string(res.Action),
		Actor:      actor,
		CustomerID: res.CustomerID,
		CardNo:     res.CardNo,
		ExpiresAt:  &expiry,
		OccurredAt: now.UTC(),
	})
	return res, nil
}

func (e *Engine) approveFailed(ctx context.Context, stagingID, actor string, req ApproveRequest, err error) {
	kind := Kind(err)
	log := e.log.With("staging_id", stagingID, "actor", actor, "kind", kind)

	switch kind {
	case KindNotPending, KindNotFound, KindValidation:
		// Nothing happened, so no audit entry; a repeat transition on a resolved
		// record only returns ErrNotPending (see DESIGN.md, NotPending).
		log.Info("approval refused", "err", err)
		return
	}

	diff := map[string]any{
		"error":      err.Error(),
		"kind":       kind,
		"create_new": req.CreateNew,
	}
	if req.CustomerID != 0 {
		diff["customer_id"] = req.CustomerID
	}
	if req.CardNo != "" {
		diff["card_no"] = req.CardNo
	}

	var orphan *OrphanedCustomerError
	if errors.As(err, &orphan) {
		diff["customer_id"] = orphan.CustomerID
		e.metrics.IncOrphanedCustomer()
		log.Error("customer created without a card; retry against customer_id", "customer_id", orphan.CustomerID, "err", err)
	} else {
		log.Warn("approval failed; record left pending", "err", err)
	}

	if _, aerr := e.audit.Record(ctx, stagingID, audit.ActionError, actor, diff); aerr != nil {
		log.Error("audit append failed", "err", aerr)
	}
	e.metrics.IncOutcome(kind)
}

// Reject marks a pending record rejected. The registry is not touched.
func (e *Engine) Reject(ctx context.Context, stagingID, actor, reason string) (staging.Record, error) {
	if strings.TrimSpace(stagingID) == "" {
		return staging.Record{}, fmt.Errorf("%w: staging id is required", ErrValidation)
	}
	actor = actorOrDefault(actor)
	reason = strings.TrimSpace(reason)
	now := e.clock()

	rec, err := e.staging.Resolve(ctx, stagingID, staging.StatusRejected, now.UTC(), nil)
	if err != nil {
		e.log.Info("rejection refused", "staging_id", stagingID, "actor", actor, "kind", Kind(err), "err", err)
		return staging.Record{}, err
	}

	var diff any
	if reason != "" {
		diff = map[string]any{"reason": reason}
	}
	if _, err := e.audit.Record(ctx, stagingID, audit.ActionRejected, actor, diff); err != nil {
		e.log.Error("audit append failed after rejection", "staging_id", stagingID, "err", err)
	}
	e.metrics.IncOutcome(string(audit.ActionRejected))
	e.log.Info("staging record rejected", "staging_id", stagingID, "actor", actor)

	e.publish(ctx, events.Outcome{
		StagingID:  stagingID,
		OrderID:    rec.OrderID,
		Status:     string(staging.StatusRejected),
		Action:     string(audit.ActionRejected),
		Actor:      actor,
		Reason:     reason,
		OccurredAt: now.UTC(),
	})
	return rec, nil
}

// Inspection is one staging record with its ranked registry candidates.
type Inspection struct {
	Record     staging.Record       `json:"record"`
	Candidates []matching.Candidate `json:"candidates"`
}

func (e *Engine) Inspect(ctx context.Context, stagingID string) (Inspection, error) {
	rec, err := e.staging.Get(ctx, stagingID)
	if err != nil {
		return Inspection{}, err
	}
	cands, err := e.matcher.Match(ctx, matching.Applicant{
		FirstName:   rec.FirstName,
		LastName:    rec.LastName,
		Email:       rec.Email,
		Phone:       rec.Phone,
		DateOfBirth: rec.DateOfBirth,
	})
	if err != nil {
		return Inspection{}, err
	}
	return Inspection{Record: rec, Candidates: cands}, nil
}

func (e *Engine) List(ctx context.Context, f staging.ListFilter) ([]staging.Record, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	return e.staging.List(ctx, f)
}

// History returns the audit trail of one record, oldest first.
func (e *Engine) History(ctx context.Context, stagingID string) ([]audit.Entry, error) {
	if _, err := e.staging.Get(ctx, stagingID); err != nil {
		return nil, err
	}
	return e.audit.History(ctx, stagingID)
}

func (e *Engine) publish(ctx context.Context, o events.Outcome) {
	if err := e.events.Publish(ctx, o); err != nil {
		e.log.Warn("outcome event publish failed", "staging_id", o.StagingID, "routing_key", o.RoutingKey(), "err", err)
	}
}

func newCustomer(r staging.Record) registry.NewCustomer {
	return registry.NewCustomer{
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Email:       r.Email,
		Phone:       r.Phone,
		Mobile:      r.Phone,
		DateOfBirth: r.DateOfBirth,
	}
}

func resultFrom(stagingID string, action audit.Action, r registry.Renewal) Result {
	return Result{
		StagingID:  stagingID,
		Action:     action,
		CustomerID: r.CustomerID,
		CardNo:     r.CardNo,
		StartDate:  r.Window.Start,
		EndDate:    r.Window.End,
		NewExpiry:  r.Window.ExpiresAt,
	}
}

func actorOrDefault(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return audit.DefaultActor
}
