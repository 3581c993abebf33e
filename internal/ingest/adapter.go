// Package ingest turns order webhook events into pending staging records.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"membership-reconciler/internal/metrics"
	"membership-reconciler/internal/staging"
)

// Deduper suppresses redelivered orders before they reach the staging store.
// The staging unique key is the authority; a deduper only saves the round trip.
type Deduper interface {
	Claim(ctx context.Context, orderID string) (token string, claimed bool, err error)
	Release(ctx context.Context, orderID, token string) error
}

type Options struct {
	// Category marks membership line items. Defaults to "membership".
	Category string
	Dedupe   Deduper
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Clock    func() time.Time
	NewID    func() string
}

type Adapter struct {
	store    staging.Store
	category string
	dedupe   Deduper
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    func() time.Time
	newID    func() string
}

func NewAdapter(store staging.Store, opts Options) *Adapter {
	a := &Adapter{
		store:    store,
		category: strings.TrimSpace(opts.Category),
		dedupe:   opts.Dedupe,
		metrics:  opts.Metrics,
		log:      opts.Log,
		clock:    opts.Clock,
		newID:    opts.NewID,
	}
	if a.category == "" {
		a.category = "membership"
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	return a
}

// Result describes what one delivery produced.
type Result struct {
	OrderID   string   `json:"order_id,omitempty"`
	Staged    []string `json:"staged"`
	Duplicate bool     `json:"duplicate"`
	Ping      bool     `json:"ping,omitempty"`
}

// HandlePayload decodes a raw webhook body and ingests it.
func (a *Adapter) HandlePayload(ctx context.Context, body []byte) (Result, error) {
	if IsPing(body) {
		a.metrics.IncSkipped("ping")
		return Result{Staged: []string{}, Ping: true}, nil
	}
	o, err := DecodeOrder(body)
	if err != nil {
		return Result{}, err
	}
	return a.Ingest(ctx, o)
}

// Ingest stages every eligible line item of o in one batch, or nothing.
func (a *Adapter) Ingest(ctx context.Context, o Order) (Result, error) {
	recs, err := BuildRecords(o, a.category, a.clock().UTC(), a.newID)
	if err != nil {
		return Result{}, err
	}
	res := Result{OrderID: strconv.FormatInt(o.ID, 10), Staged: []string{}}
	log := a.log.With("order_id", res.OrderID)

	if len(recs) == 0 {
		a.metrics.IncSkipped("no_membership_items")
		log.Debug("order has no membership items")
		return res, nil
	}

	var token string
	if a.dedupe != nil {
		t, claimed, err := a.dedupe.Claim(ctx, res.OrderID)
		switch {
		case err != nil:
			// Fall through to the staging unique key.
			log.Warn("order dedupe unavailable", "err", err)
		case !claimed:
			a.metrics.IncSkipped("duplicate")
			log.Info("duplicate order delivery")
			res.Duplicate = true
			return res, nil
		default:
			token = t
		}
	}

	if err := a.store.CreateBatch(ctx, recs); err != nil {
		if errors.Is(err, staging.ErrDuplicate) {
			a.metrics.IncSkipped("duplicate")
			log.Info("order already staged")
			res.Duplicate = true
			return res, nil
		}
		if token != "" {
			if rerr := a.dedupe.Release(ctx, res.OrderID, token); rerr != nil {
				log.Warn("order dedupe release failed", "err", rerr)
			}
		}
		return Result{}, err
	}

	for _, r := range recs {
		res.Staged = append(res.Staged, r.ID)
	}
	a.metrics.IncStaged(len(recs))
	log.Info("order staged", "records", len(recs))
	return res, nil
}
