package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"membership-reconciler/internal/renewal"
	"membership-reconciler/internal/staging"
)

var ErrMalformedOrder = errors.New("ingest: malformed order event")

// Order is the subset of an order webhook payload the service consumes.
type Order struct {
	ID             int64      `json:"id"`
	DateCreatedGMT string     `json:"date_created_gmt"`
	CustomerNote   string     `json:"customer_note"`
	Billing        Billing    `json:"billing"`
	LineItems      []LineItem `json:"line_items"`
}

type Billing struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Address1  string `json:"address_1"`
	Address2  string `json:"address_2"`
	City      string `json:"city"`
	State     string `json:"state"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
}

type LineItem struct {
	ID         int64           `json:"id"`
	ProductID  int64           `json:"product_id"`
	Name       string          `json:"name"`
	Total      json.RawMessage `json:"total"`
	Categories []Category      `json:"categories"`
	MetaData   []Meta          `json:"meta_data"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Meta struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

const (
	metaTermMonths  = "term_months"
	metaDateOfBirth = "date_of_birth"

	gmtLayout = "2006-01-02T15:04:05"
)

// DecodeOrder parses a webhook body. Unknown fields are ignored.
func DecodeOrder(body []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}
	return o, nil
}

// IsPing reports whether body is the form-encoded ping sent when a webhook is created.
func IsPing(body []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte("webhook_id="))
}

func (o Order) createdAt() (time.Time, error) {
	t, err := time.ParseInLocation(gmtLayout, strings.TrimSpace(o.DateCreatedGMT), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date_created_gmt %q", ErrMalformedOrder, o.DateCreatedGMT)
	}
	return t, nil
}

// Eligible reports whether the item belongs to the membership category (slug or name, case-insensitive).
func (li LineItem) Eligible(category string) bool {
	for _, c := range li.Categories {
		if strings.EqualFold(strings.TrimSpace(c.Slug), category) || strings.EqualFold(strings.TrimSpace(c.Name), category) {
			return true
		}
	}
	return false
}

func (li LineItem) meta(key string) (json.RawMessage, bool) {
	for _, m := range li.MetaData {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

const (
	maxTermMonths = 1200
	// staging_records.price_paid is NUMERIC(12, 2).
	maxPrice = 1e10
)

// TermMonths reads term_months, defaulting when absent, non-numeric, fractional
// or outside 1..maxTermMonths.
func (li LineItem) TermMonths() int {
	raw, ok := li.meta(metaTermMonths)
	if !ok {
		return renewal.DefaultTermMonths
	}
	f, ok := number(raw)
	if !ok || f < 1 || f > maxTermMonths || f != math.Trunc(f) {
		return renewal.DefaultTermMonths
	}
	return int(f)
}

// Price coerces the item total to a float, 0 when missing, invalid or too large
// to store.
func (li LineItem) Price() float64 {
	f, ok := number(li.Total)
	if !ok || math.Abs(f) >= maxPrice {
		return 0
	}
	return f
}

func (li LineItem) DateOfBirth() *time.Time {
	raw, ok := li.meta(metaDateOfBirth)
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	d, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return nil
	}
	return &d
}

// number accepts a JSON number or a numeric string. NaN and infinities are invalid.
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		f = v
	} else if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// BuildRecords produces one pending record per eligible line item. All records
// share the order's billing identity and creation time; each gets its own id.
func BuildRecords(o Order, category string, now time.Time, newID func() string) ([]staging.Record, error) {
	if o.ID <= 0 {
		return nil, fmt.Errorf("%w: missing order id", ErrMalformedOrder)
	}
	created, err := o.createdAt()
	if err != nil {
		return nil, err
	}

	b := o.Billing
	var out []staging.Record
	for _, li := range o.LineItems {
		if !li.Eligible(category) {
			continue
		}
		if li.ID <= 0 {
			return nil, fmt.Errorf("%w: line item without id", ErrMalformedOrder)
		}
		out = append(out, staging.Record{
			ID:             newID(),
			OrderID:        strconv.FormatInt(o.ID, 10),
			LineItemID:     strconv.FormatInt(li.ID, 10),
			OrderCreatedAt: created,
			FirstName:      strings.TrimSpace(b.FirstName),
			LastName:       strings.TrimSpace(b.LastName),
			Email:          strings.TrimSpace(b.Email),
			Phone:          strings.TrimSpace(b.Phone),
			DateOfBirth:    li.DateOfBirth(),
			Address: staging.Address{
				Line1:    b.Address1,
				Line2:    b.Address2,
				City:     b.City,
				State:    b.State,
				Postcode: b.Postcode,
				Country:  b.Country,
			},
			ProductID:   strconv.FormatInt(li.ProductID, 10),
			ProductName: li.Name,
			TermMonths:  li.TermMonths(),
			PricePaid:   li.Price(),
			Status:      staging.StatusPending,
			Notes:       strings.TrimSpace(o.CustomerNote),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return out, nil
}
