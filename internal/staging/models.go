package staging

import "time"

// Record is one prospective membership action awaiting operator review.
//
// Invariants:
// - ID is assigned at creation and never changes.
// - Once Status leaves pending the record is frozen; only UpdatedAt may move.
// - Records are never deleted; they back the audit trail.
type Record struct {
	ID string `json:"staging_id" db:"id"`

	OrderID        string    `json:"order_id" db:"order_id"`
	LineItemID     string    `json:"line_item_id" db:"line_item_id"`
	OrderCreatedAt time.Time `json:"order_created_at" db:"order_created_at"`

	FirstName   string     `json:"first_name" db:"first_name"`
	LastName    string     `json:"last_name" db:"last_name"`
	Email       string     `json:"email,omitempty" db:"email"`
	Phone       string     `json:"phone,omitempty" db:"phone"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty" db:"date_of_birth"`
	Address     Address    `json:"address"`

	ProductID   string  `json:"product_id" db:"product_id"`
	ProductName string  `json:"product_name" db:"product_name"`
	TermMonths  int     `json:"term_months" db:"term_months"`
	PricePaid   float64 `json:"price_paid" db:"price_paid"`

	Status Status `json:"status" db:"status"`
	Notes  string `json:"notes,omitempty" db:"notes"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Address struct {
	Line1    string `json:"line1,omitempty" db:"address_line1"`
	Line2    string `json:"line2,omitempty" db:"address_line2"`
	City     string `json:"city,omitempty" db:"city"`
	State    string `json:"state,omitempty" db:"state"`
	Postcode string `json:"postcode,omitempty" db:"postcode"`
	Country  string `json:"country,omitempty" db:"country"`
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is an end state of the review lifecycle.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}
