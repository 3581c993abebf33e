package registry

import (
	"sort"
	"strings"
	"time"

	"membership-reconciler/internal/renewal"
)

// Customer is a member as held by the external registry.
type Customer struct {
	ID          int64      `json:"customer_id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Email       string     `json:"email,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Mobile      string     `json:"mobile,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	// Card is the most recent card (latest expiry, then latest creation), if any.
	Card *Card `json:"card,omitempty"`
}

type Card struct {
	ID         int64     `json:"card_id"`
	CustomerID int64     `json:"customer_id"`
	CardNo     string    `json:"card_no"`
	StartDate  time.Time `json:"start_date"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewCustomer carries the applicant fields used to enroll a member.
// Everything else in the registry row stays null/default.
type NewCustomer struct {
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	Mobile      string
	DateOfBirth *time.Time
}

// CandidateQuery is a normalized identity lookup. Empty fields disable their branch.
// Email and name matches ignore case and surrounding whitespace; phone matches
// ignore +, spaces and hyphens.
type CandidateQuery struct {
	// Email is lowercased and trimmed.
	Email string
	// Phone has +, spaces and hyphens removed.
	Phone       string
	DateOfBirth *time.Time
	// FirstName and LastName only match as a pair. The comparison is not byte
	// exact: both sides are trimmed and compared case-insensitively.
	FirstName string
	LastName  string
}

func (q CandidateQuery) Empty() bool {
	return q.Email == "" && q.Phone == "" && q.DateOfBirth == nil && (q.FirstName == "" || q.LastName == "")
}

// RenewRequest parameterizes one card issue.
type RenewRequest struct {
	TermMonths int
	// CardNo is optional; empty means generate one.
	CardNo string
	// Today is the business date the window is computed from.
	Today time.Time
	// IssuedAt stamps the card row; zero means the client clock.
	IssuedAt time.Time
}

// Renewal is the outcome of a committed card issue.
type Renewal struct {
	CustomerID int64
	CardID     int64
	CardNo     string
	Window     renewal.Window
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var phoneStripper = strings.NewReplacer("+", "", " ", "", "-", "")

func NormalizePhone(s string) string {
	return phoneStripper.Replace(strings.TrimSpace(s))
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Rank orders customers with exact email matches first, then by ascending id.
// email must already be normalized.
func Rank(customers []Customer, email string) {
	sort.SliceStable(customers, func(i, j int) bool {
		mi := email != "" && NormalizeEmail(customers[i].Email) == email
		mj := email != "" && NormalizeEmail(customers[j].Email) == email
		if mi != mj {
			return mi
		}
		return customers[i].ID < customers[j].ID
	})
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// matches reports whether c satisfies q's disjunctive predicate.
func (q CandidateQuery) matches(c Customer) bool {
	if q.Email != "" && NormalizeEmail(c.Email) == q.Email {
		return true
	}
	if q.Phone != "" && (NormalizePhone(c.Phone) == q.Phone || NormalizePhone(c.Mobile) == q.Phone) {
		return true
	}
	if q.DateOfBirth != nil && c.DateOfBirth != nil && sameDate(*q.DateOfBirth, *c.DateOfBirth) {
		return true
	}
	if q.FirstName != "" && q.LastName != "" &&
		normalizeName(c.FirstName) == normalizeName(q.FirstName) &&
		normalizeName(c.LastName) == normalizeName(q.LastName) {
		return true
	}
	return false
}

// latestCard picks the card with the latest expiry, ties broken by latest creation.
func latestCard(cards []Card, activeOnly bool) *Card {
	var best *Card
	for i := range cards {
		c := cards[i]
		if activeOnly && c.Revoked {
			continue
		}
		if best == nil ||
			c.ExpiresAt.After(best.ExpiresAt) ||
			(c.ExpiresAt.Equal(best.ExpiresAt) && c.CreatedAt.After(best.CreatedAt)) {
			best = &c
		}
	}
	return best
}
