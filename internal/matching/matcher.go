// Package matching finds registry customers that plausibly match an applicant.
package matching

import (
	"context"
	"strings"
	"time"

	"membership-reconciler/internal/registry"
)

// MaxCandidates bounds the number of customers shown to an operator.
const MaxCandidates = 5

// Applicant is the identity captured on a staging record. Any field may be empty.
type Applicant struct {
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	DateOfBirth *time.Time
}

type Candidate struct {
	registry.Customer
	// EmailMatch marks an exact (case/whitespace-insensitive) email hit.
	EmailMatch bool `json:"email_match"`
}

// Finder is the read side of registry.Client.
type Finder interface {
	FindCandidates(ctx context.Context, q registry.CandidateQuery, limit int) ([]registry.Customer, error)
}

type Matcher struct {
	registry Finder
}

func NewMatcher(r Finder) *Matcher {
	return &Matcher{registry: r}
}

// Query normalizes applicant fields into a registry lookup.
func Query(a Applicant) registry.CandidateQuery {
	q := registry.CandidateQuery{
		Email:       registry.NormalizeEmail(a.Email),
		Phone:       registry.NormalizePhone(a.Phone),
		DateOfBirth: a.DateOfBirth,
	}
	first, last := strings.TrimSpace(a.FirstName), strings.TrimSpace(a.LastName)
	if first != "" && last != "" {
		q.FirstName, q.LastName = first, last
	}
	return q
}

// Match returns up to MaxCandidates customers, exact email matches first and
// then by ascending customer id. An applicant with no usable field matches nobody
// and the registry is not queried.
func (m *Matcher) Match(ctx context.Context, a Applicant) ([]Candidate, error) {
	q := Query(a)
	if q.Empty() {
		return []Candidate{}, nil
	}

	customers, err := m.registry.FindCandidates(ctx, q, MaxCandidates)
	if err != nil {
		return nil, err
	}
	registry.Rank(customers, q.Email)
	if len(customers) > MaxCandidates {
		customers = customers[:MaxCandidates]
	}

	out := make([]Candidate, 0, len(customers))
	for _, c := range customers {
		out = append(out, Candidate{
			Customer:   c,
			EmailMatch: q.Email != "" && registry.NormalizeEmail(c.Email) == q.Email,
		})
	}
	return out, nil
}
