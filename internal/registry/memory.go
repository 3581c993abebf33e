package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"membership-reconciler/internal/renewal"
)

// Memory is an in-process registry for tests and local runs.
//
// Renew holds a per-customer mutex across read-card, window, card number and
// insert. Card number uniqueness is enforced by checking and inserting inside
// one critical section on the data mutex.
type Memory struct {
	opts Options

	mu        sync.Mutex
	nextID    int64
	nextCard  int64
	customers map[int64]Customer
	cards     map[int64][]Card
	cardNos   map[string]struct{}
	locks     map[int64]*sync.Mutex
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:      opts.withDefaults(),
		customers: map[int64]Customer{},
		cards:     map[int64][]Card{},
		cardNos:   map[string]struct{}{},
		locks:     map[int64]*sync.Mutex{},
	}
}

// Seed inserts an existing customer with optional cards and returns its id.
func (m *Memory) Seed(c Customer, cards ...Card) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		m.nextID++
		c.ID = m.nextID
	} else if c.ID > m.nextID {
		m.nextID = c.ID
	}
	c.Card = nil
	m.customers[c.ID] = c
	m.locks[c.ID] = &sync.Mutex{}
	for _, k := range cards {
		m.nextCard++
		k.ID = m.nextCard
		k.CustomerID = c.ID
		m.cards[c.ID] = append(m.cards[c.ID], k)
		m.cardNos[k.CardNo] = struct{}{}
	}
	return c.ID
}

// Cards returns every card issued to a customer, in insertion order.
func (m *Memory) Cards(customerID int64) []Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Card, len(m.cards[customerID]))
	copy(out, m.cards[customerID])
	return out
}

func (m *Memory) CustomerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.customers)
}

func (m *Memory) FindCandidates(ctx context.Context, q CandidateQuery, limit int) ([]Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	if q.Empty() || limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	var out []Customer
	for id, c := range m.customers {
		if !q.matches(c) {
			continue
		}
		c.Card = latestCard(m.cards[id], false)
		out = append(out, c)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	Rank(out, q.Email)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateCustomer(ctx context.Context, nc NewCustomer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.customers[id] = Customer{
		ID:          id,
		FirstName:   strings.TrimSpace(nc.FirstName),
		LastName:    strings.TrimSpace(nc.LastName),
		Email:       strings.TrimSpace(nc.Email),
		Phone:       nc.Phone,
		Mobile:      nc.Mobile,
		DateOfBirth: nc.DateOfBirth,
		CreatedAt:   m.opts.Clock().UTC(),
	}
	m.locks[id] = &sync.Mutex{}
	return id, nil
}

func (m *Memory) CardExists(ctx context.Context, cardNo string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cardNos[cardNo]
	return ok, nil
}

func (m *Memory) Renew(ctx context.Context, customerID int64, req RenewRequest) (Renewal, error) {
	m.mu.Lock()
	l, ok := m.locks[customerID]
	m.mu.Unlock()
	if !ok {
		return Renewal{}, ErrCustomerNotFound
	}

	req = req.withDefaults(m.opts.Clock)

	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	currentExpiry := expiryOf(latestCard(m.cards[customerID], true))
	m.mu.Unlock()

	w := renewal.Compute(currentExpiry, req.Today, req.TermMonths)

	for {
		if err := ctx.Err(); err != nil {
			return Renewal{}, unavailable(err)
		}
		cardNo := req.CardNo
		supplied := cardNo != ""
		if !supplied {
			cardNo = m.opts.Cards.Next(req.Today)
		}

		card := Card{
			CustomerID: customerID,
			CardNo:     cardNo,
			StartDate:  w.Start,
			ExpiresAt:  w.ExpiresAt,
			CreatedAt:  req.IssuedAt.UTC(),
		}
		if id, ok := m.insertCard(card); ok {
			return Renewal{CustomerID: customerID, CardID: id, CardNo: cardNo, Window: w}, nil
		}
		if supplied {
			return Renewal{}, ErrDuplicateCardNumber
		}
		m.opts.OnCardCollision(cardNo)
	}
}

func (m *Memory) insertCard(c Card) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.cardNos[c.CardNo]; taken {
		return 0, false
	}
	m.nextCard++
	c.ID = m.nextCard
	m.cards[c.CustomerID] = append(m.cards[c.CustomerID], c)
	m.cardNos[c.CardNo] = struct{}{}
	return c.ID, true
}

func expiryOf(c *Card) *time.Time {
	if c == nil {
		return nil
	}
	t := c.ExpiresAt
	return &t
}
