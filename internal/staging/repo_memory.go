package staging

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs.
// Resolve holds a per-record lock, so unrelated records never wait on each other.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	keys    map[string]string // order_id|line_item_id -> record id
	locks   map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]Record{},
		keys:    map[string]string{},
		locks:   map[string]*sync.Mutex{},
	}
}

func lineKey(r Record) string { return r.OrderID + "|" + r.LineItemID }

func (s *MemoryStore) CreateBatch(ctx context.Context, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching state so a bad item leaves nothing behind.
	seenIDs := make(map[string]struct{}, len(recs))
	seenKeys := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if err := validateNew(r); err != nil {
			return err
		}
		if _, ok := s.records[r.ID]; ok {
			return ErrInvalidRecord
		}
		if _, ok := seenIDs[r.ID]; ok {
			return ErrInvalidRecord
		}
		k := lineKey(r)
		if _, ok := s.keys[k]; ok {
			return ErrDuplicate
		}
		if _, ok := seenKeys[k]; ok {
			return ErrDuplicate
		}
		seenIDs[r.ID] = struct{}{}
		seenKeys[k] = struct{}{}
	}

	for _, r := range recs {
		s.records[r.ID] = r
		s.keys[lineKey(r)] = r.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]Record, error) {
	f = f.normalized()
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id string, to Status, at time.Time, commit CommitFunc) (Record, error) {
	if err := validateTarget(to); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return Record{}, ErrNotFound
	}
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPending {
		return Record{}, ErrNotPending
	}

	if commit != nil {
		if err := commit(ctx, rec); err != nil {
			return Record{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.records[id]
	if cur.Status != StatusPending {
		return Record{}, ErrNotPending
	}
	cur.Status = to
	cur.UpdatedAt = at
	s.records[id] = cur
	return cur, nil
}
