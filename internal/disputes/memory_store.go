package disputes

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	comments map[string][]*Comment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		comments: make(map[string][]*Comment),
	}
}

func (s *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != d.Version {
		return ErrVersionConflict
	}
	cp := *d
	cp.Version++
	s.disputes[d.ID] = &cp
	d.Version = cp.Version
	return nil
}

func (s *MemoryStore) ListByPayment(ctx context.Context, paymentID string) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Dispute, 0)
	for _, d := range s.disputes {
		if d.PaymentID == paymentID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AddComment(ctx context.Context, c *Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.comments[c.DisputeID] = append(s.comments[c.DisputeID], &cp)
	return nil
}

func (s *MemoryStore) ListComments(ctx context.Context, disputeID string, includeInternal bool) ([]*Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Comment, 0)
	for _, c := range s.comments[disputeID] {
		if c.Internal && !includeInternal {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// MemoryRefundStore is an in-memory RefundStore.
type MemoryRefundStore struct {
	mu      sync.RWMutex
	refunds map[string]*Refund
}

func NewMemoryRefundStore() *MemoryRefundStore {
	return &MemoryRefundStore{refunds: make(map[string]*Refund)}
}

func (s *MemoryRefundStore) Create(ctx context.Context, r *Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.refunds[r.ID] = &cp
	return nil
}

func (s *MemoryRefundStore) Get(ctx context.Context, id string) (*Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryRefundStore) Update(ctx context.Context, r *Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.refunds[r.ID]
	if !ok {
		return ErrRefundNotFound
	}
	if cur.Version != r.Version {
		return ErrVersionConflict
	}
	cp := *r
	cp.Version++
	s.refunds[r.ID] = &cp
	r.Version = cp.Version
	return nil
}

func (s *MemoryRefundStore) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Refund, 0)
	for _, r := range s.refunds {
		if r.Status == RefundPending && !r.HoldUntil.After(before) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldUntil.Before(out[j].HoldUntil) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
