// Package tenancy tracks tenant-to-apartment assignments.
//
// A tenancy identifies who owes money for which unit. Monthly bill
// generation walks the active tenancies of a property; ending a lease
// deactivates the tenancy so no further bills are generated for it.
package tenancy

import (
	"context"
	"errors"
	"time"

	"github.com/propertyops/rentledger/internal/idgen"
	"github.com/propertyops/rentledger/internal/money"
)

// Errors
var (
	ErrNotFound        = errors.New("tenancy: not found")
	ErrAlreadyEnded    = errors.New("tenancy: already ended")
	ErrInvalidRent     = errors.New("tenancy: rent amount must be positive")
	ErrVersionConflict = errors.New("tenancy: version conflict")
)

// Status represents a tenancy's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Tenancy represents a tenant occupying an apartment under a lease.
type Tenancy struct {
	ID          string     `json:"id"`
	PropertyID  string     `json:"propertyId"`
	ApartmentID string     `json:"apartmentId"`
	TenantID    string     `json:"tenantId"` // principal supplied by the auth collaborator
	TenantName  string     `json:"tenantName,omitempty"`
	RentAmount  string     `json:"rentAmount"`
	DueDay      int        `json:"dueDay"` // day of month rent falls due, 1-28
	Status      Status     `json:"status"`
	StartDate   time.Time  `json:"startDate"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Store persists tenancy data.
type Store interface {
	Create(ctx context.Context, t *Tenancy) error
	Get(ctx context.Context, id string) (*Tenancy, error)
	// Update performs a compare-and-swap on t.Version; implementations
	// return ErrVersionConflict when the stored version differs.
	Update(ctx context.Context, t *Tenancy) error
	ListActiveByProperty(ctx context.Context, propertyID string) ([]*Tenancy, error)
	ListByApartment(ctx context.Context, apartmentID string) ([]*Tenancy, error)
}

// Service manages tenancy lifecycle.
type Service struct {
	store Store
}

// NewService creates a tenancy service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateParams are the inputs for starting a tenancy.
type CreateParams struct {
	PropertyID  string
	ApartmentID string
	TenantID    string
	TenantName  string
	RentAmount  string
	DueDay      int
	StartDate   time.Time
}

// Create starts a new tenancy with an active lease.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Tenancy, error) {
	rent, ok := money.Parse(p.RentAmount)
	if !ok || rent.Sign() <= 0 {
		return nil, ErrInvalidRent
	}

	dueDay := p.DueDay
	if dueDay < 1 || dueDay > 28 {
		dueDay = 1
	}
	start := p.StartDate
	if start.IsZero() {
		start = time.Now().UTC()
	}

	now := time.Now().UTC()
	t := &Tenancy{
		ID:          idgen.WithPrefix("tcy_"),
		PropertyID:  p.PropertyID,
		ApartmentID: p.ApartmentID,
		TenantID:    p.TenantID,
		TenantName:  p.TenantName,
		RentAmount:  money.Format(rent),
		DueDay:      dueDay,
		Status:      StatusActive,
		StartDate:   start,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a tenancy by ID.
func (s *Service) Get(ctx context.Context, id string) (*Tenancy, error) {
	return s.store.Get(ctx, id)
}

// End closes the lease. Ended tenancies keep their bills but are
// excluded from future schedule generation.
func (s *Service) End(ctx context.Context, id string) (*Tenancy, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusEnded {
		return nil, ErrAlreadyEnded
	}

	now := time.Now().UTC()
	t.Status = StatusEnded
	t.EndedAt = &now
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListActive returns the active tenancies under a property.
func (s *Service) ListActive(ctx context.Context, propertyID string) ([]*Tenancy, error) {
	return s.store.ListActiveByProperty(ctx, propertyID)
}
