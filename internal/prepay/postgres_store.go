package prepay

import (
	"context"
	"database/sql"
)

// PostgresStore persists prepayments in PostgreSQL. CHECK constraints
// keep remaining between zero and the original amount.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed prepayment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pp *Prepayment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO prepayments (id, tenant_id, apartment_id, amount, remaining, note, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(14,2), $5::NUMERIC(14,2), $6, $7, $8, $9)`,
		pp.ID, pp.TenantID, pp.ApartmentID, pp.Amount, pp.Remaining, pp.Note,
		pp.Version, pp.CreatedAt, pp.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Prepayment, error) {
	var pp Prepayment
	err := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, apartment_id, amount::TEXT, remaining::TEXT, COALESCE(note, ''),
			version, created_at, updated_at
		FROM prepayments WHERE id = $1`, id).
		Scan(&pp.ID, &pp.TenantID, &pp.ApartmentID, &pp.Amount, &pp.Remaining, &pp.Note,
			&pp.Version, &pp.CreatedAt, &pp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pp, nil
}

func (p *PostgresStore) Update(ctx context.Context, pp *Prepayment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE prepayments SET remaining = $1::NUMERIC(14,2), version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		pp.Remaining, pp.UpdatedAt, pp.ID, pp.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM prepayments WHERE id = $1)`, pp.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	pp.Version++
	return nil
}

func (p *PostgresStore) ListByApartment(ctx context.Context, apartmentID string) ([]*Prepayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, apartment_id, amount::TEXT, remaining::TEXT, COALESCE(note, ''),
			version, created_at, updated_at
		FROM prepayments WHERE apartment_id = $1
		ORDER BY created_at`, apartmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Prepayment
	for rows.Next() {
		var pp Prepayment
		if err := rows.Scan(&pp.ID, &pp.TenantID, &pp.ApartmentID, &pp.Amount, &pp.Remaining,
			&pp.Note, &pp.Version, &pp.CreatedAt, &pp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &pp)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)

// PostgresAllocationStore persists allocation audit records.
type PostgresAllocationStore struct {
	db *sql.DB
}

// NewPostgresAllocationStore creates a new PostgreSQL-backed allocation store.
func NewPostgresAllocationStore(db *sql.DB) *PostgresAllocationStore {
	return &PostgresAllocationStore{db: db}
}

func (p *PostgresAllocationStore) Create(ctx context.Context, a *Allocation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO allocations (id, source_type, source_id, bill_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(14,2), $6)`,
		a.ID, a.SourceType, a.SourceID, a.BillID, a.Amount, a.CreatedAt,
	)
	return err
}

func (p *PostgresAllocationStore) ListByBill(ctx context.Context, billID string) ([]*Allocation, error) {
	return p.list(ctx, `
		SELECT id, source_type, source_id, bill_id, amount::TEXT, created_at
		FROM allocations WHERE bill_id = $1 ORDER BY created_at`, billID)
}

func (p *PostgresAllocationStore) ListBySource(ctx context.Context, sourceType, sourceID string) ([]*Allocation, error) {
	return p.list(ctx, `
		SELECT id, source_type, source_id, bill_id, amount::TEXT, created_at
		FROM allocations WHERE source_type = $1 AND source_id = $2 ORDER BY created_at`, sourceType, sourceID)
}

func (p *PostgresAllocationStore) list(ctx context.Context, query string, args ...any) ([]*Allocation, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.SourceType, &a.SourceID, &a.BillID, &a.Amount, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

var _ AllocationStore = (*PostgresAllocationStore)(nil)
