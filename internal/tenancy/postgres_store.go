package tenancy

import (
	"context"
	"database/sql"
)

// PostgresStore persists tenancies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenancy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Tenancy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenancies (id, property_id, apartment_id, tenant_id, tenant_name,
			rent_amount, due_day, status, start_date, ended_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(14,2), $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.PropertyID, t.ApartmentID, t.TenantID, t.TenantName,
		t.RentAmount, t.DueDay, string(t.Status), t.StartDate, t.EndedAt,
		t.Version, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenancy, error) {
	return p.scanTenancy(p.db.QueryRowContext(ctx, `
		SELECT id, property_id, apartment_id, tenant_id, tenant_name, rent_amount::TEXT,
			due_day, status, start_date, ended_at, version, created_at, updated_at
		FROM tenancies WHERE id = $1`, id))
}

// Update writes t only if the stored version matches t.Version, then bumps it.
func (p *PostgresStore) Update(ctx context.Context, t *Tenancy) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenancies SET tenant_name = $1, rent_amount = $2::NUMERIC(14,2), due_day = $3,
			status = $4, ended_at = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		t.TenantName, t.RentAmount, t.DueDay, string(t.Status), t.EndedAt,
		t.UpdatedAt, t.ID, t.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish missing row from stale version.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM tenancies WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	t.Version++
	return nil
}

func (p *PostgresStore) ListActiveByProperty(ctx context.Context, propertyID string) ([]*Tenancy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, property_id, apartment_id, tenant_id, tenant_name, rent_amount::TEXT,
			due_day, status, start_date, ended_at, version, created_at, updated_at
		FROM tenancies WHERE property_id = $1 AND status = 'active'
		ORDER BY created_at`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return p.collect(rows)
}

func (p *PostgresStore) ListByApartment(ctx context.Context, apartmentID string) ([]*Tenancy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, property_id, apartment_id, tenant_id, tenant_name, rent_amount::TEXT,
			due_day, status, start_date, ended_at, version, created_at, updated_at
		FROM tenancies WHERE apartment_id = $1
		ORDER BY created_at`, apartmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return p.collect(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanTenancy(row rowScanner) (*Tenancy, error) {
	var t Tenancy
	var status string
	var endedAt sql.NullTime

	err := row.Scan(&t.ID, &t.PropertyID, &t.ApartmentID, &t.TenantID, &t.TenantName,
		&t.RentAmount, &t.DueDay, &status, &t.StartDate, &endedAt,
		&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if endedAt.Valid {
		t.EndedAt = &endedAt.Time
	}
	return &t, nil
}

func (p *PostgresStore) collect(rows *sql.Rows) ([]*Tenancy, error) {
	var out []*Tenancy
	for rows.Next() {
		t, err := p.scanTenancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
