package standing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, tenancy_id, tenant_id, apartment_id, pay_all_bills, bill_types, active, last_run_at, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO standing_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.TenancyID, o.TenantID, o.ApartmentID, o.PayAllBills,
		pq.Array(o.BillTypes), o.Active, o.LastRunAt, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert standing order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM standing_orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) Update(ctx context.Context, o *Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE standing_orders
		SET pay_all_bills = $3, bill_types = $4, active = $5, last_run_at = $6,
		    version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $2`,
		o.ID, o.Version, o.PayAllBills, pq.Array(o.BillTypes), o.Active, o.LastRunAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update standing order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM standing_orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	o.Version++
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM standing_orders WHERE active ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list standing orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var lastRun sql.NullTime
	var types pq.StringArray
	err := row.Scan(&o.ID, &o.TenancyID, &o.TenantID, &o.ApartmentID, &o.PayAllBills,
		&types, &o.Active, &lastRun, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan standing order: %w", err)
	}
	o.BillTypes = []string(types)
	if lastRun.Valid {
		t := lastRun.Time
		o.LastRunAt = &t
	}
	return &o, nil
}
