package billing

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists bills and invoices in PostgreSQL.
//
// Bill balances carry CHECK constraints (balance >= 0, balance <= amount)
// so the non-negativity invariant also holds at the database level, and a
// partial unique index on (tenancy_id, period) for rent bills backs
// schedule idempotency.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed billing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const billColumns = `id, tenancy_id, apartment_id, type, period, due_date,
	amount::TEXT, balance::TEXT, status, notes, COALESCE(invoice_id, ''),
	version, created_at, updated_at`

func (p *PostgresStore) CreateBill(ctx context.Context, b *Bill) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bills (id, tenancy_id, apartment_id, type, period, due_date,
			amount, balance, status, notes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(14,2), $8::NUMERIC(14,2), $9, $10, $11, $12, $13)`,
		b.ID, b.TenancyID, b.ApartmentID, string(b.Type), b.Period, b.DueDate,
		b.Amount, b.Balance, string(b.Status), b.Notes, b.Version, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateBill
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetBill(ctx context.Context, id string) (*Bill, error) {
	return scanBill(p.db.QueryRowContext(ctx,
		`SELECT `+billColumns+` FROM bills WHERE id = $1`, id))
}

// UpdateBill writes b only if the stored version matches b.Version.
func (p *PostgresStore) UpdateBill(ctx context.Context, b *Bill) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bills SET balance = $1::NUMERIC(14,2), status = $2, notes = $3,
			invoice_id = NULLIF($4, ''), version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		b.Balance, string(b.Status), b.Notes, b.InvoiceID, b.UpdatedAt, b.ID, b.Version,
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
			`SELECT EXISTS(SELECT 1 FROM bills WHERE id = $1)`, b.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrBillNotFound
		}
		return ErrVersionConflict
	}
	b.Version++
	return nil
}

func (p *PostgresStore) ListBills(ctx context.Context, f BillFilter) ([]*Bill, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE ($1 = '' OR apartment_id = $1)
		  AND ($2 = '' OR tenancy_id = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4 = '' OR period = $4)
		ORDER BY due_date, id`,
		f.ApartmentID, f.TenancyID, string(f.Status), f.Period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBills(rows)
}

func (p *PostgresStore) ListOutstanding(ctx context.Context, apartmentID string) ([]*Bill, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE apartment_id = $1 AND status IN ('due', 'partial') AND balance > 0
		ORDER BY due_date, id`, apartmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBills(rows)
}

func (p *PostgresStore) ExistsForPeriod(ctx context.Context, tenancyID, period string, typ BillType) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM bills WHERE tenancy_id = $1 AND period = $2 AND type = $3)`,
		tenancyID, period, string(typ)).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, tenancy_id, total, due_date, cancelled, version, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(14,2), $4, $5, $6, $7, $8)`,
		inv.ID, inv.TenancyID, inv.Total, inv.DueDate, inv.Cancelled,
		inv.Version, inv.CreatedAt, inv.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var inv Invoice
	err := p.db.QueryRowContext(ctx, `
		SELECT id, tenancy_id, total::TEXT, due_date, cancelled, version, created_at, updated_at
		FROM invoices WHERE id = $1`, id).
		Scan(&inv.ID, &inv.TenancyID, &inv.Total, &inv.DueDate, &inv.Cancelled,
			&inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (p *PostgresStore) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET cancelled = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		inv.Cancelled, inv.UpdatedAt, inv.ID, inv.Version,
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
			`SELECT EXISTS(SELECT 1 FROM invoices WHERE id = $1)`, inv.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrInvoiceNotFound
		}
		return ErrVersionConflict
	}
	inv.Version++
	return nil
}

func (p *PostgresStore) ListBillsByInvoice(ctx context.Context, invoiceID string) ([]*Bill, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+billColumns+` FROM bills WHERE invoice_id = $1
		ORDER BY due_date, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBills(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBill(row rowScanner) (*Bill, error) {
	var b Bill
	var typ, status string

	err := row.Scan(&b.ID, &b.TenancyID, &b.ApartmentID, &typ, &b.Period, &b.DueDate,
		&b.Amount, &b.Balance, &status, &b.Notes, &b.InvoiceID,
		&b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBillNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Type = BillType(typ)
	b.Status = BillStatus(status)
	return &b, nil
}

func collectBills(rows *sql.Rows) ([]*Bill, error) {
	var out []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
