package payments

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists payments in PostgreSQL.
//
// A partial unique index on reference (live payments only) backs the
// idempotency contract: a retried webhook insert collides and is mapped
// to ErrDuplicateReference.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, bill_id, tenant_id, amount::TEXT, method,
	COALESCE(reference, ''), status, COALESCE(receipt_url, ''),
	version, created_at, confirmed_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, bill_id, tenant_id, amount, method, reference, status, version, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(14,2), $5, NULLIF($6, ''), $7, $8, $9)`,
		pay.ID, pay.BillID, pay.TenantID, pay.Amount, string(pay.Method),
		pay.Reference, string(pay.Status), pay.Version, pay.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (p *PostgresStore) Update(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, receipt_url = NULLIF($2, ''), confirmed_at = $3,
			version = version + 1
		WHERE id = $4 AND version = $5`,
		string(pay.Status), pay.ReceiptURL, pay.ConfirmedAt, pay.ID, pay.Version,
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
			`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, pay.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	pay.Version++
	return nil
}

func (p *PostgresStore) FindByReference(ctx context.Context, reference string) (*Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE reference = $1 AND status <> 'failed'
		ORDER BY created_at LIMIT 1`, reference))
}

func (p *PostgresStore) ListByBill(ctx context.Context, billID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE bill_id = $1
		ORDER BY created_at`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var pay Payment
	var method, status string
	var confirmedAt sql.NullTime

	err := row.Scan(&pay.ID, &pay.BillID, &pay.TenantID, &pay.Amount, &method,
		&pay.Reference, &status, &pay.ReceiptURL,
		&pay.Version, &pay.CreatedAt, &confirmedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pay.Method = Method(method)
	pay.Status = Status(status)
	if confirmedAt.Valid {
		pay.ConfirmedAt = &confirmedAt.Time
	}
	return &pay, nil
}

var _ Store = (*PostgresStore)(nil)
