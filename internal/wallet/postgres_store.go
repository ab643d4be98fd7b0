package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/propertyops/rentledger/internal/idgen"
	"github.com/propertyops/rentledger/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
//
// The CHECK constraint on wallets.available >= 0 is the last line of
// defence against overdraft: even if two debits race past the service
// level balance check, the second one fails at commit.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	bal := &Balance{TenantID: tenantID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT, total_in::TEXT, total_out::TEXT, updated_at
		FROM wallets WHERE tenant_id = $1
	`, tenantID).Scan(&bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			TenantID:  tenantID,
			Available: "0.00",
			TotalIn:   "0.00",
			TotalOut:  "0.00",
			UpdatedAt: time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, tenantID, amount, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (tenant_id, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(14,2), $2::NUMERIC(14,2), NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			available  = wallets.available + $2::NUMERIC(14,2),
			total_in   = wallets.total_in  + $2::NUMERIC(14,2),
			updated_at = NOW()
	`, tenantID, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, tenant_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(14,2), $5, $6, NOW())
	`, idgen.New(), tenantID, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, tenantID, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The CHECK constraint (available >= 0) makes this fail rather than
	// overdraw when a concurrent debit got there first.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2::NUMERIC(14,2),
			total_out  = total_out + $2::NUMERIC(14,2),
			updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, amount)
	if err != nil {
		return ErrInsufficientFunds
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, tenant_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'bill_payment', $3::NUMERIC(14,2), $4, $5, NOW())
	`, idgen.New(), tenantID, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, tenantID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, tenant_id, type, amount::TEXT, COALESCE(reference, ''), COALESCE(description, ''), created_at
			FROM wallet_entries
			WHERE tenant_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4
		`, tenantID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, tenant_id, type, amount::TEXT, COALESCE(reference, ''), COALESCE(description, ''), created_at
			FROM wallet_entries WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		`, tenantID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
