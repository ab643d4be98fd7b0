package disputes

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, payment_id, tenant_id, raised_by, reason, status, resolution, refund_id, resolved_at, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.PaymentID, d.TenantID, d.RaisedBy, d.Reason, d.Status,
		d.Resolution, nullIfEmpty(d.RefundID), d.ResolvedAt, d.Version, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $3, resolution = $4, refund_id = $5, resolved_at = $6,
		    version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $2`,
		d.ID, d.Version, d.Status, d.Resolution, nullIfEmpty(d.RefundID), d.ResolvedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

func (s *PostgresStore) ListByPayment(ctx context.Context, paymentID string) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE payment_id = $1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddComment(ctx context.Context, c *Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_comments (id, dispute_id, author, body, internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.DisputeID, c.Author, c.Body, c.Internal, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dispute comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, disputeID string, includeInternal bool) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dispute_id, author, body, internal, created_at
		FROM dispute_comments
		WHERE dispute_id = $1 AND ($2 OR NOT internal)
		ORDER BY created_at, id`, disputeID, includeInternal)
	if err != nil {
		return nil, fmt.Errorf("list dispute comments: %w", err)
	}
	defer rows.Close()

	var out []*Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.DisputeID, &c.Author, &c.Body, &c.Internal, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispute comment: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	var refundID sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.PaymentID, &d.TenantID, &d.RaisedBy, &d.Reason, &d.Status,
		&d.Resolution, &refundID, &resolvedAt, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.RefundID = refundID.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// PostgresRefundStore is a RefundStore backed by PostgreSQL.
type PostgresRefundStore struct {
	db *sql.DB
}

func NewPostgresRefundStore(db *sql.DB) *PostgresRefundStore {
	return &PostgresRefundStore{db: db}
}

const refundColumns = `id, dispute_id, payment_id, tenant_id, amount::TEXT, hold_until, auto_generated, status, released_at, version, created_at`

func (s *PostgresRefundStore) Create(ctx context.Context, r *Refund) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refunds (id, dispute_id, payment_id, tenant_id, amount, hold_until, auto_generated, status, released_at, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.DisputeID, r.PaymentID, r.TenantID, r.Amount, r.HoldUntil,
		r.AutoGenerated, r.Status, r.ReleasedAt, r.Version, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (s *PostgresRefundStore) Get(ctx context.Context, id string) (*Refund, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id)
	return scanRefund(row)
}

func (s *PostgresRefundStore) Update(ctx context.Context, r *Refund) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refunds
		SET status = $3, released_at = $4, version = version + 1
		WHERE id = $1 AND version = $2`,
		r.ID, r.Version, r.Status, r.ReleasedAt)
	if err != nil {
		return fmt.Errorf("update refund: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM refunds WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRefundNotFound
		}
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

func (s *PostgresRefundStore) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Refund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE status = 'pending' AND hold_until <= $1
		ORDER BY hold_until, id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list releasable refunds: %w", err)
	}
	defer rows.Close()

	var out []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRefund(row rowScanner) (*Refund, error) {
	var r Refund
	var releasedAt sql.NullTime
	err := row.Scan(&r.ID, &r.DisputeID, &r.PaymentID, &r.TenantID, &r.Amount,
		&r.HoldUntil, &r.AutoGenerated, &r.Status, &releasedAt, &r.Version, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan refund: %w", err)
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		r.ReleasedAt = &t
	}
	return &r, nil
}
