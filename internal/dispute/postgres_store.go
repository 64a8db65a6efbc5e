package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is a postgres-backed dispute store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new postgres dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the disputes table. A partial unique index enforces
// at most one open dispute per transaction.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			opened_by TEXT NOT NULL,
			reason TEXT NOT NULL,
			evidence TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_dispute_status CHECK (status IN ('open', 'resolved', 'cancelled'))
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_open_txn
			ON disputes (transaction_id) WHERE status = 'open';
		CREATE INDEX IF NOT EXISTS idx_disputes_status
			ON disputes (status, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create disputes table: %w", err)
	}
	return nil
}

const disputeColumns = `id, transaction_id, opened_by, reason, evidence,
	status, result, resolved_by, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.TransactionID, d.OpenedBy, d.Reason, d.Evidence,
		string(d.Status), d.Result, d.ResolvedBy, nullTime(d.ResolvedAt),
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, result = $3, resolved_by = $4, resolved_at = $5,
		    evidence = $6, updated_at = $7
		WHERE id = $1`,
		d.ID, string(d.Status), d.Result, d.ResolvedBy,
		nullTime(d.ResolvedAt), d.Evidence, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) GetOpenByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE transaction_id = $1 AND status = 'open'`, transactionID)
	return scanDispute(row)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE status = 'open' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open disputes: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	var status string
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TransactionID, &d.OpenedBy, &d.Reason, &d.Evidence,
		&status, &d.Result, &d.ResolvedBy, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dispute: %w", err)
	}
	d.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
