package points

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safedeal/safedeal/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Mutations run in a
// serializable transaction with the balance row pinned FOR UPDATE; a
// CHECK constraint is the final guard against negative balances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed point store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the point tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS point_balances (
			customer_id VARCHAR(64) PRIMARY KEY,
			points      BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_points_nonneg CHECK (points >= 0)
		);

		CREATE TABLE IF NOT EXISTS point_entries (
			id          VARCHAR(36) PRIMARY KEY,
			customer_id VARCHAR(64) NOT NULL,
			type        VARCHAR(32) NOT NULL,
			points      BIGINT NOT NULL,
			reference   VARCHAR(255),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_point_entries_customer ON point_entries(customer_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, customerID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO point_balances (customer_id) VALUES ($1)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, customerID string) (*Balance, error) {
	b := &Balance{CustomerID: customerID}
	err := p.db.QueryRowContext(ctx, `
		SELECT points, updated_at FROM point_balances WHERE customer_id = $1
	`, customerID).Scan(&b.Points, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) Credit(ctx context.Context, customerID string, pts int64, entryType EntryType, reference string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO point_balances (customer_id, points) VALUES ($1, $2)
			ON CONFLICT (customer_id) DO UPDATE SET
				points     = point_balances.points + EXCLUDED.points,
				updated_at = NOW()
		`, customerID, pts); err != nil {
			return fmt.Errorf("failed to credit points: %w", err)
		}
		return insertEntry(ctx, tx, customerID, entryType, pts, reference)
	})
}

func (p *PostgresStore) Debit(ctx context.Context, customerID string, pts int64, entryType EntryType, reference string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `
			SELECT points FROM point_balances WHERE customer_id = $1 FOR UPDATE
		`, customerID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		if current < pts {
			return ErrInsufficientPoints
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE point_balances SET points = points - $2, updated_at = NOW()
			WHERE customer_id = $1
		`, customerID, pts); err != nil {
			return fmt.Errorf("failed to debit points: %w", err)
		}
		return insertEntry(ctx, tx, customerID, entryType, -pts, reference)
	})
}

func (p *PostgresStore) History(ctx context.Context, customerID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, customer_id, type, points, reference, created_at
		FROM point_entries
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference sql.NullString
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Type, &e.Points, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEntry(ctx context.Context, tx *sql.Tx, customerID string, entryType EntryType, pts int64, reference string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO point_entries (id, customer_id, type, points, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, idgen.WithPrefix("pts_"), customerID, entryType, pts, sql.NullString{String: reference, Valid: reference != ""}); err != nil {
		return fmt.Errorf("failed to record point entry: %w", err)
	}
	return nil
}
