package customer

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed customer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the customers table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS customers (
			id             VARCHAR(64) PRIMARY KEY,
			display_name   VARCHAR(255) NOT NULL,
			referred_by    VARCHAR(64),
			active         BOOLEAN NOT NULL DEFAULT TRUE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deactivated_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_customers_referred_by ON customers(referred_by) WHERE referred_by IS NOT NULL;
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, c *Customer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO customers (id, display_name, referred_by, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.DisplayName, nullable(c.ReferredBy), c.Active, c.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Customer, error) {
	c := &Customer{}
	var referredBy sql.NullString
	var deactivatedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, display_name, referred_by, active, created_at, deactivated_at
		FROM customers WHERE id = $1
	`, id).Scan(&c.ID, &c.DisplayName, &referredBy, &c.Active, &c.CreatedAt, &deactivatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ReferredBy = referredBy.String
	c.DeactivatedAt = deactivatedAt.Time
	return c, nil
}

func (p *PostgresStore) Update(ctx context.Context, c *Customer) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE customers SET
			display_name   = $2,
			active         = $3,
			deactivated_at = $4
		WHERE id = $1
	`, c.ID, c.DisplayName, c.Active, nullableTime(c.DeactivatedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Customer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, display_name, referred_by, active, created_at, deactivated_at
		FROM customers
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		c := &Customer{}
		var referredBy sql.NullString
		var deactivatedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.DisplayName, &referredBy, &c.Active, &c.CreatedAt, &deactivatedAt); err != nil {
			return nil, err
		}
		c.ReferredBy = referredBy.String
		c.DeactivatedAt = deactivatedAt.Time
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
