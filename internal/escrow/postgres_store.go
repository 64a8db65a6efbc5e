package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transaction table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_transactions (
			id                VARCHAR(64) PRIMARY KEY,
			buyer_id          VARCHAR(64) NOT NULL,
			seller_id         VARCHAR(64) NOT NULL,
			amount            BIGINT NOT NULL CHECK (amount > 0),
			fee               BIGINT NOT NULL CHECK (fee >= 0),
			points_reward     BIGINT NOT NULL DEFAULT 0,
			description       TEXT,
			duration_hours    BIGINT NOT NULL,
			state             VARCHAR(16) NOT NULL,
			prior_state       VARCHAR(16),
			expires_at        TIMESTAMPTZ NOT NULL,
			confirmed_at      TIMESTAMPTZ,
			seller_sent_at    TIMESTAMPTZ,
			buyer_received_at TIMESTAMPTZ,
			completed_at      TIMESTAMPTZ,
			cancelled_at      TIMESTAMPTZ,
			disputed_at       TIMESTAMPTZ,
			expired_at        TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_txn_buyer ON escrow_transactions(buyer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_escrow_txn_seller ON escrow_transactions(seller_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_escrow_txn_expiry ON escrow_transactions(expires_at)
			WHERE state IN ('pending', 'confirmed', 'seller_sent');
	`)
	return err
}

const txnColumns = `id, buyer_id, seller_id, amount, fee, points_reward, description,
		duration_hours, state, prior_state, expires_at,
		confirmed_at, seller_sent_at, buyer_received_at, completed_at,
		cancelled_at, disputed_at, expired_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		t.ID, t.BuyerID, t.SellerID, t.Amount, t.Fee, t.PointsReward,
		nullString(t.Description), t.DurationHours, string(t.State), nullString(string(t.PriorState)),
		t.ExpiresAt, nullTime(t.ConfirmedAt), nullTime(t.SellerSentAt), nullTime(t.BuyerReceivedAt),
		nullTime(t.CompletedAt), nullTime(t.CancelledAt), nullTime(t.DisputedAt), nullTime(t.ExpiredAt),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM escrow_transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			state             = $2,
			prior_state       = $3,
			confirmed_at      = $4,
			seller_sent_at    = $5,
			buyer_received_at = $6,
			completed_at      = $7,
			cancelled_at      = $8,
			disputed_at       = $9,
			expired_at        = $10,
			updated_at        = $11
		WHERE id = $1
	`,
		t.ID, string(t.State), nullString(string(t.PriorState)),
		nullTime(t.ConfirmedAt), nullTime(t.SellerSentAt), nullTime(t.BuyerReceivedAt),
		nullTime(t.CompletedAt), nullTime(t.CancelledAt), nullTime(t.DisputedAt), nullTime(t.ExpiredAt),
		t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_transactions
		WHERE state IN ('pending', 'confirmed', 'seller_sent')
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var description, priorState sql.NullString
	var state string
	var confirmedAt, sellerSentAt, buyerReceivedAt, completedAt, cancelledAt, disputedAt, expiredAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.Amount, &t.Fee, &t.PointsReward,
		&description, &t.DurationHours, &state, &priorState, &t.ExpiresAt,
		&confirmedAt, &sellerSentAt, &buyerReceivedAt, &completedAt,
		&cancelledAt, &disputedAt, &expiredAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Description = description.String
	t.State = State(state)
	t.StateLabel = t.State.Label()
	t.PriorState = State(priorState.String)
	t.ConfirmedAt = timePtr(confirmedAt)
	t.SellerSentAt = timePtr(sellerSentAt)
	t.BuyerReceivedAt = timePtr(buyerReceivedAt)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	t.DisputedAt = timePtr(disputedAt)
	t.ExpiredAt = timePtr(expiredAt)
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
