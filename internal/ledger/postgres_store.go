package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"
	"github.com/safedeal/safedeal/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Every mutation runs in a serializable transaction and pins the involved
// balance rows with SELECT ... FOR UPDATE. Two-party operations lock rows in
// ascending customer-id order so concurrent settlements cannot deadlock.
// CHECK constraints on the balance columns are the final guard against
// overdraft should a bug slip past the in-transaction checks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_balances (
			customer_id  VARCHAR(64) PRIMARY KEY,
			available    BIGINT NOT NULL DEFAULT 0,
			locked       BIGINT NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_locked_nonneg    CHECK (locked >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id           VARCHAR(36) PRIMARY KEY,
			customer_id  VARCHAR(64) NOT NULL,
			type         VARCHAR(32) NOT NULL,
			direction    VARCHAR(16) NOT NULL,
			amount       BIGINT NOT NULL CHECK (amount > 0),
			reference    VARCHAR(255),
			description  TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_entries_customer ON ledger_entries(customer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference ON ledger_entries(reference);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_deposit_ref
			ON ledger_entries(reference) WHERE type = 'deposit';
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, customerID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_balances (customer_id) VALUES ($1)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, customerID string) (*Balance, error) {
	bal := &Balance{CustomerID: customerID}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, locked, updated_at FROM ledger_balances WHERE customer_id = $1
	`, customerID).Scan(&bal.Available, &bal.Locked, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// lockRow pins a balance row for update and returns its current values.
func lockRow(ctx context.Context, tx *sql.Tx, customerID string) (available, locked int64, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT available, locked FROM ledger_balances WHERE customer_id = $1 FOR UPDATE
	`, customerID).Scan(&available, &locked)
	if err == sql.ErrNoRows {
		return 0, 0, ErrCustomerNotFound
	}
	return available, locked, err
}

// ensureRow creates a zero balance row if missing, then pins it for update.
func ensureRow(ctx context.Context, tx *sql.Tx, customerID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (customer_id) VALUES ($1)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID)
	if err != nil {
		return err
	}
	_, _, err = lockRow(ctx, tx, customerID)
	return err
}

func (p *PostgresStore) Lock(ctx context.Context, customerID string, amount int64, reference string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		available, _, err := lockRow(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if available < amount {
			return ErrInsufficientFunds
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				available  = available - $2,
				locked     = locked    + $2,
				updated_at = NOW()
			WHERE customer_id = $1
		`, customerID, amount); err != nil {
			return fmt.Errorf("failed to lock funds: %w", err)
		}
		return insertEntry(ctx, tx, customerID, EntryEscrowLock, DirHold, amount, reference, "funds locked for escrow")
	})
}

func (p *PostgresStore) Unlock(ctx context.Context, customerID string, amount int64, reference string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, locked, err := lockRow(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if locked < amount {
			return ErrInsufficientLockedFunds
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				locked     = locked    - $2,
				available  = available + $2,
				updated_at = NOW()
			WHERE customer_id = $1
		`, customerID, amount); err != nil {
			return fmt.Errorf("failed to unlock funds: %w", err)
		}
		return insertEntry(ctx, tx, customerID, EntryEscrowUnlock, DirRelease, amount, reference, "escrow lock reversed")
	})
}

func (p *PostgresStore) Settle(ctx context.Context, s Settlement) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		// Pin all involved rows in ascending id order to avoid deadlocks.
		ids := []string{s.PayerID}
		if s.PayeeCredit > 0 {
			ids = append(ids, s.PayeeID)
		}
		if s.Fee > 0 {
			ids = append(ids, PlatformAccount)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if id == s.PayerID {
				_, locked, err := lockRow(ctx, tx, id)
				if err != nil {
					return err
				}
				if locked < s.LockedAmount {
					return ErrInsufficientLockedFunds
				}
				continue
			}
			if err := ensureRow(ctx, tx, id); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				locked     = locked    - $2,
				available  = available + $3,
				updated_at = NOW()
			WHERE customer_id = $1
		`, s.PayerID, s.LockedAmount, s.PayerCredit); err != nil {
			return fmt.Errorf("failed to release payer funds: %w", err)
		}
		if err := insertEntry(ctx, tx, s.PayerID, EntryEscrowRelease, DirDebit, s.LockedAmount, s.Reference, "locked funds released"); err != nil {
			return err
		}
		if s.PayerCredit > 0 {
			if err := insertEntry(ctx, tx, s.PayerID, s.PayerEntryType, DirCredit, s.PayerCredit, s.Reference, ""); err != nil {
				return err
			}
		}

		if s.PayeeCredit > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE ledger_balances SET
					available  = available + $2,
					updated_at = NOW()
				WHERE customer_id = $1
			`, s.PayeeID, s.PayeeCredit); err != nil {
				return fmt.Errorf("failed to credit payee: %w", err)
			}
			if err := insertEntry(ctx, tx, s.PayeeID, s.PayeeEntryType, DirCredit, s.PayeeCredit, s.Reference, ""); err != nil {
				return err
			}
		}

		if s.Fee > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE ledger_balances SET
					available  = available + $2,
					updated_at = NOW()
				WHERE customer_id = $1
			`, PlatformAccount, s.Fee); err != nil {
				return fmt.Errorf("failed to credit platform fee: %w", err)
			}
			if err := insertEntry(ctx, tx, PlatformAccount, EntryFee, DirCredit, s.Fee, s.Reference, "retained escrow fee"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) Credit(ctx context.Context, customerID string, amount int64, entryType EntryType, reference, description string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureRow(ctx, tx, customerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				available  = available + $2,
				updated_at = NOW()
			WHERE customer_id = $1
		`, customerID, amount); err != nil {
			return fmt.Errorf("failed to credit balance: %w", err)
		}
		return insertEntry(ctx, tx, customerID, entryType, DirCredit, amount, reference, description)
	})
}

func (p *PostgresStore) Debit(ctx context.Context, customerID string, amount int64, entryType EntryType, reference, description string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		available, _, err := lockRow(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if available < amount {
			return ErrInsufficientFunds
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				available  = available - $2,
				updated_at = NOW()
			WHERE customer_id = $1
		`, customerID, amount); err != nil {
			return fmt.Errorf("failed to debit balance: %w", err)
		}
		return insertEntry(ctx, tx, customerID, entryType, DirDebit, amount, reference, description)
	})
}

func (p *PostgresStore) Deposit(ctx context.Context, customerID string, amount int64, externalRef string) error {
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureRow(ctx, tx, customerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				available  = available + $2,
				updated_at = NOW()
			WHERE customer_id = $1
		`, customerID, amount); err != nil {
			return fmt.Errorf("failed to credit deposit: %w", err)
		}
		return insertEntry(ctx, tx, customerID, EntryDeposit, DirCredit, amount, externalRef, "gateway deposit confirmed")
	})
	if err != nil && isUniqueViolation(err) {
		// Partial unique index on deposit references: replayed callback.
		return ErrDuplicateDeposit
	}
	return err
}

func (p *PostgresStore) HasDeposit(ctx context.Context, externalRef string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE reference = $1 AND type = 'deposit'
	`, externalRef).Scan(&count)
	return count > 0, err
}

func (p *PostgresStore) History(ctx context.Context, customerID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, customer_id, type, direction, amount, reference, description, created_at
		FROM ledger_entries
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
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Type, &e.Direction, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) Totals(ctx context.Context) (*Totals, error) {
	t := &Totals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0), COALESCE(SUM(locked), 0) FROM ledger_balances
	`).Scan(&t.Available, &t.Locked)
	if err != nil {
		return nil, err
	}
	err = p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE type = 'deposit'
	`).Scan(&t.Deposited)
	if err != nil {
		return nil, err
	}
	return t, nil
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

func insertEntry(ctx context.Context, tx *sql.Tx, customerID string, entryType EntryType, dir Direction, amount int64, reference, description string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, customer_id, type, direction, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, idgen.WithPrefix("led_"), customerID, entryType, dir, amount, nullable(reference), nullable(description)); err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
