package fees

import (
	"context"
	"database/sql"
)

// PostgresTierStore loads fee tier overrides from the fee_tiers table.
// The table is small reference data edited by operators; the resolver
// reloads it on an interval rather than per request.
type PostgresTierStore struct {
	db *sql.DB
}

// NewPostgresTierStore creates a new PostgreSQL-backed tier store.
func NewPostgresTierStore(db *sql.DB) *PostgresTierStore {
	return &PostgresTierStore{db: db}
}

// Migrate creates the fee tier table.
func (p *PostgresTierStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fee_tiers (
			min_amount    BIGINT PRIMARY KEY CHECK (min_amount >= 0),
			max_amount    BIGINT NOT NULL DEFAULT 0 CHECK (max_amount >= 0),
			fixed_fee     BIGINT NOT NULL CHECK (fixed_fee >= 0),
			percent_bps   BIGINT NOT NULL DEFAULT 0 CHECK (percent_bps >= 0),
			daily_bps     BIGINT NOT NULL DEFAULT 0 CHECK (daily_bps >= 0),
			points_reward BIGINT NOT NULL DEFAULT 0 CHECK (points_reward >= 0)
		)
	`)
	return err
}

// LoadTiers returns all configured tiers ordered by min_amount. An empty
// result means no overrides are configured.
func (p *PostgresTierStore) LoadTiers(ctx context.Context) ([]Tier, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT min_amount, max_amount, fixed_fee, percent_bps, daily_bps, points_reward
		FROM fee_tiers
		ORDER BY min_amount ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []Tier
	for rows.Next() {
		var t Tier
		if err := rows.Scan(&t.MinAmount, &t.MaxAmount, &t.FixedFee, &t.PercentBps, &t.DailyBps, &t.PointsReward); err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}
