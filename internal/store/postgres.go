// Package store persists position state: PostgreSQL for durable
// snapshots that survive restarts, Redis for hot state shared between
// instances with an in-memory fallback.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/ledger"
)

// PostgresConfig holds the database connection settings.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// DefaultPostgresConfig returns local development settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "engine",
		Password: "engine",
		Database: "trading_engine",
		SSLMode:  "disable",
	}
}

// PostgresStore persists position snapshots and closed-position history.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects the pool and verifies the connection.
func NewPostgresStore(cfg PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "PostgresStore").Logger(),
	}
	s.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			id VARCHAR(80) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			remaining_quantity DECIMAL(20, 8) NOT NULL,
			status VARCHAR(10) NOT NULL,
			opened_at TIMESTAMP NOT NULL,
			stop_version INT NOT NULL DEFAULT 0,
			ladder JSONB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_symbol ON position_snapshots(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_status ON position_snapshots(status)`,
		`CREATE TABLE IF NOT EXISTS closed_positions (
			id VARCHAR(80) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			exit_reason VARCHAR(64),
			pnl_percent DECIMAL(10, 4),
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_positions_symbol ON closed_positions(symbol)`,
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.logger.Info().Msg("Migrations complete")
	return nil
}

// SaveSnapshot upserts the durable snapshot of a position, ladder
// included.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, pos *ledger.Position) error {
	ladder, err := json.Marshal(struct {
		Stops   []ledger.StopLevel    `json:"stops"`
		Targets []ledger.ProfitTarget `json:"targets"`
	}{pos.Stops, pos.Targets})
	if err != nil {
		return fmt.Errorf("failed to marshal ladder: %w", err)
	}

	query := `
		INSERT INTO position_snapshots (
			id, symbol, direction, mode, entry_price, quantity,
			remaining_quantity, status, opened_at, stop_version, ladder, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			entry_price = EXCLUDED.entry_price,
			quantity = EXCLUDED.quantity,
			remaining_quantity = EXCLUDED.remaining_quantity,
			status = EXCLUDED.status,
			stop_version = EXCLUDED.stop_version,
			ladder = EXCLUDED.ladder,
			updated_at = NOW()`

	_, err = s.pool.Exec(ctx, query,
		pos.ID, pos.Symbol, string(pos.Direction), string(pos.Mode),
		pos.EntryPrice, pos.Quantity, pos.RemainingQuantity,
		string(pos.Status), pos.OpenedAt, pos.StopVersion, ladder,
	)
	if err != nil {
		return fmt.Errorf("failed to save position snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot after a position fully closes.
func (s *PostgresStore) DeleteSnapshot(ctx context.Context, positionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM position_snapshots WHERE id = $1`, positionID)
	if err != nil {
		return fmt.Errorf("failed to delete position snapshot: %w", err)
	}
	return nil
}

// LoadOpen returns the snapshots of every position that was open when
// the engine last ran, used to rebuild the ledger after a restart.
func (s *PostgresStore) LoadOpen(ctx context.Context) ([]*ledger.Position, error) {
	query := `
		SELECT id, symbol, direction, mode, entry_price, quantity,
		       remaining_quantity, status, opened_at, stop_version, ladder
		FROM position_snapshots
		WHERE status != 'CLOSED'
		ORDER BY opened_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}
	defer rows.Close()

	var positions []*ledger.Position
	for rows.Next() {
		var (
			pos       ledger.Position
			direction string
			mode      string
			status    string
			raw       []byte
		)
		if err := rows.Scan(
			&pos.ID, &pos.Symbol, &direction, &mode, &pos.EntryPrice,
			&pos.Quantity, &pos.RemainingQuantity, &status, &pos.OpenedAt,
			&pos.StopVersion, &raw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position snapshot: %w", err)
		}
		pos.Direction = ledger.Direction(direction)
		pos.Mode = ledger.Mode(mode)
		pos.Status = ledger.Status(status)

		var ld struct {
			Stops   []ledger.StopLevel    `json:"stops"`
			Targets []ledger.ProfitTarget `json:"targets"`
		}
		if err := json.Unmarshal(raw, &ld); err != nil {
			s.logger.Warn().Str("position_id", pos.ID).Err(err).Msg("Corrupt ladder snapshot, skipping")
			continue
		}
		pos.Stops = ld.Stops
		pos.Targets = ld.Targets
		positions = append(positions, &pos)
	}
	return positions, rows.Err()
}

// RecordClosed archives a closed position for history queries.
func (s *PostgresStore) RecordClosed(ctx context.Context, pos *ledger.Position, exitReason string, pnlPct float64) error {
	query := `
		INSERT INTO closed_positions (
			id, symbol, direction, mode, entry_price, quantity,
			exit_reason, pnl_percent, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		pos.ID, pos.Symbol, string(pos.Direction), string(pos.Mode),
		pos.EntryPrice, pos.Quantity, exitReason, pnlPct, pos.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record closed position: %w", err)
	}
	return nil
}

// ClosedCount returns how many positions closed since the cutoff.
func (s *PostgresStore) ClosedCount(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM closed_positions WHERE closed_at >= $1`, since,
	).Scan(&count)
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("failed to count closed positions: %w", err)
	}
	return count, nil
}
