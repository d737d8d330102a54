package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig holds connection parameters for the position store.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// PostgresPositionRepository persists positions in PostgreSQL through a pgx
// pool. Every write runs in its own transaction.
type PostgresPositionRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresPositionRepository connects, pings, and runs the schema
// migration.
func NewPostgresPositionRepository(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*PostgresPositionRepository, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	repo := &PostgresPositionRepository{
		pool:   pool,
		logger: logger.With().Str("component", "PostgresPositionRepository").Logger(),
	}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	repo.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return repo, nil
}

// Close releases the pool.
func (r *PostgresPositionRepository) Close() {
	r.pool.Close()
}

func (r *PostgresPositionRepository) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id VARCHAR(40) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			strategy VARCHAR(100),
			side VARCHAR(5) NOT NULL,
			size DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8),
			exit_price DECIMAL(20, 8),
			leverage INTEGER NOT NULL DEFAULT 1,
			unrealized_pnl DECIMAL(20, 8) DEFAULT 0,
			realized_pnl DECIMAL(20, 8) DEFAULT 0,
			total_fees DECIMAL(20, 8) DEFAULT 0,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			close_reason TEXT,
			opened_ts TIMESTAMP NOT NULL,
			closed_ts TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_opened_ts ON positions(opened_ts)`,
	}

	for _, migration := range migrations {
		if _, err := r.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SavePosition inserts a new position record transactionally.
func (r *PostgresPositionRepository) SavePosition(ctx context.Context, record *PositionRecord) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO positions (
				id, symbol, strategy, side, size, entry_price, current_price,
				exit_price, leverage, unrealized_pnl, realized_pnl, total_fees,
				stop_loss, take_profit, status, close_reason, opened_ts, closed_ts, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
			record.ID, record.Symbol, record.Strategy, record.Side,
			record.Size, record.EntryPrice, record.CurrentPrice, record.ExitPrice,
			record.Leverage, record.UnrealizedPnL, record.RealizedPnL, record.TotalFees,
			record.StopLoss, record.TakeProfit, record.Status, record.CloseReason,
			record.OpenedTs, record.ClosedTs, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to save position: %w", err)
		}
		return nil
	})
}

// UpdatePosition rewrites the mutable fields of an existing record.
func (r *PostgresPositionRepository) UpdatePosition(ctx context.Context, record *PositionRecord) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE positions SET
				size = $2,
				current_price = $3,
				exit_price = $4,
				unrealized_pnl = $5,
				realized_pnl = $6,
				total_fees = $7,
				stop_loss = $8,
				take_profit = $9,
				status = $10,
				close_reason = $11,
				closed_ts = $12,
				updated_at = $13
			WHERE id = $1`,
			record.ID, record.Size, record.CurrentPrice, record.ExitPrice,
			record.UnrealizedPnL, record.RealizedPnL, record.TotalFees,
			record.StopLoss, record.TakeProfit, record.Status, record.CloseReason,
			record.ClosedTs, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to update position: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &ErrPositionNotFound{ID: record.ID}
		}
		return nil
	})
}

// GetPosition fetches one record by ID.
func (r *PostgresPositionRepository) GetPosition(ctx context.Context, id string) (*PositionRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, symbol, strategy, side, size, entry_price, current_price,
			exit_price, leverage, unrealized_pnl, realized_pnl, total_fees,
			stop_loss, take_profit, status, close_reason, opened_ts, closed_ts
		FROM positions WHERE id = $1`, id)

	record, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrPositionNotFound{ID: id}
	}
	return record, err
}

// ListOpenPositions returns every non-closed record, oldest first.
func (r *PostgresPositionRepository) ListOpenPositions(ctx context.Context) ([]*PositionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, symbol, strategy, side, size, entry_price, current_price,
			exit_price, leverage, unrealized_pnl, realized_pnl, total_fees,
			stop_loss, take_profit, status, close_reason, opened_ts, closed_ts
		FROM positions WHERE status != 'CLOSED' ORDER BY opened_ts`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListClosedPositions returns closed records, newest close first.
func (r *PostgresPositionRepository) ListClosedPositions(ctx context.Context, limit int) ([]*PositionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, symbol, strategy, side, size, entry_price, current_price,
			exit_price, leverage, unrealized_pnl, realized_pnl, total_fees,
			stop_loss, take_profit, status, close_reason, opened_ts, closed_ts
		FROM positions WHERE status = 'CLOSED' ORDER BY closed_ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list closed positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (r *PostgresPositionRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	return tx.Commit(ctx)
}

func scanPosition(row pgx.Row) (*PositionRecord, error) {
	record := &PositionRecord{}
	err := row.Scan(
		&record.ID, &record.Symbol, &record.Strategy, &record.Side,
		&record.Size, &record.EntryPrice, &record.CurrentPrice, &record.ExitPrice,
		&record.Leverage, &record.UnrealizedPnL, &record.RealizedPnL, &record.TotalFees,
		&record.StopLoss, &record.TakeProfit, &record.Status, &record.CloseReason,
		&record.OpenedTs, &record.ClosedTs,
	)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func scanPositions(rows pgx.Rows) ([]*PositionRecord, error) {
	out := make([]*PositionRecord, 0)
	for rows.Next() {
		record, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

var _ PositionRepository = (*PostgresPositionRepository)(nil)
