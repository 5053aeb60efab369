package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/pkg/config"
	"github.com/tuncanbit/cpg/pkg/db"
)

//go:embed schema.sql
var Schema string

type DBManager struct {
	Db     *sql.DB
	logger zerolog.Logger
}

// New opens a pgx-backed pool and verifies the connection.
func New(ctx context.Context, cfg *config.DatabaseConfig, logger zerolog.Logger) (*DBManager, error) {
	Db, err := sql.Open("pgx", db.GetDBDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	Db.SetMaxOpenConns(cfg.MaxOpenConns)
	Db.SetMaxIdleConns(cfg.MaxIdleConns)
	Db.SetConnMaxLifetime(db.ConnMaxLifetime(cfg))

	if err := Db.PingContext(ctx); err != nil {
		Db.Close()
		return nil, fmt.Errorf("failed to connect to database at %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	l := logger.With().Str("component", "database").Logger()
	l.Info().Str("host", cfg.Host).Str("database", cfg.DBName).Msg("Connected to Postgres")

	return &DBManager{Db: Db, logger: l}, nil
}

// Migrate applies the idempotent schema.
func (dm *DBManager) Migrate(ctx context.Context) error {
	if _, err := dm.Db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	dm.logger.Info().Msg("Database schema applied")
	return nil
}

func (dm *DBManager) Ping(ctx context.Context) error {
	return dm.Db.PingContext(ctx)
}

func (dm *DBManager) ShutDown() {
	if dm.Db != nil {
		if err := dm.Db.Close(); err != nil {
			dm.logger.Error().Err(err).Msg("Failed to close database")
		}
	}
}
