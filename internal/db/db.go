package db

import (
	"context"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

var Pool *pgxpool.Pool

func InitPostgres(ctx context.Context) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Println("DATABASE_URL not set, skipping Postgres connection")
		return
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping Postgres: %v", err)
	}
	Pool = pool
	log.Println("Connected to Postgres")
}

// EnsureSchema creates the model registry table when it does not exist yet.
func EnsureSchema(ctx context.Context) error {
	if Pool == nil {
		return nil
	}
	_, err := Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS model_versions (
			id BIGSERIAL PRIMARY KEY,
			model_key TEXT NOT NULL,
			version INT NOT NULL,
			feature_version TEXT NOT NULL,
			target_name TEXT NOT NULL,
			trained_at TIMESTAMPTZ NOT NULL,
			sample_count INT NOT NULL DEFAULT 0,
			hyperparams JSONB NOT NULL DEFAULT '{}',
			metrics JSONB NOT NULL DEFAULT '{}',
			artifact_format TEXT NOT NULL,
			artifact BYTEA NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (model_key, version)
		);
		CREATE INDEX IF NOT EXISTS idx_model_versions_active
			ON model_versions (model_key) WHERE is_active;
	`)
	return err
}
