// Package registry persists immutable model versions in Postgres and tracks
// which version of each model key is active.
package registry

import (
	"context"
	"fmt"
	"time"

	"pricelens/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

// PgxPool is the subset of pgxpool.Pool the repository touches; tests stub it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Repository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewRepository(pool PgxPool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) NextVersion(ctx context.Context, modelKey string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "registry.next-version")
	defer span.End()

	var version int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM model_versions
		WHERE model_key = $1
	`, modelKey).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("next version for %s: %w", modelKey, err)
	}
	return version, nil
}

func (r *Repository) InsertModelVersion(ctx context.Context, model domain.ModelVersion) (*domain.ModelVersion, error) {
	ctx, span := r.tracer.Start(ctx, "registry.insert-model-version")
	defer span.End()

	if model.TrainedAt.IsZero() {
		model.TrainedAt = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO model_versions (
			model_key, version, feature_version, target_name, trained_at,
			sample_count, hyperparams, metrics, artifact_format, artifact, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		model.ModelKey, model.Version, model.FeatureVersion, model.TargetName, model.TrainedAt,
		model.SampleCount, model.HyperparamsJSON, model.MetricsJSON, model.ArtifactFormat,
		model.ArtifactBlob, model.IsActive,
	).Scan(&model.ID)
	if err != nil {
		return nil, fmt.Errorf("insert model version %s v%d: %w", model.ModelKey, model.Version, err)
	}
	return &model, nil
}

func (r *Repository) GetActiveModel(ctx context.Context, modelKey string) (*domain.ModelVersion, error) {
	ctx, span := r.tracer.Start(ctx, "registry.get-active-model")
	defer span.End()

	var m domain.ModelVersion
	err := r.pool.QueryRow(ctx, `
		SELECT id, model_key, version, feature_version, target_name, trained_at,
			sample_count, hyperparams, metrics, artifact_format, artifact, is_active
		FROM model_versions
		WHERE model_key = $1 AND is_active
	`, modelKey).Scan(
		&m.ID, &m.ModelKey, &m.Version, &m.FeatureVersion, &m.TargetName, &m.TrainedAt,
		&m.SampleCount, &m.HyperparamsJSON, &m.MetricsJSON, &m.ArtifactFormat,
		&m.ArtifactBlob, &m.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ActivateModel flips the active flag to the given version inside one
// transaction, so readers never observe two active versions of a key.
func (r *Repository) ActivateModel(ctx context.Context, modelKey string, version int) error {
	ctx, span := r.tracer.Start(ctx, "registry.activate-model")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE model_versions SET is_active = FALSE WHERE model_key = $1
	`, modelKey); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE model_versions SET is_active = TRUE WHERE model_key = $1 AND version = $2
	`, modelKey, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activate %s v%d: %w", modelKey, version, pgx.ErrNoRows)
	}
	return tx.Commit(ctx)
}

// ListVersions returns the version history for one model key, newest first.
func (r *Repository) ListVersions(ctx context.Context, modelKey string, limit int) ([]domain.ModelVersion, error) {
	ctx, span := r.tracer.Start(ctx, "registry.list-versions")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, model_key, version, feature_version, target_name, trained_at,
			sample_count, hyperparams, metrics, artifact_format, is_active
		FROM model_versions
		WHERE model_key = $1
		ORDER BY version DESC
		LIMIT $2
	`, modelKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ModelVersion
	for rows.Next() {
		var m domain.ModelVersion
		if err := rows.Scan(
			&m.ID, &m.ModelKey, &m.Version, &m.FeatureVersion, &m.TargetName, &m.TrainedAt,
			&m.SampleCount, &m.HyperparamsJSON, &m.MetricsJSON, &m.ArtifactFormat, &m.IsActive,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
