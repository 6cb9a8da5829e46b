package service

import (
	"context"
	"errors"

	"pricelens/internal/cache"
	"pricelens/internal/domain"
	"pricelens/internal/ml/common"
	"pricelens/internal/ml/registry"
)

// CacheDriftReader serves the latest drift report from Redis.
type CacheDriftReader struct{}

func (CacheDriftReader) LatestDrift(ctx context.Context) (*domain.DriftReport, error) {
	return cache.LatestDriftReport(ctx)
}

// RegistryModelLister lists the version history of every known model key.
type RegistryModelLister struct {
	Repo *registry.Repository
}

var listedModelKeys = []string{
	common.ModelKeyGBT,
	common.ModelKeyForest,
	common.ModelKeyRidge,
	common.ModelKeyMLP,
	common.ModelKeyEnsemble,
	common.ModelKeyStudent,
	common.ModelKeyBrand,
	common.ModelKeyAnomaly,
	common.ModelKeySegments,
}

func (l RegistryModelLister) Models(ctx context.Context) ([]domain.ModelVersion, error) {
	if l.Repo == nil {
		return nil, errors.New("model registry not configured")
	}
	var out []domain.ModelVersion
	for _, key := range listedModelKeys {
		versions, err := l.Repo.ListVersions(ctx, key, 5)
		if err != nil {
			return nil, err
		}
		out = append(out, versions...)
	}
	return out, nil
}
