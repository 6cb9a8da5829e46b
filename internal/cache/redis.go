package cache

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"pricelens/internal/domain"
)

var Client *redis.Client

const (
	driftReportKey = "pricelens:drift:latest"
	metricsKeyFmt  = "pricelens:metrics:"

	driftTTL   = 24 * time.Hour
	metricsTTL = 24 * time.Hour
)

func InitRedis(ctx context.Context) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		addr = "localhost:6379"
	}
	Client = redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := Client.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis")
}

// StoreDriftReport caches the latest drift report for the API. A nil client
// is a no-op so the pipeline runs without Redis.
func StoreDriftReport(ctx context.Context, report *domain.DriftReport) error {
	if Client == nil {
		return nil
	}
	blob, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return Client.Set(ctx, driftReportKey, blob, driftTTL).Err()
}

func LatestDriftReport(ctx context.Context) (*domain.DriftReport, error) {
	if Client == nil {
		return nil, redis.Nil
	}
	blob, err := Client.Get(ctx, driftReportKey).Bytes()
	if err != nil {
		return nil, err
	}
	var report domain.DriftReport
	if err := json.Unmarshal(blob, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func StoreModelMetrics(ctx context.Context, modelKey string, metrics map[string]float64) error {
	if Client == nil {
		return nil
	}
	blob, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	return Client.Set(ctx, metricsKeyFmt+modelKey, blob, metricsTTL).Err()
}

func ModelMetrics(ctx context.Context, modelKey string) (map[string]float64, error) {
	if Client == nil {
		return nil, redis.Nil
	}
	blob, err := Client.Get(ctx, metricsKeyFmt+modelKey).Bytes()
	if err != nil {
		return nil, err
	}
	var out map[string]float64
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, err
	}
	return out, nil
}
