package config

import (
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TELEGRAM_BOT_TOKEN", "DATABASE_URL", "REDIS_URL",
		"DATA_PATH", "OUT_DIR", "SERVER_BIND", "HTTP_PORT",
		"ML_FOLDS", "ML_SEED", "ML_MIN_TRAIN_SAMPLES", "ML_LOG_TARGET",
		"SEGMENT_CLUSTERS", "SEGMENT_MIN_SAMPLES",
		"DISTILL_MAX_DEPTH", "DISTILL_RETENTION_MIN",
		"DRIFT_PSI_THRESHOLD", "DRIFT_PSI_HIGH_THRESHOLD", "DRIFT_KS_ALPHA",
		"DRIFT_RMSE_DEGRAD_PCT", "DRIFT_ENABLE_IFOREST",
		"DRIFT_IFOREST_TREES", "DRIFT_IFOREST_SAMPLE_SIZE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.RedisURL != "localhost:6379" {
		t.Fatalf("expected default redis url, got %s", cfg.RedisURL)
	}
	if cfg.DataPath != "data/phones.csv" || cfg.OutDir != "artifacts" {
		t.Fatalf("unexpected path defaults: %s %s", cfg.DataPath, cfg.OutDir)
	}
	if cfg.ServerBind != "0.0.0.0" || cfg.HTTPPort != 8080 {
		t.Fatalf("unexpected server defaults: %s:%d", cfg.ServerBind, cfg.HTTPPort)
	}
	if cfg.MLFolds != 5 || cfg.MLSeed != 42 || cfg.MLMinTrainSamples != 50 || !cfg.MLLogTarget {
		t.Fatalf("unexpected training defaults: %+v", cfg)
	}
	if cfg.SegmentClusters != 3 || cfg.SegmentMinSamples != 20 {
		t.Fatalf("unexpected segment defaults: %+v", cfg)
	}
	if cfg.DistillMaxDepth != 8 || cfg.DistillRetentionMin != 95.0 {
		t.Fatalf("unexpected distill defaults: %+v", cfg)
	}
	if cfg.DriftPSIThreshold != 0.2 || cfg.DriftPSIHighThreshold != 0.5 || cfg.DriftKSAlpha != 0.05 {
		t.Fatalf("unexpected drift defaults: %+v", cfg)
	}
	if cfg.DriftRMSEDegradPct != 10.0 || !cfg.DriftEnableIForest {
		t.Fatalf("unexpected drift defaults: %+v", cfg)
	}
	if cfg.DriftIForestTrees != 200 || cfg.DriftIForestSample != 256 {
		t.Fatalf("unexpected iforest defaults: %+v", cfg)
	}
}

func TestLoadWithEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("REDIS_URL", "redis:6379")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("DATA_PATH", "fixtures/phones.csv")
	t.Setenv("OUT_DIR", "out")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("ML_FOLDS", "10")
	t.Setenv("ML_SEED", "7")
	t.Setenv("ML_LOG_TARGET", "false")
	t.Setenv("SEGMENT_MIN_SAMPLES", "40")
	t.Setenv("DISTILL_MAX_DEPTH", "6")
	t.Setenv("DRIFT_PSI_THRESHOLD", "0.3")
	t.Setenv("DRIFT_PSI_HIGH_THRESHOLD", "0.7")
	t.Setenv("DRIFT_ENABLE_IFOREST", "false")

	cfg := Load()
	if cfg.DatabaseURL != "postgres://example" || cfg.RedisURL != "redis:6379" || cfg.TelegramBotToken != "token" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.DataPath != "fixtures/phones.csv" || cfg.OutDir != "out" || cfg.HTTPPort != 9090 {
		t.Fatalf("path env not applied: %+v", cfg)
	}
	if cfg.MLFolds != 10 || cfg.MLSeed != 7 || cfg.MLLogTarget {
		t.Fatalf("training env not applied: %+v", cfg)
	}
	if cfg.SegmentMinSamples != 40 || cfg.DistillMaxDepth != 6 {
		t.Fatalf("segment/distill env not applied: %+v", cfg)
	}
	if cfg.DriftPSIThreshold != 0.3 || cfg.DriftPSIHighThreshold != 0.7 || cfg.DriftEnableIForest {
		t.Fatalf("drift env not applied: %+v", cfg)
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("ML_FOLDS", "1")
	t.Setenv("DRIFT_KS_ALPHA", "1.5")

	cfg := Load()
	if cfg.HTTPPort != 8080 {
		t.Fatalf("bad port should fall back to 8080, got %d", cfg.HTTPPort)
	}
	if cfg.MLFolds != 5 {
		t.Fatalf("folds below 2 should fall back to 5, got %d", cfg.MLFolds)
	}
	if cfg.DriftKSAlpha != 0.05 {
		t.Fatalf("alpha outside (0,1) should fall back to 0.05, got %v", cfg.DriftKSAlpha)
	}
}
