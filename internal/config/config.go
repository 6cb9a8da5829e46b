package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DatabaseURL      string
	RedisURL         string
	TelegramBotToken string

	DataPath   string
	OutDir     string
	HTTPPort   int
	ServerBind string

	MLFolds           int
	MLSeed            int64
	MLMinTrainSamples int
	MLLogTarget       bool

	SegmentClusters   int
	SegmentMinSamples int

	DistillMaxDepth     int
	DistillRetentionMin float64

	DriftPSIThreshold     float64
	DriftPSIHighThreshold float64
	DriftKSAlpha          float64
	DriftRMSEDegradPct    float64
	DriftEnableIForest    bool
	DriftIForestTrees     int
	DriftIForestSample    int
}

func Load() *Config {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set, model registry will use the filesystem store only")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.TelegramBotToken == "" {
		log.Println("Warning: TELEGRAM_BOT_TOKEN not set, drift alerts will be disabled")
	}

	cfg.DataPath = strings.TrimSpace(os.Getenv("DATA_PATH"))
	if cfg.DataPath == "" {
		cfg.DataPath = "data/phones.csv"
	}

	cfg.OutDir = strings.TrimSpace(os.Getenv("OUT_DIR"))
	if cfg.OutDir == "" {
		cfg.OutDir = "artifacts"
	}

	cfg.ServerBind = strings.TrimSpace(os.Getenv("SERVER_BIND"))
	if cfg.ServerBind == "" {
		cfg.ServerBind = "0.0.0.0"
	}

	cfg.HTTPPort = 8080
	if v := strings.TrimSpace(os.Getenv("HTTP_PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	cfg.MLFolds = 5
	if v := strings.TrimSpace(os.Getenv("ML_FOLDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 2 {
			cfg.MLFolds = n
		}
	}

	cfg.MLSeed = 42
	if v := strings.TrimSpace(os.Getenv("ML_SEED")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MLSeed = n
		}
	}

	cfg.MLMinTrainSamples = 50
	if v := strings.TrimSpace(os.Getenv("ML_MIN_TRAIN_SAMPLES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MLMinTrainSamples = n
		}
	}

	cfg.MLLogTarget = true
	if v := strings.TrimSpace(os.Getenv("ML_LOG_TARGET")); v != "" {
		if strings.EqualFold(v, "false") {
			cfg.MLLogTarget = false
		}
	}

	cfg.SegmentClusters = 3
	if v := strings.TrimSpace(os.Getenv("SEGMENT_CLUSTERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 2 {
			cfg.SegmentClusters = n
		}
	}

	cfg.SegmentMinSamples = 20
	if v := strings.TrimSpace(os.Getenv("SEGMENT_MIN_SAMPLES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SegmentMinSamples = n
		}
	}

	cfg.DistillMaxDepth = 8
	if v := strings.TrimSpace(os.Getenv("DISTILL_MAX_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DistillMaxDepth = n
		}
	}

	cfg.DistillRetentionMin = 95.0
	if v := strings.TrimSpace(os.Getenv("DISTILL_RETENTION_MIN")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 && n <= 100 {
			cfg.DistillRetentionMin = n
		}
	}

	cfg.DriftPSIThreshold = 0.2
	if v := strings.TrimSpace(os.Getenv("DRIFT_PSI_THRESHOLD")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.DriftPSIThreshold = n
		}
	}

	cfg.DriftPSIHighThreshold = 0.5
	if v := strings.TrimSpace(os.Getenv("DRIFT_PSI_HIGH_THRESHOLD")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > cfg.DriftPSIThreshold {
			cfg.DriftPSIHighThreshold = n
		}
	}

	cfg.DriftKSAlpha = 0.05
	if v := strings.TrimSpace(os.Getenv("DRIFT_KS_ALPHA")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 && n < 1 {
			cfg.DriftKSAlpha = n
		}
	}

	cfg.DriftRMSEDegradPct = 10.0
	if v := strings.TrimSpace(os.Getenv("DRIFT_RMSE_DEGRAD_PCT")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.DriftRMSEDegradPct = n
		}
	}

	cfg.DriftEnableIForest = true
	if v := strings.TrimSpace(os.Getenv("DRIFT_ENABLE_IFOREST")); v != "" {
		if strings.EqualFold(v, "false") {
			cfg.DriftEnableIForest = false
		}
	}

	cfg.DriftIForestTrees = 200
	if v := strings.TrimSpace(os.Getenv("DRIFT_IFOREST_TREES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DriftIForestTrees = n
		}
	}

	cfg.DriftIForestSample = 256
	if v := strings.TrimSpace(os.Getenv("DRIFT_IFOREST_SAMPLE_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DriftIForestSample = n
		}
	}

	return cfg
}
