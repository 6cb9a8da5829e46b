package domain

import (
	"math"
	"time"
)

// PhoneRecord is one cleaned row of the specs dataset. Numeric fields are
// finite non-negative values or NaN when the source value was missing or
// unparseable. Categorical fields are non-empty or "Unknown".
type PhoneRecord struct {
	Brand         string  `json:"brand"`
	Model         string  `json:"model"`
	Processor     string  `json:"processor"`
	RAMGB         float64 `json:"ram_gb"`
	BatteryMAh    float64 `json:"battery_mah"`
	ScreenInches  float64 `json:"screen_inches"`
	WeightGrams   float64 `json:"weight_grams"`
	LaunchYear    float64 `json:"launch_year"`
	FrontCameraMP float64 `json:"front_camera_mp"`
	BackCameraMP  float64 `json:"back_camera_mp"`
	StorageGB     float64 `json:"storage_gb"`
	PriceUSD      float64 `json:"price_usd"`
}

const UnknownCategory = "Unknown"

// MarketSegment is the qualitative price tier derived from the global price
// percentile (budget < 0.33, mid < 0.66, premium >= 0.66).
type MarketSegment string

const (
	SegmentBudget  MarketSegment = "budget"
	SegmentMid     MarketSegment = "mid"
	SegmentPremium MarketSegment = "premium"
	SegmentUnknown MarketSegment = "unknown"
)

func SegmentFromPercentile(p float64) MarketSegment {
	switch {
	case math.IsNaN(p):
		return SegmentUnknown
	case p < 0.33:
		return SegmentBudget
	case p < 0.66:
		return SegmentMid
	default:
		return SegmentPremium
	}
}

// EngineeredRow is a PhoneRecord plus the derived feature columns. Rows are
// written once by the feature stage and consumed read-only downstream.
type EngineeredRow struct {
	PhoneRecord

	BatteryWeightRatio   float64       `json:"battery_weight_ratio"`
	ScreenWeightRatio    float64       `json:"screen_weight_ratio"`
	RAMWeightRatio       float64       `json:"ram_weight_ratio"`
	RAMBatteryInteract   float64       `json:"ram_battery_interaction"`
	PricePercentile      float64       `json:"price_percentile_global"`
	PricePercentileBrand float64       `json:"price_percentile_brand"`
	RAMPercentile        float64       `json:"ram_percentile_global"`
	BatteryPercentile    float64       `json:"battery_percentile_global"`
	TemporalDecay        float64       `json:"temporal_decay"`
	Segment              MarketSegment `json:"market_segment"`
}

// ColumnSchema describes one engineered column for the schema descriptor
// emitted next to the feature CSV.
type ColumnSchema struct {
	Name        string `json:"name"`
	DType       string `json:"dtype"`
	Example     string `json:"example"`
	Description string `json:"description"`
}

// QualityReport counts what the cleaning stage fixed; coercions are never
// silent.
type QualityReport struct {
	RowsRead         int            `json:"rows_read"`
	RowsKept         int            `json:"rows_kept"`
	CoercedByColumn  map[string]int `json:"coerced_by_column"`
	ImputedNumeric   int            `json:"imputed_numeric"`
	ImputedCategory  int            `json:"imputed_categorical"`
	MissingPriceRows int            `json:"missing_price_rows"`
}

// ModelVersion is one immutable registry entry. The artifact blob is the
// model's own JSON serialization including scaler state and feature names.
type ModelVersion struct {
	ID              int64     `json:"id"`
	ModelKey        string    `json:"model_key"`
	Version         int       `json:"version"`
	FeatureVersion  string    `json:"feature_version"`
	TargetName      string    `json:"target_name"`
	TrainedAt       time.Time `json:"trained_at"`
	SampleCount     int       `json:"sample_count"`
	HyperparamsJSON string    `json:"hyperparams_json"`
	MetricsJSON     string    `json:"metrics_json"`
	ArtifactFormat  string    `json:"artifact_format"`
	ArtifactBlob    []byte    `json:"-"`
	IsActive        bool      `json:"is_active"`
}

type AlertSeverity string

const (
	SeverityLow    AlertSeverity = "low"
	SeverityMedium AlertSeverity = "medium"
	SeverityHigh   AlertSeverity = "high"
)

type Alert struct {
	Type     string        `json:"type"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// FeatureDrift holds the PSI and KS comparison for a single feature.
type FeatureDrift struct {
	Feature  string        `json:"feature"`
	PSI      float64       `json:"psi"`
	KSStat   float64       `json:"ks_statistic"`
	KSPValue float64       `json:"ks_p_value"`
	Drifted  bool          `json:"drifted"`
	Severity AlertSeverity `json:"severity"`
}

type PredictionDrift struct {
	PSI            float64 `json:"psi"`
	KSStat         float64 `json:"ks_statistic"`
	KSPValue       float64 `json:"ks_p_value"`
	BaselineRMSE   float64 `json:"baseline_rmse"`
	CurrentRMSE    float64 `json:"current_rmse"`
	DegradationPct float64 `json:"degradation_pct"`
	Degraded       bool    `json:"degraded"`
}

// ResidualAnomalies reports the IQR-rule outliers for one split. Indices are
// capped at 50 entries to bound report size.
type ResidualAnomalies struct {
	Threshold float64 `json:"threshold"`
	Count     int     `json:"count"`
	Rate      float64 `json:"rate"`
	Indices   []int   `json:"indices"`
}

// DriftReport is the monitor's single-run output. Runs are independent; no
// history is retained by the monitor itself.
type DriftReport struct {
	GeneratedAt      time.Time         `json:"generated_at"`
	BaselineRows     int               `json:"baseline_rows"`
	CurrentRows      int               `json:"current_rows"`
	Features         []FeatureDrift    `json:"features"`
	Predictions      PredictionDrift   `json:"predictions"`
	BaselineResidual ResidualAnomalies `json:"baseline_residuals"`
	CurrentResidual  ResidualAnomalies `json:"current_residuals"`
	AnomalyScreen    *AnomalyScreen    `json:"anomaly_screen,omitempty"`
	Alerts           []Alert           `json:"alerts"`
}

// AnomalyScreen is the isolation-forest supplement to the IQR rule.
type AnomalyScreen struct {
	ScoreMean float64 `json:"score_mean"`
	ScoreP95  float64 `json:"score_p95"`
	Flagged   int     `json:"flagged"`
	Rate      float64 `json:"rate"`
}

// SegmentTier labels a k-means cluster after sorting centroids by mean price.
type SegmentTier string

const (
	TierValue   SegmentTier = "value"
	TierFair    SegmentTier = "fair"
	TierPremium SegmentTier = "premium"
)

func (s AlertSeverity) IsValid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}
