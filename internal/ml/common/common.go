package common

import (
	"math"

	"pricelens/internal/domain"
)

const (
	ModelKeyGBT      = "gbt"
	ModelKeyForest   = "forest"
	ModelKeyRidge    = "ridge"
	ModelKeyMLP      = "mlp"
	ModelKeyEnsemble = "ensemble_v1"
	ModelKeySegments = "segments_v1"
	ModelKeyStudent  = "student"
	ModelKeyBrand    = "brand_boo"
	ModelKeyAnomaly  = "iforest_screen"
)

const (
	TargetPrice   = "price_usd"
	TargetRAM     = "ram_gb"
	TargetBattery = "battery_mah"
	TargetBrand   = "brand"
)

// FeatureNames is the model input column order for price regression. Price
// percentiles are deliberately excluded: they are target-derived and would
// leak. The leakage audit in internal/features still reports them.
var FeatureNames = []string{
	"ram_gb",
	"battery_mah",
	"screen_inches",
	"weight_grams",
	"launch_year",
	"front_camera_mp",
	"back_camera_mp",
	"storage_gb",
	"battery_weight_ratio",
	"screen_weight_ratio",
	"ram_weight_ratio",
	"ram_battery_interaction",
	"ram_percentile_global",
	"battery_percentile_global",
	"temporal_decay",
}

// SegmentFeatureNames is the clustering feature subset: ratio and percentile
// features only, no raw price (avoids circular segmentation).
var SegmentFeatureNames = []string{
	"battery_weight_ratio",
	"screen_weight_ratio",
	"ram_weight_ratio",
	"ram_percentile_global",
	"battery_percentile_global",
	"temporal_decay",
}

// Vector builds the price-model input for one row in FeatureNames order.
func Vector(row domain.EngineeredRow) []float64 {
	return []float64{
		row.RAMGB,
		row.BatteryMAh,
		row.ScreenInches,
		row.WeightGrams,
		row.LaunchYear,
		row.FrontCameraMP,
		row.BackCameraMP,
		row.StorageGB,
		row.BatteryWeightRatio,
		row.ScreenWeightRatio,
		row.RAMWeightRatio,
		row.RAMBatteryInteract,
		row.RAMPercentile,
		row.BatteryPercentile,
		row.TemporalDecay,
	}
}

// SegmentVector builds the clustering input for one row.
func SegmentVector(row domain.EngineeredRow) []float64 {
	return []float64{
		row.BatteryWeightRatio,
		row.ScreenWeightRatio,
		row.RAMWeightRatio,
		row.RAMPercentile,
		row.BatteryPercentile,
		row.TemporalDecay,
	}
}

// Dataset extracts (X, y, kept-row indices) for price training, dropping rows
// with a missing target and patching residual NaN features with zero (the
// scaler has already centered the columns by the time models see them).
func Dataset(rows []domain.EngineeredRow) ([][]float64, []float64, []int) {
	x := make([][]float64, 0, len(rows))
	y := make([]float64, 0, len(rows))
	idx := make([]int, 0, len(rows))
	for i := range rows {
		if math.IsNaN(rows[i].PriceUSD) {
			continue
		}
		x = append(x, SanitizeVector(Vector(rows[i])))
		y = append(y, rows[i].PriceUSD)
		idx = append(idx, i)
	}
	return x, y, idx
}

// SanitizeVector replaces NaN/Inf entries with zero so models never see
// non-finite inputs.
func SanitizeVector(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			out[i] = 0
			continue
		}
		out[i] = x
	}
	return out
}

func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
