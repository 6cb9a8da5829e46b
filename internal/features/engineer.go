// Package features derives the engineered feature table from cleaned phone
// records: ratio features, rank percentiles (global and per brand), an
// interaction term, a temporal decay score and the market-segment label.
// Engineered rows are written once and consumed read-only downstream.
package features

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"pricelens/internal/domain"
)

// Version tags feature-table compatibility in model artifacts; bump on any
// change to the derived column set or formulas.
const Version = "v1"

// interactionScale keeps ram*battery in a numerically comfortable range.
const interactionScale = 1e-4

// decayMonths is the e-folding time of the temporal decay score.
const decayMonths = 24.0

// leakageCorrThreshold flags engineered features suspiciously correlated with
// the target. Flagged, never dropped: a high correlation can be genuine
// signal, so the call belongs to an operator.
const leakageCorrThreshold = 0.98

// Engineer derives all feature columns. asOf anchors the temporal decay; a
// dataset without any price values degrades gracefully (price percentiles
// NaN, segment unknown, logged) instead of failing.
func Engineer(records []domain.PhoneRecord, asOf time.Time) ([]domain.EngineeredRow, []domain.Alert) {
	rows := make([]domain.EngineeredRow, len(records))

	prices := make([]float64, len(records))
	rams := make([]float64, len(records))
	batteries := make([]float64, len(records))
	hasPrice := false
	for i, rec := range records {
		prices[i] = rec.PriceUSD
		rams[i] = rec.RAMGB
		batteries[i] = rec.BatteryMAh
		if !math.IsNaN(rec.PriceUSD) {
			hasPrice = true
		}
	}
	if !hasPrice {
		log.Println("features: no usable price column, skipping price-derived percentiles")
	}

	pricePct := percentileRanks(prices)
	ramPct := percentileRanks(rams)
	batteryPct := percentileRanks(batteries)
	brandPricePct := brandPercentiles(records, prices)

	for i, rec := range records {
		row := domain.EngineeredRow{PhoneRecord: rec}
		row.BatteryWeightRatio = ratio(rec.BatteryMAh, rec.WeightGrams)
		row.ScreenWeightRatio = ratio(rec.ScreenInches, rec.WeightGrams)
		row.RAMWeightRatio = ratio(rec.RAMGB, rec.WeightGrams)
		row.RAMBatteryInteract = rec.RAMGB * rec.BatteryMAh * interactionScale
		row.PricePercentile = pricePct[i]
		row.PricePercentileBrand = brandPricePct[i]
		row.RAMPercentile = ramPct[i]
		row.BatteryPercentile = batteryPct[i]
		row.TemporalDecay = temporalDecay(rec.LaunchYear, asOf)
		row.Segment = domain.SegmentFromPercentile(row.PricePercentile)
		rows[i] = row
	}

	return rows, AuditLeakage(rows)
}

// ratio returns x/y with a NaN result when the denominator is zero or either
// side is missing, never an infinity.
func ratio(x, y float64) float64 {
	if math.IsNaN(x) || math.IsNaN(y) || y == 0 {
		return math.NaN()
	}
	return x / y
}

func temporalDecay(launchYear float64, asOf time.Time) float64 {
	if math.IsNaN(launchYear) {
		return math.NaN()
	}
	months := (float64(asOf.Year()) - launchYear) * 12
	if months < 0 {
		months = 0
	}
	return math.Exp(-months / decayMonths)
}

// percentileRanks is the rank-based percentile (average rank over count, the
// pandas rank(pct=True) convention). NaN inputs get NaN ranks and do not
// participate in the ranking.
func percentileRanks(values []float64) []float64 {
	out := make([]float64, len(values))
	type iv struct {
		idx int
		v   float64
	}
	present := make([]iv, 0, len(values))
	for i, v := range values {
		out[i] = math.NaN()
		if !math.IsNaN(v) {
			present = append(present, iv{i, v})
		}
	}
	if len(present) == 0 {
		return out
	}
	sort.Slice(present, func(a, b int) bool { return present[a].v < present[b].v })

	n := float64(len(present))
	i := 0
	for i < len(present) {
		j := i + 1
		for j < len(present) && present[j].v == present[i].v {
			j++
		}
		// ranks are 1-based; ties share the average rank
		avgRank := (float64(i+1) + float64(j)) / 2
		for k := i; k < j; k++ {
			out[present[k].idx] = avgRank / n
		}
		i = j
	}
	return out
}

func brandPercentiles(records []domain.PhoneRecord, prices []float64) []float64 {
	out := make([]float64, len(records))
	groups := make(map[string][]int)
	for i, rec := range records {
		out[i] = math.NaN()
		groups[rec.Brand] = append(groups[rec.Brand], i)
	}
	for _, idxs := range groups {
		sub := make([]float64, len(idxs))
		for k, i := range idxs {
			sub[k] = prices[i]
		}
		ranks := percentileRanks(sub)
		for k, i := range idxs {
			out[i] = ranks[k]
		}
	}
	return out
}

// AuditLeakage correlates each derived numeric feature against price and
// flags |r| above the threshold. Price-derived percentiles will trip this by
// construction; the audit surfaces them rather than silently excluding them.
func AuditLeakage(rows []domain.EngineeredRow) []domain.Alert {
	feats := map[string]func(domain.EngineeredRow) float64{
		"battery_weight_ratio":    func(r domain.EngineeredRow) float64 { return r.BatteryWeightRatio },
		"screen_weight_ratio":     func(r domain.EngineeredRow) float64 { return r.ScreenWeightRatio },
		"ram_weight_ratio":        func(r domain.EngineeredRow) float64 { return r.RAMWeightRatio },
		"ram_battery_interaction": func(r domain.EngineeredRow) float64 { return r.RAMBatteryInteract },
		"price_percentile_global": func(r domain.EngineeredRow) float64 { return r.PricePercentile },
		"price_percentile_brand":  func(r domain.EngineeredRow) float64 { return r.PricePercentileBrand },
		"ram_percentile_global":   func(r domain.EngineeredRow) float64 { return r.RAMPercentile },
		"temporal_decay":          func(r domain.EngineeredRow) float64 { return r.TemporalDecay },
	}

	names := make([]string, 0, len(feats))
	for name := range feats {
		names = append(names, name)
	}
	sort.Strings(names)

	var alerts []domain.Alert
	for _, name := range names {
		get := feats[name]
		var xs, ys []float64
		for _, row := range rows {
			x := get(row)
			y := row.PriceUSD
			if math.IsNaN(x) || math.IsNaN(y) {
				continue
			}
			xs = append(xs, x)
			ys = append(ys, y)
		}
		if len(xs) < 3 {
			continue
		}
		r := stat.Correlation(xs, ys, nil)
		if math.Abs(r) > leakageCorrThreshold {
			alerts = append(alerts, domain.Alert{
				Type:     "leakage_risk",
				Severity: domain.SeverityHigh,
				Message:  fmt.Sprintf("feature %s has |r|=%.4f with price, possible target leakage", name, math.Abs(r)),
			})
		}
	}
	return alerts
}

// Schema returns the descriptor for every derived column, using the first
// row with a usable value as the example.
func Schema(rows []domain.EngineeredRow) []domain.ColumnSchema {
	numeric := []struct {
		name, desc string
		get        func(domain.EngineeredRow) float64
	}{
		{"battery_weight_ratio", "battery capacity (mAh) per gram of weight", func(r domain.EngineeredRow) float64 { return r.BatteryWeightRatio }},
		{"screen_weight_ratio", "screen size (in) per gram of weight", func(r domain.EngineeredRow) float64 { return r.ScreenWeightRatio }},
		{"ram_weight_ratio", "RAM (GB) per gram of weight", func(r domain.EngineeredRow) float64 { return r.RAMWeightRatio }},
		{"ram_battery_interaction", "RAM x battery, scaled by 1e-4", func(r domain.EngineeredRow) float64 { return r.RAMBatteryInteract }},
		{"price_percentile_global", "rank percentile of USD price over the full dataset; NaN when price missing", func(r domain.EngineeredRow) float64 { return r.PricePercentile }},
		{"price_percentile_brand", "rank percentile of USD price within the brand cohort; NaN when price missing", func(r domain.EngineeredRow) float64 { return r.PricePercentileBrand }},
		{"ram_percentile_global", "rank percentile of RAM over the full dataset", func(r domain.EngineeredRow) float64 { return r.RAMPercentile }},
		{"battery_percentile_global", "rank percentile of battery capacity over the full dataset", func(r domain.EngineeredRow) float64 { return r.BatteryPercentile }},
		{"temporal_decay", "exp(-months_since_launch/24)", func(r domain.EngineeredRow) float64 { return r.TemporalDecay }},
	}

	schema := make([]domain.ColumnSchema, 0, len(numeric)+1)
	for _, col := range numeric {
		example := "NaN"
		for _, row := range rows {
			if v := col.get(row); !math.IsNaN(v) {
				example = strconv.FormatFloat(v, 'g', 6, 64)
				break
			}
		}
		schema = append(schema, domain.ColumnSchema{
			Name:        col.name,
			DType:       "float64",
			Example:     example,
			Description: col.desc,
		})
	}
	segExample := string(domain.SegmentUnknown)
	for _, row := range rows {
		if row.Segment != domain.SegmentUnknown {
			segExample = string(row.Segment)
			break
		}
	}
	schema = append(schema, domain.ColumnSchema{
		Name:        "market_segment",
		DType:       "string",
		Example:     segExample,
		Description: "price tier from global price percentile: budget<0.33, mid<0.66, premium>=0.66, unknown when price missing",
	})
	return schema
}

// WriteCSV persists the engineered table for the downstream stages.
func WriteCSV(rows []domain.EngineeredRow, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"brand", "model", "processor",
		"ram_gb", "battery_mah", "screen_inches", "weight_grams", "launch_year",
		"front_camera_mp", "back_camera_mp", "storage_gb", "price_usd",
		"battery_weight_ratio", "screen_weight_ratio", "ram_weight_ratio",
		"ram_battery_interaction",
		"price_percentile_global", "price_percentile_brand",
		"ram_percentile_global", "battery_percentile_global",
		"temporal_decay", "market_segment",
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Brand, r.Model, r.Processor,
			fmtF(r.RAMGB), fmtF(r.BatteryMAh), fmtF(r.ScreenInches), fmtF(r.WeightGrams), fmtF(r.LaunchYear),
			fmtF(r.FrontCameraMP), fmtF(r.BackCameraMP), fmtF(r.StorageGB), fmtF(r.PriceUSD),
			fmtF(r.BatteryWeightRatio), fmtF(r.ScreenWeightRatio), fmtF(r.RAMWeightRatio),
			fmtF(r.RAMBatteryInteract),
			fmtF(r.PricePercentile), fmtF(r.PricePercentileBrand),
			fmtF(r.RAMPercentile), fmtF(r.BatteryPercentile),
			fmtF(r.TemporalDecay), string(r.Segment),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteSchema persists the JSON schema descriptor next to the feature CSV.
func WriteSchema(schema []domain.ColumnSchema, path string) error {
	blob, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o644)
}

func fmtF(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
