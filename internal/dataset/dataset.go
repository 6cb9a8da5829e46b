// Package dataset loads the raw phone-specs CSV and produces cleaned
// PhoneRecords: numeric strings are coerced (strip non-digit/non-dot, then
// parse), unparseable values become NaN, and missing values are imputed with
// the column median (numeric) or "Unknown" (categorical). Every repair is
// counted in the QualityReport.
package dataset

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"pricelens/internal/domain"
)

// priceColumnCandidates are the known header spellings for the USD price
// column, checked in order.
var priceColumnCandidates = []string{
	"Launched Price (USA)",
	"Launched Price (USD)",
	"Price (USD)",
	"price_usd",
}

// pppAdjust converts non-USD launch prices to an approximate USD figure when
// no USD column exists. The factors are rough placeholder constants, not
// calibrated against real PPP/CPI indices.
var pppAdjust = map[string]float64{
	"Launched Price (India)":    0.012,
	"Launched Price (China)":    0.14,
	"Launched Price (Pakistan)": 0.0036,
	"Launched Price (Dubai)":    0.27,
}

type column struct {
	name  string
	index int
}

type columns struct {
	brand     int
	model     int
	processor int
	numeric   []column // paired with numeric field setters by name
	price     int
	priceName string
	fallback  []column // non-USD price columns with a PPP factor
}

// Load reads and cleans the dataset. A missing file is fatal to the pipeline:
// the error names the path and no partial output is produced.
func Load(path string) ([]domain.PhoneRecord, *domain.QualityReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("dataset %s has no data rows", path)
	}

	cols := resolveColumns(rows[0])
	report := &domain.QualityReport{
		RowsRead:        len(rows) - 1,
		CoercedByColumn: make(map[string]int),
	}

	records := make([]domain.PhoneRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := parseRow(row, cols, report)
		records = append(records, rec)
	}
	report.RowsKept = len(records)

	impute(records, report)
	return records, report, nil
}

func resolveColumns(header []string) columns {
	cols := columns{brand: -1, model: -1, processor: -1, price: -1}
	for i, h := range header {
		name := strings.TrimSpace(h)
		lower := strings.ToLower(name)
		switch {
		case lower == "company name" || lower == "brand":
			cols.brand = i
		case lower == "model name" || lower == "model":
			cols.model = i
		case strings.Contains(lower, "processor"):
			cols.processor = i
		case strings.Contains(lower, "ram"):
			cols.numeric = append(cols.numeric, column{"ram_gb", i})
		case strings.Contains(lower, "battery"):
			cols.numeric = append(cols.numeric, column{"battery_mah", i})
		case strings.Contains(lower, "screen"):
			cols.numeric = append(cols.numeric, column{"screen_inches", i})
		case strings.Contains(lower, "weight"):
			cols.numeric = append(cols.numeric, column{"weight_grams", i})
		case strings.Contains(lower, "year"):
			cols.numeric = append(cols.numeric, column{"launch_year", i})
		case strings.Contains(lower, "front camera"):
			cols.numeric = append(cols.numeric, column{"front_camera_mp", i})
		case strings.Contains(lower, "back camera"):
			cols.numeric = append(cols.numeric, column{"back_camera_mp", i})
		case lower == "storage" || strings.Contains(lower, "internal storage"):
			cols.numeric = append(cols.numeric, column{"storage_gb", i})
		}
		for _, cand := range priceColumnCandidates {
			if strings.EqualFold(name, cand) {
				cols.price = i
				cols.priceName = name
			}
		}
		if _, ok := pppAdjust[name]; ok {
			cols.fallback = append(cols.fallback, column{name, i})
		}
	}
	return cols
}

func parseRow(row []string, cols columns, report *domain.QualityReport) domain.PhoneRecord {
	rec := domain.PhoneRecord{
		Brand:         categorical(row, cols.brand),
		Model:         categorical(row, cols.model),
		Processor:     categorical(row, cols.processor),
		RAMGB:         math.NaN(),
		BatteryMAh:    math.NaN(),
		ScreenInches:  math.NaN(),
		WeightGrams:   math.NaN(),
		LaunchYear:    math.NaN(),
		FrontCameraMP: math.NaN(),
		BackCameraMP:  math.NaN(),
		StorageGB:     math.NaN(),
		PriceUSD:      math.NaN(),
	}

	for _, c := range cols.numeric {
		v, ok := coerce(cell(row, c.index))
		if !ok {
			report.CoercedByColumn[c.name]++
			continue
		}
		switch c.name {
		case "ram_gb":
			rec.RAMGB = v
		case "battery_mah":
			rec.BatteryMAh = v
		case "screen_inches":
			rec.ScreenInches = v
		case "weight_grams":
			rec.WeightGrams = v
		case "launch_year":
			rec.LaunchYear = v
		case "front_camera_mp":
			rec.FrontCameraMP = v
		case "back_camera_mp":
			rec.BackCameraMP = v
		case "storage_gb":
			rec.StorageGB = v
		}
	}

	if cols.price >= 0 {
		if v, ok := coerce(cell(row, cols.price)); ok {
			rec.PriceUSD = v
		} else {
			report.CoercedByColumn[cols.priceName]++
		}
	}
	if math.IsNaN(rec.PriceUSD) {
		for _, c := range cols.fallback {
			if v, ok := coerce(cell(row, c.index)); ok {
				rec.PriceUSD = v * pppAdjust[c.name]
				break
			}
		}
	}
	if math.IsNaN(rec.PriceUSD) {
		report.MissingPriceRows++
	}
	return rec
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func categorical(row []string, i int) string {
	v := strings.TrimSpace(cell(row, i))
	if v == "" {
		return domain.UnknownCategory
	}
	return v
}

// coerce strips everything except digits and dots, then parses. "8GB" -> 8,
// "5,000mAh" -> 5000, "USD 1,099.99" -> 1099.99. A second dot or an empty
// residue fails the parse.
func coerce(raw string) (float64, bool) {
	var b strings.Builder
	dots := 0
	for _, ch := range raw {
		switch {
		case ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '.':
			dots++
			if dots > 1 {
				return 0, false
			}
			b.WriteRune(ch)
		}
	}
	s := b.String()
	if s == "" || s == "." {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

// impute fills NaN numerics with the column median. Price is deliberately
// left NaN: downstream stages degrade gracefully without it and an imputed
// target would poison training.
func impute(records []domain.PhoneRecord, report *domain.QualityReport) {
	fields := []struct {
		get func(*domain.PhoneRecord) *float64
	}{
		{func(r *domain.PhoneRecord) *float64 { return &r.RAMGB }},
		{func(r *domain.PhoneRecord) *float64 { return &r.BatteryMAh }},
		{func(r *domain.PhoneRecord) *float64 { return &r.ScreenInches }},
		{func(r *domain.PhoneRecord) *float64 { return &r.WeightGrams }},
		{func(r *domain.PhoneRecord) *float64 { return &r.LaunchYear }},
		{func(r *domain.PhoneRecord) *float64 { return &r.FrontCameraMP }},
		{func(r *domain.PhoneRecord) *float64 { return &r.BackCameraMP }},
		{func(r *domain.PhoneRecord) *float64 { return &r.StorageGB }},
	}

	for _, f := range fields {
		var present []float64
		for i := range records {
			v := *f.get(&records[i])
			if !math.IsNaN(v) {
				present = append(present, v)
			}
		}
		if len(present) == 0 {
			continue
		}
		med := median(present)
		for i := range records {
			p := f.get(&records[i])
			if math.IsNaN(*p) {
				*p = med
				report.ImputedNumeric++
			}
		}
	}

	for i := range records {
		if records[i].Brand == domain.UnknownCategory {
			report.ImputedCategory++
		}
	}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
