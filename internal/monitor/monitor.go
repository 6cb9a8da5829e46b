// Package monitor compares a baseline window of engineered rows against a
// current window: per-feature PSI and KS tests, prediction-distribution
// drift, RMSE degradation, and residual outliers. Each run is independent
// and produces one report.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"pricelens/internal/domain"
	"pricelens/internal/ml/common"
	"pricelens/internal/ml/metrics"
	"pricelens/internal/ml/models/anomaly"

	"go.opentelemetry.io/otel/trace"
)

const (
	psiBins    = 10
	psiEpsilon = 1e-6

	maxAnomalyIndices = 50
	residualIQRFactor = 3.0
)

// Predictor is the one method the monitor needs from any deployable model.
type Predictor interface {
	Predict(raw []float64) (float64, error)
}

type Config struct {
	PSIThreshold       float64
	PSIHighThreshold   float64
	KSAlpha            float64
	RMSEDegradationPct float64
}

type Service struct {
	tracer trace.Tracer
	cfg    Config
	screen *anomaly.Screen
}

// NewService wires the monitor; screen may be nil to skip the isolation
// forest supplement.
func NewService(tracer trace.Tracer, cfg Config, screen *anomaly.Screen) *Service {
	if cfg.PSIThreshold <= 0 {
		cfg.PSIThreshold = 0.2
	}
	if cfg.PSIHighThreshold <= cfg.PSIThreshold {
		cfg.PSIHighThreshold = 0.5
	}
	if cfg.KSAlpha <= 0 || cfg.KSAlpha >= 1 {
		cfg.KSAlpha = 0.05
	}
	if cfg.RMSEDegradationPct <= 0 {
		cfg.RMSEDegradationPct = 10
	}
	return &Service{tracer: tracer, cfg: cfg, screen: screen}
}

// Compare runs the full drift pass. model scores raw price feature vectors;
// rows without a price are excluded from the prediction and residual checks
// but still count for feature drift.
func (s *Service) Compare(ctx context.Context, baseline, current []domain.EngineeredRow, model Predictor) (*domain.DriftReport, error) {
	_, span := s.tracer.Start(ctx, "monitor.compare")
	defer span.End()

	if len(baseline) == 0 || len(current) == 0 {
		return nil, errors.New("monitor: empty baseline or current window")
	}

	report := &domain.DriftReport{
		GeneratedAt:  time.Now().UTC(),
		BaselineRows: len(baseline),
		CurrentRows:  len(current),
	}

	for j, name := range common.FeatureNames {
		fd := featureDrift(name, column(baseline, j), column(current, j), s.cfg)
		report.Features = append(report.Features, fd)
		if fd.Drifted {
			report.Alerts = append(report.Alerts, domain.Alert{
				Type:     "feature_drift",
				Severity: fd.Severity,
				Message:  fmt.Sprintf("feature %s drifted: psi=%.4f ks_p=%.4g", fd.Feature, fd.PSI, fd.KSPValue),
			})
		}
	}

	basePreds, baseY, err := predictions(baseline, model)
	if err != nil {
		return nil, err
	}
	curPreds, curY, err := predictions(current, model)
	if err != nil {
		return nil, err
	}
	if len(basePreds) > 0 && len(curPreds) > 0 {
		pd := domain.PredictionDrift{
			PSI:          psi(basePreds, curPreds),
			BaselineRMSE: metrics.RMSE(baseY, basePreds),
			CurrentRMSE:  metrics.RMSE(curY, curPreds),
		}
		pd.KSStat, pd.KSPValue = ksTest(basePreds, curPreds)
		pd.DegradationPct = (pd.CurrentRMSE - pd.BaselineRMSE) / pd.BaselineRMSE * 100
		pd.Degraded = pd.DegradationPct > s.cfg.RMSEDegradationPct
		report.Predictions = pd
		if pd.Degraded {
			report.Alerts = append(report.Alerts, domain.Alert{
				Type:     "rmse_degradation",
				Severity: domain.SeverityHigh,
				Message:  fmt.Sprintf("rmse degraded %.1f%% (%.2f -> %.2f)", pd.DegradationPct, pd.BaselineRMSE, pd.CurrentRMSE),
			})
		}

		report.BaselineResidual = residualAnomalies(baseY, basePreds)
		report.CurrentResidual = residualAnomalies(curY, curPreds)
		if report.CurrentResidual.Rate > 2*math.Max(report.BaselineResidual.Rate, 0.01) {
			report.Alerts = append(report.Alerts, domain.Alert{
				Type:     "residual_anomalies",
				Severity: domain.SeverityMedium,
				Message: fmt.Sprintf("current residual outlier rate %.3f vs baseline %.3f",
					report.CurrentResidual.Rate, report.BaselineResidual.Rate),
			})
		}
	}

	if s.screen != nil {
		screen := s.runScreen(current)
		report.AnomalyScreen = &screen
		if screen.Rate > 0.1 {
			report.Alerts = append(report.Alerts, domain.Alert{
				Type:     "anomaly_screen",
				Severity: domain.SeverityMedium,
				Message:  fmt.Sprintf("isolation forest flagged %.1f%% of current rows", screen.Rate*100),
			})
		}
	}

	return report, nil
}

func (s *Service) runScreen(rows []domain.EngineeredRow) domain.AnomalyScreen {
	samples := make([][]float64, len(rows))
	for i := range rows {
		samples[i] = common.SanitizeVector(common.Vector(rows[i]))
	}
	res := s.screen.Run(samples)
	out := domain.AnomalyScreen{Flagged: len(res.Flagged), Rate: res.Rate}
	if len(res.Scores) > 0 {
		sum := 0.0
		for _, v := range res.Scores {
			sum += v
		}
		out.ScoreMean = sum / float64(len(res.Scores))
		out.ScoreP95 = percentileOf(res.Scores, 0.95)
	}
	return out
}

func column(rows []domain.EngineeredRow, j int) []float64 {
	out := make([]float64, 0, len(rows))
	for i := range rows {
		v := common.Vector(rows[i])[j]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func predictions(rows []domain.EngineeredRow, model Predictor) ([]float64, []float64, error) {
	var preds, y []float64
	for i := range rows {
		if math.IsNaN(rows[i].PriceUSD) {
			continue
		}
		p, err := model.Predict(common.SanitizeVector(common.Vector(rows[i])))
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, p)
		y = append(y, rows[i].PriceUSD)
	}
	return preds, y, nil
}

func featureDrift(name string, baseline, current []float64, cfg Config) domain.FeatureDrift {
	fd := domain.FeatureDrift{Feature: name, Severity: domain.SeverityLow}
	if len(baseline) == 0 || len(current) == 0 {
		return fd
	}
	fd.PSI = psi(baseline, current)
	fd.KSStat, fd.KSPValue = ksTest(baseline, current)
	fd.Drifted = fd.PSI >= cfg.PSIThreshold || fd.KSPValue < cfg.KSAlpha
	switch {
	case fd.PSI >= cfg.PSIHighThreshold:
		fd.Severity = domain.SeverityHigh
	case fd.PSI >= cfg.PSIThreshold:
		fd.Severity = domain.SeverityMedium
	case fd.Drifted:
		fd.Severity = domain.SeverityLow
	}
	return fd
}

// psi bins both samples over their combined range and sums the population
// stability index. Identical samples produce exactly zero because every bin
// proportion matches.
func psi(baseline, current []float64) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range baseline {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	for _, v := range current {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	if lo >= hi {
		return 0
	}

	width := (hi - lo) / psiBins
	baseCounts := make([]float64, psiBins)
	curCounts := make([]float64, psiBins)
	for _, v := range baseline {
		baseCounts[binIndex(v, lo, width)]++
	}
	for _, v := range current {
		curCounts[binIndex(v, lo, width)]++
	}

	total := 0.0
	for b := 0; b < psiBins; b++ {
		p := baseCounts[b] / float64(len(baseline))
		q := curCounts[b] / float64(len(current))
		if p == q {
			continue
		}
		if p < psiEpsilon {
			p = psiEpsilon
		}
		if q < psiEpsilon {
			q = psiEpsilon
		}
		total += (p - q) * math.Log(p/q)
	}
	return total
}

func binIndex(v, lo, width float64) int {
	b := int((v - lo) / width)
	if b < 0 {
		return 0
	}
	if b >= psiBins {
		return psiBins - 1
	}
	return b
}

// ksTest returns the two-sample Kolmogorov-Smirnov statistic and its
// asymptotic p-value.
func ksTest(a, b []float64) (float64, float64) {
	sa := append([]float64(nil), a...)
	sb := append([]float64(nil), b...)
	sort.Float64s(sa)
	sort.Float64s(sb)

	na, nb := len(sa), len(sb)
	i, j := 0, 0
	d := 0.0
	for i < na && j < nb {
		switch {
		case sa[i] < sb[j]:
			i++
		case sb[j] < sa[i]:
			j++
		default:
			// tied values advance both sides so equal samples give d=0
			v := sa[i]
			for i < na && sa[i] == v {
				i++
			}
			for j < nb && sb[j] == v {
				j++
			}
		}
		diff := math.Abs(float64(i)/float64(na) - float64(j)/float64(nb))
		if diff > d {
			d = diff
		}
	}
	return d, ksPValue(d, na, nb)
}

// ksPValue evaluates the Kolmogorov distribution series
// 2*sum((-1)^(k-1)*exp(-2*k^2*lambda^2)).
func ksPValue(d float64, na, nb int) float64 {
	if d <= 0 {
		return 1
	}
	ne := float64(na) * float64(nb) / float64(na+nb)
	lambda := (math.Sqrt(ne) + 0.12 + 0.11/math.Sqrt(ne)) * d
	sum := 0.0
	for k := 1; k <= 100; k++ {
		term := math.Exp(-2 * float64(k*k) * lambda * lambda)
		if k%2 == 1 {
			sum += term
		} else {
			sum -= term
		}
		if term < 1e-12 {
			break
		}
	}
	p := 2 * sum
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// residualAnomalies applies the IQR rule to absolute residuals. The index
// list is capped to keep reports bounded; the count and rate cover all hits.
func residualAnomalies(y, preds []float64) domain.ResidualAnomalies {
	n := len(y)
	if n == 0 {
		return domain.ResidualAnomalies{}
	}
	abs := make([]float64, n)
	for i := range y {
		abs[i] = math.Abs(y[i] - preds[i])
	}
	sorted := append([]float64(nil), abs...)
	sort.Float64s(sorted)
	q1 := percentileOf(sorted, 0.25)
	q3 := percentileOf(sorted, 0.75)
	threshold := q3 + residualIQRFactor*(q3-q1)

	out := domain.ResidualAnomalies{Threshold: threshold}
	for i, v := range abs {
		if v > threshold {
			out.Count++
			if len(out.Indices) < maxAnomalyIndices {
				out.Indices = append(out.Indices, i)
			}
		}
	}
	out.Rate = float64(out.Count) / float64(n)
	return out
}

// percentileOf interpolates linearly; accepts sorted or unsorted input.
func percentileOf(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// WriteReport serializes one report as indented JSON.
func WriteReport(path string, report *domain.DriftReport) error {
	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o644)
}
