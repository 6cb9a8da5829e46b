package segments

import (
	"context"
	"math"
	"testing"

	"pricelens/internal/domain"
	"pricelens/internal/ml/common"
	"pricelens/internal/ml/training"

	"go.opentelemetry.io/otel/trace"
)

func catalogRows(n int) []domain.EngineeredRow {
	rows := make([]domain.EngineeredRow, n)
	for i := 0; i < n; i++ {
		ram := float64(1 + i%16)
		battery := 2000 + float64(i)*43
		weight := 150 + float64(i%40)
		rows[i] = domain.EngineeredRow{
			PhoneRecord: domain.PhoneRecord{
				Brand:         "B",
				RAMGB:         ram,
				BatteryMAh:    battery,
				ScreenInches:  5 + float64(i%20)*0.1,
				WeightGrams:   weight,
				LaunchYear:    2020 + float64(i%6),
				FrontCameraMP: 12,
				BackCameraMP:  48,
				StorageGB:     64 + float64(i%4)*64,
				PriceUSD:      100 + 50*ram + 0.05*battery + float64(i%11),
			},
			BatteryWeightRatio: battery / weight,
			ScreenWeightRatio:  (5 + float64(i%20)*0.1) / weight,
			RAMWeightRatio:     ram / weight,
			RAMBatteryInteract: ram * battery * 1e-4,
			RAMPercentile:      float64(i%16) / 16,
			BatteryPercentile:  float64(i) / float64(n),
			TemporalDecay:      math.Exp(-float64(i%6) / 2),
		}
	}
	return rows
}

func trainPriceBase(t *testing.T, rows []domain.EngineeredRow) *training.TargetResult {
	t.Helper()
	tracer := trace.NewNoopTracerProvider().Tracer("segments-test")
	svc := training.NewService(tracer, training.Config{Folds: 3, Seed: 42, MinTrainSamples: 10})
	res, err := svc.TrainTarget(context.Background(), rows, common.TargetPrice)
	if err != nil {
		t.Fatalf("base training failed: %v", err)
	}
	return res
}

func TestTrainRanksThreeTiersByPrice(t *testing.T) {
	rows := catalogRows(90)
	base := trainPriceBase(t, rows)
	tracer := trace.NewNoopTracerProvider().Tracer("segments-test")

	res, model, err := Train(context.Background(), tracer, rows, base, "v1", Config{Clusters: 3, MinSamples: 1, Seed: 42})
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	if len(res.Clusters) != 3 {
		t.Fatalf("expected 3 clusters, got %d", len(res.Clusters))
	}
	if len(res.Assignments) != len(base.KeptRows) {
		t.Fatalf("assignments do not cover kept rows: %d vs %d", len(res.Assignments), len(base.KeptRows))
	}

	seen := make(map[domain.SegmentTier]bool)
	for _, tier := range model.Tiers() {
		seen[tier] = true
	}
	for _, tier := range []domain.SegmentTier{domain.TierValue, domain.TierFair, domain.TierPremium} {
		if !seen[tier] {
			t.Fatalf("tier %s missing from model", tier)
		}
	}

	// tier names must follow mean price order
	byTier := make(map[domain.SegmentTier]float64)
	for _, c := range res.Clusters {
		byTier[c.Tier] = c.MeanPrice
	}
	if !(byTier[domain.TierValue] <= byTier[domain.TierFair] && byTier[domain.TierFair] <= byTier[domain.TierPremium]) {
		t.Fatalf("tiers out of price order: %v", byTier)
	}
}

func TestCircularityCaveatAlwaysReported(t *testing.T) {
	rows := catalogRows(60)
	base := trainPriceBase(t, rows)
	tracer := trace.NewNoopTracerProvider().Tracer("segments-test")

	res, _, err := Train(context.Background(), tracer, rows, base, "v1", Config{Clusters: 3, MinSamples: 1, Seed: 42})
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	found := false
	for _, a := range res.Alerts {
		if a.Type == "segment_circularity" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the segment_circularity caveat")
	}
}

func TestSmallClustersFallBackToGlobalModel(t *testing.T) {
	rows := catalogRows(60)
	base := trainPriceBase(t, rows)
	tracer := trace.NewNoopTracerProvider().Tracer("segments-test")

	res, model, err := Train(context.Background(), tracer, rows, base, "v1", Config{Clusters: 3, MinSamples: 10000, Seed: 42})
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	alerts := 0
	for _, a := range res.Alerts {
		if a.Type == "segment_too_small" {
			alerts++
		}
	}
	if alerts != 3 {
		t.Fatalf("expected 3 segment_too_small alerts, got %d", alerts)
	}
	for _, c := range res.Clusters {
		if c.HasSpecialist {
			t.Fatalf("cluster %d trained a specialist below the sample floor", c.Index)
		}
	}

	tier, err := model.Assign(common.SegmentVector(rows[0]))
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if _, ok, err := model.PredictSpecialist(tier, common.Vector(rows[0])); err != nil || ok {
		t.Fatalf("expected global fallback, got ok=%v err=%v", ok, err)
	}
}

func TestSpecialistPredictsFinitePrice(t *testing.T) {
	rows := catalogRows(90)
	base := trainPriceBase(t, rows)
	tracer := trace.NewNoopTracerProvider().Tracer("segments-test")

	_, model, err := Train(context.Background(), tracer, rows, base, "v1", Config{Clusters: 3, MinSamples: 1, Seed: 42})
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	tier, err := model.Assign(common.SegmentVector(rows[5]))
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	pred, ok, err := model.PredictSpecialist(tier, common.Vector(rows[5]))
	if err != nil {
		t.Fatalf("specialist predict failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a specialist for every tier at min samples 1")
	}
	if math.IsNaN(pred) || math.IsInf(pred, 0) {
		t.Fatalf("specialist prediction not finite: %v", pred)
	}
}

func TestModelRoundTripKeepsAssignments(t *testing.T) {
	rows := catalogRows(90)
	base := trainPriceBase(t, rows)
	tracer := trace.NewNoopTracerProvider().Tracer("segments-test")

	_, model, err := Train(context.Background(), tracer, rows, base, "v1", Config{Clusters: 3, MinSamples: 1, Seed: 42})
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	blob, err := model.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	restored, err := UnmarshalBinary(blob)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		want, err := model.Assign(common.SegmentVector(rows[i]))
		if err != nil {
			t.Fatalf("assign original: %v", err)
		}
		got, err := restored.Assign(common.SegmentVector(rows[i]))
		if err != nil {
			t.Fatalf("assign restored: %v", err)
		}
		if got != want {
			t.Fatalf("row %d tier changed after round trip: %s vs %s", i, got, want)
		}
	}
}

func TestTrainRejectsNonPriceBase(t *testing.T) {
	rows := catalogRows(60)
	base := trainPriceBase(t, rows)
	base.TargetName = common.TargetRAM
	tracer := trace.NewNoopTracerProvider().Tracer("segments-test")
	if _, _, err := Train(context.Background(), tracer, rows, base, "v1", Config{}); err == nil {
		t.Fatal("expected error for non-price base")
	}
}
