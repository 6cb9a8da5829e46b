package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"pricelens/internal/domain"
	"pricelens/internal/ml/common"

	"go.opentelemetry.io/otel/trace"
)

func testRows(n int) []domain.EngineeredRow {
	rows := make([]domain.EngineeredRow, n)
	for i := 0; i < n; i++ {
		ram := float64(1 + i%16)
		battery := 2000 + float64(i)*37
		rows[i] = domain.EngineeredRow{
			PhoneRecord: domain.PhoneRecord{
				Brand:         "B",
				RAMGB:         ram,
				BatteryMAh:    battery,
				ScreenInches:  5 + float64(i%20)*0.1,
				WeightGrams:   150 + float64(i%40),
				LaunchYear:    2020 + float64(i%6),
				FrontCameraMP: 12,
				BackCameraMP:  48,
				StorageGB:     64 + float64(i%4)*64,
				PriceUSD:      100 + 50*ram + 0.05*battery + float64(i%7),
			},
			BatteryWeightRatio: battery / (150 + float64(i%40)),
			ScreenWeightRatio:  (5 + float64(i%20)*0.1) / (150 + float64(i%40)),
			RAMWeightRatio:     ram / (150 + float64(i%40)),
			RAMBatteryInteract: ram * battery * 1e-4,
			RAMPercentile:      float64(i%16) / 16,
			BatteryPercentile:  float64(i) / float64(n),
			TemporalDecay:      math.Exp(-float64(i%6) / 2),
		}
	}
	return rows
}

func noopTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("training-test")
}

// fingerprintLearner remembers exactly which scaled rows it was trained on
// and predicts 1 for any of them, 0 otherwise. An out-of-fold prediction of
// 1 would mean a fold clone scored a row it saw during training.
type fingerprintLearner struct {
	trained map[string]bool
}

func (f *fingerprintLearner) Fit(x [][]float64, y []float64) error {
	f.trained = make(map[string]bool, len(x))
	for _, row := range x {
		f.trained[fmt.Sprintf("%v", row)] = true
	}
	return nil
}

func (f *fingerprintLearner) Predict(sample []float64) float64 {
	if f.trained[fmt.Sprintf("%v", sample)] {
		return 1
	}
	return 0
}

func (f *fingerprintLearner) PredictBatch(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = f.Predict(x[i])
	}
	return out
}

func TestOutOfFoldPredictionsNeverComeFromTrainingRows(t *testing.T) {
	svc := NewService(noopTracer(), Config{Folds: 5, Seed: 42, MinTrainSamples: 10})
	svc.Learners = map[string]Factory{
		"fingerprint": func() (Regressor, error) { return &fingerprintLearner{}, nil },
	}
	svc.Order = []string{"fingerprint"}

	res, err := svc.TrainTarget(context.Background(), testRows(60), common.TargetPrice)
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	for i, v := range res.OOF["fingerprint"] {
		if v != 0 {
			t.Fatalf("row %d scored by a clone that trained on it", i)
		}
	}
}

func TestFoldAssignmentIsDeterministic(t *testing.T) {
	rows := testRows(50)
	svc := NewService(noopTracer(), Config{Folds: 5, Seed: 42, MinTrainSamples: 10})

	a, err := svc.TrainTarget(context.Background(), rows, common.TargetPrice)
	if err != nil {
		t.Fatalf("first train failed: %v", err)
	}
	b, err := svc.TrainTarget(context.Background(), rows, common.TargetPrice)
	if err != nil {
		t.Fatalf("second train failed: %v", err)
	}
	for i := range a.Folds {
		if a.Folds[i] != b.Folds[i] {
			t.Fatalf("fold assignment differs at row %d", i)
		}
	}
	counts := make(map[int]int)
	for _, f := range a.Folds {
		counts[f]++
	}
	if len(counts) != 5 {
		t.Fatalf("expected 5 folds, got %d", len(counts))
	}
}

func TestUnavailableLearnerFallsBackToForest(t *testing.T) {
	svc := NewService(noopTracer(), Config{Folds: 3, Seed: 42, MinTrainSamples: 10})
	svc.Learners = map[string]Factory{
		common.ModelKeyGBT: func() (Regressor, error) { return nil, errors.New("unavailable in this environment") },
	}
	svc.Order = []string{common.ModelKeyGBT}

	res, err := svc.TrainTarget(context.Background(), testRows(40), common.TargetPrice)
	if err != nil {
		t.Fatalf("train should survive a failing factory: %v", err)
	}
	found := false
	for _, a := range res.Alerts {
		if a.Type == "learner_fallback" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a learner_fallback alert")
	}
	if _, ok := res.Models[common.ModelKeyGBT]; !ok {
		t.Fatal("substituted model missing from results")
	}
}

func TestRowsWithMissingTargetAreDropped(t *testing.T) {
	rows := testRows(30)
	rows[3].PriceUSD = math.NaN()
	rows[17].PriceUSD = math.NaN()

	svc := NewService(noopTracer(), Config{Folds: 3, Seed: 42, MinTrainSamples: 10})
	res, err := svc.TrainTarget(context.Background(), rows, common.TargetPrice)
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	if len(res.KeptRows) != 28 {
		t.Fatalf("expected 28 kept rows, got %d", len(res.KeptRows))
	}
	for _, ri := range res.KeptRows {
		if ri == 3 || ri == 17 {
			t.Fatalf("row %d with missing target was kept", ri)
		}
	}
}

func TestArtifactRoundTripPreservesPredictions(t *testing.T) {
	rows := testRows(60)
	svc := NewService(noopTracer(), Config{Folds: 3, Seed: 42, MinTrainSamples: 10, LogTarget: true})
	res, err := svc.TrainTarget(context.Background(), rows, common.TargetPrice)
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}

	artifact, err := BuildArtifact(res, common.ModelKeyGBT, "v1")
	if err != nil {
		t.Fatalf("build artifact: %v", err)
	}
	blob, err := json.Marshal(artifact)
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	loaded, err := LoadArtifact(blob)
	if err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	if !loaded.Artifact.LogTarget {
		t.Fatal("log-target flag lost in round trip")
	}

	raw := common.SanitizeVector(common.Vector(rows[res.KeptRows[0]]))
	got, err := loaded.Predict(raw)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	scaled := res.Scaler.Transform(raw)
	want := math.Expm1(res.Models[common.ModelKeyGBT].Predict(scaled))
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("round-trip prediction diverges: %v vs %v", got, want)
	}
}

func TestUnknownTargetRejected(t *testing.T) {
	svc := NewService(noopTracer(), Config{Folds: 3, Seed: 42, MinTrainSamples: 10})
	if _, err := svc.TrainTarget(context.Background(), testRows(30), "resale_value"); err == nil {
		t.Fatal("expected error for unknown target")
	}
}
