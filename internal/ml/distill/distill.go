// Package distill compresses the stacked ensemble into a single depth-bounded
// CART trained on the ensemble's own predictions. The student trades accuracy
// for a small artifact and constant-time scoring; retention below the
// configured floor is flagged, not rejected.
package distill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"pricelens/internal/domain"
	"pricelens/internal/ml/common"
	"pricelens/internal/ml/ensemble"
	"pricelens/internal/ml/metrics"
	"pricelens/internal/ml/models/tree"
	"pricelens/internal/ml/preprocess"
	"pricelens/internal/ml/training"

	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	MaxDepth        int
	MinRetentionPct float64
}

// Benchmark compares the student against its teacher on held-out rows the
// student never trained on.
type Benchmark struct {
	TeacherRMSE  float64 `json:"teacher_rmse"`
	StudentRMSE  float64 `json:"student_rmse"`
	TeacherR2    float64 `json:"teacher_r2"`
	StudentR2    float64 `json:"student_r2"`
	RetentionPct float64 `json:"retention_pct"`
	HoldoutRows  int     `json:"holdout_rows"`

	TeacherArtifactBytes int `json:"teacher_artifact_bytes"`
	StudentArtifactBytes int `json:"student_artifact_bytes"`
	TreeNodes            int `json:"tree_nodes"`

	TeacherLatencyNs int64 `json:"teacher_latency_ns"`
	StudentLatencyNs int64 `json:"student_latency_ns"`
}

type Result struct {
	Benchmark Benchmark      `json:"benchmark"`
	Alerts    []domain.Alert `json:"alerts,omitempty"`
}

type Artifact struct {
	ModelKey       string     `json:"model_key"`
	FeatureVersion string     `json:"feature_version"`
	TargetName     string     `json:"target_name"`
	FeatureNames   []string   `json:"feature_names"`
	Means          []float64  `json:"means"`
	Scales         []float64  `json:"scales"`
	LogTarget      bool       `json:"log_target"`
	Format         string     `json:"format"`
	Root           *tree.Node `json:"root"`
	TrainedAt      time.Time  `json:"trained_at"`
}

type Student struct {
	artifact Artifact
	scaler   *preprocess.StandardScaler
}

// Distill trains the student on the teacher's predictions, then benchmarks
// both against the true target on a held-out share of the rows.
func Distill(ctx context.Context, tracer trace.Tracer, rows []domain.EngineeredRow, base *training.TargetResult, teacher *ensemble.Model, featureVersion string, cfg Config) (*Result, *Student, error) {
	_, span := tracer.Start(ctx, "distill.run")
	defer span.End()

	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 8
	}
	if cfg.MinRetentionPct <= 0 {
		cfg.MinRetentionPct = 95
	}
	if base.TargetName != common.TargetPrice {
		return nil, nil, fmt.Errorf("distillation targets price, got %s", base.TargetName)
	}
	n := len(base.KeptRows)
	if n == 0 {
		return nil, nil, errors.New("distill: no training rows")
	}

	raw := make([][]float64, n)
	for i, ri := range base.KeptRows {
		raw[i] = common.SanitizeVector(common.Vector(rows[ri]))
	}
	scaled := base.Scaler.TransformBatch(raw)

	// soft targets from the teacher, moved to the student's training space
	teacherPreds, err := teacher.PredictBatch(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("score teacher: %w", err)
	}
	soft := make([]float64, n)
	for i, p := range teacherPreds {
		if base.LogTarget {
			soft[i] = math.Log1p(math.Max(p, 0))
		} else {
			soft[i] = p
		}
	}

	trainIdx, testIdx := holdoutSplit(n)
	trainX := make([][]float64, len(trainIdx))
	trainSoft := make([]float64, len(trainIdx))
	for i, ri := range trainIdx {
		trainX[i] = scaled[ri]
		trainSoft[i] = soft[ri]
	}

	root := tree.Grow(trainX, trainSoft, tree.Options{MaxDepth: cfg.MaxDepth, MinSamplesLeaf: 2}, nil)

	student := &Student{
		artifact: Artifact{
			ModelKey:       common.ModelKeyStudent,
			FeatureVersion: featureVersion,
			TargetName:     base.TargetName,
			FeatureNames:   append([]string(nil), base.FeatureNames...),
			Means:          append([]float64(nil), base.Scaler.Means...),
			Scales:         append([]float64(nil), base.Scaler.Scales...),
			LogTarget:      base.LogTarget,
			Format:         training.FormatStudent,
			Root:           root,
			TrainedAt:      time.Now().UTC(),
		},
		scaler: base.Scaler,
	}

	bench, err := benchmark(base, teacher, student, raw, teacherPreds, testIdx)
	if err != nil {
		return nil, nil, err
	}

	res := &Result{Benchmark: bench}
	if bench.RetentionPct < cfg.MinRetentionPct {
		res.Alerts = append(res.Alerts, domain.Alert{
			Type:     "distill_low_retention",
			Severity: domain.SeverityMedium,
			Message: fmt.Sprintf("student retains %.1f%% of teacher accuracy on held-out rows (rmse %.4f vs %.4f), below the %.0f%% floor; prefer the ensemble for serving",
				bench.RetentionPct, bench.StudentRMSE, bench.TeacherRMSE, cfg.MinRetentionPct),
		})
	}
	return res, student, nil
}

// holdoutSplit reserves every fifth row for the benchmark so retention is
// measured against true prices the student never trained on. Tiny datasets
// fall back to benchmarking on the training rows.
func holdoutSplit(n int) (train, test []int) {
	for i := 0; i < n; i++ {
		if i%5 == 4 {
			test = append(test, i)
		} else {
			train = append(train, i)
		}
	}
	if len(test) == 0 {
		test = train
	}
	return train, test
}

func benchmark(base *training.TargetResult, teacher *ensemble.Model, student *Student, raw [][]float64, teacherPreds []float64, testIdx []int) (Benchmark, error) {
	testY := make([]float64, len(testIdx))
	teacherTest := make([]float64, len(testIdx))
	studentTest := make([]float64, len(testIdx))
	for i, ri := range testIdx {
		testY[i] = base.Y[ri]
		teacherTest[i] = teacherPreds[ri]
		p, err := student.Predict(raw[ri])
		if err != nil {
			return Benchmark{}, err
		}
		studentTest[i] = p
	}

	teacherRMSE := metrics.RMSE(testY, teacherTest)
	studentRMSE := metrics.RMSE(testY, studentTest)
	retention := 100.0
	if teacherRMSE > 0 {
		retention = (1 - math.Abs(studentRMSE-teacherRMSE)/teacherRMSE) * 100
	} else if studentRMSE > 0 {
		retention = 0
	}

	teacherBlob, err := teacher.MarshalBinary()
	if err != nil {
		return Benchmark{}, err
	}
	studentBlob, err := student.MarshalBinary()
	if err != nil {
		return Benchmark{}, err
	}

	bench := Benchmark{
		TeacherRMSE:          teacherRMSE,
		StudentRMSE:          studentRMSE,
		TeacherR2:            metrics.R2(testY, teacherTest),
		StudentR2:            metrics.R2(testY, studentTest),
		RetentionPct:         retention,
		HoldoutRows:          len(testIdx),
		TeacherArtifactBytes: len(teacherBlob),
		StudentArtifactBytes: len(studentBlob),
		TreeNodes:            student.artifact.Root.Size(),
	}

	// crude single-row latency averages; enough to show the order-of-magnitude gap
	start := time.Now()
	for i := range raw {
		if _, err := teacher.Predict(raw[i]); err != nil {
			return Benchmark{}, err
		}
	}
	bench.TeacherLatencyNs = time.Since(start).Nanoseconds() / int64(len(raw))
	start = time.Now()
	for i := range raw {
		if _, err := student.Predict(raw[i]); err != nil {
			return Benchmark{}, err
		}
	}
	bench.StudentLatencyNs = time.Since(start).Nanoseconds() / int64(len(raw))

	return bench, nil
}

// Predict scores one raw feature vector in the artifact's column order.
func (s *Student) Predict(raw []float64) (float64, error) {
	if s == nil || s.artifact.Root == nil {
		return 0, errors.New("distill: empty student")
	}
	if len(raw) != len(s.artifact.FeatureNames) {
		return 0, fmt.Errorf("expected %d features, got %d", len(s.artifact.FeatureNames), len(raw))
	}
	scaled := s.scaler.Transform(common.SanitizeVector(raw))
	out := s.artifact.Root.Predict(scaled)
	if s.artifact.LogTarget {
		out = math.Expm1(out)
	}
	return out, nil
}

func (s *Student) FeatureNames() []string {
	out := make([]string, len(s.artifact.FeatureNames))
	copy(out, s.artifact.FeatureNames)
	return out
}

func (s *Student) MarshalBinary() ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil student")
	}
	return json.Marshal(s.artifact)
}

func UnmarshalBinary(blob []byte) (*Student, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty artifact")
	}
	var a Artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, err
	}
	if a.Format != training.FormatStudent {
		return nil, errors.New("unexpected artifact format " + a.Format)
	}
	if a.Root == nil || len(a.Means) == 0 || len(a.Means) != len(a.Scales) {
		return nil, errors.New("invalid artifact")
	}
	return &Student{
		artifact: a,
		scaler:   &preprocess.StandardScaler{Means: a.Means, Scales: a.Scales},
	}, nil
}
