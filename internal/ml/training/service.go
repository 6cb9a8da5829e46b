// Package training runs base-model training for one regression target:
// scaling, K-fold out-of-fold prediction, final full-data fits, and the
// artifact codec shared with inference.
package training

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"pricelens/internal/domain"
	"pricelens/internal/ml/common"
	"pricelens/internal/ml/metrics"
	"pricelens/internal/ml/models/forest"
	"pricelens/internal/ml/models/gbt"
	"pricelens/internal/ml/models/linear"
	"pricelens/internal/ml/models/mlp"
	"pricelens/internal/ml/preprocess"

	"go.opentelemetry.io/otel/trace"
)

// Regressor is the contract every base learner satisfies. Fit must fully
// reset internal state so a clone trained on fold k-1 never leaks into fold k.
type Regressor interface {
	Fit(x [][]float64, y []float64) error
	Predict(sample []float64) float64
	PredictBatch(x [][]float64) []float64
}

// Factory constructs a fresh, untrained learner. One factory call per fold
// plus one for the final full-data fit.
type Factory func() (Regressor, error)

const (
	FormatGBT      = "json/gbt-v1"
	FormatForest   = "json/forest-v1"
	FormatRidge    = "json/ridge-v1"
	FormatMLP      = "json/mlp-v1"
	FormatEnsemble = "json/ensemble-v1"
	FormatStudent  = "json/cart-student-v1"
)

// DefaultLearners is the standard learner registry in deterministic order.
func DefaultLearners(seed int64) (map[string]Factory, []string) {
	learners := map[string]Factory{
		common.ModelKeyGBT: func() (Regressor, error) {
			return gbt.New(gbt.DefaultOptions()), nil
		},
		common.ModelKeyForest: func() (Regressor, error) {
			opts := forest.DefaultOptions()
			opts.Seed = seed
			return forest.New(opts), nil
		},
		common.ModelKeyRidge: func() (Regressor, error) {
			return linear.New(linear.DefaultOptions()), nil
		},
		common.ModelKeyMLP: func() (Regressor, error) {
			opts := mlp.DefaultOptions()
			opts.Seed = seed
			return mlp.New(opts), nil
		},
	}
	order := []string{common.ModelKeyGBT, common.ModelKeyForest, common.ModelKeyRidge, common.ModelKeyMLP}
	return learners, order
}

type Config struct {
	Folds           int
	Seed            int64
	MinTrainSamples int
	LogTarget       bool
}

type Service struct {
	tracer trace.Tracer
	cfg    Config

	// Learners overrides the default registry; tests inject instrumented
	// factories here.
	Learners map[string]Factory
	Order    []string
}

func NewService(tracer trace.Tracer, cfg Config) *Service {
	if cfg.Folds < 2 {
		cfg.Folds = 5
	}
	if cfg.MinTrainSamples <= 0 {
		cfg.MinTrainSamples = 50
	}
	learners, order := DefaultLearners(cfg.Seed)
	return &Service{tracer: tracer, cfg: cfg, Learners: learners, Order: order}
}

// TargetResult carries everything downstream stages need: original-scale
// out-of-fold predictions per learner, the final full-data models, and the
// shared preprocessing state.
type TargetResult struct {
	TargetName   string
	FeatureNames []string
	Scaler       *preprocess.StandardScaler
	LogTarget    bool

	// KeptRows maps dataset positions back to the engineered-row slice;
	// rows with a missing target are dropped before splitting.
	KeptRows []int
	Y        []float64
	Folds    []int

	OOF     map[string][]float64
	Models  map[string]Regressor
	Metrics map[string]map[string]float64
	Order   []string
	Alerts  []domain.Alert
}

// TrainTarget runs the full base-model pass for one target. Each learner is
// trained K times on K-1 folds with a fresh clone per fold, so every row's
// out-of-fold prediction comes from a model that never saw it.
func (s *Service) TrainTarget(ctx context.Context, rows []domain.EngineeredRow, target string) (*TargetResult, error) {
	_, span := s.tracer.Start(ctx, "training.train-target")
	defer span.End()

	featureNames, x, y, kept, err := buildDataset(rows, target)
	if err != nil {
		return nil, err
	}
	if len(x) < s.cfg.MinTrainSamples {
		return nil, fmt.Errorf("not enough samples for %s: got %d need >= %d", target, len(x), s.cfg.MinTrainSamples)
	}

	scaler := preprocess.FitScaler(x)
	xs := scaler.TransformBatch(x)

	logTarget := s.cfg.LogTarget && target == common.TargetPrice
	yt := make([]float64, len(y))
	for i, v := range y {
		if logTarget {
			yt[i] = math.Log1p(v)
		} else {
			yt[i] = v
		}
	}

	folds := assignFolds(len(xs), s.cfg.Folds, s.cfg.Seed)

	res := &TargetResult{
		TargetName:   target,
		FeatureNames: featureNames,
		Scaler:       scaler,
		LogTarget:    logTarget,
		KeptRows:     kept,
		Y:            y,
		Folds:        folds,
		OOF:          make(map[string][]float64, len(s.Order)),
		Models:       make(map[string]Regressor, len(s.Order)),
		Metrics:      make(map[string]map[string]float64, len(s.Order)),
		Order:        append([]string(nil), s.Order...),
	}

	for _, key := range s.Order {
		factory := s.learnerOrFallback(key, res)
		oof, err := s.outOfFold(factory, xs, yt, folds)
		if err != nil {
			return nil, fmt.Errorf("out-of-fold %s: %w", key, err)
		}
		if logTarget {
			for i := range oof {
				oof[i] = math.Expm1(oof[i])
			}
		}
		res.OOF[key] = oof
		res.Metrics[key] = metrics.Evaluate(y, oof)

		final, err := factory()
		if err != nil {
			return nil, fmt.Errorf("construct %s: %w", key, err)
		}
		if err := final.Fit(xs, yt); err != nil {
			return nil, fmt.Errorf("final fit %s: %w", key, err)
		}
		res.Models[key] = final
	}

	return res, nil
}

// learnerOrFallback resolves a factory, substituting the deterministic forest
// when the registered one cannot construct a learner. The substitution is
// surfaced as an alert, never a hard failure.
func (s *Service) learnerOrFallback(key string, res *TargetResult) Factory {
	factory, ok := s.Learners[key]
	if !ok {
		factory = func() (Regressor, error) { return nil, fmt.Errorf("no factory for %s", key) }
	}
	_, err := factory()
	if err == nil {
		return factory
	}
	log.Printf("Warning: learner %s unavailable (%v), substituting forest", key, err)
	res.Alerts = append(res.Alerts, domain.Alert{
		Type:     "learner_fallback",
		Severity: domain.SeverityMedium,
		Message:  fmt.Sprintf("learner %s unavailable, substituted deterministic forest: %v", key, err),
	})
	seed := s.cfg.Seed
	return func() (Regressor, error) {
		opts := forest.DefaultOptions()
		opts.Seed = seed
		return forest.New(opts), nil
	}
}

func (s *Service) outOfFold(factory Factory, x [][]float64, y []float64, folds []int) ([]float64, error) {
	k := 0
	for _, f := range folds {
		if f+1 > k {
			k = f + 1
		}
	}
	oof := make([]float64, len(x))
	for fold := 0; fold < k; fold++ {
		var trainX [][]float64
		var trainY []float64
		var holdIdx []int
		for i, f := range folds {
			if f == fold {
				holdIdx = append(holdIdx, i)
				continue
			}
			trainX = append(trainX, x[i])
			trainY = append(trainY, y[i])
		}
		if len(trainX) == 0 || len(holdIdx) == 0 {
			return nil, errors.New("fold split produced an empty partition")
		}
		model, err := factory()
		if err != nil {
			return nil, err
		}
		if err := model.Fit(trainX, trainY); err != nil {
			return nil, err
		}
		for _, i := range holdIdx {
			oof[i] = model.Predict(x[i])
		}
	}
	return oof, nil
}

// assignFolds shuffles row indices with the fixed seed and deals them out
// round-robin, so repeated runs produce identical splits.
func assignFolds(n, k int, seed int64) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(a, b int) { order[a], order[b] = order[b], order[a] })
	folds := make([]int, n)
	for pos, i := range order {
		folds[i] = pos % k
	}
	return folds
}

// targetDrops lists the feature columns derived from each target; keeping
// them would hand the model a transform of its own label.
var targetDrops = map[string][]string{
	common.TargetPrice: {},
	common.TargetRAM: {
		"ram_gb", "ram_weight_ratio", "ram_battery_interaction", "ram_percentile_global",
	},
	common.TargetBattery: {
		"battery_mah", "battery_weight_ratio", "ram_battery_interaction", "battery_percentile_global",
	},
}

func buildDataset(rows []domain.EngineeredRow, target string) ([]string, [][]float64, []float64, []int, error) {
	drops, ok := targetDrops[target]
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("unknown target %q", target)
	}
	dropSet := make(map[string]bool, len(drops))
	for _, d := range drops {
		dropSet[d] = true
	}
	var keepIdx []int
	var names []string
	for j, name := range common.FeatureNames {
		if dropSet[name] {
			continue
		}
		keepIdx = append(keepIdx, j)
		names = append(names, name)
	}

	var x [][]float64
	var y []float64
	var kept []int
	for i := range rows {
		label, err := targetValue(rows[i], target)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if math.IsNaN(label) {
			continue
		}
		full := common.SanitizeVector(common.Vector(rows[i]))
		v := make([]float64, len(keepIdx))
		for p, j := range keepIdx {
			v[p] = full[j]
		}
		x = append(x, v)
		y = append(y, label)
		kept = append(kept, i)
	}
	return names, x, y, kept, nil
}

func targetValue(row domain.EngineeredRow, target string) (float64, error) {
	switch target {
	case common.TargetPrice:
		return row.PriceUSD, nil
	case common.TargetRAM:
		return row.RAMGB, nil
	case common.TargetBattery:
		return row.BatteryMAh, nil
	default:
		return 0, fmt.Errorf("unknown target %q", target)
	}
}

// Artifact is the serialized form of one trained model plus the preprocessing
// it was trained behind. Loading an artifact reproduces end-to-end prediction
// on raw feature vectors.
type Artifact struct {
	ModelKey       string          `json:"model_key"`
	FeatureVersion string          `json:"feature_version"`
	TargetName     string          `json:"target_name"`
	FeatureNames   []string        `json:"feature_names"`
	Means          []float64       `json:"means"`
	Scales         []float64       `json:"scales"`
	LogTarget      bool            `json:"log_target"`
	Format         string          `json:"format"`
	Model          json.RawMessage `json:"model"`
	TrainedAt      time.Time       `json:"trained_at"`
}

// BuildArtifact serializes one of the result's final models.
func BuildArtifact(res *TargetResult, modelKey, featureVersion string) (*Artifact, error) {
	model, ok := res.Models[modelKey]
	if !ok {
		return nil, fmt.Errorf("no trained model for %s", modelKey)
	}
	format, err := formatFor(model)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		ModelKey:       modelKey,
		FeatureVersion: featureVersion,
		TargetName:     res.TargetName,
		FeatureNames:   append([]string(nil), res.FeatureNames...),
		Means:          append([]float64(nil), res.Scaler.Means...),
		Scales:         append([]float64(nil), res.Scaler.Scales...),
		LogTarget:      res.LogTarget,
		Format:         format,
		Model:          blob,
		TrainedAt:      time.Now().UTC(),
	}, nil
}

func formatFor(model Regressor) (string, error) {
	switch model.(type) {
	case *gbt.Regressor:
		return FormatGBT, nil
	case *forest.Regressor:
		return FormatForest, nil
	case *linear.Regressor:
		return FormatRidge, nil
	case *mlp.Regressor:
		return FormatMLP, nil
	default:
		return "", fmt.Errorf("unknown model type %T", model)
	}
}

// PersistedModel is a loaded artifact ready to score raw feature vectors.
type PersistedModel struct {
	Artifact Artifact
	model    Regressor
	scaler   *preprocess.StandardScaler
}

func LoadArtifact(blob []byte) (*PersistedModel, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty artifact")
	}
	var a Artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, err
	}
	if len(a.Means) == 0 || len(a.Means) != len(a.Scales) {
		return nil, errors.New("invalid artifact scaler state")
	}
	model, err := decodeModel(a.Format, a.Model)
	if err != nil {
		return nil, err
	}
	scaler := &preprocess.StandardScaler{Means: a.Means, Scales: a.Scales}
	return &PersistedModel{Artifact: a, model: model, scaler: scaler}, nil
}

func decodeModel(format string, raw json.RawMessage) (Regressor, error) {
	switch format {
	case FormatGBT:
		var m gbt.Regressor
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case FormatForest:
		var m forest.Regressor
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case FormatRidge:
		var m linear.Regressor
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case FormatMLP:
		var m mlp.Regressor
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown artifact format %q", format)
	}
}

// Predict scores one raw feature vector in the artifact's column order.
func (p *PersistedModel) Predict(raw []float64) (float64, error) {
	if len(raw) != len(p.Artifact.FeatureNames) {
		return 0, fmt.Errorf("expected %d features, got %d", len(p.Artifact.FeatureNames), len(raw))
	}
	scaled := p.scaler.Transform(common.SanitizeVector(raw))
	out := p.model.Predict(scaled)
	if p.Artifact.LogTarget {
		out = math.Expm1(out)
	}
	return out, nil
}

func (p *PersistedModel) FeatureNames() []string {
	out := make([]string, len(p.Artifact.FeatureNames))
	copy(out, p.Artifact.FeatureNames)
	return out
}

// WriteOOFAudit dumps the fold assignment and per-learner out-of-fold
// predictions for offline verification of the no-leakage property.
func WriteOOFAudit(path string, res *TargetResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"row_index", "fold", res.TargetName}
	header = append(header, res.Order...)
	if err := w.Write(header); err != nil {
		return err
	}
	for i := range res.Y {
		rec := []string{
			strconv.Itoa(res.KeptRows[i]),
			strconv.Itoa(res.Folds[i]),
			strconv.FormatFloat(res.Y[i], 'g', -1, 64),
		}
		for _, key := range res.Order {
			rec = append(rec, strconv.FormatFloat(res.OOF[key][i], 'g', -1, 64))
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
