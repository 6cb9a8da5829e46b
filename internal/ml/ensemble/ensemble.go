// Package ensemble stacks the base learners with a non-negative ridge
// meta-learner fit on out-of-fold predictions. Non-negative weights keep the
// blend interpretable as credit assignment across learners.
package ensemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricelens/internal/domain"
	"pricelens/internal/ml/common"
	"pricelens/internal/ml/metrics"
	"pricelens/internal/ml/models/linear"
	"pricelens/internal/ml/training"
)

type Result struct {
	Order     []string           `json:"order"`
	Weights   map[string]float64 `json:"weights"`
	Intercept float64            `json:"intercept"`

	BaseMetrics map[string]map[string]float64 `json:"base_metrics"`
	Metrics     map[string]float64            `json:"metrics"`

	BestBase       string         `json:"best_base"`
	ImprovementPct float64        `json:"improvement_pct"`
	Alerts         []domain.Alert `json:"alerts,omitempty"`
}

type Artifact struct {
	ModelKey       string            `json:"model_key"`
	FeatureVersion string            `json:"feature_version"`
	TargetName     string            `json:"target_name"`
	Order          []string          `json:"order"`
	Weights        []float64         `json:"weights"`
	Intercept      float64           `json:"intercept"`
	Format         string            `json:"format"`
	Bases          []json.RawMessage `json:"bases"`
	TrainedAt      time.Time         `json:"trained_at"`
}

type Model struct {
	artifact Artifact
	bases    []*training.PersistedModel
}

// Build fits the meta-learner on the out-of-fold matrix and assembles the
// deployable blended model from the final full-data base fits. A blend that
// fails to beat the best single base is reported as an alert, not an error.
func Build(res *training.TargetResult, featureVersion string, lambda float64) (*Result, *Model, error) {
	if len(res.Order) == 0 {
		return nil, nil, errors.New("ensemble: no base learners")
	}
	n := len(res.Y)
	if n == 0 {
		return nil, nil, errors.New("ensemble: empty out-of-fold matrix")
	}

	design := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, len(res.Order))
		for j, key := range res.Order {
			row[j] = res.OOF[key][i]
		}
		design[i] = row
	}

	meta := linear.New(linear.Options{Lambda: lambda, NonNegative: true})
	if err := meta.Fit(design, res.Y); err != nil {
		return nil, nil, fmt.Errorf("fit meta-learner: %w", err)
	}

	blended := meta.PredictBatch(design)

	out := &Result{
		Order:       append([]string(nil), res.Order...),
		Weights:     make(map[string]float64, len(res.Order)),
		Intercept:   meta.Intercept,
		BaseMetrics: res.Metrics,
		Metrics:     metrics.Evaluate(res.Y, blended),
	}
	for j, key := range res.Order {
		out.Weights[key] = meta.Weights[j]
	}

	bestBase, bestRMSE := "", 0.0
	for _, key := range res.Order {
		rmse := res.Metrics[key]["rmse"]
		if bestBase == "" || rmse < bestRMSE {
			bestBase, bestRMSE = key, rmse
		}
	}
	out.BestBase = bestBase
	out.ImprovementPct = metrics.ImprovementPct(bestRMSE, out.Metrics["rmse"])
	if out.ImprovementPct <= 0 {
		out.Alerts = append(out.Alerts, domain.Alert{
			Type:     "ensemble_no_gain",
			Severity: domain.SeverityMedium,
			Message: fmt.Sprintf("stacked blend does not beat best base %s (rmse %.4f vs %.4f)",
				bestBase, out.Metrics["rmse"], bestRMSE),
		})
	}

	model, err := assemble(res, featureVersion, meta)
	if err != nil {
		return nil, nil, err
	}
	return out, model, nil
}

func assemble(res *training.TargetResult, featureVersion string, meta *linear.Regressor) (*Model, error) {
	a := Artifact{
		ModelKey:       common.ModelKeyEnsemble,
		FeatureVersion: featureVersion,
		TargetName:     res.TargetName,
		Order:          append([]string(nil), res.Order...),
		Weights:        append([]float64(nil), meta.Weights...),
		Intercept:      meta.Intercept,
		Format:         training.FormatEnsemble,
		TrainedAt:      time.Now().UTC(),
	}
	bases := make([]*training.PersistedModel, 0, len(res.Order))
	for _, key := range res.Order {
		baseArtifact, err := training.BuildArtifact(res, key, featureVersion)
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(baseArtifact)
		if err != nil {
			return nil, err
		}
		a.Bases = append(a.Bases, json.RawMessage(blob))
		persisted, err := training.LoadArtifact(blob)
		if err != nil {
			return nil, err
		}
		bases = append(bases, persisted)
	}
	return &Model{artifact: a, bases: bases}, nil
}

// Predict blends the base predictions for one raw feature vector.
func (m *Model) Predict(raw []float64) (float64, error) {
	if m == nil || len(m.bases) == 0 {
		return 0, errors.New("ensemble: empty model")
	}
	out := m.artifact.Intercept
	for j, base := range m.bases {
		pred, err := base.Predict(raw)
		if err != nil {
			return 0, err
		}
		out += m.artifact.Weights[j] * pred
	}
	return out, nil
}

func (m *Model) PredictBatch(samples [][]float64) ([]float64, error) {
	out := make([]float64, len(samples))
	for i := range samples {
		pred, err := m.Predict(samples[i])
		if err != nil {
			return nil, err
		}
		out[i] = pred
	}
	return out, nil
}

func (m *Model) FeatureNames() []string {
	if m == nil || len(m.bases) == 0 {
		return nil
	}
	return m.bases[0].FeatureNames()
}

func (m *Model) TargetName() string {
	if m == nil {
		return ""
	}
	return m.artifact.TargetName
}

func (m *Model) Weights() map[string]float64 {
	out := make(map[string]float64, len(m.artifact.Order))
	for j, key := range m.artifact.Order {
		out[key] = m.artifact.Weights[j]
	}
	return out
}

func (m *Model) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil model")
	}
	return json.Marshal(m.artifact)
}

func UnmarshalBinary(blob []byte) (*Model, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty artifact")
	}
	var a Artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, err
	}
	if a.Format != training.FormatEnsemble {
		return nil, errors.New("unexpected artifact format " + a.Format)
	}
	if len(a.Order) == 0 || len(a.Order) != len(a.Weights) || len(a.Bases) != len(a.Order) {
		return nil, errors.New("invalid artifact")
	}
	bases := make([]*training.PersistedModel, 0, len(a.Bases))
	for _, blob := range a.Bases {
		persisted, err := training.LoadArtifact(blob)
		if err != nil {
			return nil, err
		}
		bases = append(bases, persisted)
	}
	return &Model{artifact: a, bases: bases}, nil
}
