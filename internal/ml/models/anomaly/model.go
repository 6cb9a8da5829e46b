// Package anomaly screens engineered feature vectors with an isolation
// forest. The drift monitor runs the screen over fresh batches and reports
// the share of rows the forest isolates unusually fast.
package anomaly

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	goiforest "github.com/narumiruna/go-iforest/pkg/iforest"
)

type TrainOptions struct {
	NumTrees   int
	SampleSize int
	Threshold  float64
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		NumTrees:   200,
		SampleSize: 256,
		Threshold:  0.6,
	}
}

type Artifact struct {
	ModelKey       string                `json:"model_key"`
	FeatureVersion string                `json:"feature_version"`
	FeatureNames   []string              `json:"feature_names"`
	Means          []float64             `json:"means"`
	Stds           []float64             `json:"stds"`
	Options        goiforest.Options     `json:"options"`
	Trees          []*goiforest.TreeNode `json:"trees"`
	TrainedAt      time.Time             `json:"trained_at"`
}

type Screen struct {
	artifact Artifact
	forest   *goiforest.IsolationForest
}

// Result summarizes one screening pass over a batch.
type Result struct {
	Scores  []float64 `json:"-"`
	Flagged []int     `json:"flagged"`
	Rate    float64   `json:"rate"`
}

func Train(
	samples [][]float64,
	featureNames []string,
	modelKey string,
	featureVersion string,
	opts TrainOptions,
) (*Screen, error) {
	if len(samples) == 0 {
		return nil, errors.New("anomaly: empty training dataset")
	}
	if len(samples[0]) == 0 {
		return nil, errors.New("anomaly: empty feature vectors")
	}
	if opts.NumTrees <= 0 {
		opts.NumTrees = DefaultTrainOptions().NumTrees
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultTrainOptions().SampleSize
	}
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		opts.Threshold = DefaultTrainOptions().Threshold
	}

	featureCount := len(samples[0])
	if len(featureNames) != featureCount {
		return nil, errors.New("anomaly: feature name count mismatch")
	}

	means, stds := fitNormalizer(samples)
	normalized := normalizeBatch(samples, means, stds)

	options := goiforest.Options{
		DetectionType: goiforest.DetectionTypeThreshold,
		Threshold:     opts.Threshold,
		NumTrees:      opts.NumTrees,
		SampleSize:    opts.SampleSize,
	}
	forest := goiforest.NewWithOptions(options)
	forest.Fit(normalized)

	a := Artifact{
		ModelKey:       modelKey,
		FeatureVersion: featureVersion,
		FeatureNames:   append([]string(nil), featureNames...),
		Means:          means,
		Stds:           stds,
		Options:        *forest.Options,
		Trees:          forest.Trees,
		TrainedAt:      time.Now().UTC(),
	}
	return &Screen{artifact: a, forest: forest}, nil
}

// Score returns the clamped [0,1] isolation score for one vector.
func (s *Screen) Score(sample []float64) float64 {
	if s == nil || s.forest == nil || len(sample) != len(s.artifact.Means) {
		return 0
	}
	normalized := normalize(sample, s.artifact.Means, s.artifact.Stds)
	scores := s.forest.Score([][]float64{normalized})
	if len(scores) == 0 {
		return 0
	}
	score := scores[0]
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Run scores a batch and flags rows above the trained threshold.
func (s *Screen) Run(samples [][]float64) Result {
	res := Result{Scores: make([]float64, len(samples))}
	if len(samples) == 0 {
		return res
	}
	threshold := s.artifact.Options.Threshold
	for i := range samples {
		score := s.Score(samples[i])
		res.Scores[i] = score
		if score >= threshold {
			res.Flagged = append(res.Flagged, i)
		}
	}
	res.Rate = float64(len(res.Flagged)) / float64(len(samples))
	return res
}

func (s *Screen) FeatureNames() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.artifact.FeatureNames))
	copy(out, s.artifact.FeatureNames)
	return out
}

func (s *Screen) MarshalBinary() ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil screen")
	}
	return json.Marshal(s.artifact)
}

func UnmarshalBinary(blob []byte) (*Screen, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty artifact")
	}
	var a Artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, err
	}
	if len(a.Means) == 0 || len(a.Means) != len(a.Stds) || len(a.Trees) == 0 {
		return nil, errors.New("invalid artifact")
	}
	forest := goiforest.NewWithOptions(a.Options)
	forest.Trees = a.Trees
	return &Screen{artifact: a, forest: forest}, nil
}

func fitNormalizer(samples [][]float64) ([]float64, []float64) {
	featureCount := len(samples[0])
	means := make([]float64, featureCount)
	stds := make([]float64, featureCount)
	for j := 0; j < featureCount; j++ {
		for i := range samples {
			means[j] += samples[i][j]
		}
		means[j] /= float64(len(samples))
		for i := range samples {
			d := samples[i][j] - means[j]
			stds[j] += d * d
		}
		stds[j] = math.Sqrt(stds[j] / float64(len(samples)))
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	return means, stds
}

func normalizeBatch(samples [][]float64, means, stds []float64) [][]float64 {
	out := make([][]float64, len(samples))
	for i := range samples {
		out[i] = normalize(samples[i], means, stds)
	}
	return out
}

func normalize(in, means, stds []float64) []float64 {
	out := make([]float64, len(in))
	for i := range in {
		out[i] = (in[i] - means[i]) / stds[i]
	}
	return out
}
