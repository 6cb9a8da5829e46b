// Package brand wraps a gradient-boosted multiclass classifier for the brand
// target. Brands are mapped to dense class indices at train time; the class
// table rides along in the artifact so predictions decode back to names.
package brand

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rmera/boo"
	"github.com/rmera/boo/utils"
)

type TrainOptions struct {
	MinClassSamples int
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{MinClassSamples: 2}
}

type Artifact struct {
	ModelKey       string    `json:"model_key"`
	FeatureVersion string    `json:"feature_version"`
	FeatureNames   []string  `json:"feature_names"`
	Means          []float64 `json:"means"`
	Stds           []float64 `json:"stds"`
	Classes        []string  `json:"classes"`
	Format         string    `json:"format"`
	// Booster holds the serialized classifier, written by the library's
	// own JSON codec.
	Booster   json.RawMessage `json:"booster"`
	TrainedAt time.Time       `json:"trained_at"`
}

const artifactFormat = "json/boo-brand-v1"

type Model struct {
	artifact   Artifact
	classifier *boo.MultiClass
	classIdx   map[string]int
}

type Prediction struct {
	Brand      string `json:"brand"`
	ClassIndex int    `json:"class_index"`
}

func Train(
	samples [][]float64,
	brands []string,
	featureNames []string,
	modelKey string,
	featureVersion string,
	opts TrainOptions,
) (*Model, error) {
	if len(samples) == 0 || len(samples) != len(brands) {
		return nil, errors.New("brand: empty or misaligned training data")
	}
	if opts.MinClassSamples <= 0 {
		opts.MinClassSamples = DefaultTrainOptions().MinClassSamples
	}

	counts := make(map[string]int)
	for _, b := range brands {
		counts[b]++
	}
	classes := make([]string, 0, len(counts))
	for b, c := range counts {
		if c >= opts.MinClassSamples {
			classes = append(classes, b)
		}
	}
	if len(classes) < 2 {
		return nil, errors.New("brand: need at least two classes with enough samples")
	}
	sort.Strings(classes)
	classIdx := make(map[string]int, len(classes))
	for i, b := range classes {
		classIdx[b] = i
	}

	means, stds := fitNormalizer(samples)

	var data [][]float64
	var labels []int
	for i, b := range brands {
		idx, ok := classIdx[b]
		if !ok {
			continue
		}
		data = append(data, normalize(samples[i], means, stds))
		labels = append(labels, idx)
	}

	bunch := &utils.DataBunch{Data: data, Labels: labels}
	classifier := boo.NewMultiClass(bunch, boo.DefaultXOptions())

	var buf bytes.Buffer
	if err := boo.JSONMultiClass(classifier, "softmax", &buf); err != nil {
		return nil, err
	}

	a := Artifact{
		ModelKey:       modelKey,
		FeatureVersion: featureVersion,
		FeatureNames:   append([]string(nil), featureNames...),
		Means:          means,
		Stds:           stds,
		Classes:        classes,
		Format:         artifactFormat,
		Booster:        json.RawMessage(buf.Bytes()),
		TrainedAt:      time.Now().UTC(),
	}
	return &Model{artifact: a, classifier: classifier, classIdx: classIdx}, nil
}

// Accuracy reports the share of samples whose predicted class matches the
// given brand. Samples with brands outside the class table are skipped.
func (m *Model) Accuracy(samples [][]float64, brands []string) float64 {
	if m == nil || m.classifier == nil || len(samples) == 0 {
		return 0
	}
	total := 0
	hits := 0
	for i := range samples {
		idx, ok := m.classIdx[brands[i]]
		if !ok {
			continue
		}
		total++
		if m.predictIndex(samples[i]) == idx {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (m *Model) Predict(sample []float64) Prediction {
	if m == nil || m.classifier == nil || len(sample) != len(m.artifact.Means) {
		return Prediction{Brand: "", ClassIndex: -1}
	}
	idx := m.predictIndex(sample)
	if idx < 0 || idx >= len(m.artifact.Classes) {
		return Prediction{Brand: "", ClassIndex: -1}
	}
	return Prediction{Brand: m.artifact.Classes[idx], ClassIndex: idx}
}

func (m *Model) predictIndex(sample []float64) int {
	normalized := normalize(sample, m.artifact.Means, m.artifact.Stds)
	return m.classifier.PredictSingleClass(normalized)
}

func (m *Model) Classes() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.artifact.Classes))
	copy(out, m.artifact.Classes)
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
	if a.Format != artifactFormat {
		return nil, errors.New("unexpected artifact format " + a.Format)
	}
	if len(a.Means) == 0 || len(a.Means) != len(a.Stds) || len(a.Classes) < 2 {
		return nil, errors.New("invalid artifact")
	}
	classifier, err := boo.UnJSONMultiClass(bufio.NewReader(bytes.NewReader(a.Booster)))
	if err != nil {
		return nil, err
	}
	classIdx := make(map[string]int, len(a.Classes))
	for i, b := range a.Classes {
		classIdx[b] = i
	}
	return &Model{artifact: a, classifier: classifier, classIdx: classIdx}, nil
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

func normalize(in, means, stds []float64) []float64 {
	out := make([]float64, len(in))
	for i := range in {
		out[i] = (in[i] - means[i]) / stds[i]
	}
	return out
}
