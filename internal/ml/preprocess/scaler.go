// Package preprocess holds the standard scaler every regressor artifact
// embeds. The scaler is fit once per training run and applied identically at
// inference.
package preprocess

import (
	"math"
)

// StandardScaler centers to zero mean and unit variance per feature.
// Zero-variance columns scale by 1 so they pass through unchanged.
type StandardScaler struct {
	Means  []float64 `json:"means"`
	Scales []float64 `json:"scales"`
}

// FitScaler returns nil for an empty training matrix; callers validate their
// dataset before fitting.
func FitScaler(samples [][]float64) *StandardScaler {
	if len(samples) == 0 || len(samples[0]) == 0 {
		return nil
	}
	p := len(samples[0])
	s := &StandardScaler{
		Means:  make([]float64, p),
		Scales: make([]float64, p),
	}
	for j := 0; j < p; j++ {
		for i := range samples {
			s.Means[j] += samples[i][j]
		}
		s.Means[j] /= float64(len(samples))
		for i := range samples {
			d := samples[i][j] - s.Means[j]
			s.Scales[j] += d * d
		}
		s.Scales[j] = math.Sqrt(s.Scales[j] / float64(len(samples)))
		if s.Scales[j] == 0 {
			s.Scales[j] = 1
		}
	}
	return s
}

func (s *StandardScaler) Transform(sample []float64) []float64 {
	out := make([]float64, len(sample))
	for i := range sample {
		out[i] = (sample[i] - s.Means[i]) / s.Scales[i]
	}
	return out
}

func (s *StandardScaler) TransformBatch(samples [][]float64) [][]float64 {
	out := make([][]float64, len(samples))
	for i := range samples {
		out[i] = s.Transform(samples[i])
	}
	return out
}

func (s *StandardScaler) Valid() bool {
	return s != nil && len(s.Means) > 0 && len(s.Means) == len(s.Scales)
}
