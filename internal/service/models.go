// Package service holds the serving-side model holder. Models are loaded
// from the artifact store as one immutable set; Reload swaps the whole set
// under a lock, so a request never sees a half-updated mix of versions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"pricelens/internal/ml/artifacts"
	"pricelens/internal/ml/common"
	"pricelens/internal/ml/distill"
	"pricelens/internal/ml/ensemble"
	"pricelens/internal/ml/models/brand"
	"pricelens/internal/ml/segments"

	"go.opentelemetry.io/otel/trace"
)

type PredictRequest struct {
	Features   map[string]float64 `json:"features" binding:"required"`
	UseStudent bool               `json:"use_student"`
}

type PredictResponse struct {
	Price  float64 `json:"price_usd"`
	Source string  `json:"source"`

	Tier            string   `json:"market_tier,omitempty"`
	SpecialistPrice *float64 `json:"specialist_price_usd,omitempty"`
	Brand           string   `json:"brand,omitempty"`
}

type loadedSet struct {
	ensemble *ensemble.Model
	student  *distill.Student
	segments *segments.Model
	brand    *brand.Model
}

type ModelHolder struct {
	tracer trace.Tracer
	store  *artifacts.Store

	mu     sync.RWMutex
	models loadedSet
}

func NewModelHolder(tracer trace.Tracer, store *artifacts.Store) *ModelHolder {
	return &ModelHolder{tracer: tracer, store: store}
}

// Reload builds a fresh model set from the artifact store and swaps it in
// atomically. Missing artifacts are tolerated; at minimum the ensemble or
// the student must load.
func (s *ModelHolder) Reload(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "service.reload-models")
	defer span.End()

	var set loadedSet
	if blob, err := s.store.Load(common.ModelKeyEnsemble); err == nil {
		model, err := ensemble.UnmarshalBinary(blob)
		if err != nil {
			return fmt.Errorf("decode ensemble artifact: %w", err)
		}
		set.ensemble = model
	}
	if blob, err := s.store.Load(common.ModelKeyStudent); err == nil {
		model, err := distill.UnmarshalBinary(blob)
		if err != nil {
			return fmt.Errorf("decode student artifact: %w", err)
		}
		set.student = model
	}
	if blob, err := s.store.Load(common.ModelKeySegments); err == nil {
		model, err := segments.UnmarshalBinary(blob)
		if err != nil {
			return fmt.Errorf("decode segments artifact: %w", err)
		}
		set.segments = model
	}
	if blob, err := s.store.Load(common.ModelKeyBrand); err == nil {
		model, err := brand.UnmarshalBinary(blob)
		if err != nil {
			return fmt.Errorf("decode brand artifact: %w", err)
		}
		set.brand = model
	}

	if set.ensemble == nil && set.student == nil {
		return errors.New("no deployable price model in artifact store")
	}

	s.mu.Lock()
	s.models = set
	s.mu.Unlock()
	log.Printf("Loaded models: %v", describe(set))
	return nil
}

func (s *ModelHolder) snapshot() loadedSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.models
}

func (s *ModelHolder) Ready() bool {
	set := s.snapshot()
	return set.ensemble != nil || set.student != nil
}

func (s *ModelHolder) LoadedModels() []string {
	return describe(s.snapshot())
}

// Predict scores one feature map. The request must carry every model input
// column by name; the error lists what is missing.
func (s *ModelHolder) Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	_, span := s.tracer.Start(ctx, "service.predict")
	defer span.End()

	set := s.snapshot()
	if set.ensemble == nil && set.student == nil {
		return nil, errors.New("models not loaded")
	}

	vector, err := buildVector(req.Features, common.FeatureNames)
	if err != nil {
		return nil, err
	}

	resp := &PredictResponse{}
	switch {
	case req.UseStudent && set.student != nil:
		price, err := set.student.Predict(vector)
		if err != nil {
			return nil, err
		}
		resp.Price, resp.Source = price, "student"
	case set.ensemble != nil:
		price, err := set.ensemble.Predict(vector)
		if err != nil {
			return nil, err
		}
		resp.Price, resp.Source = price, "ensemble"
	default:
		price, err := set.student.Predict(vector)
		if err != nil {
			return nil, err
		}
		resp.Price, resp.Source = price, "student"
	}

	if set.segments != nil {
		if segVector, err := buildVector(req.Features, common.SegmentFeatureNames); err == nil {
			tier, err := set.segments.Assign(segVector)
			if err == nil {
				resp.Tier = string(tier)
				if pred, ok, err := set.segments.PredictSpecialist(tier, vector); err == nil && ok {
					resp.SpecialistPrice = &pred
				}
			}
		}
	}

	if set.brand != nil {
		if p := set.brand.Predict(vector); p.ClassIndex >= 0 {
			resp.Brand = p.Brand
		}
	}

	return resp, nil
}

func buildVector(features map[string]float64, names []string) ([]float64, error) {
	vector := make([]float64, len(names))
	var missing []string
	for j, name := range names {
		v, ok := features[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		vector[j] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing features: %v", missing)
	}
	return common.SanitizeVector(vector), nil
}

func describe(set loadedSet) []string {
	var out []string
	if set.ensemble != nil {
		out = append(out, common.ModelKeyEnsemble)
	}
	if set.student != nil {
		out = append(out, common.ModelKeyStudent)
	}
	if set.segments != nil {
		out = append(out, common.ModelKeySegments)
	}
	if set.brand != nil {
		out = append(out, common.ModelKeyBrand)
	}
	return out
}
