// Package segments clusters the catalog into market tiers with k-means and
// trains per-tier specialist regressors where a cluster has enough samples.
// Clustering runs on ratio and percentile features only, never raw price.
package segments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"pricelens/internal/domain"
	"pricelens/internal/ml/common"
	"pricelens/internal/ml/metrics"
	"pricelens/internal/ml/models/gbt"
	"pricelens/internal/ml/preprocess"
	"pricelens/internal/ml/training"

	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Clusters   int
	MinSamples int
	Seed       int64
}

// ClusterReport describes one discovered segment and, when a specialist was
// trained, how it compares against the global model on the same rows.
type ClusterReport struct {
	Index     int                `json:"index"`
	Tier      domain.SegmentTier `json:"tier"`
	Size      int                `json:"size"`
	MeanPrice float64            `json:"mean_price"`

	HasSpecialist     bool               `json:"has_specialist"`
	SpecialistMetrics map[string]float64 `json:"specialist_metrics,omitempty"`
	GlobalMetrics     map[string]float64 `json:"global_metrics,omitempty"`
	ImprovementPct    float64            `json:"improvement_pct"`
}

type Result struct {
	Clusters    []ClusterReport `json:"clusters"`
	Assignments []int           `json:"-"`
	Alerts      []domain.Alert  `json:"alerts,omitempty"`
}

type Artifact struct {
	ModelKey       string                      `json:"model_key"`
	FeatureVersion string                      `json:"feature_version"`
	FeatureNames   []string                    `json:"feature_names"`
	Means          []float64                   `json:"means"`
	Stds           []float64                   `json:"stds"`
	Centroids      [][]float64                 `json:"centroids"`
	Tiers          []domain.SegmentTier        `json:"tiers"`
	LogTarget      bool                        `json:"log_target"`
	Format         string                      `json:"format"`
	Specialists    map[string]*gbt.Regressor   `json:"specialists"`
	PriceScaler    *preprocess.StandardScaler  `json:"price_scaler"`
	PriceFeatures  []string                    `json:"price_features"`
	TrainedAt      time.Time                   `json:"trained_at"`
}

const artifactFormat = "json/segments-v1"

type Model struct {
	artifact Artifact
}

var tierByRank = []domain.SegmentTier{domain.TierValue, domain.TierFair, domain.TierPremium}

// Train clusters the kept training rows and fits specialists. base must come
// from a price-target training pass so cluster tiers can be ranked by price.
func Train(ctx context.Context, tracer trace.Tracer, rows []domain.EngineeredRow, base *training.TargetResult, featureVersion string, cfg Config) (*Result, *Model, error) {
	_, span := tracer.Start(ctx, "segments.train")
	defer span.End()

	if base.TargetName != common.TargetPrice {
		return nil, nil, fmt.Errorf("segmentation requires the price target, got %s", base.TargetName)
	}
	if cfg.Clusters != len(tierByRank) {
		cfg.Clusters = len(tierByRank)
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 20
	}
	n := len(base.KeptRows)
	if n < cfg.Clusters {
		return nil, nil, errors.New("not enough rows to cluster")
	}

	segX := make([][]float64, n)
	priceX := make([][]float64, n)
	for i, ri := range base.KeptRows {
		segX[i] = common.SanitizeVector(common.SegmentVector(rows[ri]))
		priceX[i] = common.SanitizeVector(common.Vector(rows[ri]))
	}
	scaler := preprocess.FitScaler(segX)
	scaled := scaler.TransformBatch(segX)

	centroids, assignments := kmeans(scaled, cfg.Clusters, cfg.Seed)

	// rank clusters by mean price so tier names are stable across runs
	meanPrice := make([]float64, cfg.Clusters)
	sizes := make([]int, cfg.Clusters)
	for i, c := range assignments {
		meanPrice[c] += base.Y[i]
		sizes[c]++
	}
	rank := make([]int, cfg.Clusters)
	for c := range rank {
		rank[c] = c
		if sizes[c] > 0 {
			meanPrice[c] /= float64(sizes[c])
		}
	}
	sort.Slice(rank, func(a, b int) bool { return meanPrice[rank[a]] < meanPrice[rank[b]] })
	tiers := make([]domain.SegmentTier, cfg.Clusters)
	for pos, c := range rank {
		tiers[c] = tierByRank[pos]
	}

	res := &Result{Assignments: assignments}
	res.Alerts = append(res.Alerts, domain.Alert{
		Type:     "segment_circularity",
		Severity: domain.SeverityLow,
		Message:  "segment features include within-dataset percentiles; clusters partially restate the ranking they were computed from",
	})

	priceScaled := base.Scaler.TransformBatch(priceX)
	globalModel, ok := base.Models[common.ModelKeyGBT]
	if !ok {
		return nil, nil, errors.New("no global gbt model to compare against")
	}

	specialists := make(map[string]*gbt.Regressor, cfg.Clusters)
	for c := 0; c < cfg.Clusters; c++ {
		report := ClusterReport{Index: c, Tier: tiers[c], Size: sizes[c], MeanPrice: meanPrice[c]}
		if sizes[c] >= cfg.MinSamples {
			var cx [][]float64
			var cy []float64
			var rawY []float64
			for i, a := range assignments {
				if a != c {
					continue
				}
				cx = append(cx, priceScaled[i])
				rawY = append(rawY, base.Y[i])
				if base.LogTarget {
					cy = append(cy, math.Log1p(base.Y[i]))
				} else {
					cy = append(cy, base.Y[i])
				}
			}
			specialist := gbt.New(gbt.DefaultOptions())
			if err := specialist.Fit(cx, cy); err != nil {
				return nil, nil, fmt.Errorf("fit specialist for cluster %d: %w", c, err)
			}
			specialists[tierKey(tiers[c])] = specialist

			specPreds := restore(specialist.PredictBatch(cx), base.LogTarget)
			globalPreds := restore(globalModel.PredictBatch(cx), base.LogTarget)
			report.HasSpecialist = true
			report.SpecialistMetrics = metrics.Evaluate(rawY, specPreds)
			report.GlobalMetrics = metrics.Evaluate(rawY, globalPreds)
			report.ImprovementPct = metrics.ImprovementPct(report.GlobalMetrics["rmse"], report.SpecialistMetrics["rmse"])
		} else {
			res.Alerts = append(res.Alerts, domain.Alert{
				Type:     "segment_too_small",
				Severity: domain.SeverityLow,
				Message:  fmt.Sprintf("cluster %d (%s) has %d samples, below the specialist minimum of %d; global model serves this tier", c, tiers[c], sizes[c], cfg.MinSamples),
			})
		}
		res.Clusters = append(res.Clusters, report)
	}

	model := &Model{artifact: Artifact{
		ModelKey:       common.ModelKeySegments,
		FeatureVersion: featureVersion,
		FeatureNames:   append([]string(nil), common.SegmentFeatureNames...),
		Means:          append([]float64(nil), scaler.Means...),
		Stds:           append([]float64(nil), scaler.Scales...),
		Centroids:      centroids,
		Tiers:          tiers,
		LogTarget:      base.LogTarget,
		Format:         artifactFormat,
		Specialists:    specialists,
		PriceScaler:    base.Scaler,
		PriceFeatures:  append([]string(nil), base.FeatureNames...),
		TrainedAt:      time.Now().UTC(),
	}}
	return res, model, nil
}

func restore(preds []float64, logTarget bool) []float64 {
	if !logTarget {
		return preds
	}
	out := make([]float64, len(preds))
	for i, p := range preds {
		out[i] = math.Expm1(p)
	}
	return out
}

func tierKey(t domain.SegmentTier) string { return string(t) }

// Assign returns the tier for one raw segment feature vector.
func (m *Model) Assign(segmentVector []float64) (domain.SegmentTier, error) {
	if m == nil || len(m.artifact.Centroids) == 0 {
		return "", errors.New("segments: empty model")
	}
	if len(segmentVector) != len(m.artifact.Means) {
		return "", fmt.Errorf("expected %d features, got %d", len(m.artifact.Means), len(segmentVector))
	}
	scaled := make([]float64, len(segmentVector))
	sane := common.SanitizeVector(segmentVector)
	for j := range sane {
		scaled[j] = (sane[j] - m.artifact.Means[j]) / m.artifact.Stds[j]
	}
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range m.artifact.Centroids {
		d := sqDist(scaled, centroid)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return m.artifact.Tiers[best], nil
}

// PredictSpecialist scores a raw price feature vector with the tier's
// specialist. ok is false when the tier fell back to the global model.
func (m *Model) PredictSpecialist(tier domain.SegmentTier, priceVector []float64) (pred float64, ok bool, err error) {
	specialist, found := m.artifact.Specialists[tierKey(tier)]
	if !found {
		return 0, false, nil
	}
	if len(priceVector) != len(m.artifact.PriceFeatures) {
		return 0, false, fmt.Errorf("expected %d features, got %d", len(m.artifact.PriceFeatures), len(priceVector))
	}
	scaled := m.artifact.PriceScaler.Transform(common.SanitizeVector(priceVector))
	out := specialist.Predict(scaled)
	if m.artifact.LogTarget {
		out = math.Expm1(out)
	}
	return out, true, nil
}

func (m *Model) Tiers() []domain.SegmentTier {
	out := make([]domain.SegmentTier, len(m.artifact.Tiers))
	copy(out, m.artifact.Tiers)
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
	if len(a.Centroids) == 0 || len(a.Centroids) != len(a.Tiers) {
		return nil, errors.New("invalid artifact")
	}
	return &Model{artifact: a}, nil
}

// kmeans is plain Lloyd's algorithm with seeded random initialization from
// distinct points. An emptied cluster is reseeded to the point farthest from
// its assigned centroid.
func kmeans(points [][]float64, k int, seed int64) ([][]float64, []int) {
	n := len(points)
	rng := rand.New(rand.NewSource(seed))

	order := rng.Perm(n)
	centroids := make([][]float64, k)
	for c := 0; c < k; c++ {
		centroids[c] = append([]float64(nil), points[order[c%n]]...)
	}

	assignments := make([]int, n)
	const maxIter = 100
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				d := sqDist(p, centroid)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		dim := len(points[0])
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			c := assignments[i]
			counts[c]++
			for j := range p {
				sums[c][j] += p[j]
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				far, farDist := 0, -1.0
				for i, p := range points {
					d := sqDist(p, centroids[assignments[i]])
					if d > farDist {
						far, farDist = i, d
					}
				}
				centroids[c] = append([]float64(nil), points[far]...)
				assignments[far] = c
				continue
			}
			for j := 0; j < dim; j++ {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}
	}
	return centroids, assignments
}

func sqDist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
