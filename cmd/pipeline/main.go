package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pricelens/internal/bot"
	"pricelens/internal/cache"
	"pricelens/internal/config"
	"pricelens/internal/dataset"
	"pricelens/internal/db"
	"pricelens/internal/domain"
	"pricelens/internal/features"
	"pricelens/internal/ml/artifacts"
	"pricelens/internal/ml/common"
	"pricelens/internal/ml/distill"
	"pricelens/internal/ml/ensemble"
	"pricelens/internal/ml/models/anomaly"
	"pricelens/internal/ml/models/brand"
	"pricelens/internal/ml/registry"
	"pricelens/internal/ml/segments"
	"pricelens/internal/ml/training"
	"pricelens/internal/monitor"
	"pricelens/internal/service"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"
)

var allStages = []string{"features", "train", "ensemble", "segments", "distill", "brand", "monitor"}

var (
	loadEnvFunc      = godotenv.Load
	loadConfigFunc   = config.Load
	initPostgresFunc = db.InitPostgres
	initRedisFunc    = cache.InitRedis
)

type pipeline struct {
	cfg    *config.Config
	tracer trace.Tracer
	store  *artifacts.Store
	repo   *registry.Repository
	alerts *bot.AlertDispatcher

	records []domain.PhoneRecord
	quality *domain.QualityReport
	rows    []domain.EngineeredRow

	base     *training.TargetResult
	blend    *ensemble.Model
	blendRes *ensemble.Result
}

func main() {
	loadEnvFunc()
	cfg := loadConfigFunc()

	stagesFlag := flag.String("stages", "all", "comma-separated stages: "+strings.Join(allStages, ",")+" or all")
	dataFlag := flag.String("data", cfg.DataPath, "input CSV path")
	outFlag := flag.String("out", cfg.OutDir, "output directory for artifacts and reports")
	flag.Parse()
	cfg.DataPath = *dataFlag
	cfg.OutDir = *outFlag

	stages, err := resolveStages(*stagesFlag)
	if err != nil {
		log.Fatalf("parse stages: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if cfg.DatabaseURL != "" {
		os.Setenv("DATABASE_URL", cfg.DatabaseURL)
		initPostgresFunc(ctx)
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
	}
	if cfg.RedisURL != "" {
		os.Setenv("REDIS_URL", cfg.RedisURL)
		initRedisFunc(ctx)
	}

	store, err := artifacts.NewStore(cfg.OutDir)
	if err != nil {
		log.Fatalf("open artifact store: %v", err)
	}

	p := &pipeline{
		cfg:    cfg,
		tracer: trace.NewNoopTracerProvider().Tracer("pipeline"),
		store:  store,
	}
	if db.Pool != nil {
		p.repo = registry.NewRepository(db.Pool, p.tracer)
	}
	if cfg.TelegramBotToken != "" {
		os.Setenv("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
		var lister bot.ModelLister
		if p.repo != nil {
			lister = service.RegistryModelLister{Repo: p.repo}
		}
		p.alerts = bot.StartTelegramBot(service.CacheDriftReader{}, lister)
	}

	for _, stage := range stages {
		start := time.Now()
		if err := p.run(ctx, stage); err != nil {
			log.Fatalf("stage %s failed: %v", stage, err)
		}
		log.Printf("stage=%s status=ok elapsed=%s", stage, time.Since(start).Round(time.Millisecond))
	}
}

func resolveStages(raw string) ([]string, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "all" {
		return allStages, nil
	}
	known := make(map[string]int, len(allStages))
	for i, s := range allStages {
		known[s] = i
	}
	var picked []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if _, ok := known[s]; !ok {
			return nil, fmt.Errorf("unknown stage %q", s)
		}
		picked = append(picked, s)
	}
	sort.Slice(picked, func(a, b int) bool { return known[picked[a]] < known[picked[b]] })
	return picked, nil
}

func (p *pipeline) run(ctx context.Context, stage string) error {
	switch stage {
	case "features":
		return p.runFeatures(ctx)
	case "train":
		return p.runTrain(ctx)
	case "ensemble":
		return p.runEnsemble(ctx)
	case "segments":
		return p.runSegments(ctx)
	case "distill":
		return p.runDistill(ctx)
	case "brand":
		return p.runBrand(ctx)
	case "monitor":
		return p.runMonitor(ctx)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

func (p *pipeline) ensureFeatures(ctx context.Context) error {
	if p.rows != nil {
		return nil
	}
	return p.runFeatures(ctx)
}

func (p *pipeline) runFeatures(ctx context.Context) error {
	records, quality, err := dataset.Load(p.cfg.DataPath)
	if err != nil {
		return err
	}
	p.records, p.quality = records, quality
	log.Printf("dataset loaded: rows_read=%d rows_kept=%d imputed=%d missing_price=%d",
		quality.RowsRead, quality.RowsKept, quality.ImputedNumeric, quality.MissingPriceRows)

	rows, alerts := features.Engineer(records, time.Now())
	p.rows = rows
	logAlerts("features", alerts)

	if err := features.WriteCSV(rows, filepath.Join(p.cfg.OutDir, "features.csv")); err != nil {
		return err
	}
	if err := features.WriteSchema(features.Schema(rows), filepath.Join(p.cfg.OutDir, "features_schema.json")); err != nil {
		return err
	}
	qualityBlob, _ := json.MarshalIndent(quality, "", "  ")
	return os.WriteFile(filepath.Join(p.cfg.OutDir, "quality_report.json"), qualityBlob, 0o644)
}

func (p *pipeline) ensureTrained(ctx context.Context) error {
	if p.base != nil {
		return nil
	}
	return p.runTrain(ctx)
}

func (p *pipeline) runTrain(ctx context.Context) error {
	if err := p.ensureFeatures(ctx); err != nil {
		return err
	}
	svc := training.NewService(p.tracer, training.Config{
		Folds:           p.cfg.MLFolds,
		Seed:            p.cfg.MLSeed,
		MinTrainSamples: p.cfg.MLMinTrainSamples,
		LogTarget:       p.cfg.MLLogTarget,
	})

	for _, target := range []string{common.TargetPrice, common.TargetRAM, common.TargetBattery} {
		res, err := svc.TrainTarget(ctx, p.rows, target)
		if err != nil {
			if target == common.TargetPrice {
				return err
			}
			log.Printf("Warning: skipping target %s: %v", target, err)
			continue
		}
		logAlerts("train", res.Alerts)
		for _, key := range res.Order {
			m := res.Metrics[key]
			log.Printf("target=%s learner=%s oof_rmse=%.4f oof_mae=%.4f oof_r2=%.4f",
				target, key, m["rmse"], m["mae"], m["r2"])
			if err := cache.StoreModelMetrics(ctx, key+":"+target, m); err != nil {
				log.Printf("Warning: cache metrics for %s: %v", key, err)
			}
		}
		if target == common.TargetPrice {
			p.base = res
			if err := training.WriteOOFAudit(filepath.Join(p.cfg.OutDir, "oof_audit.csv"), res); err != nil {
				return err
			}
			for _, key := range res.Order {
				artifact, err := training.BuildArtifact(res, key, features.Version)
				if err != nil {
					return err
				}
				blob, err := json.Marshal(artifact)
				if err != nil {
					return err
				}
				if err := p.persist(ctx, key, artifact.Format, target, blob, res.Metrics[key], len(res.Y)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *pipeline) ensureEnsembled(ctx context.Context) error {
	if p.blend != nil {
		return nil
	}
	return p.runEnsemble(ctx)
}

func (p *pipeline) runEnsemble(ctx context.Context) error {
	if err := p.ensureTrained(ctx); err != nil {
		return err
	}
	res, model, err := ensemble.Build(p.base, features.Version, 1.0)
	if err != nil {
		return err
	}
	p.blend, p.blendRes = model, res
	logAlerts("ensemble", res.Alerts)
	log.Printf("ensemble: rmse=%.4f r2=%.4f best_base=%s improvement=%.2f%% weights=%v",
		res.Metrics["rmse"], res.Metrics["r2"], res.BestBase, res.ImprovementPct, res.Weights)

	blob, err := model.MarshalBinary()
	if err != nil {
		return err
	}
	return p.persist(ctx, common.ModelKeyEnsemble, training.FormatEnsemble, common.TargetPrice, blob, res.Metrics, len(p.base.Y))
}

func (p *pipeline) runSegments(ctx context.Context) error {
	if err := p.ensureTrained(ctx); err != nil {
		return err
	}
	res, model, err := segments.Train(ctx, p.tracer, p.rows, p.base, features.Version, segments.Config{
		Clusters:   p.cfg.SegmentClusters,
		MinSamples: p.cfg.SegmentMinSamples,
		Seed:       p.cfg.MLSeed,
	})
	if err != nil {
		return err
	}
	logAlerts("segments", res.Alerts)
	for _, c := range res.Clusters {
		log.Printf("segment=%s size=%d mean_price=%.2f specialist=%t improvement=%.2f%%",
			c.Tier, c.Size, c.MeanPrice, c.HasSpecialist, c.ImprovementPct)
	}

	reportBlob, _ := json.MarshalIndent(res, "", "  ")
	if err := os.WriteFile(filepath.Join(p.cfg.OutDir, "segments_report.json"), reportBlob, 0o644); err != nil {
		return err
	}
	blob, err := model.MarshalBinary()
	if err != nil {
		return err
	}
	return p.persist(ctx, common.ModelKeySegments, "json/segments-v1", common.TargetPrice, blob, nil, len(p.base.Y))
}

func (p *pipeline) runDistill(ctx context.Context) error {
	if err := p.ensureEnsembled(ctx); err != nil {
		return err
	}
	res, student, err := distill.Distill(ctx, p.tracer, p.rows, p.base, p.blend, features.Version, distill.Config{
		MaxDepth:        p.cfg.DistillMaxDepth,
		MinRetentionPct: p.cfg.DistillRetentionMin,
	})
	if err != nil {
		return err
	}
	logAlerts("distill", res.Alerts)
	b := res.Benchmark
	log.Printf("distill: teacher_rmse=%.4f student_rmse=%.4f retention=%.1f%% holdout=%d bytes=%d/%d nodes=%d latency_ns=%d/%d",
		b.TeacherRMSE, b.StudentRMSE, b.RetentionPct, b.HoldoutRows,
		b.StudentArtifactBytes, b.TeacherArtifactBytes, b.TreeNodes,
		b.StudentLatencyNs, b.TeacherLatencyNs)

	benchBlob, _ := json.MarshalIndent(res, "", "  ")
	if err := os.WriteFile(filepath.Join(p.cfg.OutDir, "distill_benchmark.json"), benchBlob, 0o644); err != nil {
		return err
	}
	blob, err := student.MarshalBinary()
	if err != nil {
		return err
	}
	metrics := map[string]float64{"r2": b.StudentR2, "retention_pct": b.RetentionPct}
	return p.persist(ctx, common.ModelKeyStudent, training.FormatStudent, common.TargetPrice, blob, metrics, len(p.base.Y))
}

func (p *pipeline) runBrand(ctx context.Context) error {
	if err := p.ensureFeatures(ctx); err != nil {
		return err
	}
	var samples [][]float64
	var brands []string
	for i := range p.rows {
		if p.rows[i].Brand == domain.UnknownCategory {
			continue
		}
		samples = append(samples, common.SanitizeVector(common.Vector(p.rows[i])))
		brands = append(brands, p.rows[i].Brand)
	}
	model, err := brand.Train(samples, brands, common.FeatureNames, common.ModelKeyBrand, features.Version, brand.DefaultTrainOptions())
	if err != nil {
		return err
	}
	accuracy := model.Accuracy(samples, brands)
	log.Printf("brand: classes=%d train_accuracy=%.4f", len(model.Classes()), accuracy)

	blob, err := model.MarshalBinary()
	if err != nil {
		return err
	}
	return p.persist(ctx, common.ModelKeyBrand, "json/boo-brand-v1", common.TargetBrand, blob, map[string]float64{"accuracy": accuracy}, len(samples))
}

func (p *pipeline) runMonitor(ctx context.Context) error {
	if err := p.ensureEnsembled(ctx); err != nil {
		return err
	}
	baseline, current := splitByLaunchYear(p.rows)
	if len(baseline) == 0 || len(current) == 0 {
		return fmt.Errorf("launch-year split produced empty windows (%d/%d)", len(baseline), len(current))
	}

	var screen *anomaly.Screen
	if p.cfg.DriftEnableIForest {
		samples := make([][]float64, len(baseline))
		for i := range baseline {
			samples[i] = common.SanitizeVector(common.Vector(baseline[i]))
		}
		var err error
		screen, err = anomaly.Train(samples, common.FeatureNames, common.ModelKeyAnomaly, features.Version, anomaly.TrainOptions{
			NumTrees:   p.cfg.DriftIForestTrees,
			SampleSize: p.cfg.DriftIForestSample,
		})
		if err != nil {
			log.Printf("Warning: anomaly screen unavailable: %v", err)
			screen = nil
		} else if blob, err := screen.MarshalBinary(); err == nil {
			if err := p.persist(ctx, common.ModelKeyAnomaly, "json/iforest-v1", common.TargetPrice, blob, nil, len(baseline)); err != nil {
				return err
			}
		}
	}

	svc := monitor.NewService(p.tracer, monitor.Config{
		PSIThreshold:       p.cfg.DriftPSIThreshold,
		PSIHighThreshold:   p.cfg.DriftPSIHighThreshold,
		KSAlpha:            p.cfg.DriftKSAlpha,
		RMSEDegradationPct: p.cfg.DriftRMSEDegradPct,
	}, screen)

	report, err := svc.Compare(ctx, baseline, current, p.blend)
	if err != nil {
		return err
	}
	logAlerts("monitor", report.Alerts)
	log.Printf("monitor: baseline=%d current=%d drifted_features=%d rmse_degradation=%.2f%% alerts=%d",
		report.BaselineRows, report.CurrentRows, driftedCount(report), report.Predictions.DegradationPct, len(report.Alerts))

	if err := monitor.WriteReport(filepath.Join(p.cfg.OutDir, "drift_report.json"), report); err != nil {
		return err
	}
	if err := cache.StoreDriftReport(ctx, report); err != nil {
		log.Printf("Warning: cache drift report: %v", err)
	}
	if p.alerts != nil {
		if err := p.alerts.NotifyDrift(ctx, report); err != nil {
			log.Printf("Warning: notify drift alerts: %v", err)
		}
	}
	return nil
}

// persist writes the artifact file and, when a registry is configured,
// records and activates a new version.
func (p *pipeline) persist(ctx context.Context, modelKey, format, targetName string, blob []byte, metrics map[string]float64, sampleCount int) error {
	if _, err := p.store.Save(modelKey, blob); err != nil {
		return err
	}
	if p.repo == nil {
		return nil
	}
	version, err := p.repo.NextVersion(ctx, modelKey)
	if err != nil {
		return err
	}
	metricsJSON := "{}"
	if metrics != nil {
		b, _ := json.Marshal(metrics)
		metricsJSON = string(b)
	}
	inserted, err := p.repo.InsertModelVersion(ctx, domain.ModelVersion{
		ModelKey:        modelKey,
		Version:         version,
		FeatureVersion:  features.Version,
		TargetName:      targetName,
		TrainedAt:       time.Now().UTC(),
		SampleCount:     sampleCount,
		HyperparamsJSON: "{}",
		MetricsJSON:     metricsJSON,
		ArtifactFormat:  format,
		ArtifactBlob:    blob,
	})
	if err != nil {
		return err
	}
	return p.repo.ActivateModel(ctx, modelKey, inserted.Version)
}

// splitByLaunchYear uses the median launch year as the window boundary:
// older rows form the baseline, the newest the current window.
func splitByLaunchYear(rows []domain.EngineeredRow) (baseline, current []domain.EngineeredRow) {
	var years []float64
	for i := range rows {
		if !math.IsNaN(rows[i].LaunchYear) {
			years = append(years, rows[i].LaunchYear)
		}
	}
	if len(years) == 0 {
		return rows, nil
	}
	sort.Float64s(years)
	cutoff := years[len(years)/2]
	for i := range rows {
		if !math.IsNaN(rows[i].LaunchYear) && rows[i].LaunchYear >= cutoff {
			current = append(current, rows[i])
		} else {
			baseline = append(baseline, rows[i])
		}
	}
	return baseline, current
}

func driftedCount(report *domain.DriftReport) int {
	n := 0
	for _, f := range report.Features {
		if f.Drifted {
			n++
		}
	}
	return n
}

func logAlerts(stage string, alerts []domain.Alert) {
	for _, a := range alerts {
		log.Printf("alert stage=%s type=%s severity=%s msg=%q", stage, a.Type, a.Severity, a.Message)
	}
}
