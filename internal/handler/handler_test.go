package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pricelens/internal/domain"
	"pricelens/internal/ml/artifacts"
	"pricelens/internal/service"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

type stubDriftReader struct {
	report *domain.DriftReport
	err    error
}

func (s *stubDriftReader) LatestDrift(ctx context.Context) (*domain.DriftReport, error) {
	return s.report, s.err
}

type stubModelLister struct {
	versions []domain.ModelVersion
	err      error
}

func (s *stubModelLister) Models(ctx context.Context) ([]domain.ModelVersion, error) {
	return s.versions, s.err
}

func newTestRouter(t *testing.T, drift DriftReader, lister ModelLister) (*gin.Engine, *service.ModelHolder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tracer := trace.NewNoopTracerProvider().Tracer("handler-test")
	store, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	holder := service.NewModelHolder(tracer, store)

	r := gin.New()
	New(tracer, holder, drift, lister).RegisterRoutes(r)
	return r, holder
}

func TestHealthReportsUnavailableWithoutModels(t *testing.T) {
	r, _ := newTestRouter(t, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no models loaded") {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestPredictRejectsMalformedBody(t *testing.T) {
	r, _ := newTestRouter(t, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestPredictWithoutLoadedModelsIsUnprocessable(t *testing.T) {
	r, _ := newTestRouter(t, nil, nil)

	body := `{"features": {"ram_gb": 8}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestModelsEndpointUsesLister(t *testing.T) {
	lister := &stubModelLister{versions: []domain.ModelVersion{
		{ID: 1, ModelKey: "ensemble_v1", Version: 3, TargetName: "price_usd", TrainedAt: time.Now().UTC(), IsActive: true},
	}}
	r, _ := newTestRouter(t, nil, lister)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Models []domain.ModelVersion `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Models) != 1 || body.Models[0].ModelKey != "ensemble_v1" {
		t.Fatalf("unexpected models payload: %+v", body.Models)
	}
}

func TestModelsEndpointFailureIsServerError(t *testing.T) {
	r, _ := newTestRouter(t, nil, &stubModelLister{err: fmt.Errorf("registry down")})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestLatestDriftServesCachedReport(t *testing.T) {
	reader := &stubDriftReader{report: &domain.DriftReport{BaselineRows: 400, CurrentRows: 390}}
	r, _ := newTestRouter(t, reader, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/drift/latest", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report domain.DriftReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.BaselineRows != 400 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestLatestDriftMissingIsNotFound(t *testing.T) {
	r, _ := newTestRouter(t, &stubDriftReader{err: fmt.Errorf("cache miss")}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/drift/latest", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestReloadFromEmptyStoreFails(t *testing.T) {
	r, _ := newTestRouter(t, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/models/reload", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
