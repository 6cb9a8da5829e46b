package handler

import (
	"context"
	"net/http"

	"pricelens/internal/domain"
	"pricelens/internal/service"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// DriftReader serves the latest cached drift report.
type DriftReader interface {
	LatestDrift(ctx context.Context) (*domain.DriftReport, error)
}

// ModelLister enumerates registered or stored model versions.
type ModelLister interface {
	Models(ctx context.Context) ([]domain.ModelVersion, error)
}

type Handler struct {
	tracer trace.Tracer
	models *service.ModelHolder
	drift  DriftReader
	lister ModelLister
}

func New(tracer trace.Tracer, models *service.ModelHolder, drift DriftReader, lister ModelLister) *Handler {
	return &Handler{
		tracer: tracer,
		models: models,
		drift:  drift,
		lister: lister,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.POST("/api/predict", h.Predict)
	r.GET("/api/models", h.Models)
	r.GET("/api/drift/latest", h.LatestDrift)
	r.POST("/api/models/reload", h.Reload)
}

func (h *Handler) Health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok", "models_loaded": h.models.LoadedModels()}
	if !h.models.Ready() {
		status = http.StatusServiceUnavailable
		body["status"] = "no models loaded"
	}
	c.JSON(status, body)
}

func (h *Handler) Predict(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.predict")
	defer span.End()

	var req service.PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := h.models.Predict(ctx, req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Models(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.models")
	defer span.End()

	if h.lister == nil {
		c.JSON(http.StatusOK, gin.H{"models": h.models.LoadedModels()})
		return
	}
	versions, err := h.lister.Models(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": versions})
}

func (h *Handler) LatestDrift(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.latest-drift")
	defer span.End()

	if h.drift == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "drift reports unavailable"})
		return
	}
	report, err := h.drift.LatestDrift(ctx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no drift report available"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Reload re-reads the artifact store; the running model set is replaced only
// when every artifact decodes.
func (h *Handler) Reload(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.reload")
	defer span.End()

	if err := h.models.Reload(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models_loaded": h.models.LoadedModels()})
}
