package handler

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dropout-advisor/internal/config"
	"dropout-advisor/internal/encoder"
	"dropout-advisor/internal/models"
	"dropout-advisor/internal/repository"
	"dropout-advisor/internal/service"
)

//go:embed templates/*.html
var templateFS embed.FS

// ProviderInfo reports the advisory provider chain
type ProviderInfo interface {
	GetProvidersInfo() []map[string]interface{}
}

// CacheStatus reports on the advisory cache database
type CacheStatus interface {
	Stats(ctx context.Context) (repository.CacheStats, error)
	Ping(ctx context.Context) error
}

// Options configures the HTTP surface
type Options struct {
	UI             config.UIConfig
	MaxUploadBytes int64
	Sample         []byte // example upload served at /sample.csv
	Providers      ProviderInfo
	Cache          CacheStatus // nil when the cache is disabled
}

// Handler handles HTTP requests
type Handler struct {
	predictor *service.Predictor
	opts      Options
	templates *template.Template
	sample    *encoder.Table
	logger    *zap.Logger
}

// NewHandler creates the HTTP handler. The sample upload must parse as a valid upload.
func NewHandler(predictor *service.Predictor, opts Options, logger *zap.Logger) (*Handler, error) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}

	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	h := &Handler{
		predictor: predictor,
		opts:      opts,
		templates: tmpl,
		logger:    logger,
	}

	if len(opts.Sample) > 0 {
		sample, err := encoder.ReadTable(bytes.NewReader(opts.Sample))
		if err != nil {
			return nil, fmt.Errorf("invalid sample upload: %w", err)
		}
		h.sample = sample
	}

	return h, nil
}

// RegisterRoutes registers all routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.SetHTMLTemplate(h.templates)

	// Web UI
	r.GET("/", h.Index)
	r.POST("/predict", h.PredictForm)
	r.POST("/batch", h.BatchForm)
	r.GET("/sample.csv", h.SampleCSV)

	api := r.Group("/api/v1")
	{
		api.POST("/predict", h.Predict)
		api.POST("/batch", h.Batch)
		api.POST("/batch/export", h.BatchExport)
		api.GET("/model", h.ModelInfo)
	}

	r.GET("/health", h.HealthCheck)
}

// SampleCSV serves the example upload
func (h *Handler) SampleCSV(c *gin.Context) {
	if len(h.opts.Sample) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no sample configured"})
		return
	}
	c.Header("Content-Disposition", "attachment; filename=sample_students.csv")
	c.Data(http.StatusOK, "text/csv; charset=utf-8", h.opts.Sample)
}

// ModelInfo returns classifier metadata and the advisory provider chain
func (h *Handler) ModelInfo(c *gin.Context) {
	resp := gin.H{"classifier": h.predictor.ModelInfo()}
	if h.opts.Providers != nil {
		resp["advisory_providers"] = h.opts.Providers.GetProvidersInfo()
	}
	if h.opts.Cache != nil {
		stats, err := h.opts.Cache.Stats(c.Request.Context())
		if err != nil {
			h.logger.Warn("Failed to read advisory cache stats", zap.Error(err))
			resp["advisory_cache"] = gin.H{"error": err.Error()}
		} else {
			resp["advisory_cache"] = stats
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.predictor.HealthCheck(ctx); err != nil {
		h.logger.Warn("Classifier health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "dropout-advisor",
			"error":   err.Error(),
		})
		return
	}

	if h.opts.Cache != nil {
		if err := h.opts.Cache.Ping(ctx); err != nil {
			h.logger.Warn("Advisory cache health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "dropout-advisor",
				"error":   "advisory cache: " + err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "dropout-advisor",
		"model":   h.predictor.ModelInfo().Name,
	})
}

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	var (
		invalid *models.InvalidInputError
		tooBig  *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage is the text shown to the client for a pipeline error
func errorMessage(err error) string {
	var (
		invalid *models.InvalidInputError
		clf     *models.ClassifierError
		tooBig  *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooBig):
		return fmt.Sprintf("upload is larger than %d MB", tooBig.Limit>>20)
	case errors.As(err, &invalid):
		return invalid.Error()
	case errors.As(err, &clf):
		return "the risk model could not score this input: " + clf.Err.Error()
	default:
		return "internal error"
	}
}

// riskMessage is the headline shown for a prediction
func riskMessage(p *models.PredictionResult) string {
	if p.RiskLabel == models.RiskHigh {
		return "High Risk of Dropout"
	}
	return "Low Risk of Dropout"
}
