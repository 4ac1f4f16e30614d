package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dropout-advisor/internal/encoder"
	"dropout-advisor/internal/models"
	"dropout-advisor/internal/service"
)

// PredictResponse is the JSON result of a single prediction
type PredictResponse struct {
	Record      models.StudentRecord     `json:"record"`
	Prediction  *models.PredictionResult `json:"prediction"`
	RiskMessage string                   `json:"risk_message"`
	Advisory    *models.AdvisoryResult   `json:"advisory"`
}

// Predict scores one student record sent as JSON
func (h *Handler) Predict(c *gin.Context) {
	var in models.StudentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := encoder.FromInput(in)
	if err != nil {
		h.respondError(c, err)
		return
	}

	res, err := h.predictor.PredictRecord(c.Request.Context(), rec)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, PredictResponse{
		Record:      res.Record,
		Prediction:  res.Prediction,
		RiskMessage: riskMessage(res.Prediction),
		Advisory:    res.Advisory,
	})
}

// Batch scores an uploaded CSV and returns the augmented table as JSON
func (h *Handler) Batch(c *gin.Context) {
	res, ok := h.runBatch(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, res)
}

// BatchExport scores an uploaded CSV and returns the augmented CSV as a download
func (h *Handler) BatchExport(c *gin.Context) {
	res, ok := h.runBatch(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := service.WriteCSV(&buf, res); err != nil {
		h.logger.Error("Failed to write export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+service.ExportFilename)
	c.Data(http.StatusOK, service.ExportContentType, buf.Bytes())
}

func (h *Handler) runBatch(c *gin.Context) (*models.BatchResult, bool) {
	file, err := h.openUpload(c)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	defer file.Close()

	res, err := h.predictor.PredictBatch(c.Request.Context(), file)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return res, true
}

// openUpload returns the multipart "file" field, limited to the configured size
func (h *Handler) openUpload(c *gin.Context) (io.ReadCloser, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	header, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, err
		}
		return nil, models.NewInvalidInput("file", "upload a CSV file in the \"file\" field")
	}

	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	return file, nil
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	_ = c.Error(err)

	body := gin.H{"error": errorMessage(err)}
	var invalid *models.InvalidInputError
	if errors.As(err, &invalid) && invalid.Field != "" {
		body["field"] = invalid.Field
	}
	c.JSON(status, body)
}
