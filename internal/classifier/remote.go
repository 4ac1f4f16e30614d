package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dropout-advisor/internal/models"
)

// RemoteClient calls an external model-serving endpoint
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	info       ModelInfo
}

// PredictRequest is the body of POST /api/v1/predict
type PredictRequest struct {
	Instances [][]float64 `json:"instances"`
}

// PredictResponse is returned by the model server
type PredictResponse struct {
	Labels        []int     `json:"labels"`
	Probabilities []float64 `json:"probabilities"`
	ModelVersion  string    `json:"model_version,omitempty"`
}

// remoteModelInfo mirrors GET /api/v1/model/info
type remoteModelInfo struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	FeatureSet string   `json:"feature_set"`
	Features   []string `json:"features"`
}

// NewRemoteClient connects to the model server and fetches its model description.
// The server must be reachable at startup.
func NewRemoteClient(ctx context.Context, baseURL string, timeout time.Duration, logger *zap.Logger) (*RemoteClient, error) {
	if baseURL == "" {
		return nil, &models.StartupError{Component: "classifier", Err: fmt.Errorf("remote classifier URL is required")}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &RemoteClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}

	var info remoteModelInfo
	if err := c.getJSON(ctx, "/api/v1/model/info", &info); err != nil {
		return nil, &models.StartupError{Component: "classifier", Err: fmt.Errorf("fetch remote model info: %w", err)}
	}
	c.info = ModelInfo{
		Type:       "remote",
		Name:       info.Name,
		Version:    info.Version,
		FeatureSet: info.FeatureSet,
		Features:   info.Features,
	}

	logger.Info("Remote classifier connected",
		zap.String("url", baseURL),
		zap.String("model", info.Name),
		zap.String("version", info.Version))

	return c, nil
}

// Info returns the model description reported by the server
func (c *RemoteClient) Info() ModelInfo {
	info := c.info
	info.Features = append([]string(nil), c.info.Features...)
	return info
}

// Classify returns binary labels for rows
func (c *RemoteClient) Classify(ctx context.Context, rows [][]float64) ([]int, error) {
	labels, _, err := c.Predict(ctx, rows)
	return labels, err
}

// Score returns P(dropout) for rows
func (c *RemoteClient) Score(ctx context.Context, rows [][]float64) ([]float64, error) {
	_, scores, err := c.Predict(ctx, rows)
	return scores, err
}

// Predict sends all rows in one request
func (c *RemoteClient) Predict(ctx context.Context, rows [][]float64) ([]int, []float64, error) {
	if err := checkShape("predict", rows, len(c.info.Features)); err != nil {
		return nil, nil, err
	}

	jsonData, err := json.Marshal(PredictRequest{Instances: rows})
	if err != nil {
		return nil, nil, &models.ClassifierError{Op: "predict", Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/predict", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, &models.ClassifierError{Op: "predict", Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &models.ClassifierError{Op: "predict", Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("Model server error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return nil, nil, &models.ClassifierError{Op: "predict", Err: fmt.Errorf("model server returned status %d: %s", resp.StatusCode, string(body))}
	}

	var result PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, nil, &models.ClassifierError{Op: "predict", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(result.Labels) != len(rows) || len(result.Probabilities) != len(rows) {
		return nil, nil, &models.ClassifierError{
			Op:  "predict",
			Err: fmt.Errorf("model server returned %d labels and %d probabilities for %d rows", len(result.Labels), len(result.Probabilities), len(rows)),
		}
	}
	for i, p := range result.Probabilities {
		if p < 0 || p > 1 {
			return nil, nil, &models.ClassifierError{Op: "predict", Err: fmt.Errorf("probability %v for row %d is outside [0,1]", p, i)}
		}
	}

	return result.Labels, result.Probabilities, nil
}

// HealthCheck checks if the model server is healthy
func (c *RemoteClient) HealthCheck(ctx context.Context) error {
	var health struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/api/v1/health", &health); err != nil {
		return err
	}
	if health.Status != "" && health.Status != "ok" && health.Status != "healthy" {
		return fmt.Errorf("model server reports status %q", health.Status)
	}
	return nil
}

func (c *RemoteClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("model server returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
