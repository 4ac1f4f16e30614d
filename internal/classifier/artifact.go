package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"dropout-advisor/internal/models"
)

// Artifact is the serialized model written by the training job
type Artifact struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Algorithm    string    `json:"algorithm"`
	FeatureSet   string    `json:"feature_set"`
	Features     []string  `json:"features"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	// Optional standardisation applied before the linear term
	Means  []float64 `json:"means,omitempty"`
	Scales []float64 `json:"scales,omitempty"`
}

// LogisticModel scores vectors with a fitted logistic regression
type LogisticModel struct {
	info         ModelInfo
	coefficients []float64
	intercept    float64
	means        []float64
	scales       []float64
}

// LoadArtifact reads and validates a model artifact from disk.
// Any failure is a StartupError: there is no degraded mode without a model.
func LoadArtifact(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.StartupError{Component: "classifier", Err: fmt.Errorf("read artifact: %w", err)}
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &models.StartupError{Component: "classifier", Err: fmt.Errorf("parse artifact %s: %w", path, err)}
	}

	m, err := NewLogisticModel(a)
	if err != nil {
		return nil, &models.StartupError{Component: "classifier", Err: fmt.Errorf("artifact %s: %w", path, err)}
	}
	return m, nil
}

// NewLogisticModel builds a model from an in-memory artifact
func NewLogisticModel(a Artifact) (*LogisticModel, error) {
	if a.Algorithm != "" && a.Algorithm != "logistic_regression" {
		return nil, fmt.Errorf("unsupported algorithm %q", a.Algorithm)
	}
	n := len(a.Features)
	if n == 0 {
		return nil, fmt.Errorf("artifact lists no features")
	}
	if len(a.Coefficients) != n {
		return nil, fmt.Errorf("%d coefficients for %d features", len(a.Coefficients), n)
	}
	if len(a.Means) != 0 && len(a.Means) != n {
		return nil, fmt.Errorf("%d means for %d features", len(a.Means), n)
	}
	if len(a.Scales) != 0 && len(a.Scales) != n {
		return nil, fmt.Errorf("%d scales for %d features", len(a.Scales), n)
	}
	for i, s := range a.Scales {
		if s == 0 {
			return nil, fmt.Errorf("scale for feature %q is zero", a.Features[i])
		}
	}

	return &LogisticModel{
		info: ModelInfo{
			Type:       "artifact",
			Name:       a.Name,
			Version:    a.Version,
			FeatureSet: a.FeatureSet,
			Features:   append([]string(nil), a.Features...),
		},
		coefficients: append([]float64(nil), a.Coefficients...),
		intercept:    a.Intercept,
		means:        append([]float64(nil), a.Means...),
		scales:       append([]float64(nil), a.Scales...),
	}, nil
}

// Info returns the model description
func (m *LogisticModel) Info() ModelInfo {
	info := m.info
	info.Features = append([]string(nil), m.info.Features...)
	return info
}

// Score returns P(dropout) for every row
func (m *LogisticModel) Score(_ context.Context, rows [][]float64) ([]float64, error) {
	if err := checkShape("score", rows, len(m.coefficients)); err != nil {
		return nil, err
	}

	scores := make([]float64, len(rows))
	for i, row := range rows {
		z := m.intercept
		for j, x := range row {
			if len(m.means) > 0 {
				x = (x - m.means[j]) / m.scales[j]
			}
			z += m.coefficients[j] * x
		}
		scores[i] = sigmoid(z)
	}
	return scores, nil
}

// Classify returns 1 for rows at risk of dropping out
func (m *LogisticModel) Classify(ctx context.Context, rows [][]float64) ([]int, error) {
	_, labels, err := m.predict(ctx, rows, "classify")
	return labels, err
}

// Predict returns labels and scores from a single pass
func (m *LogisticModel) Predict(ctx context.Context, rows [][]float64) ([]int, []float64, error) {
	scores, labels, err := m.predict(ctx, rows, "predict")
	return labels, scores, err
}

func (m *LogisticModel) predict(ctx context.Context, rows [][]float64, op string) ([]float64, []int, error) {
	if err := checkShape(op, rows, len(m.coefficients)); err != nil {
		return nil, nil, err
	}
	scores, err := m.Score(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	labels := make([]int, len(scores))
	for i, s := range scores {
		if s >= models.RiskThreshold {
			labels[i] = 1
		}
	}
	return scores, labels, nil
}

func sigmoid(z float64) float64 {
	// split keeps exp from overflowing for large |z|
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
