package classifier

import (
	"context"
	"fmt"
	"strings"

	"dropout-advisor/internal/models"
)

// Classifier is a binary dropout-risk model over fixed-order feature vectors.
// Implementations are immutable after construction and safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, rows [][]float64) ([]int, error)
	Score(ctx context.Context, rows [][]float64) ([]float64, error)
	Info() ModelInfo
}

// Predictor is implemented by classifiers that return labels and scores in one call
type Predictor interface {
	Predict(ctx context.Context, rows [][]float64) ([]int, []float64, error)
}

// HealthChecker is implemented by classifiers backed by a remote service
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ModelInfo describes the loaded model
type ModelInfo struct {
	Type       string   `json:"type"`
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	FeatureSet string   `json:"feature_set"`
	Features   []string `json:"features"`
}

// Predict returns labels and scores for rows, using a single call when the
// classifier supports it.
func Predict(ctx context.Context, c Classifier, rows [][]float64) ([]int, []float64, error) {
	if p, ok := c.(Predictor); ok {
		return p.Predict(ctx, rows)
	}

	labels, err := c.Classify(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	scores, err := c.Score(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	if len(labels) != len(rows) || len(scores) != len(rows) {
		return nil, nil, &models.ClassifierError{
			Op:  "predict",
			Err: fmt.Errorf("got %d labels and %d scores for %d rows", len(labels), len(scores), len(rows)),
		}
	}
	return labels, scores, nil
}

// CheckFeatures verifies the model expects exactly the encoder's columns, in order.
// A mismatch silently corrupts every prediction, so it is a startup failure.
func CheckFeatures(info ModelInfo, featureSet string, columns []string) error {
	if info.FeatureSet != "" && info.FeatureSet != featureSet {
		return &models.StartupError{
			Component: "classifier",
			Err:       fmt.Errorf("model %s was trained on feature set %q, encoder produces %q", info.Version, info.FeatureSet, featureSet),
		}
	}
	if len(info.Features) != len(columns) {
		return &models.StartupError{
			Component: "classifier",
			Err:       fmt.Errorf("model expects %d features, encoder produces %d", len(info.Features), len(columns)),
		}
	}
	for i := range columns {
		if !strings.EqualFold(strings.TrimSpace(info.Features[i]), columns[i]) {
			return &models.StartupError{
				Component: "classifier",
				Err:       fmt.Errorf("feature %d is %q in the model but %q in the encoder", i, info.Features[i], columns[i]),
			}
		}
	}
	return nil
}

func checkShape(op string, rows [][]float64, width int) error {
	for i, row := range rows {
		if len(row) != width {
			return &models.ClassifierError{
				Op:  op,
				Err: fmt.Errorf("row %d has %d features, model expects %d", i, len(row), width),
			}
		}
	}
	return nil
}
