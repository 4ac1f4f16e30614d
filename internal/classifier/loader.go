package classifier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dropout-advisor/internal/encoder"
	"dropout-advisor/internal/models"
)

// Config selects and locates the classifier
type Config struct {
	Type         string // "artifact" or "remote"
	ArtifactPath string
	RemoteURL    string
	Timeout      time.Duration
}

// New builds the configured classifier and checks it against the encoder's
// column contract.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Classifier, error) {
	var (
		c   Classifier
		err error
	)

	switch cfg.Type {
	case "", "artifact":
		c, err = LoadArtifact(cfg.ArtifactPath)
	case "remote":
		c, err = NewRemoteClient(ctx, cfg.RemoteURL, cfg.Timeout, logger)
	default:
		return nil, &models.StartupError{Component: "classifier", Err: fmt.Errorf("unknown classifier type %q", cfg.Type)}
	}
	if err != nil {
		return nil, err
	}

	if err := CheckFeatures(c.Info(), encoder.FeatureSetVersion, encoder.Columns()); err != nil {
		return nil, err
	}

	info := c.Info()
	logger.Info("Classifier loaded",
		zap.String("type", info.Type),
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.Strings("features", info.Features))

	return c, nil
}
