package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"dropout-advisor/internal/classifier"
	"dropout-advisor/internal/encoder"
	"dropout-advisor/internal/metrics"
	"dropout-advisor/internal/models"
)

var tracer = otel.Tracer("dropout-advisor/service")

// State is a step of the single-record pipeline
type State string

const (
	StateIdle            State = "idle"
	StateValidating      State = "validating"
	StateClassifying     State = "classifying"
	StateAdvisoryPending State = "advisory_pending"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// AdvisoryGenerator produces advice for one record and never fails
type AdvisoryGenerator interface {
	Generate(ctx context.Context, rec models.StudentRecord) models.AdvisoryResult
}

// Options tunes the pipelines
type Options struct {
	MaxRows         int
	AdvisoryWorkers int
	// RequestTimeout bounds one PredictRecord or PredictBatch call. Rows still
	// waiting for advice when it expires get a timeout message. Zero means no bound.
	RequestTimeout time.Duration
}

// Predictor runs records through encoder, classifier and advisory generator
type Predictor struct {
	classifier classifier.Classifier
	advisor    AdvisoryGenerator
	opts       Options
	logger     *zap.Logger
}

// SingleResult is the outcome of one record
type SingleResult struct {
	Record     models.StudentRecord        `json:"record"`
	Vector     models.EncodedFeatureVector `json:"-"`
	Prediction *models.PredictionResult    `json:"prediction,omitempty"`
	Advisory   *models.AdvisoryResult      `json:"advisory,omitempty"`
	State      State                       `json:"state"`
	Err        error                       `json:"-"`
}

// NewPredictor creates the pipeline service
func NewPredictor(clf classifier.Classifier, advisor AdvisoryGenerator, opts Options, logger *zap.Logger) *Predictor {
	if opts.MaxRows <= 0 {
		opts.MaxRows = 500
	}
	if opts.AdvisoryWorkers <= 0 {
		opts.AdvisoryWorkers = 1
	}
	return &Predictor{
		classifier: clf,
		advisor:    advisor,
		opts:       opts,
		logger:     logger,
	}
}

// ModelInfo describes the loaded classifier
func (p *Predictor) ModelInfo() classifier.ModelInfo {
	return p.classifier.Info()
}

// HealthCheck pings the classifier when it is a remote service
func (p *Predictor) HealthCheck(ctx context.Context) error {
	if hc, ok := p.classifier.(classifier.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// PredictValues parses untyped form values and runs the single-record pipeline
func (p *Predictor) PredictValues(ctx context.Context, values map[string]string) (*SingleResult, error) {
	rec, err := encoder.ParseRecord(values)
	if err != nil {
		res := &SingleResult{State: StateIdle}
		p.transition(res, StateValidating)
		return p.fail(res, err, metrics.OutcomeInvalid)
	}
	return p.PredictRecord(ctx, rec)
}

// PredictRecord runs one record: validate, classify, then ask for advice.
// Validation and classifier failures stop the pipeline; advisory failures do not.
func (p *Predictor) PredictRecord(ctx context.Context, rec models.StudentRecord) (*SingleResult, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "predictor.PredictRecord")
	defer span.End()

	res := &SingleResult{Record: rec, State: StateIdle}

	p.transition(res, StateValidating)
	vec, err := encoder.Encode(rec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return p.fail(res, err, metrics.OutcomeInvalid)
	}
	res.Vector = vec

	p.transition(res, StateClassifying)
	labels, scores, err := classifier.Predict(ctx, p.classifier, [][]float64{vec})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return p.fail(res, err, metrics.OutcomeError)
	}
	pred, err := NewPrediction(labels[0], scores[0])
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return p.fail(res, err, metrics.OutcomeError)
	}
	res.Prediction = &pred
	span.SetAttributes(
		attribute.String("prediction.risk_label", string(pred.RiskLabel)),
		attribute.Float64("prediction.risk_score", pred.RiskScore),
	)

	p.transition(res, StateAdvisoryPending)
	adv := p.advisor.Generate(ctx, rec)
	res.Advisory = &adv

	p.transition(res, StateDone)
	metrics.ObservePrediction("single", metrics.OutcomeSuccess, string(pred.RiskLabel))

	p.logger.Info("Student scored",
		zap.String("student_id", rec.StudentID),
		zap.String("risk", string(pred.RiskLabel)),
		zap.Float64("risk_score", pred.RiskScore),
		zap.Bool("advice_failed", adv.Failed()))

	return res, nil
}

func (p *Predictor) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, p.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *Predictor) transition(res *SingleResult, to State) {
	p.logger.Debug("Pipeline state",
		zap.String("student_id", res.Record.StudentID),
		zap.String("from", string(res.State)),
		zap.String("to", string(to)))
	res.State = to
}

func (p *Predictor) fail(res *SingleResult, err error, outcome string) (*SingleResult, error) {
	p.transition(res, StateFailed)
	res.Err = err
	metrics.ObservePrediction("single", outcome, "")
	p.logger.Warn("Prediction failed",
		zap.String("student_id", res.Record.StudentID),
		zap.Error(err))
	return res, err
}

// NewPrediction turns a label and P(dropout) into the reported result.
// The risk score is a percentage rounded half away from zero to 2 decimals.
func NewPrediction(label int, score float64) (models.PredictionResult, error) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return models.PredictionResult{}, &models.ClassifierError{Op: "score", Err: fmt.Errorf("score %v is outside [0,1]", score)}
	}
	if label != 0 && label != 1 {
		return models.PredictionResult{}, &models.ClassifierError{Op: "classify", Err: fmt.Errorf("label %d is not binary", label)}
	}

	risk := models.RiskLow
	if score >= models.RiskThreshold {
		risk = models.RiskHigh
	}

	return models.PredictionResult{
		Label:     label,
		RiskLabel: risk,
		RiskScore: RiskPercent(score),
	}, nil
}

// RiskPercent is round(score*100, 2)
func RiskPercent(score float64) float64 {
	return decimal.NewFromFloat(score).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}
