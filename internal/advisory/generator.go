package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"dropout-advisor/internal/metrics"
	"dropout-advisor/internal/models"
)

const (
	// DefaultTimeout bounds a single advisory call
	DefaultTimeout = 30 * time.Second

	unavailable   = "AI advice unavailable"
	maxMessageLen = 300
)

// Advisor turns a prompt into advice text
type Advisor interface {
	Advise(ctx context.Context, prompt string) (string, error)
	GetModelInfo() map[string]interface{}
}

// Generator produces an AdvisoryResult for a student record.
// It never returns an error; every failure is folded into the result.
type Generator struct {
	advisor Advisor
	timeout time.Duration
	logger  *zap.Logger
}

// NewGenerator wraps an advisor with a per-call timeout.
// The timeout reaches the advisor through WithCallBudget; it starts when the
// advisor calls StartCall.
func NewGenerator(advisor Advisor, timeout time.Duration, logger *zap.Logger) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Generator{
		advisor: advisor,
		timeout: timeout,
		logger:  logger,
	}
}

// Generate asks the provider chain for advice on rec
func (g *Generator) Generate(ctx context.Context, rec models.StudentRecord) (result models.AdvisoryResult) {
	provider := g.providerName()
	start := time.Now()

	ctx, span := otel.Tracer("dropout-advisor/advisory").Start(ctx, "advisory.Generate")
	span.SetAttributes(attribute.String("advisory.provider", provider))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Advisory provider panicked",
				zap.Any("panic", r),
				zap.String("student_id", rec.StudentID))
			result = models.NewAdvisoryFailure(unavailable + ": provider failed unexpectedly")
		}

		outcome := metrics.OutcomeSuccess
		if result.Failed() {
			outcome = metrics.OutcomeError
			span.SetStatus(codes.Error, result.ErrorMessage)
		}
		metrics.ObserveAdvisory(provider, time.Since(start), outcome)
	}()

	if ctx.Err() != nil {
		return models.NewAdvisoryFailure(g.failureMessage(ctx, ctx.Err()))
	}

	text, err := g.advisor.Advise(WithCallBudget(ctx, g.timeout), BuildPrompt(rec))
	if err != nil {
		span.RecordError(err)
		g.logger.Warn("Advisory generation failed",
			zap.String("provider", provider),
			zap.String("student_id", rec.StudentID),
			zap.Error(err))
		return models.NewAdvisoryFailure(g.failureMessage(ctx, err))
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return models.NewAdvisoryFailure(unavailable + ": the advisory service returned an empty response")
	}
	return models.NewAdvice(text)
}

// failureMessage explains err; ctx is the caller's context, not the per-call one
func (g *Generator) failureMessage(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, ErrNoTimeLeft) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return unavailable + ": the request time limit was reached before advice could be generated"
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return unavailable + ": request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%s: the advisory service did not respond within %s", unavailable, g.timeout)
	}

	msg := strings.Join(strings.Fields(err.Error()), " ")
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}
	return unavailable + ": " + msg
}

func (g *Generator) providerName() string {
	if g.advisor == nil {
		return ""
	}
	info := g.advisor.GetModelInfo()
	if p, ok := info["provider"].(string); ok {
		return p
	}
	return ""
}
