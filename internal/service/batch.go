package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dropout-advisor/internal/classifier"
	"dropout-advisor/internal/encoder"
	"dropout-advisor/internal/metrics"
	"dropout-advisor/internal/models"
)

// PredictBatch scores an uploaded CSV.
//
// Rows that fail validation are quarantined in place and the rest proceed.
// Upload-level problems (unreadable file, missing column, no rows, too many
// rows) and classifier failures reject the whole batch.
func (p *Predictor) PredictBatch(ctx context.Context, r io.Reader) (*models.BatchResult, error) {
	start := time.Now()
	batchID := uuid.New()

	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "predictor.PredictBatch")
	span.SetAttributes(attribute.String("batch.id", batchID.String()))
	defer span.End()

	table, err := encoder.ReadTable(r)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if table.Len() == 0 {
		return nil, models.NewInvalidInput("", "upload contains no data rows")
	}
	if table.Len() > p.opts.MaxRows {
		return nil, models.NewInvalidInput("", fmt.Sprintf("upload has %d rows, the limit is %d", table.Len(), p.opts.MaxRows))
	}

	logger := p.logger.With(zap.String("batch_id", batchID.String()))
	logger.Info("Batch accepted", zap.Int("rows", table.Len()))

	encodings := encoder.EncodeTable(table)

	result := &models.BatchResult{
		ID:     batchID,
		Header: append([]string(nil), table.Header...),
		Rows:   make([]models.BatchRow, table.Len()),
		Total:  table.Len(),
	}

	var (
		valid   []int
		vectors [][]float64
	)
	for i, enc := range encodings {
		row := models.BatchRow{
			Index:     i,
			Cells:     append([]string(nil), table.Rows[i]...),
			StudentID: table.StudentID(i),
		}
		if enc.Err != nil {
			row.ValidationError = enc.Err.Error()
			result.Quarantined++
			metrics.ObservePrediction("batch", metrics.OutcomeInvalid, "")
			logger.Debug("Row quarantined",
				zap.Int("row", i+1),
				zap.String("student_id", row.StudentID),
				zap.Error(enc.Err))
		} else {
			valid = append(valid, i)
			vectors = append(vectors, enc.Vector)
		}
		result.Rows[i] = row
	}

	if len(valid) > 0 {
		labels, scores, err := classifier.Predict(ctx, p.classifier, vectors)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			logger.Error("Batch classification failed", zap.Error(err))
			return nil, err
		}

		for j, idx := range valid {
			pred, err := NewPrediction(labels[j], scores[j])
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			result.Rows[idx].Prediction = &pred
		}
		result.Scored = len(valid)

		p.generateAdvice(ctx, result, valid, encodings)
	}

	for _, idx := range valid {
		row := result.Rows[idx]
		if row.Advisory.Failed() {
			result.AdvisoryFailures++
		}
		metrics.ObservePrediction("batch", metrics.OutcomeSuccess, string(row.Prediction.RiskLabel))
	}

	elapsed := time.Since(start)
	metrics.ObserveBatch(result.Total, elapsed)
	span.SetAttributes(
		attribute.Int("batch.rows", result.Total),
		attribute.Int("batch.quarantined", result.Quarantined),
		attribute.Int("batch.advisory_failures", result.AdvisoryFailures),
	)

	logger.Info("Batch completed",
		zap.Int("total", result.Total),
		zap.Int("scored", result.Scored),
		zap.Int("quarantined", result.Quarantined),
		zap.Int("advisory_failures", result.AdvisoryFailures),
		zap.Duration("elapsed", elapsed))

	return result, nil
}

// generateAdvice fans out one advisory call per scored row. Each worker writes
// only its own row, so results land in input order whatever the completion order.
func (p *Predictor) generateAdvice(ctx context.Context, result *models.BatchResult, valid []int, encodings []encoder.RowEncoding) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.AdvisoryWorkers)

	for _, idx := range valid {
		idx := idx // per-iteration copy; go.mod targets go1.21 loop semantics
		rec := encodings[idx].Record
		g.Go(func() error {
			adv := p.advisor.Generate(gctx, rec)
			result.Rows[idx].Advisory = &adv
			return nil
		})
	}

	// workers never return an error
	_ = g.Wait()
}
