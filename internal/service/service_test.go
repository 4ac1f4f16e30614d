package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropout-advisor/internal/advisory"
	"dropout-advisor/internal/classifier"
	"dropout-advisor/internal/encoder"
	"dropout-advisor/internal/llm"
	"dropout-advisor/internal/models"
	"dropout-advisor/internal/service"
)

// fakeClassifier scores a row by its CGPA: lower CGPA, higher risk
type fakeClassifier struct {
	calls int32
	rows  int32
	err   error
}

func (f *fakeClassifier) score(row []float64) float64 {
	return 1 - row[2]/5
}

func (f *fakeClassifier) Classify(_ context.Context, rows [][]float64) ([]int, error) {
	atomic.AddInt32(&f.calls, 1)
	atomic.AddInt32(&f.rows, int32(len(rows)))
	if f.err != nil {
		return nil, f.err
	}
	labels := make([]int, len(rows))
	for i, r := range rows {
		if f.score(r) >= 0.5 {
			labels[i] = 1
		}
	}
	return labels, nil
}

func (f *fakeClassifier) Score(_ context.Context, rows [][]float64) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	scores := make([]float64, len(rows))
	for i, r := range rows {
		scores[i] = f.score(r)
	}
	return scores, nil
}

func (f *fakeClassifier) Info() classifier.ModelInfo {
	return classifier.ModelInfo{Type: "fake", Features: encoder.Columns(), FeatureSet: encoder.FeatureSetVersion}
}

// fakeGenerator answers per student and fails for the listed IDs
type fakeGenerator struct {
	mu     sync.Mutex
	seen   []string
	failOn map[string]bool
	jitter bool
}

func (g *fakeGenerator) Generate(_ context.Context, rec models.StudentRecord) models.AdvisoryResult {
	if g.jitter {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	}
	g.mu.Lock()
	g.seen = append(g.seen, rec.StudentID)
	g.mu.Unlock()

	if g.failOn[rec.StudentID] {
		return models.NewAdvisoryFailure("AI advice unavailable: gemini API error: quota exceeded")
	}
	return models.NewAdvice("advice for " + rec.StudentID)
}

func atRisk() models.StudentRecord {
	return models.StudentRecord{
		StudentID:         "S-1",
		Age:               18,
		Gender:            models.GenderMale,
		CGPA:              1.2,
		AttendanceRate:    40,
		BehaviouralRating: 30,
		StudyTime:         2,
		ParentalSupport:   models.No,
		ExtraPaidClass:    models.No,
	}
}

const header = "Student ID,Age,Gender,CGPA,Attendance,Behavioural Rating,Study Time,Parental Support,Extra Paid Class,Dropout\n"

func csvRows(n int) string {
	var b strings.Builder
	b.WriteString(header)
	for i := 0; i < n; i++ {
		cgpa := float64(i%50) / 10
		fmt.Fprintf(&b, "S%d,%d,%s,%.1f,%d,%d,%d,%s,%s,0\n",
			i, 12+i%10, []string{"Male", "Female"}[i%2], cgpa, 50+i%50, 40+i%60, i%20,
			[]string{"Yes", "No"}[i%2], []string{"No", "Yes"}[i%2])
	}
	return b.String()
}

func newPredictor(clf classifier.Classifier, gen service.AdvisoryGenerator, workers int) *service.Predictor {
	return service.NewPredictor(clf, gen, service.Options{MaxRows: 100, AdvisoryWorkers: workers}, zap.NewNop())
}

func TestNewPrediction_Rounding(t *testing.T) {
	tests := []struct {
		score float64
		risk  models.RiskLabel
		pct   float64
	}{
		{0.94583, models.RiskHigh, 94.58},
		{0.5, models.RiskHigh, 50},
		{0.49999, models.RiskLow, 50},
		{0.12345, models.RiskLow, 12.35},
		{0, models.RiskLow, 0},
		{1, models.RiskHigh, 100},
	}
	for _, tt := range tests {
		pred, err := service.NewPrediction(1, tt.score)
		require.NoError(t, err)
		assert.Equal(t, tt.risk, pred.RiskLabel, "score %v", tt.score)
		assert.Equal(t, tt.pct, pred.RiskScore, "score %v", tt.score)
	}

	_, err := service.NewPrediction(1, 1.2)
	var clfErr *models.ClassifierError
	assert.True(t, errors.As(err, &clfErr))

	_, err = service.NewPrediction(2, 0.3)
	assert.True(t, errors.As(err, &clfErr))
}

func TestPredictRecord_ExampleIsHighRisk(t *testing.T) {
	clf, err := classifier.LoadArtifact("../../models/dropout_model.json")
	require.NoError(t, err)
	gen := &fakeGenerator{}

	res, err := newPredictor(clf, gen, 1).PredictRecord(context.Background(), atRisk())
	require.NoError(t, err)

	assert.Equal(t, service.StateDone, res.State)
	assert.Equal(t, []float64{1, 0, 0}, []float64{res.Vector[1], res.Vector[6], res.Vector[7]})
	require.NotNil(t, res.Prediction)
	assert.Equal(t, 1, res.Prediction.Label)
	assert.Equal(t, models.RiskHigh, res.Prediction.RiskLabel)
	assert.InDelta(t, 94.58, res.Prediction.RiskScore, 0.01)
	assert.Equal(t, "advice for S-1", res.Advisory.Text)
}

func TestPredictValues_MissingCGPANeverClassifies(t *testing.T) {
	clf := &fakeClassifier{}
	gen := &fakeGenerator{}

	res, err := newPredictor(clf, gen, 1).PredictValues(context.Background(), map[string]string{
		"Age": "18", "Gender": "Male", "Attendance": "40", "Behavioural Rating": "30",
		"Study Time": "2", "Parental Support": "No", "Extra Paid Class": "No",
	})

	var invalid *models.InvalidInputError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "CGPA", invalid.Field)
	assert.Equal(t, service.StateFailed, res.State)
	assert.Nil(t, res.Prediction)
	assert.Equal(t, int32(0), atomic.LoadInt32(&clf.calls))
	assert.Empty(t, gen.seen)
}

func TestPredictRecord_ClassifierErrorFailsClosed(t *testing.T) {
	clf := &fakeClassifier{err: &models.ClassifierError{Op: "predict", Err: errors.New("row 0 has 7 features")}}
	gen := &fakeGenerator{}

	res, err := newPredictor(clf, gen, 1).PredictRecord(context.Background(), atRisk())

	var clfErr *models.ClassifierError
	require.True(t, errors.As(err, &clfErr))
	assert.Equal(t, service.StateFailed, res.State)
	assert.Empty(t, gen.seen)
}

type invalidKeyAdvisor struct{}

func (invalidKeyAdvisor) Advise(context.Context, string) (string, error) {
	return "", &models.AdvisoryServiceError{Provider: "gemini", Err: errors.New("googleapi: Error 400: API key not valid. Please pass a valid API key.")}
}

func (invalidKeyAdvisor) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{"provider": "gemini"}
}

func TestPredictRecord_AdvisoryFailureKeepsPrediction(t *testing.T) {
	clf := &fakeClassifier{}
	gen := advisory.NewGenerator(invalidKeyAdvisor{}, time.Second, zap.NewNop())

	res, err := newPredictor(clf, gen, 1).PredictRecord(context.Background(), atRisk())
	require.NoError(t, err)

	assert.Equal(t, service.StateDone, res.State)
	require.NotNil(t, res.Prediction)
	assert.Equal(t, 1, res.Prediction.Label)
	assert.Equal(t, 76.0, res.Prediction.RiskScore)

	require.True(t, res.Advisory.Failed())
	assert.Empty(t, res.Advisory.Text)
	assert.Contains(t, res.Advisory.ErrorMessage, "API key not valid")
}

func TestPredictBatch_QuarantineAndOrder(t *testing.T) {
	input := header +
		"A,18,Male,1.2,40,30,2,No,No,1\n" +
		"B,17,Unknown,3.5,90,80,12,Yes,Yes,0\n" +
		"C,16,Female,4.5,95,90,15,Yes,Yes,0\n" +
		"D,16,Female,,95,90,15,Yes,Yes,0\n" +
		"E,19,Male,2.0,60,50,5,No,Yes,1\n"

	clf := &fakeClassifier{}
	gen := &fakeGenerator{failOn: map[string]bool{"C": true}, jitter: true}

	res, err := newPredictor(clf, gen, 3).PredictBatch(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 3, res.Scored)
	assert.Equal(t, 2, res.Quarantined)
	assert.Equal(t, 1, res.AdvisoryFailures)
	assert.Equal(t, int32(1), atomic.LoadInt32(&clf.calls), "one batched classify call")
	assert.Equal(t, int32(3), atomic.LoadInt32(&clf.rows))

	ids := make([]string, len(res.Rows))
	for i, row := range res.Rows {
		ids[i] = row.StudentID
		assert.Equal(t, i, row.Index)
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, ids)

	assert.Contains(t, res.Rows[1].ValidationError, "Gender")
	assert.Nil(t, res.Rows[1].Prediction)
	assert.Nil(t, res.Rows[1].Advisory)
	assert.Contains(t, res.Rows[3].ValidationError, "CGPA")

	require.NotNil(t, res.Rows[2].Prediction)
	assert.Equal(t, 0, res.Rows[2].Prediction.Label)
	assert.True(t, res.Rows[2].Advisory.Failed())

	assert.Equal(t, "advice for A", res.Rows[0].Advisory.Text)
	assert.Equal(t, "advice for E", res.Rows[4].Advisory.Text)
	assert.ElementsMatch(t, []string{"A", "C", "E"}, gen.seen)
}

func TestPredictBatch_AdvisoryFailureDoesNotChangePredictions(t *testing.T) {
	input := csvRows(20)

	baseline, err := newPredictor(&fakeClassifier{}, &fakeGenerator{}, 4).PredictBatch(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	withFailure, err := newPredictor(&fakeClassifier{}, &fakeGenerator{failOn: map[string]bool{"S7": true}, jitter: true}, 4).
		PredictBatch(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, withFailure.Rows, 20)
	for i := range baseline.Rows {
		assert.Equal(t, baseline.Rows[i].Prediction, withFailure.Rows[i].Prediction, "row %d", i)
		if i == 7 {
			assert.True(t, withFailure.Rows[i].Advisory.Failed())
			continue
		}
		assert.Equal(t, baseline.Rows[i].Advisory, withFailure.Rows[i].Advisory, "row %d", i)
	}
}

func TestPredictBatch_WorkersDoNotAffectOutput(t *testing.T) {
	input := csvRows(30)

	seq, err := newPredictor(&fakeClassifier{}, &fakeGenerator{}, 1).PredictBatch(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	par, err := newPredictor(&fakeClassifier{}, &fakeGenerator{jitter: true}, 8).PredictBatch(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, seq.Rows, par.Rows)
}

func TestPredictBatch_UploadErrors(t *testing.T) {
	p := newPredictor(&fakeClassifier{}, &fakeGenerator{}, 1)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"header only", header},
		{"missing column", "Age,Gender\n18,Male\n"},
		{"too many rows", csvRows(101)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.PredictBatch(context.Background(), strings.NewReader(tt.input))
			var invalid *models.InvalidInputError
			assert.True(t, errors.As(err, &invalid), "got %v", err)
		})
	}
}

func TestPredictBatch_ClassifierErrorFailsBatch(t *testing.T) {
	clf := &fakeClassifier{err: &models.ClassifierError{Op: "predict", Err: errors.New("bad shape")}}
	gen := &fakeGenerator{}

	_, err := newPredictor(clf, gen, 2).PredictBatch(context.Background(), strings.NewReader(csvRows(3)))

	var clfErr *models.ClassifierError
	assert.True(t, errors.As(err, &clfErr))
	assert.Empty(t, gen.seen)
}

func TestExport_RoundTrip(t *testing.T) {
	input := header +
		"A,18,Male,1.2,40,30,2,No,No,1\n" +
		"B,17,Unknown,3.5,90,80,12,Yes,Yes,0\n" +
		"C,16,Female,4.5,95,90,15,Yes,Yes,0\n"

	gen := &fakeGenerator{failOn: map[string]bool{"C": true}}
	res, err := newPredictor(&fakeClassifier{}, gen, 2).PredictBatch(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, service.WriteCSV(&buf, res))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, strings.TrimSpace(header)+",Dropout Prediction,Dropout Risk (%),AI Advice,Validation Error", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "A,18,Male,1.2,40,30,2,No,No,1,1,76.00,advice for A,"), lines[1])

	rows, err := service.ReadExport(&buf)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	for i, row := range rows {
		orig := res.Rows[i]
		assert.Equal(t, orig.Cells[0], row.Cells["Student ID"])
		if orig.Prediction == nil {
			assert.Nil(t, row.Prediction)
			assert.Nil(t, row.RiskScore)
			assert.NotEmpty(t, row.ValidationError)
			continue
		}
		require.NotNil(t, row.Prediction)
		assert.Equal(t, orig.Prediction.Label, *row.Prediction)
		assert.Equal(t, orig.Prediction.RiskScore, *row.RiskScore)
		assert.Equal(t, orig.Advisory.Display(), row.Advice)
	}
}

func TestExport_NoValidationColumnWithoutQuarantine(t *testing.T) {
	res, err := newPredictor(&fakeClassifier{}, &fakeGenerator{}, 1).PredictBatch(context.Background(), strings.NewReader(csvRows(2)))
	require.NoError(t, err)

	assert.NotContains(t, service.ExportHeader(res), service.ColValidation)

	var buf bytes.Buffer
	require.NoError(t, service.WriteCSV(&buf, res))
	rows, err := service.ReadExport(&buf)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestExport_AdviceWithCommasAndNewlines(t *testing.T) {
	res := &models.BatchResult{
		Header: []string{"Student ID"},
		Rows: []models.BatchRow{{
			Cells:      []string{"X"},
			Prediction: &models.PredictionResult{Label: 1, RiskLabel: models.RiskHigh, RiskScore: 87.5},
			Advisory:   &models.AdvisoryResult{Text: "First, attend class.\nSecond, \"ask\" for help."},
		}},
		Total: 1, Scored: 1,
	}

	var buf bytes.Buffer
	require.NoError(t, service.WriteCSV(&buf, res))
	assert.Contains(t, buf.String(), "87.50")

	rows, err := service.ReadExport(&buf)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "First, attend class.\nSecond, \"ask\" for help.", rows[0].Advice)
	assert.Equal(t, 87.5, *rows[0].RiskScore)
}

// countingProvider answers after delay, honouring the per-call budget
type countingProvider struct {
	name  string
	delay time.Duration
	calls int64
}

func (p *countingProvider) Advise(ctx context.Context, _ string) (string, error) {
	ctx, cancel := advisory.StartCall(ctx)
	defer cancel()

	atomic.AddInt64(&p.calls, 1)
	select {
	case <-time.After(p.delay):
		return "Join the after-school study group.", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *countingProvider) Close() error { return nil }

func (p *countingProvider) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{"provider": p.name, "model": p.name + "-test"}
}

func TestPredictBatch_RateLimitQueueDoesNotFailRows(t *testing.T) {
	nop := zap.NewNop()
	fast := &countingProvider{name: "gemini"}
	backup := &countingProvider{name: "groq"}

	// 3000 rpm is one token every 20ms, longer than the 10ms call budget
	limited := llm.NewRateLimitedProvider(fast, 3000, nop)
	for i := 0; i < 3000; i++ {
		_, err := limited.Advise(context.Background(), "warm-up")
		require.NoError(t, err)
	}

	chain := llm.NewMultiProviderClientFrom([]llm.Provider{limited, backup}, 3, nop)
	gen := advisory.NewGenerator(chain, 10*time.Millisecond, nop)

	res, err := newPredictor(&fakeClassifier{}, gen, 4).PredictBatch(context.Background(), strings.NewReader(csvRows(30)))
	require.NoError(t, err)

	assert.Equal(t, 30, res.Scored)
	assert.Zero(t, res.AdvisoryFailures)
	for _, row := range res.Rows {
		require.NotNil(t, row.Advisory)
		assert.Equal(t, "Join the after-school study group.", row.Advisory.Text)
	}
	assert.EqualValues(t, 3030, atomic.LoadInt64(&fast.calls))
	assert.Zero(t, atomic.LoadInt64(&backup.calls))
}

func TestPredictBatch_RequestTimeoutEndsBatchWithReadableAdvice(t *testing.T) {
	nop := zap.NewNop()
	slow := &countingProvider{name: "gemini", delay: 30 * time.Millisecond}
	gen := advisory.NewGenerator(slow, time.Second, nop)
	predictor := service.NewPredictor(&fakeClassifier{}, gen, service.Options{
		MaxRows:         100,
		AdvisoryWorkers: 1,
		RequestTimeout:  100 * time.Millisecond,
	}, nop)

	start := time.Now()
	res, err := predictor.PredictBatch(context.Background(), strings.NewReader(csvRows(20)))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, 20, res.Scored)
	var advised int
	for _, row := range res.Rows {
		require.NotNil(t, row.Prediction)
		require.NotNil(t, row.Advisory)
		if row.Advisory.Failed() {
			assert.Contains(t, row.Advisory.ErrorMessage, "request time limit was reached")
			continue
		}
		advised++
	}
	assert.Positive(t, advised)
	assert.Less(t, advised, 20)
	assert.Equal(t, 20-advised, res.AdvisoryFailures)
}

func TestPredictRecord_RequestTimeout(t *testing.T) {
	nop := zap.NewNop()
	slow := &countingProvider{name: "gemini", delay: time.Second}
	gen := advisory.NewGenerator(slow, 5*time.Second, nop)
	predictor := service.NewPredictor(&fakeClassifier{}, gen, service.Options{RequestTimeout: 20 * time.Millisecond}, nop)

	res, err := predictor.PredictRecord(context.Background(), atRisk())
	require.NoError(t, err)
	require.NotNil(t, res.Prediction)
	require.True(t, res.Advisory.Failed())
	assert.Contains(t, res.Advisory.ErrorMessage, "request time limit was reached")
}
