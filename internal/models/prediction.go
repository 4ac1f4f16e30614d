package models

import "github.com/google/uuid"

// EncodedFeatureVector is the fixed-order numeric input of the classifier
type EncodedFeatureVector []float64

// RiskLabel is the categorical risk bucket
type RiskLabel string

const (
	RiskLow  RiskLabel = "Low"
	RiskHigh RiskLabel = "High"
)

// RiskThreshold splits Low from High on the classifier score
const RiskThreshold = 0.5

// PredictionResult is the classifier output for one record
type PredictionResult struct {
	Label     int       `json:"dropout_prediction"`
	RiskLabel RiskLabel `json:"risk_label"`
	RiskScore float64   `json:"risk_score"` // percent, 2 decimals
}

// AdvisoryResult holds either advice text or a readable error, never both
type AdvisoryResult struct {
	Text         string `json:"text,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewAdvice returns a successful advisory result
func NewAdvice(text string) AdvisoryResult {
	return AdvisoryResult{Text: text}
}

// NewAdvisoryFailure returns a failed advisory result
func NewAdvisoryFailure(message string) AdvisoryResult {
	if message == "" {
		message = "AI advice unavailable"
	}
	return AdvisoryResult{ErrorMessage: message}
}

// Failed reports whether the advisory call failed
func (a AdvisoryResult) Failed() bool {
	return a.ErrorMessage != ""
}

// Display is the text shown to the user and written to the export
func (a AdvisoryResult) Display() string {
	if a.Failed() {
		return a.ErrorMessage
	}
	return a.Text
}

// BatchRow is one input row augmented with its results
type BatchRow struct {
	Index           int               `json:"index"`
	Cells           []string          `json:"cells"`
	StudentID       string            `json:"student_id,omitempty"`
	Prediction      *PredictionResult `json:"prediction,omitempty"`
	Advisory        *AdvisoryResult   `json:"advisory,omitempty"`
	ValidationError string            `json:"validation_error,omitempty"`
}

// BatchResult is the augmented table for one upload
type BatchResult struct {
	ID               uuid.UUID  `json:"id"`
	Header           []string   `json:"header"`
	Rows             []BatchRow `json:"rows"`
	Total            int        `json:"total"`
	Scored           int        `json:"scored"`
	Quarantined      int        `json:"quarantined"`
	AdvisoryFailures int        `json:"advisory_failures"`
}
