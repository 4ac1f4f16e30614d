package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"dropout-advisor/internal/models"
)

// Export column names appended to the uploaded columns
const (
	ColPrediction = "Dropout Prediction"
	ColRisk       = "Dropout Risk (%)"
	ColAdvice     = "AI Advice"
	ColValidation = "Validation Error"

	ExportFilename    = "predictions.csv"
	ExportContentType = "text/csv; charset=utf-8"
)

// ExportHeader is the header row WriteCSV emits for res
func ExportHeader(res *models.BatchResult) []string {
	header := append([]string(nil), res.Header...)
	header = append(header, ColPrediction, ColRisk, ColAdvice)
	if res.Quarantined > 0 {
		header = append(header, ColValidation)
	}
	return header
}

// ExportRecords renders res as rows matching ExportHeader
func ExportRecords(res *models.BatchResult) [][]string {
	width := len(res.Header)
	records := make([][]string, 0, len(res.Rows))

	for _, row := range res.Rows {
		cells := make([]string, width, width+4)
		copy(cells, row.Cells)

		var prediction, risk, advice string
		if row.Prediction != nil {
			prediction = strconv.Itoa(row.Prediction.Label)
			risk = strconv.FormatFloat(row.Prediction.RiskScore, 'f', 2, 64)
		}
		if row.Advisory != nil {
			advice = row.Advisory.Display()
		}
		cells = append(cells, prediction, risk, advice)

		if res.Quarantined > 0 {
			cells = append(cells, row.ValidationError)
		}
		records = append(records, cells)
	}
	return records
}

// WriteCSV writes the augmented table as UTF-8 comma separated values with a header row
func WriteCSV(w io.Writer, res *models.BatchResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader(res)); err != nil {
		return fmt.Errorf("failed to write export header: %w", err)
	}
	if err := cw.WriteAll(ExportRecords(res)); err != nil {
		return fmt.Errorf("failed to write export rows: %w", err)
	}
	return nil
}

// ExportRow is one parsed line of an export
type ExportRow struct {
	Cells           map[string]string
	Prediction      *int
	RiskScore       *float64
	Advice          string
	ValidationError string
}

// ReadExport parses a file produced by WriteCSV
func ReadExport(r io.Reader) ([]ExportRow, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("export is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read export header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimPrefix(name, "\ufeff")] = i
	}
	for _, col := range []string{ColPrediction, ColRisk, ColAdvice} {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("export is missing column %q", col)
		}
	}

	var rows []ExportRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read export line %d: %w", line, err)
		}

		row := ExportRow{Cells: make(map[string]string, len(header))}
		for name, i := range index {
			row.Cells[name] = record[i]
		}

		if v := record[index[ColPrediction]]; v != "" {
			label, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad %s %q", line, ColPrediction, v)
			}
			row.Prediction = &label
		}
		if v := record[index[ColRisk]]; v != "" {
			score, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad %s %q", line, ColRisk, v)
			}
			row.RiskScore = &score
		}
		row.Advice = record[index[ColAdvice]]
		if i, ok := index[ColValidation]; ok {
			row.ValidationError = record[i]
		}

		rows = append(rows, row)
	}
	return rows, nil
}
