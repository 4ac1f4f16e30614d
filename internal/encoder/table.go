package encoder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"dropout-advisor/internal/models"
)

var columnAliases = map[string]string{
	"age":                     ColAge,
	"gender":                  ColGender,
	"cgpa":                    ColCGPA,
	"attendance":              ColAttendance,
	"attendance rate":         ColAttendance,
	"attendance (%)":          ColAttendance,
	"attendance rate (%)":     ColAttendance,
	"behavioural rating":      ColBehavioural,
	"behavioral rating":       ColBehavioural,
	"behavioural rating (%)":  ColBehavioural,
	"behavioral rating (%)":   ColBehavioural,
	"study time":              ColStudyTime,
	"study time (hrs/week)":   ColStudyTime,
	"study time (hours/week)": ColStudyTime,
	"parental support":        ColParental,
	"extra paid class":        ColExtraClass,
	"student id":              ColStudentID,
	"studentid":               ColStudentID,
	"dropout":                 ColDropout,
}

// CanonicalColumn maps a header or form field name to its canonical column.
// Matching ignores case, surrounding space and underscores.
func CanonicalColumn(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "_", " ")
	key = strings.Join(strings.Fields(key), " ")
	col, ok := columnAliases[key]
	return col, ok
}

// Table is an uploaded CSV kept in its original shape
type Table struct {
	Header  []string
	Rows    [][]string
	columns map[string]int
}

// RowEncoding is the per-row outcome of EncodeTable
type RowEncoding struct {
	Record models.StudentRecord
	Vector models.EncodedFeatureVector
	Err    error
}

// ReadTable parses a comma separated upload with a header row.
// The header must name every feature column; rows are not validated here.
func ReadTable(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, models.NewInvalidInput("", "uploaded file is empty")
	}
	if err != nil {
		return nil, models.NewInvalidInput("", fmt.Sprintf("could not read CSV header: %v", err))
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	t := &Table{Header: header, columns: make(map[string]int, len(header))}
	for i, name := range header {
		col, ok := CanonicalColumn(name)
		if !ok {
			continue
		}
		if _, dup := t.columns[col]; dup {
			return nil, models.NewInvalidInput(col, "column appears more than once")
		}
		t.columns[col] = i
	}
	for _, col := range featureColumns {
		if _, ok := t.columns[col]; !ok {
			return nil, models.NewInvalidInput(col, "column missing from upload")
		}
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, models.NewInvalidInput("", fmt.Sprintf("malformed CSV: %v", err))
		}
		t.Rows = append(t.Rows, row)
	}

	return t, nil
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.Rows)
}

// Values returns row i keyed by canonical column. The Dropout ground truth is left out.
func (t *Table) Values(i int) map[string]string {
	row := t.Rows[i]
	values := make(map[string]string, len(t.columns))
	for col, idx := range t.columns {
		if col == ColDropout || idx >= len(row) {
			continue
		}
		values[col] = row[idx]
	}
	return values
}

// StudentID returns the label of row i, if the upload has one
func (t *Table) StudentID(i int) string {
	idx, ok := t.columns[ColStudentID]
	if !ok || idx >= len(t.Rows[i]) {
		return ""
	}
	return strings.TrimSpace(t.Rows[i][idx])
}

// EncodeTable encodes every row independently. A bad row gets an error
// and does not affect its neighbours.
func EncodeTable(t *Table) []RowEncoding {
	out := make([]RowEncoding, len(t.Rows))
	for i, row := range t.Rows {
		if len(row) != len(t.Header) {
			out[i].Err = models.NewInvalidInput("", fmt.Sprintf("row has %d fields, header has %d", len(row), len(t.Header)))
			continue
		}
		rec, err := ParseRecord(t.Values(i))
		if err != nil {
			out[i].Err = err
			continue
		}
		vec, err := Encode(rec)
		if err != nil {
			out[i].Err = err
			continue
		}
		out[i] = RowEncoding{Record: rec, Vector: vec}
	}
	return out
}
