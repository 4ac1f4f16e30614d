package encoder

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"dropout-advisor/internal/models"
)

// Canonical column names. The classifier artifact lists the same names in the same order.
const (
	ColAge         = "Age"
	ColGender      = "Gender"
	ColCGPA        = "CGPA"
	ColAttendance  = "Attendance"
	ColBehavioural = "Behavioural Rating"
	ColStudyTime   = "Study Time"
	ColParental    = "Parental Support"
	ColExtraClass  = "Extra Paid Class"
	ColStudentID   = "Student ID"
	ColDropout     = "Dropout"
)

// FeatureSetVersion identifies the column order and categorical mapping below.
// Bump it together with the classifier artifact.
const FeatureSetVersion = "dropout-features/v1"

var featureColumns = []string{
	ColAge,
	ColGender,
	ColCGPA,
	ColAttendance,
	ColBehavioural,
	ColStudyTime,
	ColParental,
	ColExtraClass,
}

var genderCodes = map[models.Gender]float64{
	models.GenderMale:   1,
	models.GenderFemale: 0,
}

var yesNoCodes = map[models.YesNo]float64{
	models.Yes: 1,
	models.No:  0,
}

// Columns returns the feature column order expected by the classifier
func Columns() []string {
	return append([]string(nil), featureColumns...)
}

// Encode validates a record and maps it to the classifier's feature vector
func Encode(rec models.StudentRecord) (models.EncodedFeatureVector, error) {
	if err := Validate(rec); err != nil {
		return nil, err
	}

	return models.EncodedFeatureVector{
		float64(rec.Age),
		genderCodes[rec.Gender],
		rec.CGPA,
		float64(rec.AttendanceRate),
		float64(rec.BehaviouralRating),
		float64(rec.StudyTime),
		yesNoCodes[rec.ParentalSupport],
		yesNoCodes[rec.ExtraPaidClass],
	}, nil
}

// Validate checks every feature against its declared domain
func Validate(rec models.StudentRecord) error {
	if rec.Age < models.MinAge || rec.Age > models.MaxAge {
		return models.NewInvalidInput(ColAge, fmt.Sprintf("must be between %d and %d, got %d", models.MinAge, models.MaxAge, rec.Age))
	}
	if _, ok := genderCodes[rec.Gender]; !ok {
		return models.NewInvalidInput(ColGender, fmt.Sprintf("must be Male or Female, got %q", rec.Gender))
	}
	if math.IsNaN(rec.CGPA) || rec.CGPA < models.MinCGPA || rec.CGPA > models.MaxCGPA {
		return models.NewInvalidInput(ColCGPA, fmt.Sprintf("must be between %.1f and %.1f, got %v", models.MinCGPA, models.MaxCGPA, rec.CGPA))
	}
	if err := checkPercent(ColAttendance, rec.AttendanceRate); err != nil {
		return err
	}
	if err := checkPercent(ColBehavioural, rec.BehaviouralRating); err != nil {
		return err
	}
	if rec.StudyTime < models.MinStudyTime || rec.StudyTime > models.MaxStudyTime {
		return models.NewInvalidInput(ColStudyTime, fmt.Sprintf("must be between %d and %d hours per week, got %d", models.MinStudyTime, models.MaxStudyTime, rec.StudyTime))
	}
	if _, ok := yesNoCodes[rec.ParentalSupport]; !ok {
		return models.NewInvalidInput(ColParental, fmt.Sprintf("must be Yes or No, got %q", rec.ParentalSupport))
	}
	if _, ok := yesNoCodes[rec.ExtraPaidClass]; !ok {
		return models.NewInvalidInput(ColExtraClass, fmt.Sprintf("must be Yes or No, got %q", rec.ExtraPaidClass))
	}
	return nil
}

func checkPercent(field string, v int) error {
	if v < models.MinPercent || v > models.MaxPercent {
		return models.NewInvalidInput(field, fmt.Sprintf("must be between %d and %d percent, got %d", models.MinPercent, models.MaxPercent, v))
	}
	return nil
}

// ParseRecord builds a StudentRecord from untyped string values such as
// form fields or a CSV row. Keys are matched via CanonicalColumn.
func ParseRecord(values map[string]string) (models.StudentRecord, error) {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if col, ok := CanonicalColumn(k); ok {
			fields[col] = strings.TrimSpace(v)
		}
	}

	var (
		rec models.StudentRecord
		err error
	)
	rec.StudentID = fields[ColStudentID]

	if rec.Age, err = parseInt(fields, ColAge); err != nil {
		return rec, err
	}
	if rec.Gender, err = parseGender(fields[ColGender], fields[ColGender] != ""); err != nil {
		return rec, err
	}
	if rec.CGPA, err = parseFloat(fields, ColCGPA); err != nil {
		return rec, err
	}
	if rec.AttendanceRate, err = parseInt(fields, ColAttendance); err != nil {
		return rec, err
	}
	if rec.BehaviouralRating, err = parseInt(fields, ColBehavioural); err != nil {
		return rec, err
	}
	if rec.StudyTime, err = parseInt(fields, ColStudyTime); err != nil {
		return rec, err
	}
	if rec.ParentalSupport, err = parseYesNo(ColParental, fields[ColParental]); err != nil {
		return rec, err
	}
	if rec.ExtraPaidClass, err = parseYesNo(ColExtraClass, fields[ColExtraClass]); err != nil {
		return rec, err
	}

	return rec, Validate(rec)
}

// FromInput converts a JSON request body into a validated StudentRecord
func FromInput(in models.StudentInput) (models.StudentRecord, error) {
	rec := models.StudentRecord{StudentID: strings.TrimSpace(in.StudentID)}

	var err error
	if rec.Age, err = integral(ColAge, in.Age); err != nil {
		return rec, err
	}
	if in.Gender == nil {
		return rec, missing(ColGender)
	}
	if rec.Gender, err = parseGender(*in.Gender, true); err != nil {
		return rec, err
	}
	if in.CGPA == nil {
		return rec, missing(ColCGPA)
	}
	rec.CGPA = *in.CGPA
	if rec.AttendanceRate, err = integral(ColAttendance, in.AttendanceRate); err != nil {
		return rec, err
	}
	if rec.BehaviouralRating, err = integral(ColBehavioural, in.BehaviouralRating); err != nil {
		return rec, err
	}
	if rec.StudyTime, err = integral(ColStudyTime, in.StudyTime); err != nil {
		return rec, err
	}
	if in.ParentalSupport == nil {
		return rec, missing(ColParental)
	}
	if rec.ParentalSupport, err = parseYesNo(ColParental, *in.ParentalSupport); err != nil {
		return rec, err
	}
	if in.ExtraPaidClass == nil {
		return rec, missing(ColExtraClass)
	}
	if rec.ExtraPaidClass, err = parseYesNo(ColExtraClass, *in.ExtraPaidClass); err != nil {
		return rec, err
	}

	return rec, Validate(rec)
}

func missing(field string) error {
	return models.NewInvalidInput(field, "required field is missing")
}

func parseFloat(fields map[string]string, field string) (float64, error) {
	raw, ok := fields[field]
	if !ok || raw == "" {
		return 0, missing(field)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, models.NewInvalidInput(field, fmt.Sprintf("%q is not a number", raw))
	}
	return v, nil
}

func parseInt(fields map[string]string, field string) (int, error) {
	v, err := parseFloat(fields, field)
	if err != nil {
		return 0, err
	}
	return integral(field, &v)
}

// integral accepts whole numbers written as floats ("16.0") and rejects fractions
func integral(field string, v *float64) (int, error) {
	if v == nil {
		return 0, missing(field)
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v != math.Trunc(*v) {
		return 0, models.NewInvalidInput(field, fmt.Sprintf("must be a whole number, got %v", *v))
	}
	if math.Abs(*v) > math.MaxInt32 {
		return 0, models.NewInvalidInput(field, fmt.Sprintf("value %v is out of range", *v))
	}
	return int(*v), nil
}

func parseGender(raw string, present bool) (models.Gender, error) {
	if !present || strings.TrimSpace(raw) == "" {
		return "", missing(ColGender)
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "male":
		return models.GenderMale, nil
	case "female":
		return models.GenderFemale, nil
	}
	return "", models.NewInvalidInput(ColGender, fmt.Sprintf("must be Male or Female, got %q", raw))
}

func parseYesNo(field, raw string) (models.YesNo, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", missing(field)
	case "yes":
		return models.Yes, nil
	case "no":
		return models.No, nil
	}
	return "", models.NewInvalidInput(field, fmt.Sprintf("must be Yes or No, got %q", raw))
}
