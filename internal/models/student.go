package models

// Gender is the binary categorical used by the classifier
type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
)

// YesNo is used for Parental Support and Extra Paid Class
type YesNo string

const (
	Yes YesNo = "Yes"
	No  YesNo = "No"
)

// Domain bounds for the numeric attributes
const (
	MinAge       = 10
	MaxAge       = 30
	MinCGPA      = 0.0
	MaxCGPA      = 5.0
	MinPercent   = 0
	MaxPercent   = 100
	MinStudyTime = 0
	MaxStudyTime = 168 // hours in a week
)

// StudentRecord is one student as entered on the form or read from an upload row
type StudentRecord struct {
	StudentID         string  `json:"student_id,omitempty"`
	Age               int     `json:"age"`
	Gender            Gender  `json:"gender"`
	CGPA              float64 `json:"cgpa"`
	AttendanceRate    int     `json:"attendance_rate"`
	BehaviouralRating int     `json:"behavioural_rating"`
	StudyTime         int     `json:"study_time"`
	ParentalSupport   YesNo   `json:"parental_support"`
	ExtraPaidClass    YesNo   `json:"extra_paid_class"`
}

// StudentInput is the JSON request body for a single prediction.
// Pointers let the encoder tell a missing field from a zero value.
type StudentInput struct {
	StudentID         string   `json:"student_id"`
	Age               *float64 `json:"age"`
	Gender            *string  `json:"gender"`
	CGPA              *float64 `json:"cgpa"`
	AttendanceRate    *float64 `json:"attendance_rate"`
	BehaviouralRating *float64 `json:"behavioural_rating"`
	StudyTime         *float64 `json:"study_time"`
	ParentalSupport   *string  `json:"parental_support"`
	ExtraPaidClass    *string  `json:"extra_paid_class"`
}
