package advisory

import (
	"fmt"
	"strconv"
	"strings"

	"dropout-advisor/internal/models"
)

// SystemInstruction is sent as the system turn by providers that support one
const SystemInstruction = `You are an educational advisor. You write short, supportive and practical advice for secondary and tertiary students who may be at risk of dropping out.
Use plain language. Do not mention that you are an AI, do not repeat the raw numbers back as a list, and do not use markdown headings.`

// BuildPrompt renders the advisory prompt for one student.
// Field order and units are fixed; providers receive exactly this text.
func BuildPrompt(rec models.StudentRecord) string {
	var idStr string
	if id := strings.TrimSpace(rec.StudentID); id != "" {
		idStr = " for Student ID " + id
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You're an educational advisor AI. Based on the following student data%s, give supportive, practical advice in plain language.\n", idStr)
	b.WriteString("Help the student understand their situation and suggest realistic ways to avoid dropping out and improve performance.\n\n")
	b.WriteString("Student Info:\n")
	fmt.Fprintf(&b, "- Age: %d\n", rec.Age)
	fmt.Fprintf(&b, "- CGPA: %s / 5.0\n", formatCGPA(rec.CGPA))
	fmt.Fprintf(&b, "- Attendance Rate: %d%%\n", rec.AttendanceRate)
	fmt.Fprintf(&b, "- Behavioural Rating: %d%%\n", rec.BehaviouralRating)
	fmt.Fprintf(&b, "- Study Time: %d hrs/week\n", rec.StudyTime)
	fmt.Fprintf(&b, "- Parental Support: %s\n", yesNo(rec.ParentalSupport))
	fmt.Fprintf(&b, "- Extra Paid Class: %s\n", yesNo(rec.ExtraPaidClass))
	b.WriteString("\nRespond with 3-5 sentences. Be encouraging and practical.\n")
	return b.String()
}

// formatCGPA keeps one decimal for whole numbers ("3.0") and full precision otherwise
func formatCGPA(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func yesNo(v models.YesNo) string {
	if v == models.Yes {
		return "Yes"
	}
	return "No"
}
