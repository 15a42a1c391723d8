package attendance

import (
	"math"
	"time"
)

const (
	Table = "attendance"

	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusLate    = "late"
	StatusExcused = "excused"
)

// Record is the attendance of one student on one day. There is at most one record per class, day and student.
type Record struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name,omitempty"`
	ClassID     string    `json:"class_id"`
	Date        string    `json:"date"` // YYYY-MM-DD
	Status      string    `json:"status"`
	Remarks     string    `json:"remarks,omitempty"`
	RecordedBy  string    `json:"recorded_by"`
	CreatedAt   time.Time `json:"created_at"` // UTC
	UpdatedAt   time.Time `json:"updated_at"` // UTC
}

func RecordID(date, classID, studentID string) string {
	return date + "_" + classID + "_" + studentID
}

type MarkAttendance struct {
	StudentID   string `json:"student_id" validate:"required"`
	StudentName string `json:"student_name"`
	ClassID     string `json:"class_id" validate:"required"`
	Date        string `json:"date" validate:"required,date"`
	Status      string `json:"status" validate:"required,oneof=present absent late excused"`
	Remarks     string `json:"remarks" validate:"max=500"`
}

type Entry struct {
	StudentID   string `json:"student_id" validate:"required"`
	StudentName string `json:"student_name"`
	Status      string `json:"status" validate:"required,oneof=present absent late excused"`
	Remarks     string `json:"remarks" validate:"max=500"`
}

// ClassAttendance is the attendance sheet of a class for one day.
type ClassAttendance struct {
	ClassID string  `json:"class_id" validate:"required"`
	Date    string  `json:"date" validate:"required,date"`
	Entries []Entry `json:"entries" validate:"required,min=1,dive"`
}

type Filter struct {
	ClassID   string `query:"class_id"`
	StudentID string `query:"student_id"`
	From      string `query:"from" validate:"omitempty,date"`
	To        string `query:"to" validate:"omitempty,date"`
}

func (f Filter) Match(r Record) bool {
	// YYYY-MM-DD strings sort chronologically
	return (f.ClassID == "" || r.ClassID == f.ClassID) &&
		(f.StudentID == "" || r.StudentID == f.StudentID) &&
		(f.From == "" || r.Date >= f.From) &&
		(f.To == "" || r.Date <= f.To)
}

type Stats struct {
	Total   int     `json:"total"`
	Present int     `json:"present"`
	Absent  int     `json:"absent"`
	Late    int     `json:"late"`
	Excused int     `json:"excused"`
	Rate    float64 `json:"rate"` // percentage of present or late records
}

func ComputeStats(records []Record) Stats {
	var st Stats
	for _, r := range records {
		st.Total++
		switch r.Status {
		case StatusPresent:
			st.Present++
		case StatusAbsent:
			st.Absent++
		case StatusLate:
			st.Late++
		case StatusExcused:
			st.Excused++
		}
	}
	if st.Total > 0 {
		st.Rate = math.Round(float64(st.Present+st.Late)/float64(st.Total)*10000) / 100
	}
	return st
}
