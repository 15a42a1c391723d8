package student

import (
	"strings"
	"time"
)

const (
	Table          = "students"
	AdmissionTable = "admissions"

	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusGraduated = "graduated"

	AdmissionApproved = "approved"
)

type Student struct {
	ID              string    `json:"id"`
	AdmissionNumber string    `json:"admission_number,omitempty"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	DateOfBirth     string    `json:"date_of_birth,omitempty"` // YYYY-MM-DD
	Gender          string    `json:"gender,omitempty"`
	ClassID         string    `json:"class_id"`
	GuardianName    string    `json:"guardian_name,omitempty"`
	GuardianPhone   string    `json:"guardian_phone,omitempty"`
	GuardianEmail   string    `json:"guardian_email,omitempty"`
	Status          string    `json:"status"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"` // UTC
	UpdatedAt       time.Time `json:"updated_at"` // UTC
}

func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// NewStudent contains information needed to add a Student.
type NewStudent struct {
	FirstName     string `json:"first_name" validate:"required,notblank"`
	LastName      string `json:"last_name" validate:"required,notblank"`
	DateOfBirth   string `json:"date_of_birth" validate:"omitempty,date"`
	Gender        string `json:"gender" validate:"omitempty,oneof=male female"`
	ClassID       string `json:"class_id" validate:"required"`
	GuardianName  string `json:"guardian_name"`
	GuardianPhone string `json:"guardian_phone"`
	GuardianEmail string `json:"guardian_email" validate:"omitempty,email"`
}

type Admission struct {
	ID              string    `json:"id"`
	AdmissionNumber string    `json:"admission_number"`
	StudentID       string    `json:"student_id"`
	StudentName     string    `json:"student_name"`
	ClassID         string    `json:"class_id"`
	AdmissionDate   string    `json:"admission_date"` // YYYY-MM-DD
	PreviousSchool  string    `json:"previous_school,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Status          string    `json:"status"`
	ProcessedBy     string    `json:"processed_by"`
	CreatedAt       time.Time `json:"created_at"` // UTC
}

// NewAdmission admits an applicant: it creates both the admission and the student.
type NewAdmission struct {
	Student        NewStudent `json:"student"`
	AdmissionDate  string     `json:"admission_date" validate:"required,date"`
	PreviousSchool string     `json:"previous_school"`
	Notes          string     `json:"notes"`
}

type QueryFilter struct {
	ClassID string `query:"class_id"`
	Status  string `query:"status"`
	Search  string `query:"search"`
}

func (qf QueryFilter) match(s Student) bool {
	if qf.ClassID != "" && s.ClassID != qf.ClassID {
		return false
	}
	if qf.Status != "" && s.Status != qf.Status {
		return false
	}
	if qf.Search != "" {
		search := strings.ToLower(qf.Search)
		if !strings.Contains(strings.ToLower(s.FullName()), search) &&
			!strings.Contains(strings.ToLower(s.AdmissionNumber), search) {
			return false
		}
	}
	return true
}
