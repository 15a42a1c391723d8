// Package grade records assessment scores.
package grade

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/user"
)

const (
	Table = "grades"

	defaultMaxScore = 100
)

type Grade struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"student_id"`
	StudentName    string    `json:"student_name,omitempty"`
	ClassID        string    `json:"class_id"`
	Subject        string    `json:"subject"`
	Term           string    `json:"term"`
	AssessmentType string    `json:"assessment_type"`
	Score          float64   `json:"score"`
	MaxScore       float64   `json:"max_score"`
	Percentage     float64   `json:"percentage"`
	Letter         string    `json:"letter"`
	Remarks        string    `json:"remarks,omitempty"`
	RecordedBy     string    `json:"recorded_by"`
	CreatedAt      time.Time `json:"created_at"` // UTC
}

type NewGrade struct {
	StudentID      string  `json:"student_id" validate:"required"`
	StudentName    string  `json:"student_name"`
	ClassID        string  `json:"class_id" validate:"required"`
	Subject        string  `json:"subject" validate:"required,notblank"`
	Term           string  `json:"term" validate:"required"`
	AssessmentType string  `json:"assessment_type" validate:"omitempty,oneof=exam test assignment quiz"`
	Score          float64 `json:"score" validate:"gte=0"`
	MaxScore       float64 `json:"max_score" validate:"omitempty,gt=0"`
	Remarks        string  `json:"remarks" validate:"max=500"`
}

type Filter struct {
	StudentID string `query:"student_id"`
	ClassID   string `query:"class_id"`
	Subject   string `query:"subject"`
	Term      string `query:"term"`
}

func (f Filter) match(g Grade) bool {
	return (f.StudentID == "" || g.StudentID == f.StudentID) &&
		(f.ClassID == "" || g.ClassID == f.ClassID) &&
		(f.Subject == "" || g.Subject == f.Subject) &&
		(f.Term == "" || g.Term == f.Term)
}

// Letter maps a percentage to a letter grade.
func Letter(percentage float64) string {
	switch {
	case percentage >= 80:
		return "A"
	case percentage >= 70:
		return "B"
	case percentage >= 60:
		return "C"
	case percentage >= 50:
		return "D"
	case percentage >= 40:
		return "E"
	}
	return "F"
}

type Service interface {
	Enter(ctx context.Context, sess core.Session, ng NewGrade) (Grade, error)
	Query(ctx context.Context, filter Filter) ([]Grade, error)
}

type service struct {
	store    offline.Store
	validate *validator.Validate
	audit    *audit.Logger
	now      func() time.Time
}

var _ Service = (*service)(nil)

func NewService(store offline.Store, validate *validator.Validate, auditLog *audit.Logger) Service {
	return &service{
		store:    store,
		validate: validate,
		audit:    auditLog,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (svc *service) Enter(ctx context.Context, sess core.Session, ng NewGrade) (Grade, error) {
	if err := sess.Authorize(user.RoleAdmin, user.RoleTeacher); err != nil {
		return Grade{}, err
	}
	ng.StudentID = core.CleanString(ng.StudentID)
	ng.StudentName = core.CleanString(ng.StudentName)
	ng.ClassID = core.CleanString(ng.ClassID)
	ng.Subject = core.CleanString(ng.Subject)
	ng.Term = core.CleanString(ng.Term)
	ng.AssessmentType = core.CleanString(ng.AssessmentType, true /* lower */)
	ng.Remarks = core.CleanString(ng.Remarks)
	if ng.MaxScore == 0 {
		ng.MaxScore = defaultMaxScore
	}
	if ng.AssessmentType == "" {
		ng.AssessmentType = "exam"
	}
	if err := svc.validate.Struct(ng); err != nil {
		return Grade{}, err
	}
	if ng.Score > ng.MaxScore {
		return Grade{}, core.NewFieldError("score", fmt.Sprintf("score cannot exceed %g", ng.MaxScore))
	}

	pct := math.Round(ng.Score/ng.MaxScore*10000) / 100
	g := Grade{
		ID:             uuid.New().String(),
		StudentID:      ng.StudentID,
		StudentName:    ng.StudentName,
		ClassID:        ng.ClassID,
		Subject:        ng.Subject,
		Term:           ng.Term,
		AssessmentType: ng.AssessmentType,
		Score:          ng.Score,
		MaxScore:       ng.MaxScore,
		Percentage:     pct,
		Letter:         Letter(pct),
		Remarks:        ng.Remarks,
		RecordedBy:     sess.UserID,
		CreatedAt:      svc.now(),
	}
	payload, err := offline.Encode(g)
	if err != nil {
		return Grade{}, err
	}
	if _, err = svc.store.Apply(ctx, offline.Change{Table: Table, Operation: offline.OpCreate, RecordID: g.ID, Payload: payload}); err != nil {
		return Grade{}, errors.Wrap(err, "saving grade")
	}
	svc.audit.Log(sess, audit.ActionCreate, Table, g.ID, map[string]interface{}{"student_id": g.StudentID, "subject": g.Subject, "score": g.Score})
	return g, nil
}

func (svc *service) Query(ctx context.Context, filter Filter) ([]Grade, error) {
	rows, err := svc.store.ListRecords(ctx, Table)
	if err != nil {
		return nil, errors.Wrap(err, "listing grades")
	}
	grades := make([]Grade, 0, len(rows))
	for _, row := range rows {
		var g Grade
		if err = offline.Decode(row.Data, &g); err != nil {
			return nil, err
		}
		if filter.match(g) {
			grades = append(grades, g)
		}
	}
	sort.Slice(grades, func(i, j int) bool { return grades[i].CreatedAt.Before(grades[j].CreatedAt) })
	return grades, nil
}
