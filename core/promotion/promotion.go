// Package promotion handles the end-of-year promotion requests submitted by teachers.
package promotion

import (
	"context"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/student"
	"github.com/trezcool/shule/core/user"
)

const (
	Table = "promotion_requests"

	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"

	DecisionPromote = "promote"
	DecisionRepeat  = "repeat"
)

var (
	// errors
	ErrNotFound          = errors.New("promotion request not found")
	ErrInvalidTransition = errors.New("only pending promotion requests can be reviewed")
	ErrDuplicateStudent  = errors.New("a student appears more than once in the request")
)

type Decision struct {
	StudentID     string `json:"student_id" validate:"required"`
	StudentName   string `json:"student_name"`
	Decision      string `json:"decision" validate:"required,oneof=promote repeat"`
	TargetClassID string `json:"target_class_id,omitempty"`
	Comment       string `json:"comment,omitempty" validate:"max=500"`
}

type Request struct {
	ID              string     `json:"id"`
	ClassID         string     `json:"class_id"`
	AcademicYear    string     `json:"academic_year"`
	Decisions       []Decision `json:"decisions"`
	Comment         string     `json:"comment,omitempty"`
	Status          string     `json:"status"`
	SubmittedBy     string     `json:"submitted_by"`
	SubmittedByName string     `json:"submitted_by_name"`
	ReviewedBy      string     `json:"reviewed_by,omitempty"`
	ReviewComment   string     `json:"review_comment,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`            // UTC
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"` // UTC
}

type NewRequest struct {
	ClassID      string     `json:"class_id" validate:"required"`
	AcademicYear string     `json:"academic_year" validate:"required"`
	Decisions    []Decision `json:"decisions" validate:"required,min=1,dive"`
	Comment      string     `json:"comment" validate:"max=1000"`
}

type Filter struct {
	ClassID string `query:"class_id"`
	Status  string `query:"status"`
}

type Service interface {
	// CreateRequest submits the decisions as one pending request. No other record is changed.
	CreateRequest(ctx context.Context, sess core.Session, nr NewRequest) (Request, error)
	// Approve moves a pending request to approved and the promoted students to their target class.
	Approve(ctx context.Context, sess core.Session, id, comment string) (Request, error)
	Reject(ctx context.Context, sess core.Session, id, comment string) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	List(ctx context.Context, filter Filter) ([]Request, error)
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

func (svc *service) CreateRequest(ctx context.Context, sess core.Session, nr NewRequest) (Request, error) {
	if err := sess.Authorize(user.RoleAdmin, user.RoleTeacher); err != nil {
		return Request{}, err
	}
	nr.ClassID = core.CleanString(nr.ClassID)
	nr.AcademicYear = core.CleanString(nr.AcademicYear)
	nr.Comment = core.CleanString(nr.Comment)
	for i := range nr.Decisions {
		d := &nr.Decisions[i]
		d.StudentID = core.CleanString(d.StudentID)
		d.StudentName = core.CleanString(d.StudentName)
		d.Decision = core.CleanString(d.Decision, true /* lower */)
		d.TargetClassID = core.CleanString(d.TargetClassID)
		d.Comment = core.CleanString(d.Comment)
		if d.Decision == DecisionRepeat {
			d.TargetClassID = ""
		}
	}
	if err := svc.validate.Struct(nr); err != nil {
		return Request{}, err
	}
	seen := make(map[string]bool, len(nr.Decisions))
	for _, d := range nr.Decisions {
		if seen[d.StudentID] {
			return Request{}, core.NewValidationError(ErrDuplicateStudent, core.FieldError{Field: "decisions", Error: ErrDuplicateStudent.Error()})
		}
		seen[d.StudentID] = true
	}

	req := Request{
		ID:              uuid.New().String(),
		ClassID:         nr.ClassID,
		AcademicYear:    nr.AcademicYear,
		Decisions:       nr.Decisions,
		Comment:         nr.Comment,
		Status:          StatusPending,
		SubmittedBy:     sess.UserID,
		SubmittedByName: sess.UserName,
		CreatedAt:       svc.now(),
	}
	payload, err := offline.Encode(req)
	if err != nil {
		return Request{}, err
	}
	if _, err = svc.store.Apply(ctx, offline.Change{Table: Table, Operation: offline.OpCreate, RecordID: req.ID, Payload: payload}); err != nil {
		return Request{}, errors.Wrap(err, "saving promotion request")
	}
	svc.audit.Log(sess, audit.ActionCreate, Table, req.ID, map[string]interface{}{"class_id": req.ClassID, "students": len(req.Decisions)})
	return req, nil
}

func (svc *service) Approve(ctx context.Context, sess core.Session, id, comment string) (Request, error) {
	return svc.review(ctx, sess, id, comment, StatusApproved)
}

func (svc *service) Reject(ctx context.Context, sess core.Session, id, comment string) (Request, error) {
	return svc.review(ctx, sess, id, comment, StatusRejected)
}

func (svc *service) review(ctx context.Context, sess core.Session, id, comment, status string) (Request, error) {
	if err := sess.Authorize(user.RoleAdmin); err != nil {
		return Request{}, err
	}
	var req Request
	now := svc.now()
	comment = core.CleanString(comment)
	// the pending check and the review commit in one transaction: a request is reviewed once
	_, err := svc.store.Update(ctx, func(r offline.Reader) ([]offline.Change, error) {
		req = Request{}
		if err := r.GetRecord(Table, id, &req); err != nil {
			if errors.Cause(err) == offline.ErrNotFound {
				return nil, ErrNotFound
			}
			return nil, errors.Wrap(err, "getting promotion request")
		}
		if req.Status != StatusPending {
			return nil, ErrInvalidTransition
		}

		req.Status = status
		req.ReviewedBy = sess.UserID
		req.ReviewComment = comment
		req.ReviewedAt = &now

		delta := map[string]interface{}{
			"status":         req.Status,
			"reviewed_by":    req.ReviewedBy,
			"review_comment": req.ReviewComment,
			"reviewed_at":    now,
		}
		changes := []offline.Change{{Table: Table, Operation: offline.OpUpdate, RecordID: req.ID, Payload: delta}}
		if status == StatusApproved {
			moves, err := classMoves(r, req, now)
			if err != nil {
				return nil, err
			}
			changes = append(changes, moves...)
		}
		return changes, nil
	})
	if err != nil {
		return Request{}, err
	}

	action := audit.ActionApprove
	if status == StatusRejected {
		action = audit.ActionReject
	}
	svc.audit.Log(sess, action, Table, req.ID, map[string]interface{}{"comment": req.ReviewComment})
	return req, nil
}

// classMoves updates the class of the promoted students known to the local store.
func classMoves(r offline.Reader, req Request, now time.Time) ([]offline.Change, error) {
	var changes []offline.Change
	for _, d := range req.Decisions {
		if d.Decision != DecisionPromote || d.TargetClassID == "" {
			continue
		}
		var s student.Student
		err := r.GetRecord(student.Table, d.StudentID, &s)
		if errors.Cause(err) == offline.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "loading student")
		}
		changes = append(changes, offline.Change{
			Table:     student.Table,
			Operation: offline.OpUpdate,
			RecordID:  d.StudentID,
			Payload:   map[string]interface{}{"class_id": d.TargetClassID, "updated_at": now},
		})
	}
	return changes, nil
}

func (svc *service) Get(ctx context.Context, id string) (Request, error) {
	var req Request
	if err := svc.store.GetRecord(ctx, Table, id, &req); err != nil {
		if errors.Cause(err) == offline.ErrNotFound {
			return Request{}, ErrNotFound
		}
		return Request{}, errors.Wrap(err, "getting promotion request")
	}
	return req, nil
}

func (svc *service) List(ctx context.Context, filter Filter) ([]Request, error) {
	rows, err := svc.store.ListRecords(ctx, Table)
	if err != nil {
		return nil, errors.Wrap(err, "listing promotion requests")
	}
	requests := make([]Request, 0, len(rows))
	for _, row := range rows {
		var req Request
		if err = offline.Decode(row.Data, &req); err != nil {
			return nil, err
		}
		if (filter.ClassID == "" || req.ClassID == filter.ClassID) && (filter.Status == "" || req.Status == filter.Status) {
			requests = append(requests, req)
		}
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].CreatedAt.After(requests[j].CreatedAt) })
	return requests, nil
}
