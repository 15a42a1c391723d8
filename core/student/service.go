package student

import (
	"context"
	"fmt"
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

var ErrNotFound = errors.New("student not found")

type Service interface {
	// Add creates an active student (admins only).
	Add(ctx context.Context, sess core.Session, ns NewStudent) (Student, error)
	// ProcessAdmission creates the admission and its student in one durable mutation (admins only).
	ProcessAdmission(ctx context.Context, sess core.Session, na NewAdmission) (Admission, error)
	Get(ctx context.Context, id string) (Student, error)
	List(ctx context.Context, filter QueryFilter) ([]Student, error)
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

func (ns *NewStudent) clean() {
	ns.FirstName = core.CleanString(ns.FirstName)
	ns.LastName = core.CleanString(ns.LastName)
	ns.ClassID = core.CleanString(ns.ClassID)
	ns.Gender = core.CleanString(ns.Gender, true /* lower */)
	ns.GuardianName = core.CleanString(ns.GuardianName)
	ns.GuardianPhone = core.CleanString(ns.GuardianPhone)
	ns.GuardianEmail = core.CleanString(ns.GuardianEmail, true /* lower */)
}

func (svc *service) newStudent(sess core.Session, ns NewStudent) Student {
	now := svc.now()
	return Student{
		ID:            uuid.New().String(),
		FirstName:     ns.FirstName,
		LastName:      ns.LastName,
		DateOfBirth:   ns.DateOfBirth,
		Gender:        ns.Gender,
		ClassID:       ns.ClassID,
		GuardianName:  ns.GuardianName,
		GuardianPhone: ns.GuardianPhone,
		GuardianEmail: ns.GuardianEmail,
		Status:        StatusActive,
		CreatedBy:     sess.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (svc *service) Add(ctx context.Context, sess core.Session, ns NewStudent) (Student, error) {
	if err := sess.Authorize(user.RoleAdmin); err != nil {
		return Student{}, err
	}
	ns.clean()
	if err := svc.validate.Struct(ns); err != nil {
		return Student{}, err
	}

	s := svc.newStudent(sess, ns)
	payload, err := offline.Encode(s)
	if err != nil {
		return Student{}, err
	}
	if _, err = svc.store.Apply(ctx, offline.Change{Table: Table, Operation: offline.OpCreate, RecordID: s.ID, Payload: payload}); err != nil {
		return Student{}, errors.Wrap(err, "saving student")
	}
	svc.audit.Log(sess, audit.ActionCreate, Table, s.ID, map[string]interface{}{"name": s.FullName(), "class_id": s.ClassID})
	return s, nil
}

func (svc *service) ProcessAdmission(ctx context.Context, sess core.Session, na NewAdmission) (Admission, error) {
	if err := sess.Authorize(user.RoleAdmin); err != nil {
		return Admission{}, err
	}
	na.Student.clean()
	na.PreviousSchool = core.CleanString(na.PreviousSchool)
	na.Notes = core.CleanString(na.Notes)
	if err := svc.validate.Struct(na); err != nil {
		return Admission{}, err
	}
	admDate, err := core.ParseDate(na.AdmissionDate)
	if err != nil {
		return Admission{}, core.NewFieldError("admission_date", err.Error())
	}

	s := svc.newStudent(sess, na.Student)
	s.AdmissionNumber = fmt.Sprintf("ADM-%d-%s", admDate.Year(), offline.ShortCode())
	adm := Admission{
		ID:              uuid.New().String(),
		AdmissionNumber: s.AdmissionNumber,
		StudentID:       s.ID,
		StudentName:     s.FullName(),
		ClassID:         s.ClassID,
		AdmissionDate:   core.FormatDate(admDate),
		PreviousSchool:  na.PreviousSchool,
		Notes:           na.Notes,
		Status:          AdmissionApproved,
		ProcessedBy:     sess.UserID,
		CreatedAt:       s.CreatedAt,
	}

	studentPayload, err := offline.Encode(s)
	if err != nil {
		return Admission{}, err
	}
	admPayload, err := offline.Encode(adm)
	if err != nil {
		return Admission{}, err
	}
	_, err = svc.store.Apply(ctx,
		offline.Change{Table: Table, Operation: offline.OpCreate, RecordID: s.ID, Payload: studentPayload},
		offline.Change{Table: AdmissionTable, Operation: offline.OpCreate, RecordID: adm.ID, Payload: admPayload},
	)
	if err != nil {
		return Admission{}, errors.Wrap(err, "saving admission")
	}
	svc.audit.Log(sess, audit.ActionCreate, AdmissionTable, adm.ID, map[string]interface{}{
		"admission_number": adm.AdmissionNumber,
		"student_id":       s.ID,
	})
	return adm, nil
}

func (svc *service) Get(ctx context.Context, id string) (Student, error) {
	var s Student
	if err := svc.store.GetRecord(ctx, Table, id, &s); err != nil {
		if errors.Cause(err) == offline.ErrNotFound {
			return Student{}, ErrNotFound
		}
		return Student{}, errors.Wrap(err, "getting student")
	}
	return s, nil
}

func (svc *service) List(ctx context.Context, filter QueryFilter) ([]Student, error) {
	records, err := svc.store.ListRecords(ctx, Table)
	if err != nil {
		return nil, errors.Wrap(err, "listing students")
	}
	filter.Search = core.CleanString(filter.Search)

	students := make([]Student, 0, len(records))
	for _, rec := range records {
		var s Student
		if err = offline.Decode(rec.Data, &s); err != nil {
			return nil, err
		}
		if filter.match(s) {
			students = append(students, s)
		}
	}
	sort.Slice(students, func(i, j int) bool {
		if students[i].LastName != students[j].LastName {
			return students[i].LastName < students[j].LastName
		}
		return students[i].FirstName < students[j].FirstName
	})
	return students, nil
}
