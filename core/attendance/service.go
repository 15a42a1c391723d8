package attendance

import (
	"context"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/user"
)

var ErrDuplicateStudent = errors.New("a student appears more than once on the sheet")

type Service interface {
	// Mark records the attendance of one student, replacing the status already recorded for that day.
	Mark(ctx context.Context, sess core.Session, ma MarkAttendance) (Record, error)
	// RecordClass records a whole class sheet in one durable mutation.
	RecordClass(ctx context.Context, sess core.Session, ca ClassAttendance) ([]Record, error)
	Query(ctx context.Context, filter Filter) ([]Record, error)
	Stats(ctx context.Context, filter Filter) (Stats, error)
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

// change builds the create or update of a record depending on what is cached locally.
func (svc *service) change(ctx context.Context, sess core.Session, classID, date string, e Entry) (Record, offline.Change, error) {
	now := svc.now()
	id := RecordID(date, classID, e.StudentID)

	var rec Record
	err := svc.store.GetRecord(ctx, Table, id, &rec)
	switch errors.Cause(err) {
	case nil:
		rec.Status = e.Status
		rec.Remarks = e.Remarks
		rec.RecordedBy = sess.UserID
		rec.UpdatedAt = now
		if e.StudentName != "" {
			rec.StudentName = e.StudentName
		}
		delta, err := offline.Encode(struct {
			StudentName string    `json:"student_name,omitempty"`
			Status      string    `json:"status"`
			Remarks     string    `json:"remarks"`
			RecordedBy  string    `json:"recorded_by"`
			UpdatedAt   time.Time `json:"updated_at"`
		}{rec.StudentName, rec.Status, rec.Remarks, rec.RecordedBy, rec.UpdatedAt})
		if err != nil {
			return Record{}, offline.Change{}, err
		}
		return rec, offline.Change{Table: Table, Operation: offline.OpUpdate, RecordID: id, Payload: delta}, nil

	case offline.ErrNotFound:
		rec = Record{
			ID:          id,
			StudentID:   e.StudentID,
			StudentName: e.StudentName,
			ClassID:     classID,
			Date:        date,
			Status:      e.Status,
			Remarks:     e.Remarks,
			RecordedBy:  sess.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		payload, err := offline.Encode(rec)
		if err != nil {
			return Record{}, offline.Change{}, err
		}
		return rec, offline.Change{Table: Table, Operation: offline.OpCreate, RecordID: id, Payload: payload}, nil
	}
	return Record{}, offline.Change{}, errors.Wrap(err, "loading attendance")
}

func cleanEntry(e *Entry) {
	e.StudentID = core.CleanString(e.StudentID)
	e.StudentName = core.CleanString(e.StudentName)
	e.Status = core.CleanString(e.Status, true /* lower */)
	e.Remarks = core.CleanString(e.Remarks)
}

func (svc *service) Mark(ctx context.Context, sess core.Session, ma MarkAttendance) (Record, error) {
	if err := sess.Authorize(user.RoleAdmin, user.RoleTeacher); err != nil {
		return Record{}, err
	}
	e := Entry{StudentID: ma.StudentID, StudentName: ma.StudentName, Status: ma.Status, Remarks: ma.Remarks}
	cleanEntry(&e)
	ma.StudentID, ma.StudentName, ma.Status, ma.Remarks = e.StudentID, e.StudentName, e.Status, e.Remarks
	ma.ClassID = core.CleanString(ma.ClassID)
	ma.Date = core.CleanString(ma.Date)
	if err := svc.validate.Struct(ma); err != nil {
		return Record{}, err
	}

	rec, c, err := svc.change(ctx, sess, ma.ClassID, ma.Date, e)
	if err != nil {
		return Record{}, err
	}
	if _, err = svc.store.Apply(ctx, c); err != nil {
		return Record{}, errors.Wrap(err, "saving attendance")
	}
	svc.audit.Log(sess, string(c.Operation), Table, rec.ID, map[string]interface{}{"status": rec.Status})
	return rec, nil
}

func (svc *service) RecordClass(ctx context.Context, sess core.Session, ca ClassAttendance) ([]Record, error) {
	if err := sess.Authorize(user.RoleAdmin, user.RoleTeacher); err != nil {
		return nil, err
	}
	ca.ClassID = core.CleanString(ca.ClassID)
	ca.Date = core.CleanString(ca.Date)
	for i := range ca.Entries {
		cleanEntry(&ca.Entries[i])
	}
	if err := svc.validate.Struct(ca); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ca.Entries))
	records := make([]Record, 0, len(ca.Entries))
	changes := make([]offline.Change, 0, len(ca.Entries))
	for _, e := range ca.Entries {
		if seen[e.StudentID] {
			return nil, core.NewValidationError(ErrDuplicateStudent, core.FieldError{Field: "entries", Error: ErrDuplicateStudent.Error()})
		}
		seen[e.StudentID] = true

		rec, c, err := svc.change(ctx, sess, ca.ClassID, ca.Date, e)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		changes = append(changes, c)
	}
	if _, err := svc.store.Apply(ctx, changes...); err != nil {
		return nil, errors.Wrap(err, "saving attendance sheet")
	}
	svc.audit.Log(sess, audit.ActionCreate, Table, ca.ClassID+"_"+ca.Date, map[string]interface{}{"entries": len(records)})
	return records, nil
}

func (svc *service) Query(ctx context.Context, filter Filter) ([]Record, error) {
	if err := svc.validate.Struct(filter); err != nil {
		return nil, err
	}
	rows, err := svc.store.ListRecords(ctx, Table)
	if err != nil {
		return nil, errors.Wrap(err, "listing attendance")
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		var rec Record
		if err = offline.Decode(row.Data, &rec); err != nil {
			return nil, err
		}
		if filter.Match(rec) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date > records[j].Date
		}
		return records[i].StudentName < records[j].StudentName
	})
	return records, nil
}

func (svc *service) Stats(ctx context.Context, filter Filter) (Stats, error) {
	records, err := svc.Query(ctx, filter)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(records), nil
}
