// Package report aggregates the data already synced to the remote store.
// Reports never touch the local store or the sync queue.
package report

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/attendance"
	"github.com/trezcool/shule/core/fee"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/remote"
	"github.com/trezcool/shule/core/user"
)

const (
	KindAttendance = "attendance"
	KindFees       = "fees"
)

type Request struct {
	Kind    string `json:"kind" query:"kind" validate:"required,oneof=attendance fees"`
	ClassID string `json:"class_id" query:"class_id"`
	Term    string `json:"term" query:"term"`
	From    string `json:"from" query:"from" validate:"omitempty,date"`
	To      string `json:"to" query:"to" validate:"omitempty,date"`
}

type StudentAttendance struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name,omitempty"`
	attendance.Stats
}

type ClassAttendance struct {
	ClassID string `json:"class_id"`
	attendance.Stats
}

type AttendanceReport struct {
	Overall   attendance.Stats    `json:"overall"`
	ByClass   []ClassAttendance   `json:"by_class"`
	ByStudent []StudentAttendance `json:"by_student"`
}

type StudentFees struct {
	StudentName string `json:"student_name,omitempty"`
	fee.StudentBalance
}

type FeeReport struct {
	TotalInvoiced  float64            `json:"total_invoiced"`
	TotalCollected float64            `json:"total_collected"`
	Outstanding    float64            `json:"outstanding"`
	InvoicesBy     map[string]int     `json:"invoices_by_status"`
	CollectedBy    map[string]float64 `json:"collected_by_method"`
	PaymentsCount  int                `json:"payments_count"`
	CollectionRate float64            `json:"collection_rate"` // percentage of invoiced fees collected
	Students       []StudentFees      `json:"students"`
}

type Report struct {
	Kind        string            `json:"kind"`
	Request     Request           `json:"request"`
	GeneratedBy string            `json:"generated_by"`
	GeneratedAt time.Time         `json:"generated_at"` // UTC
	Attendance  *AttendanceReport `json:"attendance,omitempty"`
	Fees        *FeeReport        `json:"fees,omitempty"`
}

type Service interface {
	Generate(ctx context.Context, sess core.Session, req Request) (Report, error)
}

type service struct {
	remote   remote.Store
	validate *validator.Validate
	now      func() time.Time
}

var _ Service = (*service)(nil)

func NewService(rmt remote.Store, validate *validator.Validate) Service {
	return &service{
		remote:   rmt,
		validate: validate,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (svc *service) Generate(ctx context.Context, sess core.Session, req Request) (Report, error) {
	if err := sess.Authorize(user.RoleAdmin, user.RoleTeacher, user.RoleAccountant); err != nil {
		return Report{}, err
	}
	req.Kind = core.CleanString(req.Kind, true /* lower */)
	req.ClassID = core.CleanString(req.ClassID)
	req.Term = core.CleanString(req.Term)
	if err := svc.validate.Struct(req); err != nil {
		return Report{}, err
	}

	rep := Report{Kind: req.Kind, Request: req, GeneratedBy: sess.UserID, GeneratedAt: svc.now()}
	var err error
	switch req.Kind {
	case KindAttendance:
		if err = sess.Authorize(user.RoleAdmin, user.RoleTeacher); err != nil {
			return Report{}, err
		}
		rep.Attendance, err = svc.attendance(ctx, req)
	case KindFees:
		if err = sess.Authorize(user.RoleAdmin, user.RoleAccountant); err != nil {
			return Report{}, err
		}
		rep.Fees, err = svc.fees(ctx, req, rep.GeneratedAt)
	}
	if err != nil {
		return Report{}, err
	}
	return rep, nil
}

// list decodes all the documents of a remote table.
func list(ctx context.Context, rmt remote.Store, table string, newDst func() interface{}, keep func(id string, v interface{})) error {
	docs, err := rmt.List(ctx, table)
	if err != nil {
		return errors.Wrapf(err, "listing remote %s", table)
	}
	for _, doc := range docs {
		v := newDst()
		if err = offline.Decode(doc.Data, v); err != nil {
			return errors.Wrapf(err, "decoding remote %s %s", table, doc.ID)
		}
		keep(doc.ID, v)
	}
	return nil
}

func (svc *service) attendance(ctx context.Context, req Request) (*AttendanceReport, error) {
	filter := attendance.Filter{ClassID: req.ClassID, From: req.From, To: req.To}
	var records []attendance.Record
	err := list(ctx, svc.remote, attendance.Table,
		func() interface{} { return new(attendance.Record) },
		func(id string, v interface{}) {
			r := v.(*attendance.Record)
			r.ID = id
			if filter.Match(*r) {
				records = append(records, *r)
			}
		})
	if err != nil {
		return nil, err
	}

	byClass := make(map[string][]attendance.Record)
	byStudent := make(map[string][]attendance.Record)
	names := make(map[string]string)
	for _, r := range records {
		byClass[r.ClassID] = append(byClass[r.ClassID], r)
		byStudent[r.StudentID] = append(byStudent[r.StudentID], r)
		if r.StudentName != "" {
			names[r.StudentID] = r.StudentName
		}
	}

	rep := &AttendanceReport{
		Overall:   attendance.ComputeStats(records),
		ByClass:   make([]ClassAttendance, 0, len(byClass)),
		ByStudent: make([]StudentAttendance, 0, len(byStudent)),
	}
	for classID, rs := range byClass {
		rep.ByClass = append(rep.ByClass, ClassAttendance{ClassID: classID, Stats: attendance.ComputeStats(rs)})
	}
	for studentID, rs := range byStudent {
		rep.ByStudent = append(rep.ByStudent, StudentAttendance{
			StudentID:   studentID,
			StudentName: names[studentID],
			Stats:       attendance.ComputeStats(rs),
		})
	}
	sort.Slice(rep.ByClass, func(i, j int) bool { return rep.ByClass[i].ClassID < rep.ByClass[j].ClassID })
	sort.Slice(rep.ByStudent, func(i, j int) bool { return rep.ByStudent[i].StudentID < rep.ByStudent[j].StudentID })
	return rep, nil
}

func (svc *service) fees(ctx context.Context, req Request, now time.Time) (*FeeReport, error) {
	var invoices []fee.Invoice
	err := list(ctx, svc.remote, fee.InvoiceTable,
		func() interface{} { return new(fee.Invoice) },
		func(id string, v interface{}) {
			inv := v.(*fee.Invoice)
			inv.ID = id
			if req.Term == "" || inv.Term == req.Term {
				inv.Refresh(now)
				invoices = append(invoices, *inv)
			}
		})
	if err != nil {
		return nil, err
	}
	billed := make(map[string]bool, len(invoices))
	for _, inv := range invoices {
		billed[inv.ID] = true
	}

	rep := &FeeReport{
		InvoicesBy:  make(map[string]int),
		CollectedBy: make(map[string]float64),
	}
	err = list(ctx, svc.remote, fee.PaymentTable,
		func() interface{} { return new(fee.Payment) },
		func(_ string, v interface{}) {
			p := v.(*fee.Payment)
			day := core.FormatDate(p.PaidAt)
			if !billed[p.InvoiceID] || (req.From != "" && day < req.From) || (req.To != "" && day > req.To) {
				return
			}
			rep.PaymentsCount++
			rep.CollectedBy[p.Method] = round2(rep.CollectedBy[p.Method] + p.Amount)
		})
	if err != nil {
		return nil, err
	}

	byStudent := make(map[string][]fee.Invoice)
	for _, inv := range invoices {
		rep.TotalInvoiced += inv.TotalFees
		rep.TotalCollected += inv.AmountPaid
		rep.InvoicesBy[inv.Status]++
		byStudent[inv.StudentID] = append(byStudent[inv.StudentID], inv)
	}
	rep.TotalInvoiced = round2(rep.TotalInvoiced)
	rep.TotalCollected = round2(rep.TotalCollected)
	rep.Outstanding = round2(rep.TotalInvoiced - rep.TotalCollected)
	if rep.TotalInvoiced > 0 {
		rep.CollectionRate = round2(rep.TotalCollected / rep.TotalInvoiced * 100)
	}

	rep.Students = make([]StudentFees, 0, len(byStudent))
	for studentID, invs := range byStudent {
		rep.Students = append(rep.Students, StudentFees{
			StudentName:    invs[0].StudentName,
			StudentBalance: fee.SummarizeBalance(studentID, invs, now),
		})
	}
	// largest debts first
	sort.Slice(rep.Students, func(i, j int) bool {
		if rep.Students[i].Balance.Balance != rep.Students[j].Balance.Balance {
			return rep.Students[i].Balance.Balance > rep.Students[j].Balance.Balance
		}
		return rep.Students[i].StudentID < rep.Students[j].StudentID
	})
	return rep, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
