package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/attendance"
	"github.com/trezcool/shule/core/fee"
	"github.com/trezcool/shule/storage/remote/memremote"
	testutil "github.com/trezcool/shule/tests"
)

func seed(t *testing.T, rmt *memremote.Store, table, id string, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, rmt.Upsert(context.Background(), table, id, data))
}

func newTestService(t *testing.T) (*service, *memremote.Store) {
	t.Helper()

	rmt := memremote.New()
	svc := NewService(rmt, testutil.NewValidator()).(*service)
	svc.now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }
	return svc, rmt
}

func TestService_GenerateAttendance(t *testing.T) {
	svc, rmt := newTestService(t)
	rows := []struct{ student, class, date, status string }{
		{"s1", "4A", "2024-03-01", attendance.StatusPresent},
		{"s1", "4A", "2024-03-02", attendance.StatusAbsent},
		{"s2", "4A", "2024-03-01", attendance.StatusLate},
		{"s3", "5B", "2024-03-01", attendance.StatusPresent},
		{"s3", "5B", "2024-02-01", attendance.StatusAbsent},
	}
	for _, r := range rows {
		seed(t, rmt, attendance.Table, attendance.RecordID(r.date, r.class, r.student), map[string]interface{}{
			"student_id": r.student, "class_id": r.class, "date": r.date, "status": r.status,
		})
	}

	rep, err := svc.Generate(context.Background(), testutil.TeacherSession(), Request{Kind: "Attendance", From: "2024-03-01"})
	require.NoError(t, err)
	assert.Equal(t, KindAttendance, rep.Kind)
	assert.Nil(t, rep.Fees)
	require.NotNil(t, rep.Attendance)

	assert.Equal(t, 4, rep.Attendance.Overall.Total)
	assert.Equal(t, float64(75), rep.Attendance.Overall.Rate)
	require.Len(t, rep.Attendance.ByClass, 2)
	assert.Equal(t, "4A", rep.Attendance.ByClass[0].ClassID)
	assert.Equal(t, 3, rep.Attendance.ByClass[0].Total)
	require.Len(t, rep.Attendance.ByStudent, 3)
	assert.Equal(t, "s1", rep.Attendance.ByStudent[0].StudentID)
	assert.Equal(t, float64(50), rep.Attendance.ByStudent[0].Rate)

	classRep, err := svc.Generate(context.Background(), testutil.AdminSession(), Request{Kind: KindAttendance, ClassID: "5B"})
	require.NoError(t, err)
	assert.Equal(t, 2, classRep.Attendance.Overall.Total)
}

func TestService_GenerateFees(t *testing.T) {
	svc, rmt := newTestService(t)
	invoices := []struct {
		id, student, term, due string
		total, paid            float64
	}{
		{"inv-1", "s1", "T1", "2024-01-31", 1000, 1000},
		{"inv-2", "s2", "T1", "2024-01-31", 1000, 400},
		{"inv-3", "s3", "T1", "2024-01-31", 1000, 0},
		{"inv-4", "s3", "T2", "2024-05-31", 500, 0},
	}
	for _, inv := range invoices {
		seed(t, rmt, fee.InvoiceTable, inv.id, map[string]interface{}{
			"student_id": inv.student, "term": inv.term, "due_date": inv.due,
			"total_fees": inv.total, "amount_paid": inv.paid, "status": fee.StatusPending,
		})
	}
	seed(t, rmt, fee.PaymentTable, "p-1", map[string]interface{}{"invoice_id": "inv-1", "amount": 1000, "method": "cash", "paid_at": "2024-01-10T09:00:00Z"})
	seed(t, rmt, fee.PaymentTable, "p-2", map[string]interface{}{"invoice_id": "inv-2", "amount": 400, "method": "bank", "paid_at": "2024-01-12T09:00:00Z"})

	rep, err := svc.Generate(context.Background(), testutil.AccountantSession(), Request{Kind: KindFees, Term: "T1"})
	require.NoError(t, err)
	require.NotNil(t, rep.Fees)

	fees := rep.Fees
	assert.Equal(t, float64(3000), fees.TotalInvoiced)
	assert.Equal(t, float64(1400), fees.TotalCollected)
	assert.Equal(t, float64(1600), fees.Outstanding)
	assert.Equal(t, 46.67, fees.CollectionRate)
	assert.Equal(t, 2, fees.PaymentsCount)
	assert.Equal(t, map[string]float64{"cash": 1000, "bank": 400}, fees.CollectedBy)
	assert.Equal(t, map[string]int{fee.StatusPaid: 1, fee.StatusPartial: 1, fee.StatusOverdue: 1}, fees.InvoicesBy)

	require.Len(t, fees.Students, 3)
	assert.Equal(t, "s3", fees.Students[0].StudentID)
	assert.Equal(t, fee.StatusOverdue, fees.Students[0].Balance.Status)
	assert.Equal(t, "s1", fees.Students[2].StudentID)
	assert.Equal(t, fee.StatusPaid, fees.Students[2].Balance.Status)

	ranged, err := svc.Generate(context.Background(), testutil.AdminSession(), Request{Kind: KindFees, From: "2024-01-11"})
	require.NoError(t, err)
	assert.Equal(t, 1, ranged.Fees.PaymentsCount)
	assert.Equal(t, float64(3500), ranged.Fees.TotalInvoiced)
}

func TestService_GenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		sess    core.Session
		req     Request
		wantErr error
	}{
		{name: "anonymous", sess: core.Session{}, req: Request{Kind: KindFees}, wantErr: core.ErrUnauthenticated},
		{name: "teacher fees", sess: testutil.TeacherSession(), req: Request{Kind: KindFees}, wantErr: core.ErrForbidden},
		{name: "accountant attendance", sess: testutil.AccountantSession(), req: Request{Kind: KindAttendance}, wantErr: core.ErrForbidden},
		{name: "student", sess: testutil.StudentSession(), req: Request{Kind: KindAttendance}, wantErr: core.ErrForbidden},
		{name: "anonymous with unknown kind", sess: core.Session{}, req: Request{Kind: "grades"}, wantErr: core.ErrUnauthenticated},
		{name: "student with unknown kind", sess: testutil.StudentSession(), req: Request{Kind: "grades"}, wantErr: core.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			_, err := svc.Generate(context.Background(), tt.sess, tt.req)
			assert.Equal(t, tt.wantErr, err)
		})
	}

	invalid := []Request{{}, {Kind: "grades"}, {Kind: KindFees, From: "01/02/2024"}}
	for _, req := range invalid {
		svc, _ := newTestService(t)
		_, err := svc.Generate(context.Background(), testutil.AdminSession(), req)
		assert.Error(t, err)
	}
}
