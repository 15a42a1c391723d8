package fee

import (
	"fmt"
	"math"
	"time"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/offline"
)

const (
	InvoiceTable = "invoices"
	PaymentTable = "payments"

	StatusPaid    = "paid"
	StatusPartial = "partial"
	StatusOverdue = "overdue"
	StatusPending = "pending"
)

// Balance is derived from a ledger; it is never a source of truth on its own.
type Balance struct {
	TotalFees  float64 `json:"total_fees"`
	AmountPaid float64 `json:"amount_paid"`
	Balance    float64 `json:"balance"`
	Status     string  `json:"status"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ComputeBalance derives the balance and status of fees. A zero dueDate never becomes overdue.
// The due date is payable until the end of its day.
func ComputeBalance(totalFees, amountPaid float64, dueDate, now time.Time) Balance {
	b := Balance{
		TotalFees:  round2(totalFees),
		AmountPaid: round2(amountPaid),
		Balance:    round2(totalFees - amountPaid),
	}
	switch {
	case b.Balance <= 0:
		b.Status = StatusPaid
	case b.AmountPaid > 0 && b.AmountPaid < b.TotalFees:
		b.Status = StatusPartial
	case b.AmountPaid == 0 && !dueDate.IsZero() && !now.Before(dueDate.AddDate(0, 0, 1)):
		b.Status = StatusOverdue
	default:
		b.Status = StatusPending
	}
	return b
}

type Invoice struct {
	ID            string    `json:"id"`
	StudentID     string    `json:"student_id"`
	StudentName   string    `json:"student_name,omitempty"`
	GuardianEmail string    `json:"guardian_email,omitempty"`
	Description   string    `json:"description"`
	Term          string    `json:"term,omitempty"`
	TotalFees     float64   `json:"total_fees"`
	AmountPaid    float64   `json:"amount_paid"`
	Balance       float64   `json:"balance"`
	Status        string    `json:"status"`   // snapshot, refreshed on read and on payment
	DueDate       string    `json:"due_date"` // YYYY-MM-DD
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"` // UTC
	UpdatedAt     time.Time `json:"updated_at"` // UTC
}

func (inv Invoice) due() time.Time {
	t, _ := core.ParseDate(inv.DueDate)
	return t
}

// Refresh recomputes the balance snapshot.
func (inv *Invoice) Refresh(now time.Time) {
	b := ComputeBalance(inv.TotalFees, inv.AmountPaid, inv.due(), now)
	inv.Balance = b.Balance
	inv.Status = b.Status
}

type NewInvoice struct {
	StudentID     string  `json:"student_id" validate:"required"`
	StudentName   string  `json:"student_name"`
	GuardianEmail string  `json:"guardian_email" validate:"omitempty,email"`
	Description   string  `json:"description" validate:"required,notblank"`
	Term          string  `json:"term"`
	Amount        float64 `json:"amount" validate:"gt=0"`
	DueDate       string  `json:"due_date" validate:"required,date"`
}

type Payment struct {
	ID            string    `json:"id"`
	ReceiptNumber string    `json:"receipt_number"`
	InvoiceID     string    `json:"invoice_id"`
	StudentID     string    `json:"student_id"`
	StudentName   string    `json:"student_name,omitempty"`
	Amount        float64   `json:"amount"`
	Method        string    `json:"method"`
	Reference     string    `json:"reference,omitempty"`
	PaidAt        time.Time `json:"paid_at"` // UTC
	RecordedBy    string    `json:"recorded_by"`
	CreatedAt     time.Time `json:"created_at"` // UTC
}

type NewPayment struct {
	InvoiceID string  `json:"invoice_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
	Method    string  `json:"method" validate:"required,oneof=cash mobile_money bank cheque"`
	Reference string  `json:"reference" validate:"max=100"`
}

// ReceiptNumber formats RCP-YYYYMMDD-XXXXXX.
func ReceiptNumber(paidAt time.Time) string {
	return fmt.Sprintf("RCP-%s-%s", paidAt.UTC().Format("20060102"), offline.ShortCode())
}

// StudentBalance is the balance of all the invoices of a student.
type StudentBalance struct {
	StudentID string `json:"student_id"`
	Balance
	Invoices []Invoice `json:"invoices"`
}

// SummarizeBalance aggregates the invoices of a student.
// The earliest due date among the unpaid invoices decides whether the student is overdue.
func SummarizeBalance(studentID string, invoices []Invoice, now time.Time) StudentBalance {
	var (
		total, paid float64
		earliestDue time.Time
	)
	for _, inv := range invoices {
		total += inv.TotalFees
		paid += inv.AmountPaid
		if due := inv.due(); inv.AmountPaid < inv.TotalFees && !due.IsZero() && (earliestDue.IsZero() || due.Before(earliestDue)) {
			earliestDue = due
		}
	}
	return StudentBalance{
		StudentID: studentID,
		Balance:   ComputeBalance(total, paid, earliestDue, now),
		Invoices:  invoices,
	}
}

type InvoiceFilter struct {
	StudentID string `query:"student_id"`
	Status    string `query:"status"`
	Term      string `query:"term"`
}

func (f InvoiceFilter) match(inv Invoice) bool {
	return (f.StudentID == "" || inv.StudentID == f.StudentID) &&
		(f.Status == "" || inv.Status == f.Status) &&
		(f.Term == "" || inv.Term == f.Term)
}

type PaymentFilter struct {
	StudentID string `query:"student_id"`
	InvoiceID string `query:"invoice_id"`
}

func (f PaymentFilter) match(p Payment) bool {
	return (f.StudentID == "" || p.StudentID == f.StudentID) &&
		(f.InvoiceID == "" || p.InvoiceID == f.InvoiceID)
}

type receiptData struct {
	ReceiptNumber      string
	StudentName        string
	InvoiceDescription string
	Amount             float64
	Method             string
	PaidAt             time.Time
	Balance            float64
	Status             string
}
