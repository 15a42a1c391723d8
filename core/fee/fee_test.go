package fee

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/offline"
	testutil "github.com/trezcool/shule/tests"
)

type mailerMock struct {
	mu       sync.Mutex
	messages []*core.EmailMessage
}

func (m *mailerMock) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, messages...)
}

func newTestService(t *testing.T, now time.Time) (*service, offline.Store, *mailerMock) {
	t.Helper()

	store := testutil.OpenLocalStore(t)
	mailer := &mailerMock{}
	svc := NewService(store, testutil.NewValidator(), mailer, nil).(*service)
	svc.now = func() time.Time { return now }
	return svc, store, mailer
}

func date(s string) time.Time {
	t, err := core.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestComputeBalance(t *testing.T) {
	due := date("2024-03-31")

	tests := []struct {
		name       string
		totalFees  float64
		amountPaid float64
		now        time.Time
		want       Balance
	}{
		{
			name: "paid in full", totalFees: 1000, amountPaid: 1000, now: date("2024-04-15"),
			want: Balance{TotalFees: 1000, AmountPaid: 1000, Balance: 0, Status: StatusPaid},
		},
		{
			name: "partial", totalFees: 1000, amountPaid: 400, now: date("2024-04-15"),
			want: Balance{TotalFees: 1000, AmountPaid: 400, Balance: 600, Status: StatusPartial},
		},
		{
			name: "overdue", totalFees: 1000, amountPaid: 0, now: date("2024-04-01"),
			want: Balance{TotalFees: 1000, AmountPaid: 0, Balance: 1000, Status: StatusOverdue},
		},
		{
			name: "due today is still pending", totalFees: 1000, amountPaid: 0, now: due.Add(23 * time.Hour),
			want: Balance{TotalFees: 1000, AmountPaid: 0, Balance: 1000, Status: StatusPending},
		},
		{
			name: "pending", totalFees: 1000, amountPaid: 0, now: date("2024-03-01"),
			want: Balance{TotalFees: 1000, AmountPaid: 0, Balance: 1000, Status: StatusPending},
		},
		{
			name: "overpaid", totalFees: 1000, amountPaid: 1200, now: date("2024-03-01"),
			want: Balance{TotalFees: 1000, AmountPaid: 1200, Balance: -200, Status: StatusPaid},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeBalance(tt.totalFees, tt.amountPaid, due, tt.now); got != tt.want {
				t.Errorf("ComputeBalance() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if got := ComputeBalance(500, 0, time.Time{}, date("2030-01-01")); got.Status != StatusPending {
		t.Errorf("ComputeBalance() without due date status = %v, want %v", got.Status, StatusPending)
	}
}

func TestReceiptNumber(t *testing.T) {
	got := ReceiptNumber(time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^RCP-20240305-[0-9A-Z]{6}$`), got)
	assert.NotEqual(t, got, ReceiptNumber(time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)))
}

func TestService_CreateInvoice(t *testing.T) {
	tests := []struct {
		name    string
		sess    core.Session
		ni      NewInvoice
		wantErr bool
	}{
		{name: "accountant", sess: testutil.AccountantSession(), ni: NewInvoice{StudentID: "s1", Description: "Term 1 fees", Amount: 1000, DueDate: "2024-03-31"}},
		{name: "admin", sess: testutil.AdminSession(), ni: NewInvoice{StudentID: "s1", Description: "Bus", Amount: 150.5, DueDate: "2024-03-31"}},
		{name: "teacher", sess: testutil.TeacherSession(), ni: NewInvoice{StudentID: "s1", Description: "Term 1 fees", Amount: 1000, DueDate: "2024-03-31"}, wantErr: true},
		{name: "zero amount", sess: testutil.AccountantSession(), ni: NewInvoice{StudentID: "s1", Description: "Term 1 fees", DueDate: "2024-03-31"}, wantErr: true},
		{name: "missing due date", sess: testutil.AccountantSession(), ni: NewInvoice{StudentID: "s1", Description: "Term 1 fees", Amount: 10}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService(t, date("2024-03-01"))

			inv, err := svc.CreateInvoice(context.Background(), tt.sess, tt.ni)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateInvoice() error = %v, wantErr %v", err, tt.wantErr)
			}
			items, err := store.PendingItems(context.Background())
			require.NoError(t, err)
			if tt.wantErr {
				assert.Empty(t, items)
				return
			}
			assert.Equal(t, StatusPending, inv.Status)
			assert.Equal(t, tt.ni.Amount, inv.Balance)
			require.Len(t, items, 1)
			assert.Equal(t, InvoiceTable, items[0].TableName)
		})
	}
}

func TestService_RecordPayment(t *testing.T) {
	ctx := context.Background()
	svc, store, mailer := newTestService(t, date("2024-03-10"))
	accountant := testutil.AccountantSession()

	inv, err := svc.CreateInvoice(ctx, accountant, NewInvoice{
		StudentID: "s1", StudentName: "Amani Mushi", GuardianEmail: "parent@example.com",
		Description: "Term 1 fees", Amount: 1000, DueDate: "2024-03-31",
	})
	require.NoError(t, err)

	pmt, err := svc.RecordPayment(ctx, accountant, NewPayment{InvoiceID: inv.ID, Amount: 400, Method: "Mobile_Money", Reference: "QF12"})
	require.NoError(t, err)
	assert.NotEmpty(t, pmt.ID)
	assert.Regexp(t, `^RCP-20240310-[0-9A-Z]{6}$`, pmt.ReceiptNumber)
	assert.Equal(t, "mobile_money", pmt.Method)
	assert.Equal(t, "s1", pmt.StudentID)

	got, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 400.0, got.AmountPaid)
	assert.Equal(t, 600.0, got.Balance)
	assert.Equal(t, StatusPartial, got.Status)

	items, err := store.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, PaymentTable, items[1].TableName)
	assert.Equal(t, InvoiceTable, items[2].TableName)
	assert.Equal(t, offline.OpUpdate, items[2].Operation)
	assert.Equal(t, StatusPartial, items[2].Payload["status"])

	require.Len(t, mailer.messages, 1)
	assert.Equal(t, "payment_receipt", mailer.messages[0].TemplateName)
	assert.Equal(t, "parent@example.com", mailer.messages[0].To[0].Address)

	_, err = svc.RecordPayment(ctx, accountant, NewPayment{InvoiceID: inv.ID, Amount: 600, Method: "cash"})
	require.NoError(t, err)
	bal, err := svc.StudentBalance(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, Balance{TotalFees: 1000, AmountPaid: 1000, Balance: 0, Status: StatusPaid}, bal.Balance)
	assert.Len(t, bal.Invoices, 1)

	payments, err := svc.ListPayments(ctx, PaymentFilter{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestService_RecordPaymentConcurrent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, date("2024-03-10"))
	accountant := testutil.AccountantSession()

	inv, err := svc.CreateInvoice(ctx, accountant, NewInvoice{StudentID: "s1", Description: "Term 1 fees", Amount: 1000, DueDate: "2024-03-31"})
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordPayment(ctx, accountant, NewPayment{InvoiceID: inv.ID, Amount: 100, Method: "cash"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	payments, err := svc.ListPayments(ctx, PaymentFilter{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Len(t, payments, n)

	got, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, got.AmountPaid)
	assert.Equal(t, 0.0, got.Balance)
	assert.Equal(t, StatusPaid, got.Status)
}

func TestService_RecordPaymentUnknownInvoice(t *testing.T) {
	svc, _, _ := newTestService(t, date("2024-03-10"))

	_, err := svc.RecordPayment(context.Background(), testutil.AccountantSession(), NewPayment{InvoiceID: "nope", Amount: 10, Method: "cash"})
	var verr *core.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, []core.FieldError{{Field: "invoice_id", Error: ErrInvoiceNotFound.Error()}}, verr.Fields)
}

func TestService_RecordPaymentErrors(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, date("2024-03-10"))

	inv, err := svc.CreateInvoice(ctx, testutil.AdminSession(), NewInvoice{StudentID: "s1", Description: "Fees", Amount: 100, DueDate: "2024-03-31"})
	require.NoError(t, err)

	tests := []struct {
		name string
		sess core.Session
		np   NewPayment
	}{
		{name: "teacher", sess: testutil.TeacherSession(), np: NewPayment{InvoiceID: inv.ID, Amount: 10, Method: "cash"}},
		{name: "unknown invoice", sess: testutil.AccountantSession(), np: NewPayment{InvoiceID: "nope", Amount: 10, Method: "cash"}},
		{name: "zero amount", sess: testutil.AccountantSession(), np: NewPayment{InvoiceID: inv.ID, Method: "cash"}},
		{name: "unknown method", sess: testutil.AccountantSession(), np: NewPayment{InvoiceID: inv.ID, Amount: 10, Method: "barter"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.RecordPayment(ctx, tt.sess, tt.np); err == nil {
				t.Errorf("RecordPayment() error = %v, wantErr %v", err, true)
			}
		})
	}

	items, err := store.PendingItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1, "failed payments enqueue nothing")
}

func TestService_StudentBalanceOverdue(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, date("2024-01-10"))
	admin := testutil.AdminSession()

	_, err := svc.CreateInvoice(ctx, admin, NewInvoice{StudentID: "s2", Description: "Term 1", Amount: 700, DueDate: "2024-01-31"})
	require.NoError(t, err)
	_, err = svc.CreateInvoice(ctx, admin, NewInvoice{StudentID: "s2", Description: "Uniform", Amount: 300, DueDate: "2024-02-28"})
	require.NoError(t, err)

	svc.now = func() time.Time { return date("2024-02-05") }
	bal, err := svc.StudentBalance(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, Balance{TotalFees: 1000, AmountPaid: 0, Balance: 1000, Status: StatusOverdue}, bal.Balance)
	require.Len(t, bal.Invoices, 2)
	assert.Equal(t, StatusOverdue, bal.Invoices[0].Status)
	assert.Equal(t, StatusPending, bal.Invoices[1].Status)

	invoices, err := svc.ListInvoices(ctx, InvoiceFilter{Status: StatusOverdue})
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}
