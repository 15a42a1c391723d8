package tests

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core/fee"
	"github.com/trezcool/shule/core/user"
)

func Test_feeApi_recordPayment(t *testing.T) {
	f := setup(t)
	bursar := f.token(t, f.createUser(t, "bursar", "", true, user.RoleAccountant))
	teacher := f.token(t, f.createUser(t, "teacher", "", true, user.RoleTeacher))

	rec := f.do(t, http.MethodPost, "/v1/invoices", teacher, fee.NewInvoice{StudentID: "s1", Description: "Term 1", Amount: 300, DueDate: "2099-01-31"})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/invoices", bursar, fee.NewInvoice{
		StudentID: "s1", StudentName: "Amani Juma", Description: "Term 1 fees", Term: "2024-T1", Amount: 300, DueDate: "2099-01-31",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inv fee.Invoice
	decode(t, rec, &inv)
	assert.Equal(t, fee.StatusPending, inv.Status)

	tests := []struct {
		name        string
		body        fee.NewPayment
		wantCode    int
		wantErr     map[string]string
		wantBalance float64
		wantStatus  string
	}{
		{
			name: "validation", body: fee.NewPayment{Amount: -1, Method: "gold"}, wantCode: http.StatusBadRequest,
			wantErr: map[string]string{
				"invoice_id": "this field is required",
				"amount":     "amount must be greater than 0",
				"method":     "method must be one of [cash mobile_money bank cheque]",
			},
		},
		{
			name: "unknown invoice", body: fee.NewPayment{InvoiceID: "lol", Amount: 10, Method: "cash"}, wantCode: http.StatusBadRequest,
			wantErr: map[string]string{"invoice_id": "invoice not found"},
		},
		{
			name: "partial", body: fee.NewPayment{InvoiceID: inv.ID, Amount: 120.5, Method: "mobile_money", Reference: "MP123"},
			wantCode: http.StatusCreated, wantBalance: 179.5, wantStatus: fee.StatusPartial,
		},
		{
			name: "settled", body: fee.NewPayment{InvoiceID: inv.ID, Amount: 179.5, Method: "cash"},
			wantCode: http.StatusCreated, wantStatus: fee.StatusPaid,
		},
	}
	receiptRegex := regexp.MustCompile(`^RCP-\d{8}-[A-Z0-9]{6}$`)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/payments", bursar, tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			if tt.wantErr != nil {
				var got map[string]string
				decode(t, rec, &got)
				assert.Equal(t, tt.wantErr, got)
				return
			}
			var pmt fee.Payment
			decode(t, rec, &pmt)
			assert.NotEmpty(t, pmt.ID)
			assert.Regexp(t, receiptRegex, pmt.ReceiptNumber)

			rec = f.do(t, http.MethodGet, "/v1/students/s1/balance", bursar, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var bal fee.StudentBalance
			decode(t, rec, &bal)
			assert.Equal(t, tt.wantBalance, bal.Balance.Balance)
			assert.Equal(t, tt.wantStatus, bal.Status)
		})
	}

	rec = f.do(t, http.MethodGet, "/v1/payments?invoice_id="+inv.ID, bursar, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var payments []fee.Payment
	decode(t, rec, &payments)
	assert.Len(t, payments, 2)

	rec = f.do(t, http.MethodGet, "/v1/invoices/unknown", bursar, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
