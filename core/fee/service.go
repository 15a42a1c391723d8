package fee

import (
	"context"
	"net/mail"
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

var ErrInvoiceNotFound = errors.New("invoice not found")

type Service interface {
	CreateInvoice(ctx context.Context, sess core.Session, ni NewInvoice) (Invoice, error)
	// RecordPayment stores the payment and the updated invoice in one durable mutation,
	// then emails the receipt to the guardian when an email is on file.
	RecordPayment(ctx context.Context, sess core.Session, np NewPayment) (Payment, error)
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	StudentBalance(ctx context.Context, studentID string) (StudentBalance, error)
}

type service struct {
	store    offline.Store
	validate *validator.Validate
	mailSvc  core.EmailService
	audit    *audit.Logger
	now      func() time.Time
}

var _ Service = (*service)(nil)

func NewService(store offline.Store, validate *validator.Validate, mailSvc core.EmailService, auditLog *audit.Logger) Service {
	return &service{
		store:    store,
		validate: validate,
		mailSvc:  mailSvc,
		audit:    auditLog,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (svc *service) CreateInvoice(ctx context.Context, sess core.Session, ni NewInvoice) (Invoice, error) {
	if err := sess.Authorize(user.RoleAdmin, user.RoleAccountant); err != nil {
		return Invoice{}, err
	}
	ni.StudentID = core.CleanString(ni.StudentID)
	ni.StudentName = core.CleanString(ni.StudentName)
	ni.GuardianEmail = core.CleanString(ni.GuardianEmail, true /* lower */)
	ni.Description = core.CleanString(ni.Description)
	ni.Term = core.CleanString(ni.Term)
	ni.DueDate = core.CleanString(ni.DueDate)
	if err := svc.validate.Struct(ni); err != nil {
		return Invoice{}, err
	}

	now := svc.now()
	inv := Invoice{
		ID:            uuid.New().String(),
		StudentID:     ni.StudentID,
		StudentName:   ni.StudentName,
		GuardianEmail: ni.GuardianEmail,
		Description:   ni.Description,
		Term:          ni.Term,
		TotalFees:     round2(ni.Amount),
		DueDate:       ni.DueDate,
		CreatedBy:     sess.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inv.Refresh(now)

	payload, err := offline.Encode(inv)
	if err != nil {
		return Invoice{}, err
	}
	if _, err = svc.store.Apply(ctx, offline.Change{Table: InvoiceTable, Operation: offline.OpCreate, RecordID: inv.ID, Payload: payload}); err != nil {
		return Invoice{}, errors.Wrap(err, "saving invoice")
	}
	svc.audit.Log(sess, audit.ActionCreate, InvoiceTable, inv.ID, map[string]interface{}{"student_id": inv.StudentID, "amount": inv.TotalFees})
	return inv, nil
}

func (svc *service) RecordPayment(ctx context.Context, sess core.Session, np NewPayment) (Payment, error) {
	if err := sess.Authorize(user.RoleAdmin, user.RoleAccountant); err != nil {
		return Payment{}, err
	}
	np.InvoiceID = core.CleanString(np.InvoiceID)
	np.Method = core.CleanString(np.Method, true /* lower */)
	np.Reference = core.CleanString(np.Reference)
	if err := svc.validate.Struct(np); err != nil {
		return Payment{}, err
	}

	var (
		inv Invoice
		pmt Payment
	)
	now := svc.now()
	// the invoice is read and updated in the payment's transaction so concurrent payments add up
	_, err := svc.store.Update(ctx, func(r offline.Reader) ([]offline.Change, error) {
		inv = Invoice{}
		if err := r.GetRecord(InvoiceTable, np.InvoiceID, &inv); err != nil {
			if errors.Cause(err) == offline.ErrNotFound {
				return nil, core.NewValidationError(ErrInvoiceNotFound, core.FieldError{Field: "invoice_id", Error: ErrInvoiceNotFound.Error()})
			}
			return nil, errors.Wrap(err, "getting invoice")
		}

		pmt = Payment{
			ID:            uuid.New().String(),
			ReceiptNumber: ReceiptNumber(now),
			InvoiceID:     inv.ID,
			StudentID:     inv.StudentID,
			StudentName:   inv.StudentName,
			Amount:        round2(np.Amount),
			Method:        np.Method,
			Reference:     np.Reference,
			PaidAt:        now,
			RecordedBy:    sess.UserID,
			CreatedAt:     now,
		}
		inv.AmountPaid = round2(inv.AmountPaid + pmt.Amount)
		inv.UpdatedAt = now
		inv.Refresh(now)

		pmtPayload, err := offline.Encode(pmt)
		if err != nil {
			return nil, err
		}
		invDelta := map[string]interface{}{
			"amount_paid": inv.AmountPaid,
			"balance":     inv.Balance,
			"status":      inv.Status,
			"updated_at":  inv.UpdatedAt,
		}
		return []offline.Change{
			{Table: PaymentTable, Operation: offline.OpCreate, RecordID: pmt.ID, Payload: pmtPayload},
			{Table: InvoiceTable, Operation: offline.OpUpdate, RecordID: inv.ID, Payload: invDelta},
		}, nil
	})
	if err != nil {
		return Payment{}, errors.Wrap(err, "saving payment")
	}

	svc.audit.Log(sess, audit.ActionCreate, PaymentTable, pmt.ID, map[string]interface{}{
		"receipt_number": pmt.ReceiptNumber,
		"invoice_id":     inv.ID,
		"amount":         pmt.Amount,
	})
	if inv.GuardianEmail != "" && svc.mailSvc != nil {
		svc.mailSvc.SendMessages(receiptMail(inv, pmt))
	}
	return pmt, nil
}

func receiptMail(inv Invoice, pmt Payment) *core.EmailMessage {
	return &core.EmailMessage{
		To:           []mail.Address{{Address: inv.GuardianEmail}},
		Subject:      "Payment Receipt " + pmt.ReceiptNumber,
		TemplateName: "payment_receipt",
		TemplateData: receiptData{
			ReceiptNumber:      pmt.ReceiptNumber,
			StudentName:        inv.StudentName,
			InvoiceDescription: inv.Description,
			Amount:             pmt.Amount,
			Method:             pmt.Method,
			PaidAt:             pmt.PaidAt,
			Balance:            inv.Balance,
			Status:             inv.Status,
		},
	}
}

func (svc *service) getInvoice(ctx context.Context, id string) (Invoice, error) {
	var inv Invoice
	if err := svc.store.GetRecord(ctx, InvoiceTable, id, &inv); err != nil {
		if errors.Cause(err) == offline.ErrNotFound {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, errors.Wrap(err, "getting invoice")
	}
	return inv, nil
}

func (svc *service) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	inv, err := svc.getInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	inv.Refresh(svc.now())
	return inv, nil
}

func (svc *service) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	rows, err := svc.store.ListRecords(ctx, InvoiceTable)
	if err != nil {
		return nil, errors.Wrap(err, "listing invoices")
	}
	now := svc.now()
	invoices := make([]Invoice, 0, len(rows))
	for _, row := range rows {
		var inv Invoice
		if err = offline.Decode(row.Data, &inv); err != nil {
			return nil, err
		}
		inv.Refresh(now)
		if filter.match(inv) {
			invoices = append(invoices, inv)
		}
	}
	sort.Slice(invoices, func(i, j int) bool {
		if invoices[i].DueDate != invoices[j].DueDate {
			return invoices[i].DueDate < invoices[j].DueDate
		}
		return invoices[i].CreatedAt.Before(invoices[j].CreatedAt)
	})
	return invoices, nil
}

func (svc *service) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	rows, err := svc.store.ListRecords(ctx, PaymentTable)
	if err != nil {
		return nil, errors.Wrap(err, "listing payments")
	}
	payments := make([]Payment, 0, len(rows))
	for _, row := range rows {
		var p Payment
		if err = offline.Decode(row.Data, &p); err != nil {
			return nil, err
		}
		if filter.match(p) {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].PaidAt.Before(payments[j].PaidAt) })
	return payments, nil
}

func (svc *service) StudentBalance(ctx context.Context, studentID string) (StudentBalance, error) {
	invoices, err := svc.ListInvoices(ctx, InvoiceFilter{StudentID: studentID})
	if err != nil {
		return StudentBalance{}, err
	}
	return SummarizeBalance(studentID, invoices, svc.now()), nil
}
