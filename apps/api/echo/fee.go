package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/fee"
	"github.com/trezcool/shule/core/user"
)

type feeApi struct {
	svc fee.Service
}

func registerFeeAPI(g *echo.Group, svc fee.Service) {
	api := feeApi{svc: svc}
	bursar := roleMiddleware(user.RoleAdmin, user.RoleAccountant)

	ig := g.Group("/invoices", bursar)
	ig.GET("", api.listInvoices)
	ig.POST("", api.createInvoice)
	ig.GET("/:id", api.retrieveInvoice)

	pg := g.Group("/payments", bursar)
	pg.GET("", api.listPayments)
	pg.POST("", api.recordPayment)

	g.GET("/students/:id/balance", api.studentBalance, bursar)
}

func (api *feeApi) createInvoice(ctx echo.Context) error {
	var data fee.NewInvoice
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewInvoice")
	}
	inv, err := api.svc.CreateInvoice(ctx.Request().Context(), getContextSession(ctx), data)
	if err != nil {
		return errors.Wrap(err, "creating invoice")
	}
	return ctx.JSON(http.StatusCreated, inv)
}

func (api *feeApi) recordPayment(ctx echo.Context) error {
	var data fee.NewPayment
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewPayment")
	}
	pmt, err := api.svc.RecordPayment(ctx.Request().Context(), getContextSession(ctx), data)
	if err != nil {
		return errors.Wrap(err, "recording payment")
	}
	return ctx.JSON(http.StatusCreated, pmt)
}

func (api *feeApi) retrieveInvoice(ctx echo.Context) error {
	inv, err := api.svc.GetInvoice(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting invoice")
	}
	return ctx.JSON(http.StatusOK, inv)
}

func (api *feeApi) listInvoices(ctx echo.Context) error {
	var filter fee.InvoiceFilter
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []fee.Invoice{})
	}
	invoices, err := api.svc.ListInvoices(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "listing invoices")
	}
	return ctx.JSON(http.StatusOK, invoices)
}

func (api *feeApi) listPayments(ctx echo.Context) error {
	var filter fee.PaymentFilter
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []fee.Payment{})
	}
	payments, err := api.svc.ListPayments(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "listing payments")
	}
	return ctx.JSON(http.StatusOK, payments)
}

func (api *feeApi) studentBalance(ctx echo.Context) error {
	bal, err := api.svc.StudentBalance(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "computing student balance")
	}
	return ctx.JSON(http.StatusOK, bal)
}
