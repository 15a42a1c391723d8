package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/promotion"
	"github.com/trezcool/shule/core/report"
	"github.com/trezcool/shule/core/user"
)

type promotionApi struct {
	svc     promotion.Service
	reports report.Service
}

func registerPromotionAPI(g *echo.Group, svc promotion.Service, reports report.Service) {
	api := promotionApi{svc: svc, reports: reports}

	pg := g.Group("/promotions", roleMiddleware(user.RoleAdmin, user.RoleTeacher))
	pg.GET("", api.list)
	pg.POST("", api.create)
	pg.GET("/:id", api.retrieve)
	pg.POST("/:id/approve", api.approve, adminMiddleware())
	pg.POST("/:id/reject", api.reject, adminMiddleware())

	g.GET("/reports", api.generateReport, roleMiddleware(staffRoles...))
}

type ReviewRequest struct {
	Comment string `json:"comment"`
}

func (api *promotionApi) create(ctx echo.Context) error {
	var data promotion.NewRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to promotion.NewRequest")
	}
	req, err := api.svc.CreateRequest(ctx.Request().Context(), getContextSession(ctx), data)
	if err != nil {
		return errors.Wrap(err, "creating promotion request")
	}
	return ctx.JSON(http.StatusCreated, req)
}

func (api *promotionApi) list(ctx echo.Context) error {
	var filter promotion.Filter
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []promotion.Request{})
	}
	reqs, err := api.svc.List(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "listing promotion requests")
	}
	return ctx.JSON(http.StatusOK, reqs)
}

func (api *promotionApi) retrieve(ctx echo.Context) error {
	req, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting promotion request")
	}
	return ctx.JSON(http.StatusOK, req)
}

func (api *promotionApi) approve(ctx echo.Context) error {
	var data ReviewRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReviewRequest")
	}
	req, err := api.svc.Approve(ctx.Request().Context(), getContextSession(ctx), ctx.Param("id"), data.Comment)
	if err != nil {
		return errors.Wrap(err, "approving promotion request")
	}
	return ctx.JSON(http.StatusOK, req)
}

func (api *promotionApi) reject(ctx echo.Context) error {
	var data ReviewRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReviewRequest")
	}
	req, err := api.svc.Reject(ctx.Request().Context(), getContextSession(ctx), ctx.Param("id"), data.Comment)
	if err != nil {
		return errors.Wrap(err, "rejecting promotion request")
	}
	return ctx.JSON(http.StatusOK, req)
}

func (api *promotionApi) generateReport(ctx echo.Context) error {
	var data report.Request
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to report.Request")
	}
	rep, err := api.reports.Generate(ctx.Request().Context(), getContextSession(ctx), data)
	if err != nil {
		return errors.Wrap(err, "generating report")
	}
	return ctx.JSON(http.StatusOK, rep)
}
