package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/syncengine"
)

type syncApi struct {
	engine *syncengine.Engine
	local  offline.Store
	audit  *audit.Logger
}

func registerSyncAPI(g *echo.Group, engine *syncengine.Engine, local offline.Store, auditLog *audit.Logger) {
	api := syncApi{engine: engine, local: local, audit: auditLog}

	sg := g.Group("/sync", adminMiddleware())
	sg.POST("/run", api.run)
	sg.GET("/status", api.status)
	sg.GET("/queue", api.queue)
	sg.DELETE("/queue", api.clear)
	sg.POST("/retry", api.retry)
}

type (
	StatusResponse struct {
		Running bool                     `json:"running"`
		Pending int                      `json:"pending"`
		Tables  []syncengine.TableStatus `json:"tables"`
	}

	RetryRequest struct {
		IDs []string `json:"ids"`
	}

	CountResponse struct {
		Count int64 `json:"count"`
	}
)

func (api *syncApi) run(ctx echo.Context) error {
	res, err := api.engine.SyncAllTables(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "running sync pass")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *syncApi) status(ctx echo.Context) error {
	tables, err := api.engine.Status(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting sync status")
	}
	resp := StatusResponse{Running: api.engine.IsRunning(), Tables: tables}
	for _, t := range tables {
		resp.Pending += t.Progress
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (api *syncApi) queue(ctx echo.Context) error {
	items, err := api.local.PendingItems(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "listing pending items")
	}
	if items == nil {
		items = []offline.QueueItem{}
	}
	return ctx.JSON(http.StatusOK, items)
}

func (api *syncApi) clear(ctx echo.Context) error {
	n, err := api.engine.ClearQueue(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "clearing sync queue")
	}
	api.audit.Log(getContextSession(ctx), audit.ActionDelete, "sync_queue", "", map[string]interface{}{"count": n})
	return ctx.JSON(http.StatusOK, CountResponse{Count: n})
}

// retry resets the attempts of the given items, or of every item when no id is given.
func (api *syncApi) retry(ctx echo.Context) error {
	var data RetryRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RetryRequest")
	}
	n, err := api.engine.ResetAttempts(ctx.Request().Context(), data.IDs...)
	if err != nil {
		return errors.Wrap(err, "resetting attempts")
	}
	return ctx.JSON(http.StatusOK, CountResponse{Count: n})
}
