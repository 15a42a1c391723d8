package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"

	echoapi "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/apps/container"
	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/syncengine"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	c, err := container.New(conf)
	if err != nil {
		log.Fatalf("setting up dependencies: %+v", err)
	}
	defer c.Close()
	logger := c.Logger

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Sync Services

	scheduler := syncengine.NewScheduler(c.Engine, conf.Sync.Interval, logger)
	scheduler.OnPass = func(res syncengine.Result, err error) {
		if err == nil && !res.Success {
			logger.Warn("sync pass had failures", map[string]interface{}{"failed": len(res.Errors)})
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if len(conf.Sync.MirrorTables) > 0 {
		mirror := syncengine.NewMirror(c.Local, c.Remote, logger, conf.Sync.MirrorTables...)
		if err = mirror.Start(ctx); err != nil {
			logger.Error(fmt.Sprintf("starting mirror: %v", err), err)
		} else {
			defer func() {
				cancel()
				mirror.Wait()
			}()
		}
	}

	// =========================================================================
	// Start API Service

	deps := echoapi.ServerDeps{
		Conf:          conf,
		Logger:        logger,
		Validate:      c.Validate,
		Translator:    c.Translator,
		UserSvc:       c.UserSvc,
		StudentSvc:    c.StudentSvc,
		AttendanceSvc: c.AttendanceSvc,
		GradeSvc:      c.GradeSvc,
		FeeSvc:        c.FeeSvc,
		PromotionSvc:  c.PromotionSvc,
		ReportSvc:     c.ReportSvc,
		Engine:        c.Engine,
		LocalStore:    c.Local,
		AuditLog:      c.AuditLog,
		Gatherer:      c.Registry,
		TriggerSync:   scheduler.Trigger,
	}
	if c.Redis != nil {
		deps.Redis = c.Redis
	}
	server := echoapi.NewServer(deps)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Error(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		sctx, scancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer scancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(sctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Error(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}
