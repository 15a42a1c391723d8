package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/attendance"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/fee"
	"github.com/trezcool/shule/core/grade"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/promotion"
	"github.com/trezcool/shule/core/report"
	"github.com/trezcool/shule/core/student"
	"github.com/trezcool/shule/core/syncengine"
	"github.com/trezcool/shule/core/user"
)

type (
	ServerDeps struct {
		Conf           *core.Config
		Logger         core.Logger
		Validate       *validator.Validate
		Translator     ut.Translator
		DisableReqLogs bool

		UserSvc       user.Service
		StudentSvc    student.Service
		AttendanceSvc attendance.Service
		GradeSvc      grade.Service
		FeeSvc        fee.Service
		PromotionSvc  promotion.Service
		ReportSvc     report.Service

		Engine     *syncengine.Engine
		LocalStore offline.Store
		AuditLog   *audit.Logger

		// optional
		Redis       redis.Cmdable
		Gatherer    prometheus.Gatherer
		TriggerSync func()
	}

	Server struct {
		deps     ServerDeps
		app      *echo.Echo
		errors   chan error
		shutdown chan os.Signal
	}
)

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		deps:     deps,
		app:      echo.New(),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.deps.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.SignalShutdown)
	s.app.Debug = conf.Debug

	s.app.GET("/", home)
	if s.deps.Gatherer != nil {
		s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	tokens := newTokenIssuer(conf)
	jwt := middleware.JWTWithConfig(tokens.middlewareConfig())

	v1 := s.app.Group("/v1", syncTriggerMiddleware(s.deps.TriggerSync))
	registerUserAPI(
		v1,
		jwt,
		loginRateLimitMiddleware(s.deps.Redis, conf.Server.LoginRateLimit),
		s.deps.UserSvc,
		s.deps.Validate,
		tokens,
		s.deps.AuditLog,
	)

	ag := v1.Group("", jwt)
	registerSchoolAPI(ag, s.deps.StudentSvc, s.deps.AttendanceSvc, s.deps.GradeSvc)
	registerFeeAPI(ag, s.deps.FeeSvc)
	registerPromotionAPI(ag, s.deps.PromotionSvc, s.deps.ReportSvc)
	registerSyncAPI(ag, s.deps.Engine, s.deps.LocalStore, s.deps.AuditLog)
}

// Start blocks until the server stops. Listener errors are sent to Errors().
func (s *Server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Host); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error { return s.errors }

func (s *Server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

// SignalShutdown asks the owner of the server to stop it gracefully.
func (s *Server) SignalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to Shule API!")
}
