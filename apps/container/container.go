// Package container builds the dependencies shared by the API server and the admin CLI.
package container

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/attendance"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/fee"
	"github.com/trezcool/shule/core/grade"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/promotion"
	"github.com/trezcool/shule/core/remote"
	"github.com/trezcool/shule/core/report"
	"github.com/trezcool/shule/core/student"
	"github.com/trezcool/shule/core/syncengine"
	"github.com/trezcool/shule/core/user"
	emailsvc "github.com/trezcool/shule/services/email"
	"github.com/trezcool/shule/services/kafkasink"
	logsvc "github.com/trezcool/shule/services/logger"
	"github.com/trezcool/shule/services/redislock"
	"github.com/trezcool/shule/storage/database"
	dummydb "github.com/trezcool/shule/storage/database/dummy"
	sqlxrepos "github.com/trezcool/shule/storage/database/sqlx"
	"github.com/trezcool/shule/storage/localdb"
	"github.com/trezcool/shule/storage/remote/memremote"
	"github.com/trezcool/shule/storage/remote/pgremote"
)

const RemoteMemory = "memory"

type Container struct {
	Conf       *core.Config
	Logger     *logsvc.RollbarLogger
	Validate   *validator.Validate
	Translator ut.Translator

	DB       *sqlx.DB      // nil with the memory remote
	Redis    *redis.Client // nil when not configured
	Local    *localdb.Store
	Remote   remote.Store
	UsrRepo  user.Repository
	MailSvc  core.EmailService
	AuditLog *audit.Logger
	Registry *prometheus.Registry
	Engine   *syncengine.Engine

	UserSvc       user.Service
	StudentSvc    student.Service
	AttendanceSvc attendance.Service
	GradeSvc      grade.Service
	FeeSvc        fee.Service
	PromotionSvc  promotion.Service
	ReportSvc     report.Service

	closers []func() error
}

func NewLogger(conf *core.Config) (*logsvc.RollbarLogger, error) {
	zl, err := logsvc.NewZap(conf.LogLevel, conf.Debug)
	if err != nil {
		return nil, errors.Wrap(err, "setting up zap")
	}
	logger := logsvc.NewRollbarLogger(zl, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger, nil
}

// New wires every dependency. On error, what was opened so far is closed.
func New(conf *core.Config) (_ *Container, err error) {
	c := &Container{Conf: conf}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.Logger, err = NewLogger(conf); err != nil {
		return nil, err
	}
	c.Validate, c.Translator = core.NewValidator()
	user.InitValidators(c.Validate, c.Translator)
	core.ParseEmailTemplates(conf, c.Logger)
	user.LoadCommonPasswords(c.Logger)

	if conf.Remote.Driver == RemoteMemory {
		c.UsrRepo = dummydb.NewUserRepository(dummydb.Open())
		c.Remote = memremote.New()
	} else {
		if c.DB, err = setUpDB(conf); err != nil {
			return nil, errors.Wrap(err, "setting up database")
		}
		c.closers = append(c.closers, c.DB.Close)
		c.UsrRepo = sqlxrepos.NewUserRepository(c.DB)
		c.Remote = pgremote.New(c.DB, database.DSN(conf.Database.Name, false, conf), c.Logger)
	}

	if c.Local, err = localdb.New(localdb.Config{Path: conf.LocalStore.Path, Debug: conf.LocalStore.Debug}); err != nil {
		return nil, errors.Wrap(err, "opening local store")
	}
	c.closers = append(c.closers, c.Local.Close)

	if conf.Redis.Addr != "" {
		if c.Redis, err = redislock.NewClient(conf.Redis); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.Redis.Close)
	}

	if conf.Debug {
		c.MailSvc = emailsvc.NewConsoleService(conf, c.Logger)
	} else {
		c.MailSvc = emailsvc.NewSendgridService(conf, c.Logger)
	}

	c.AuditLog = audit.NewLogger(c.newAuditSink(), c.Logger, offline.NewID)
	c.Registry = newRegistry()
	if c.Engine, err = c.newEngine(); err != nil {
		return nil, err
	}

	c.UserSvc = user.NewService(c.UsrRepo, c.MailSvc, c.Validate, conf)
	c.StudentSvc = student.NewService(c.Local, c.Validate, c.AuditLog)
	c.AttendanceSvc = attendance.NewService(c.Local, c.Validate, c.AuditLog)
	c.GradeSvc = grade.NewService(c.Local, c.Validate, c.AuditLog)
	c.FeeSvc = fee.NewService(c.Local, c.Validate, c.MailSvc, c.AuditLog)
	c.PromotionSvc = promotion.NewService(c.Local, c.Validate, c.AuditLog)
	c.ReportSvc = report.NewService(c.Remote, c.Validate)
	return c, nil
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}
	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}
	if err = database.Migrate(db, "up"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// newAuditSink stores events for the sync queue, and also publishes them when kafka is configured.
func (c *Container) newAuditSink() audit.Sink {
	store := audit.StoreSink{Store: c.Local}
	if len(c.Conf.Kafka.Brokers) == 0 {
		return store
	}
	ks := kafkasink.New(c.Conf.Kafka)
	c.closers = append(c.closers, ks.Close)
	return audit.MultiSink{store, ks}
}

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func (c *Container) newEngine() (*syncengine.Engine, error) {
	conf := c.Conf.Sync
	opts := syncengine.Options{
		Policy: syncengine.RetryPolicy{
			MaxAttempts: conf.MaxAttempts,
			BaseDelay:   conf.RetryBaseDelay,
			MaxDelay:    conf.RetryMaxDelay,
		},
		Metrics: syncengine.NewMetrics(),
	}
	opts.Metrics.MustRegister(c.Registry)
	if conf.RateLimit > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(conf.RateLimit), conf.RateBurst)
	}
	if conf.DistributedLock {
		if c.Redis == nil {
			return nil, errors.New("sync.distributedLock requires redis.addr")
		}
		opts.Locker = redislock.NewLocker(c.Redis, redislock.DefaultKey, conf.LockTTL, c.Logger)
	}
	return syncengine.NewEngine(c.Local, c.Remote, c.Logger, opts), nil
}

// Close waits for the pending audit events, then closes the connections in reverse order.
func (c *Container) Close() {
	c.AuditLog.Wait()
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && c.Logger != nil {
			c.Logger.Error("closing dependency", err)
		}
	}
	c.closers = nil
	if c.Logger != nil {
		c.Logger.Sync()
	}
}
