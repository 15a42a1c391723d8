package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		AppName                   string
		Build                     string
		Env                       string // DEV (local; default), TEST, QA, PROD
		Debug                     bool
		TestMode                  bool
		WorkDir                   string
		SecretKey                 string
		FrontendBaseURL           string
		DefaultFromEmail          mail.Address
		PasswordResetTimeoutDelta time.Duration
		RollbarToken              string
		SendgridApiKey            string
		LogLevel                  string

		Server     ServerConfig
		Database   DatabaseConfig
		Remote     RemoteConfig
		LocalStore LocalStoreConfig
		Sync       SyncConfig
		Redis      RedisConfig
		Kafka      KafkaConfig
	}

	ServerConfig struct {
		Host                      string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		LoginRateLimit            int // attempts per minute and client IP; 0 disables
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RemoteConfig struct {
		Driver string // "postgres" or "memory"
	}

	LocalStoreConfig struct {
		Path  string // empty: XDG data dir
		Debug bool
	}

	SyncConfig struct {
		Interval        time.Duration
		MaxAttempts     int           // 0: retry forever
		RetryBaseDelay  time.Duration
		RetryMaxDelay   time.Duration
		RateLimit       float64       // remote calls per second; 0 disables
		RateBurst       int
		MirrorTables    []string
		DistributedLock bool
		LockTTL         time.Duration // expiry of a crashed holder; refreshed while a pass runs
	}

	RedisConfig struct {
		Addr     string
		Password string
		DB       int
	}

	KafkaConfig struct {
		Brokers    []string
		AuditTopic string
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewConfig loads the configuration from defaults, the optional `config/.env.<env>` file and the environment.
// Environment variables are prefixed with the env name, e.g. `PROD_DATABASE_HOST`.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("appName", "Shule")
	v.SetDefault("build", "develop")
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("secretKey", "7rj=bq(w4t$&m2kc+g!1z0ve9hs_xpa^u8dn)#oy5lfi3")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("defaultFromEmail", "Shule <noreply@localhost>")
	v.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("logLevel", "info")

	v.SetDefault("server.host", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.jwtRefreshExpirationDelta", 4*time.Hour)
	v.SetDefault("server.loginRateLimit", 10)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "shule")
	v.SetDefault("database.user", "shule")
	v.SetDefault("database.password", "shule")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("remote.driver", "postgres")

	v.SetDefault("localStore.path", "")
	v.SetDefault("localStore.debug", false)

	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.maxAttempts", 0)
	v.SetDefault("sync.retryBaseDelay", time.Duration(0))
	v.SetDefault("sync.retryMaxDelay", time.Hour)
	v.SetDefault("sync.rateLimit", 0.0)
	v.SetDefault("sync.rateBurst", 1)
	v.SetDefault("sync.mirrorTables", []string{})
	v.SetDefault("sync.distributedLock", false)
	v.SetDefault("sync.lockTTL", 5*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.auditTopic", "shule.audit")

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	case "QA", "PROD":
		v.SetDefault("debug", false)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	workDir := Getwd()
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	fromEmail, err := mail.ParseAddress(v.GetString("defaultFromEmail"))
	if err != nil {
		log.Fatalf("config.defaultFromEmail: %v", err)
	}

	return &Config{
		AppName:                   v.GetString("appName"),
		Build:                     v.GetString("build"),
		Env:                       env,
		Debug:                     v.GetBool("debug"),
		TestMode:                  v.GetBool("testMode"),
		WorkDir:                   workDir,
		SecretKey:                 v.GetString("secretKey"),
		FrontendBaseURL:           v.GetString("frontendBaseURL"),
		DefaultFromEmail:          *fromEmail,
		PasswordResetTimeoutDelta: v.GetDuration("passwordResetTimeoutDelta"),
		RollbarToken:              v.GetString("rollbarToken"),
		SendgridApiKey:            v.GetString("sendgridApiKey"),
		LogLevel:                  v.GetString("logLevel"),
		Server: ServerConfig{
			Host:                      v.GetString("server.host"),
			DebugHost:                 v.GetString("server.debugHost"),
			ShutdownTimeout:           v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
			LoginRateLimit:            v.GetInt("server.loginRateLimit"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Remote: RemoteConfig{
			Driver: v.GetString("remote.driver"),
		},
		LocalStore: LocalStoreConfig{
			Path:  v.GetString("localStore.path"),
			Debug: v.GetBool("localStore.debug"),
		},
		Sync: SyncConfig{
			Interval:        v.GetDuration("sync.interval"),
			MaxAttempts:     v.GetInt("sync.maxAttempts"),
			RetryBaseDelay:  v.GetDuration("sync.retryBaseDelay"),
			RetryMaxDelay:   v.GetDuration("sync.retryMaxDelay"),
			RateLimit:       v.GetFloat64("sync.rateLimit"),
			RateBurst:       v.GetInt("sync.rateBurst"),
			MirrorTables:    v.GetStringSlice("sync.mirrorTables"),
			DistributedLock: v.GetBool("sync.distributedLock"),
			LockTTL:         v.GetDuration("sync.lockTTL"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Kafka: KafkaConfig{
			Brokers:    v.GetStringSlice("kafka.brokers"),
			AuditTopic: v.GetString("kafka.auditTopic"),
		},
	}
}
