package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Delivery     DeliveryConfig
	Retry        RetryConfig
	Worker       WorkerConfig
	Reconcile    ReconcileConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DBDriverSQLite
		return &cfg, nil
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"HOOKRELAY_APP_ENV" required:"true"`
	Port         string   `envconfig:"HOOKRELAY_APP_PORT" default:"8080"`
	LogLevel     string   `envconfig:"HOOKRELAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"HOOKRELAY_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"HOOKRELAY_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"HOOKRELAY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN        string `envconfig:"HOOKRELAY_DB_DSN"`
	Driver     string `envconfig:"HOOKRELAY_DB_DRIVER" default:"postgres"`
	SQLitePath string `envconfig:"HOOKRELAY_DB_SQLITE_PATH" default:"hookrelay.db"`

	LegacyHost     string `envconfig:"HOOKRELAY_DB_HOST"`
	LegacyPort     int    `envconfig:"HOOKRELAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"HOOKRELAY_DB_USER"`
	LegacyPassword string `envconfig:"HOOKRELAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"HOOKRELAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"HOOKRELAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"HOOKRELAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"HOOKRELAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"HOOKRELAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"HOOKRELAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"HOOKRELAY_REDIS_URL"`
	Address      string        `envconfig:"HOOKRELAY_REDIS_ADDR"`
	Username     string        `envconfig:"HOOKRELAY_REDIS_USERNAME"`
	Password     string        `envconfig:"HOOKRELAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"HOOKRELAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"HOOKRELAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"HOOKRELAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"HOOKRELAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"HOOKRELAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"HOOKRELAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig verifies bearer tokens minted by the identity service.
type JWTConfig struct {
	Secret string `envconfig:"HOOKRELAY_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"HOOKRELAY_JWT_ISSUER" required:"true"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"HOOKRELAY_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"HOOKRELAY_AUTO_MIGRATE" default:"false"`
}

// DeliveryConfig bounds each outbound callback attempt.
type DeliveryConfig struct {
	FirstAttemptTimeout time.Duration `envconfig:"HOOKRELAY_DELIVERY_FIRST_TIMEOUT" default:"5s"`
	RetryTimeout        time.Duration `envconfig:"HOOKRELAY_DELIVERY_RETRY_TIMEOUT" default:"10s"`
	UserAgent           string        `envconfig:"HOOKRELAY_DELIVERY_USER_AGENT" default:"Webhook-Server"`
	MaxResponseBytes    int64         `envconfig:"HOOKRELAY_DELIVERY_MAX_RESPONSE_BYTES" default:"65536"`
	MaxPayloadBytes     int64         `envconfig:"HOOKRELAY_INGEST_MAX_PAYLOAD_BYTES" default:"1048576"`
	FanoutTimeout       time.Duration `envconfig:"HOOKRELAY_INGEST_FANOUT_TIMEOUT" default:"30s"`
}

type RetryConfig struct {
	BaseDelay     time.Duration `envconfig:"HOOKRELAY_RETRY_BASE_DELAY" default:"5m"`
	MaxDelay      time.Duration `envconfig:"HOOKRELAY_RETRY_MAX_DELAY" default:"24h"`
	Factor        int           `envconfig:"HOOKRELAY_RETRY_FACTOR" default:"3"`
	MaxRetries    int           `envconfig:"HOOKRELAY_RETRY_MAX_RETRIES" default:"6"`
	SweepInterval time.Duration `envconfig:"HOOKRELAY_RETRY_SWEEP_INTERVAL" default:"1m"`
}

type WorkerConfig struct {
	PollInterval  time.Duration `envconfig:"HOOKRELAY_WORKER_POLL_INTERVAL" default:"5s"`
	QueueKey      string        `envconfig:"HOOKRELAY_WORKER_QUEUE_KEY" default:"webhook:queue"`
	ScheduleKey   string        `envconfig:"HOOKRELAY_WORKER_SCHEDULE_KEY" default:"webhook:retry"`
	NotifyChannel string        `envconfig:"HOOKRELAY_WORKER_NOTIFY_CHANNEL" default:"webhook:new"`
	MetricsAddr   string        `envconfig:"HOOKRELAY_WORKER_METRICS_ADDR" default:":9101"`
}

type ReconcileConfig struct {
	Interval    time.Duration `envconfig:"HOOKRELAY_RECONCILE_INTERVAL" default:"10m"`
	PendingAge  time.Duration `envconfig:"HOOKRELAY_RECONCILE_PENDING_AGE" default:"5m"`
	BatchSize   int           `envconfig:"HOOKRELAY_RECONCILE_BATCH_SIZE" default:"200"`
	LockTTL     time.Duration `envconfig:"HOOKRELAY_RECONCILE_LOCK_TTL" default:"15m"`
	MetricsAddr string        `envconfig:"HOOKRELAY_CRON_METRICS_ADDR" default:":9102"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
