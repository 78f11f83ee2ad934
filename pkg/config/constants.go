package config

// EnvPrefix namespaces envconfig lookups; every field also carries its full variable name.
const EnvPrefix = "HOOKRELAY"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv     = "HOOKRELAY_APP_ENV"
	EnvPort       = "HOOKRELAY_APP_PORT"
	EnvDBDSN      = "HOOKRELAY_DB_DSN"
	EnvDBHost     = "HOOKRELAY_DB_HOST"
	EnvDBUser     = "HOOKRELAY_DB_USER"
	EnvDBName     = "HOOKRELAY_DB_NAME"
	EnvRedisURL   = "HOOKRELAY_REDIS_URL"
	EnvJWTSecret  = "HOOKRELAY_JWT_SECRET"
	EnvJWTIssuer  = "HOOKRELAY_JWT_ISSUER"
	EnvUseSQLite  = "HOOKRELAY_USE_SQLITE"
	EnvRetryBase  = "HOOKRELAY_RETRY_BASE_DELAY"
	EnvMaxRetries = "HOOKRELAY_RETRY_MAX_RETRIES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

const (
	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)
