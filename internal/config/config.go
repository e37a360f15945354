package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// GetMode selects the pool's behavior when every session is busy.
type GetMode string

const (
	GetModeWait      GetMode = "wait"
	GetModeNoWait    GetMode = "no-wait"
	GetModeTimedWait GetMode = "timed-wait"
	GetModeForceGet  GetMode = "force-get"
)

// Config holds runtime configuration for the sentinel service. Environment
// variable names are part of the deployment contract and must not change.
type Config struct {
	// Oracle connectivity.
	TNSName          string
	WalletLocation   string // directory containing cwallet.sso
	WalletBase64     string // base64-encoded ZIP of the wallet directory
	User             string // empty means wallet external auth
	Password         string
	SSLServerDNMatch bool

	// Session pool.
	PoolMinSessions  int
	PoolMaxSessions  int
	PoolIncrement    int
	PoolPingInterval time.Duration
	PoolWaitTimeout  time.Duration
	PoolMaxLifetime  time.Duration
	PoolGetMode      GetMode

	// Queue and workers.
	QueueName         string
	DLQName           string
	EventTypeName     string
	DequeueWait       time.Duration
	DequeueBatch      int
	WorkerThreads     int
	TaskTimeout       time.Duration
	TaskQueueCapacity int

	// Log flusher.
	LogBatchSize     int
	LogFlushInterval time.Duration

	// HTTP surface.
	HTTPAddr       string
	HTTPPort       int
	MetricsPort    int
	MaxHeaderBytes int

	// Bearer-token validation.
	JWKSetURI           string
	Issuer              string
	Audience            string
	JWKSRefreshInterval time.Duration
	EnforceSignature    bool

	// Maintenance.
	StaleAfter      time.Duration
	Retention       time.Duration
	MaintenanceSpec string

	LogLevel string
}

// Load reads configuration from the environment. Missing required variables
// make startup fail; everything else has a production default.
func Load() (Config, error) {
	cfg := Config{
		TNSName:          os.Getenv("ORACLE_TNS_NAME"),
		WalletLocation:   os.Getenv("ORACLE_WALLET_LOCATION"),
		WalletBase64:     os.Getenv("ORACLE_WALLET_BASE64"),
		User:             os.Getenv("ORACLE_USER"),
		Password:         os.Getenv("ORACLE_PASSWORD"),
		SSLServerDNMatch: getEnvTristate("ORACLE_SSL_SERVER_DN_MATCH", true),

		PoolMinSessions:  getEnvInt("ORACLE_POOL_MIN_SESSIONS", 2),
		PoolMaxSessions:  getEnvInt("ORACLE_POOL_MAX_SESSIONS", 10),
		PoolIncrement:    getEnvInt("ORACLE_POOL_INCREMENT", 1),
		PoolPingInterval: getEnvSeconds("ORACLE_POOL_PING_INTERVAL_SECONDS", 60*time.Second),
		PoolWaitTimeout:  getEnvMillis("ORACLE_POOL_WAIT_TIMEOUT_MS", 5000*time.Millisecond),
		PoolMaxLifetime:  getEnvSeconds("ORACLE_POOL_MAX_LIFETIME_SECONDS", 3600*time.Second),
		PoolGetMode:      GetMode(getEnv("ORACLE_POOL_GET_MODE", string(GetModeTimedWait))),

		QueueName:         getEnv("SENTINEL_QUEUE_NAME", "SENTINEL_QUEUE"),
		DLQName:           getEnv("SENTINEL_DLQ_NAME", "SENTINEL_DLQ"),
		EventTypeName:     getEnv("SENTINEL_EVENT_TYPE_NAME", "SENTINEL_EVENT_T"),
		DequeueWait:       getEnvSeconds("SENTINEL_DEQUEUE_WAIT_SECONDS", 5*time.Second),
		DequeueBatch:      getEnvInt("SENTINEL_DEQUEUE_BATCH", 1),
		WorkerThreads:     getEnvInt("SENTINEL_WORKER_THREADS", 4),
		TaskTimeout:       getEnvMillis("SENTINEL_TASK_TIMEOUT_MS", time.Second),
		TaskQueueCapacity: getEnvInt("SENTINEL_TASK_QUEUE_CAPACITY", 1024),

		LogBatchSize:     getEnvInt("SENTINEL_LOG_BATCH_SIZE", 1000),
		LogFlushInterval: getEnvDuration("SENTINEL_LOG_FLUSH_INTERVAL", 5*time.Second),

		HTTPAddr:       getEnv("SENTINEL_HTTP_ADDR", ""),
		HTTPPort:       getEnvInt("SENTINEL_HTTP_PORT", 8090),
		MetricsPort:    getEnvInt("PROMETHEUS_METRICS_PORT", 9090),
		MaxHeaderBytes: getEnvInt("SENTINEL_MAX_HEADER_BYTES", 8192),

		JWKSetURI:           os.Getenv("OAUTH2_JWK_SET_URI"),
		Issuer:              os.Getenv("OAUTH2_ISSUER_URI"),
		Audience:            getEnv("OAUTH2_AUDIENCE", "clm-service"),
		JWKSRefreshInterval: getEnvDuration("OAUTH2_JWKS_REFRESH_INTERVAL", time.Hour),
		EnforceSignature:    getEnvBool("OAUTH2_ENFORCE_SIGNATURE", true),

		StaleAfter:      getEnvDuration("SENTINEL_STALE_AFTER", 5*time.Minute),
		Retention:       getEnvDuration("SENTINEL_RETENTION", 72*time.Hour),
		MaintenanceSpec: getEnv("SENTINEL_MAINTENANCE_SPEC", "@every 1m"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TNSName == "" {
		return fmt.Errorf("ORACLE_TNS_NAME is required")
	}
	if (c.WalletLocation == "") == (c.WalletBase64 == "") {
		return fmt.Errorf("exactly one of ORACLE_WALLET_LOCATION or ORACLE_WALLET_BASE64 is required")
	}
	if c.JWKSetURI == "" {
		return fmt.Errorf("OAUTH2_JWK_SET_URI is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("OAUTH2_ISSUER_URI is required")
	}
	switch c.PoolGetMode {
	case GetModeWait, GetModeNoWait, GetModeTimedWait, GetModeForceGet:
	default:
		return fmt.Errorf("ORACLE_POOL_GET_MODE %q not one of wait, no-wait, timed-wait, force-get", c.PoolGetMode)
	}
	if c.PoolMinSessions < 0 || c.PoolMaxSessions < 1 || c.PoolMinSessions > c.PoolMaxSessions {
		return fmt.Errorf("pool sizes min=%d max=%d are inconsistent", c.PoolMinSessions, c.PoolMaxSessions)
	}
	if c.DequeueBatch < 1 {
		return fmt.Errorf("SENTINEL_DEQUEUE_BATCH must be at least 1")
	}
	if c.WorkerThreads < 1 {
		return fmt.Errorf("SENTINEL_WORKER_THREADS must be at least 1")
	}
	return nil
}

// HTTPListen returns the host:port the API server binds.
func (c Config) HTTPListen() string {
	return fmt.Sprintf("%s:%d", c.HTTPAddr, c.HTTPPort)
}

// MetricsListen returns the host:port of the standalone metrics endpoint.
func (c Config) MetricsListen() string {
	return fmt.Sprintf("%s:%d", c.HTTPAddr, c.MetricsPort)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvSeconds reads a bare integer number of seconds.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return def
}

// getEnvMillis reads a bare integer number of milliseconds.
func getEnvMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v, ok := parseBool(os.Getenv(key))
	if !ok {
		return def
	}
	return v
}

// getEnvTristate parses the yes/no family used by Oracle-style switches.
// Unrecognized non-empty values warn and fall back to the default, rather
// than silently disabling TLS server identity checks.
func getEnvTristate(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, ok := parseBool(raw)
	if !ok {
		log.WithFields(log.Fields{"var": key, "value": raw}).
			Warn("unrecognized boolean, keeping default")
		return def
	}
	return v
}

func parseBool(raw string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "true", "1", "on":
		return true, true
	case "no", "false", "0", "off":
		return false, true
	}
	return false, false
}
