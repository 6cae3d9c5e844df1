package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	StoreDriver string
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Server      ServerConfig
	Metering    MeteringConfig
	Chain       ChainConfig
	Slack       SlackConfig
	Remote      RemoteConfig
	Log         LogConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
	Migrate  bool
}

// RedisConfig holds Redis connection settings. Disabling Redis turns off
// event publishing and the websocket feeds.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// JWTConfig holds the shared secret used to verify bearer tokens.
type JWTConfig struct {
	Secret string //nolint:gosec // G117: JWT signing secret config
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	// RateLimitRPS bounds requests per account; zero disables the limiter.
	RateLimitRPS   float64
	RateLimitBurst int
}

// MeteringConfig holds work orchestration settings.
type MeteringConfig struct {
	WorkTimeout       time.Duration
	FinalizeTimeout   time.Duration
	FinalizeRetries   int
	RefundPolicy      string
	MaxRetries        int
	PendingDeadline   time.Duration
	ReconcileInterval time.Duration
	SealCost          int64
	RemoteCost        int64
}

// ChainConfig holds evidence chain settings.
type ChainConfig struct {
	HashAlgorithm    string
	MaxAppendRetries int
	VerifyInterval   time.Duration
	VerifyChains     []string
}

// SlackConfig holds the operator alert destination. Alerts fall back to the
// log when either field is empty.
type SlackConfig struct {
	BotToken     string
	AlertChannel string
}

// RemoteConfig holds the external work service. An empty Endpoint leaves the
// remote work kind unregistered.
type RemoteConfig struct {
	Endpoint string
	Token    string //nolint:gosec // G117: remote service credential
	Timeout  time.Duration
	RPS      float64
	Burst    int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// sensitive values (JWT secret, DB password) must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("METERCHAIN_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("METERCHAIN_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMigrate, err := getEnvBool("METERCHAIN_DB_MIGRATE", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisEnabled, err := getEnvBool("METERCHAIN_REDIS_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("METERCHAIN_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("METERCHAIN_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("METERCHAIN_SERVER_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateRPS, err := getEnvFloat("METERCHAIN_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateBurst, err := getEnvInt("METERCHAIN_RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	workTimeout, err := getEnvDuration("METERCHAIN_WORK_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	finalizeTimeout, err := getEnvDuration("METERCHAIN_FINALIZE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	finalizeRetries, err := getEnvInt("METERCHAIN_FINALIZE_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxRetries, err := getEnvInt("METERCHAIN_LEDGER_MAX_RETRIES", 8)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pendingDeadline, err := getEnvDuration("METERCHAIN_PENDING_DEADLINE", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	reconcileInterval, err := getEnvDuration("METERCHAIN_RECONCILE_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sealCost, err := getEnvInt64("METERCHAIN_SEAL_COST", 1)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	remoteCost, err := getEnvInt64("METERCHAIN_REMOTE_COST", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxAppendRetries, err := getEnvInt("METERCHAIN_CHAIN_MAX_APPEND_RETRIES", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	verifyInterval, err := getEnvDuration("METERCHAIN_CHAIN_VERIFY_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	remoteTimeout, err := getEnvDuration("METERCHAIN_REMOTE_TIMEOUT", 25*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	remoteRPS, err := getEnvFloat("METERCHAIN_REMOTE_RPS", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	remoteBurst, err := getEnvInt("METERCHAIN_REMOTE_BURST", 1)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		StoreDriver: getEnv("METERCHAIN_STORE", StoreDriverPostgres),
		Database: DatabaseConfig{
			Host:     getEnv("METERCHAIN_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("METERCHAIN_DB_USER", "meterchain"),
			Password: getEnv("METERCHAIN_DB_PASSWORD", ""),
			DBName:   getEnv("METERCHAIN_DB_NAME", "meterchain_dev"),
			SSLMode:  getEnv("METERCHAIN_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
			Migrate:  dbMigrate,
		},
		Redis: RedisConfig{
			Enabled:  redisEnabled,
			Addr:     getEnv("METERCHAIN_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("METERCHAIN_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret: getEnv("METERCHAIN_JWT_SECRET", ""),
		},
		Server: ServerConfig{
			Addr:           getEnv("METERCHAIN_SERVER_ADDR", ":8080"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			CORSOrigins:    getEnvList("METERCHAIN_CORS_ORIGINS", []string{"http://localhost:5173"}),
			RateLimitRPS:   rateRPS,
			RateLimitBurst: rateBurst,
		},
		Metering: MeteringConfig{
			WorkTimeout:       workTimeout,
			FinalizeTimeout:   finalizeTimeout,
			FinalizeRetries:   finalizeRetries,
			RefundPolicy:      getEnv("METERCHAIN_REFUND_POLICY", "none"),
			MaxRetries:        maxRetries,
			PendingDeadline:   pendingDeadline,
			ReconcileInterval: reconcileInterval,
			SealCost:          sealCost,
			RemoteCost:        remoteCost,
		},
		Chain: ChainConfig{
			HashAlgorithm:    getEnv("METERCHAIN_CHAIN_HASH_ALGORITHM", "sha256"),
			MaxAppendRetries: maxAppendRetries,
			VerifyInterval:   verifyInterval,
			VerifyChains:     getEnvList("METERCHAIN_CHAIN_VERIFY_CHAINS", nil),
		},
		Slack: SlackConfig{
			BotToken:     getEnv("METERCHAIN_SLACK_BOT_TOKEN", ""),
			AlertChannel: getEnv("METERCHAIN_SLACK_ALERT_CHANNEL", ""),
		},
		Remote: RemoteConfig{
			Endpoint: getEnv("METERCHAIN_REMOTE_ENDPOINT", ""),
			Token:    getEnv("METERCHAIN_REMOTE_TOKEN", ""),
			Timeout:  remoteTimeout,
			RPS:      remoteRPS,
			Burst:    remoteBurst,
		},
		Log: LogConfig{
			Level:  getEnv("METERCHAIN_LOG_LEVEL", "info"),
			Format: getEnv("METERCHAIN_LOG_FORMAT", "json"),
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return errors.New("METERCHAIN_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("METERCHAIN_JWT_SECRET must be at least 32 characters")
	}

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.Database.SSLMode == "disable" {
			log.Warn().Msg("METERCHAIN_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
		}
	case StoreDriverMemory:
		log.Warn().Msg("METERCHAIN_STORE=memory keeps all state in process; data is lost on restart")
	default:
		return fmt.Errorf("METERCHAIN_STORE must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("METERCHAIN_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("METERCHAIN_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("METERCHAIN_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("METERCHAIN_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("METERCHAIN_RATE_LIMIT_RPS must be >= 0, got %g", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("METERCHAIN_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}

	if c.Metering.WorkTimeout <= 0 {
		return fmt.Errorf("METERCHAIN_WORK_TIMEOUT must be positive, got %s", c.Metering.WorkTimeout)
	}
	switch c.Metering.RefundPolicy {
	case "none", "always", "not_started":
	default:
		return fmt.Errorf("METERCHAIN_REFUND_POLICY must be none, always or not_started, got %q", c.Metering.RefundPolicy)
	}
	if c.Metering.MaxRetries < 1 {
		return fmt.Errorf("METERCHAIN_LEDGER_MAX_RETRIES must be >= 1, got %d", c.Metering.MaxRetries)
	}
	if c.Metering.FinalizeTimeout <= 0 {
		return fmt.Errorf("METERCHAIN_FINALIZE_TIMEOUT must be positive, got %s", c.Metering.FinalizeTimeout)
	}
	if c.Metering.FinalizeRetries < 1 {
		return fmt.Errorf("METERCHAIN_FINALIZE_RETRIES must be >= 1, got %d", c.Metering.FinalizeRetries)
	}
	// A unit may stay Pending for the work timeout plus every finalize
	// attempt; reconciling it sooner races the in-flight finalize.
	settle := c.Metering.WorkTimeout + time.Duration(c.Metering.FinalizeRetries)*c.Metering.FinalizeTimeout
	if c.Metering.PendingDeadline <= settle {
		return fmt.Errorf("METERCHAIN_PENDING_DEADLINE (%s) must exceed METERCHAIN_WORK_TIMEOUT plus METERCHAIN_FINALIZE_RETRIES x METERCHAIN_FINALIZE_TIMEOUT (%s)",
			c.Metering.PendingDeadline, settle)
	}
	if c.Metering.ReconcileInterval < 0 {
		return fmt.Errorf("METERCHAIN_RECONCILE_INTERVAL must be >= 0, got %s", c.Metering.ReconcileInterval)
	}
	if c.Metering.SealCost < 1 {
		return fmt.Errorf("METERCHAIN_SEAL_COST must be >= 1, got %d", c.Metering.SealCost)
	}
	if c.Metering.RemoteCost < 1 {
		return fmt.Errorf("METERCHAIN_REMOTE_COST must be >= 1, got %d", c.Metering.RemoteCost)
	}

	switch c.Chain.HashAlgorithm {
	case "sha256", "blake2b-256":
	default:
		return fmt.Errorf("METERCHAIN_CHAIN_HASH_ALGORITHM must be sha256 or blake2b-256, got %q", c.Chain.HashAlgorithm)
	}
	if c.Chain.MaxAppendRetries < 1 {
		return fmt.Errorf("METERCHAIN_CHAIN_MAX_APPEND_RETRIES must be >= 1, got %d", c.Chain.MaxAppendRetries)
	}
	if c.Chain.VerifyInterval < 0 {
		return fmt.Errorf("METERCHAIN_CHAIN_VERIFY_INTERVAL must be >= 0, got %s", c.Chain.VerifyInterval)
	}

	if c.Remote.Endpoint != "" && c.Remote.Timeout <= 0 {
		return fmt.Errorf("METERCHAIN_REMOTE_TIMEOUT must be positive, got %s", c.Remote.Timeout)
	}
	if c.Remote.RPS < 0 {
		return fmt.Errorf("METERCHAIN_REMOTE_RPS must be >= 0, got %g", c.Remote.RPS)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("METERCHAIN_LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// AlertsToSlack reports whether operator alerts go to Slack.
func (c *SlackConfig) AlertsToSlack() bool {
	return c.BotToken != "" && c.AlertChannel != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int64: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
