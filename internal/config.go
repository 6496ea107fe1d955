package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env           string              `mapstructure:"env"`
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security" validate:"required"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Settlement    SettlementConfig    `mapstructure:"settlement"`
	Reconciler    ReconcilerConfig    `mapstructure:"reconciler"`
	Notification  NotificationConfig  `mapstructure:"notification"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	AccessTokenSecret    string        `mapstructure:"access_token_secret" validate:"required,min=32"`
	RefreshTokenSecret   string        `mapstructure:"refresh_token_secret" validate:"required,min=32"`
	AccessTokenDuration  time.Duration `mapstructure:"access_token_duration" validate:"required,min=1m,max=1h"`
	RefreshTokenDuration time.Duration `mapstructure:"refresh_token_duration" validate:"required,min=1h"`
	BCryptCost           int           `mapstructure:"bcrypt_cost" validate:"required,min=10,max=15"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
	// File enables a rotating log file next to stdout.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

const (
	LedgerModeRPC       = "rpc"
	LedgerModeSimulated = "simulated"
)

type LedgerConfig struct {
	Mode            string        `mapstructure:"mode" validate:"oneof=rpc simulated"`
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	ContractAddress string        `mapstructure:"contract_address"`
	OperatorKey     string        `mapstructure:"operator_key"`
	PlatformAddress string        `mapstructure:"platform_address"`
	FeeBps          uint64        `mapstructure:"fee_bps"`
	Confirmations   uint64        `mapstructure:"confirmations"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
}

const (
	InflightBackendMemory = "memory"
	InflightBackendRedis  = "redis"
)

type SettlementConfig struct {
	InflightBackend string        `mapstructure:"inflight_backend"`
	InflightTTL     time.Duration `mapstructure:"inflight_ttl"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
}

type ReconcilerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Schedule  string `mapstructure:"schedule"`
	Workers   int    `mapstructure:"workers"`
	BatchSize int    `mapstructure:"batch_size"`
}

type NotificationConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ----------------- DEFAULTS -----------------

// ApplyDefaults fills zero values that have a sensible default.
func (c *Config) ApplyDefaults() {
	if c.Ledger.Mode == "" {
		c.Ledger.Mode = LedgerModeRPC
	}
	if c.Ledger.FeeBps == 0 {
		c.Ledger.FeeBps = 250
	}
	if c.Ledger.Confirmations == 0 {
		c.Ledger.Confirmations = 1
	}
	if c.Ledger.ConfirmTimeout <= 0 {
		c.Ledger.ConfirmTimeout = 30 * time.Second
	}
	if c.Ledger.PollInterval <= 0 {
		c.Ledger.PollInterval = 2 * time.Second
	}
	if c.Ledger.RetryMaxElapsed <= 0 {
		c.Ledger.RetryMaxElapsed = 20 * time.Second
	}
	if c.Ledger.DialTimeout <= 0 {
		c.Ledger.DialTimeout = 10 * time.Second
	}
	if c.Settlement.InflightBackend == "" {
		c.Settlement.InflightBackend = InflightBackendMemory
	}
	if c.Settlement.InflightTTL <= 0 {
		c.Settlement.InflightTTL = c.Ledger.ConfirmTimeout + 15*time.Second
	}
	if c.Reconciler.Schedule == "" {
		c.Reconciler.Schedule = "@every 1m"
	}
	if c.Reconciler.Workers <= 0 {
		c.Reconciler.Workers = 4
	}
	if c.Reconciler.BatchSize <= 0 {
		c.Reconciler.BatchSize = 100
	}
	if c.Notification.Topic == "" {
		c.Notification.Topic = "escrow-events"
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}

// LoadConfigFromEnv builds the configuration for container deployments
// where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Env: getEnv("APP_ENV", "production"),
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("BASE_URL", ""),
			AllowedOrigins:    getEnv("ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("WRITE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Security: SecurityConfig{
			AccessTokenSecret:    getEnv("JWT_ACCESS_SECRET", ""),
			RefreshTokenSecret:   getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenDuration:  getEnvAsDuration("ACCESS_TOKEN_DURATION", 15*time.Minute),
			RefreshTokenDuration: getEnvAsDuration("REFRESH_TOKEN_DURATION", 7*24*time.Hour),
			BCryptCost:           getEnvAsInt("BCRYPT_COST", 12),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: getEnv("METRICS_ENABLED", "true") == "true",
				Path:    getEnv("METRICS_PATH", "/metrics"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
				File:   getEnv("LOG_FILE", ""),
			},
		},
		Ledger: LedgerConfig{
			Mode:            getEnv("LEDGER_MODE", LedgerModeRPC),
			RPCURL:          getEnv("LEDGER_RPC_URL", ""),
			ChainID:         int64(getEnvAsInt("LEDGER_CHAIN_ID", 0)),
			ContractAddress: getEnv("LEDGER_CONTRACT_ADDRESS", ""),
			OperatorKey:     getEnv("LEDGER_OPERATOR_KEY", ""),
			PlatformAddress: getEnv("LEDGER_PLATFORM_ADDRESS", ""),
			FeeBps:          uint64(getEnvAsInt("LEDGER_FEE_BPS", 250)),
			Confirmations:   uint64(getEnvAsInt("LEDGER_CONFIRMATIONS", 1)),
			ConfirmTimeout:  getEnvAsDuration("LEDGER_CONFIRM_TIMEOUT", 30*time.Second),
			PollInterval:    getEnvAsDuration("LEDGER_POLL_INTERVAL", 2*time.Second),
		},
		Settlement: SettlementConfig{
			InflightBackend: getEnv("INFLIGHT_BACKEND", InflightBackendMemory),
			RedisAddr:       getEnv("REDIS_ADDR", ""),
			RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		},
		Reconciler: ReconcilerConfig{
			Enabled:  getEnv("RECONCILER_ENABLED", "true") == "true",
			Schedule: getEnv("RECONCILER_SCHEDULE", "@every 1m"),
			Workers:  getEnvAsInt("RECONCILER_WORKERS", 4),
		},
		Notification: NotificationConfig{
			Enabled: getEnv("NOTIFICATION_ENABLED", "false") == "true",
			Topic:   getEnv("NOTIFICATION_TOPIC", "escrow-events"),
		},
	}
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Notification.Brokers = strings.Split(brokers, ",")
	}
	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Ledger.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("ledger config: %v", err))
	}

	if err := c.Settlement.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("settlement config: %v", err))
	}

	if err := c.Notification.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("notification config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if len(c.AccessTokenSecret) < 32 {
		return errors.New("access_token_secret must be at least 32 characters")
	}
	if len(c.RefreshTokenSecret) < 32 {
		return errors.New("refresh_token_secret must be at least 32 characters")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return errors.New("access and refresh token secrets must differ")
	}
	return nil
}

func (c *LedgerConfig) Validate() error {
	switch c.Mode {
	case LedgerModeSimulated:
		return nil
	case LedgerModeRPC:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	var errs []string
	if c.RPCURL == "" {
		errs = append(errs, "rpc_url is required")
	} else if _, err := url.Parse(c.RPCURL); err != nil {
		errs = append(errs, fmt.Sprintf("invalid rpc_url: %v", err))
	}
	if c.ChainID <= 0 {
		errs = append(errs, "chain_id must be positive")
	}
	if c.ContractAddress == "" {
		errs = append(errs, "contract_address is required")
	}
	if c.OperatorKey == "" {
		errs = append(errs, "operator_key is required")
	}
	if c.FeeBps >= 10000 {
		errs = append(errs, "fee_bps must be below 10000")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, ", "))
	}
	return nil
}

func (c *SettlementConfig) Validate() error {
	switch c.InflightBackend {
	case InflightBackendMemory:
	case InflightBackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis inflight backend")
		}
	default:
		return fmt.Errorf("unknown inflight_backend %q", c.InflightBackend)
	}
	return nil
}

func (c *NotificationConfig) Validate() error {
	if c.Enabled && len(c.Brokers) == 0 {
		return errors.New("brokers are required when notifications are enabled")
	}
	return nil
}
