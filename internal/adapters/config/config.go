package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full runner configuration, read from environment variables.
type Config struct {
	Chain      ChainConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	LLM        LLMConfig
	Scheduler  SchedulerConfig
	Signals    SignalsConfig
	Telegram   TelegramConfig
	Server     ServerConfig
	Logging    LoggingConfig
}

// ChainConfig describes the EVM endpoint and the contracts the runner talks to.
type ChainConfig struct {
	RPCURL             string        `envconfig:"CHAIN_RPC_URL" required:"true"`
	ChainID            int64         `envconfig:"CHAIN_ID" required:"true"`
	RegistryAddress    string        `envconfig:"CHAIN_REGISTRY_ADDRESS" required:"true"`
	RouterAddress      string        `envconfig:"CHAIN_ROUTER_ADDRESS" required:"true"`
	WrappedNative      string        `envconfig:"CHAIN_WRAPPED_NATIVE" required:"true"`
	Stablecoins        []string      `envconfig:"CHAIN_STABLECOINS" default:""`
	TrackedTokens      []string      `envconfig:"CHAIN_TRACKED_TOKENS" default:""`
	OperatorKey        string        `envconfig:"CHAIN_OPERATOR_KEY" required:"false"`
	KeystorePath       string        `envconfig:"CHAIN_KEYSTORE_PATH" required:"false"`
	KeystorePassphrase string        `envconfig:"CHAIN_KEYSTORE_PASSPHRASE" required:"false"`
	GasBufferPercent   int64         `envconfig:"CHAIN_GAS_BUFFER_PERCENT" default:"20"`
	ConfirmTimeout     time.Duration `envconfig:"CHAIN_CONFIRM_TIMEOUT" default:"90s"`
	ReadTimeout        time.Duration `envconfig:"CHAIN_READ_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds Postgres connection parameters.
type DatabaseConfig struct {
	Host           string `envconfig:"DB_HOST" default:"localhost"`
	Port           int    `envconfig:"DB_PORT" default:"5432"`
	Name           string `envconfig:"DB_NAME" default:"autopilot"`
	User           string `envconfig:"DB_USER" required:"true"`
	Password       string `envconfig:"DB_PASSWORD" required:"true"`
	SSLMode        string `envconfig:"DB_SSLMODE" default:"disable"`
	MigrationsPath string `envconfig:"DB_MIGRATIONS_PATH" default:"migrations"`
}

// RedisConfig holds the optional redis endpoint used for signal-sync leader
// election and quote caching. Empty host disables redis.
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" required:"false"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" required:"false"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// Enabled reports whether a redis endpoint is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// ClickHouseConfig holds the optional analytics sink.
type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	Database string `envconfig:"CLICKHOUSE_DATABASE" default:"autopilot"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD" required:"false"`
}

// LLMConfig configures the OpenAI-compatible provider behind LLM brains.
type LLMConfig struct {
	APIKey        string        `envconfig:"LLM_API_KEY" required:"false"`
	BaseURL       string        `envconfig:"LLM_BASE_URL" required:"false"`
	Model         string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	FallbackModel string        `envconfig:"LLM_FALLBACK_MODEL" required:"false"`
	MaxToolSteps  int           `envconfig:"LLM_MAX_TOOL_STEPS" default:"5"`
	MinConfidence float64       `envconfig:"LLM_MIN_CONFIDENCE" default:"0"`
	MaxMemories   int           `envconfig:"LLM_MAX_MEMORIES" default:"10"`
	Timeout       time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`
}

// SchedulerConfig carries every load-bearing knob of the tick loop.
type SchedulerConfig struct {
	PollIntervalMs     int64             `envconfig:"SCHEDULER_POLL_INTERVAL_MS" default:"60000"`
	Concurrency        int               `envconfig:"SCHEDULER_CONCURRENCY" default:"3"`
	LeaseMs            int64             `envconfig:"SCHEDULER_LEASE_MS" default:"120000"`
	BlockedBackoffMs   int64             `envconfig:"BLOCKED_BACKOFF_MS" default:"65000"`
	MaxRetries         int               `envconfig:"SCHEDULER_MAX_RETRIES" default:"5"`
	MaxRunRecords      int               `envconfig:"SCHEDULER_MAX_RUN_RECORDS" default:"2000"`
	ShadowMode         bool              `envconfig:"SHADOW_MODE" default:"false"`
	ShadowExecuteTx    bool              `envconfig:"SHADOW_EXECUTE_TX" default:"false"`
	ShadowTokenIDs     []int64           `envconfig:"SHADOW_TOKEN_IDS" default:""`
	AgentTypeOverrides map[string]string `envconfig:"AGENT_TYPE_OVERRIDES" required:"false"`
}

// SignalsConfig configures the market-signal sync worker.
type SignalsConfig struct {
	Enabled      bool          `envconfig:"SIGNALS_ENABLED" default:"true"`
	Exchange     string        `envconfig:"SIGNALS_EXCHANGE" default:"binance"`
	Pairs        []string      `envconfig:"SIGNALS_PAIRS" default:"BNB/USDT"`
	NativeCoinID string        `envconfig:"SIGNALS_NATIVE_COIN_ID" default:"binancecoin"`
	NativePair   string        `envconfig:"SIGNALS_NATIVE_PAIR" default:"BNB/USDT"`
	SyncInterval time.Duration `envconfig:"SIGNALS_SYNC_INTERVAL" default:"60s"`
}

// TelegramConfig configures the optional notifier.
type TelegramConfig struct {
	Enabled  bool   `envconfig:"TELEGRAM_ENABLED" default:"false"`
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID" required:"false"`
}

// ServerConfig holds the HTTP listeners.
type ServerConfig struct {
	APIPort    string `envconfig:"API_PORT" default:"8080"`
	HealthPort string `envconfig:"HEALTH_PORT" default:"8081"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" required:"false"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Chain.RegistryAddress, "0x") {
		return fmt.Errorf("chain registry address must be a hex address")
	}
	if !strings.HasPrefix(c.Chain.RouterAddress, "0x") {
		return fmt.Errorf("chain router address must be a hex address")
	}
	if c.Chain.OperatorKey == "" && c.Chain.KeystorePath == "" {
		return fmt.Errorf("either CHAIN_OPERATOR_KEY or CHAIN_KEYSTORE_PATH must be set")
	}
	if c.Chain.KeystorePath != "" && c.Chain.KeystorePassphrase == "" {
		return fmt.Errorf("CHAIN_KEYSTORE_PASSPHRASE is required with CHAIN_KEYSTORE_PATH")
	}
	if c.Chain.GasBufferPercent < 0 || c.Chain.GasBufferPercent > 100 {
		return fmt.Errorf("gas buffer percent must be between 0 and 100")
	}

	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler concurrency must be at least 1")
	}
	if c.Scheduler.PollIntervalMs < 1000 {
		return fmt.Errorf("scheduler poll interval must be at least 1000ms")
	}
	if c.Scheduler.LeaseMs < 10000 {
		return fmt.Errorf("scheduler lease must be at least 10000ms")
	}
	if c.Scheduler.BlockedBackoffMs < 1000 {
		return fmt.Errorf("blocked backoff base must be at least 1000ms")
	}
	if c.Scheduler.MaxRunRecords < 1 {
		return fmt.Errorf("max run records must be positive")
	}

	if c.LLM.MaxToolSteps < 1 {
		return fmt.Errorf("llm max tool steps must be at least 1")
	}
	if c.LLM.MinConfidence < 0 || c.LLM.MinConfidence > 1 {
		return fmt.Errorf("llm min confidence must be between 0 and 1")
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram notifier enabled but token or chat id missing")
	}

	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse enabled but host missing")
	}

	return nil
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// IsShadowToken reports whether tokenId runs in shadow mode: either the
// whole runner is shadowed or the token is explicitly listed.
func (c *SchedulerConfig) IsShadowToken(tokenID int64) bool {
	if c.ShadowMode && len(c.ShadowTokenIDs) == 0 {
		return true
	}
	for _, id := range c.ShadowTokenIDs {
		if id == tokenID {
			return true
		}
	}
	return false
}

// PollInterval returns the tick poll interval as a duration.
func (c *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Lease returns the lease window as a duration.
func (c *SchedulerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseMs) * time.Millisecond
}
