package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/liqtrader/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Window    WindowConfig    `mapstructure:"window"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// JWTSecret enables bearer auth on the dashboard API when set.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type BinanceConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	APISecret         string  `mapstructure:"api_secret"`
	Testnet           bool    `mapstructure:"testnet"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	PositionStream    bool    `mapstructure:"position_stream"`
}

type StreamConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	TradeStream   string        `mapstructure:"trade_stream"`
	DepthLevels   int           `mapstructure:"depth_levels"`
	DepthRateMs   int           `mapstructure:"depth_rate_ms"`
	KlineInterval string        `mapstructure:"kline_interval"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	ReconnectMin  time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
}

type SnapshotConfig struct {
	Schedule   string        `mapstructure:"schedule"`
	Attempts   int           `mapstructure:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type DatabaseConfig struct {
	Driver        string        `mapstructure:"driver"`
	DSN           string        `mapstructure:"dsn"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	DropWhenFull  bool          `mapstructure:"drop_when_full"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

type FeaturesConfig struct {
	Lookback time.Duration `mapstructure:"lookback"`
}

type WindowConfig struct {
	Size              int  `mapstructure:"size"`
	RequireContiguous bool `mapstructure:"require_contiguous"`
}

type TradingConfig struct {
	Symbol        string        `mapstructure:"symbol"`
	Interval      time.Duration `mapstructure:"interval"`
	Leverage      int           `mapstructure:"leverage"`
	Sizing        string        `mapstructure:"sizing"`
	Notional      float64       `mapstructure:"notional"`
	RiskPct       float64       `mapstructure:"risk_pct"`
	StopLossPct   float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct float64       `mapstructure:"take_profit_pct"`
	Bracket       bool          `mapstructure:"bracket"`
}

type ExecutionConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

type PolicyConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// Static answers every window with this action (HOLD, BUY or SELL) instead of calling Endpoint.
	Static string `mapstructure:"static"`
}

type MonitorConfig struct {
	Threshold      time.Duration `mapstructure:"threshold"`
	Interval       time.Duration `mapstructure:"interval"`
	TelegramToken  string        `mapstructure:"telegram_token"`
	TelegramChatID string        `mapstructure:"telegram_chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/liqtrader")
	}

	v.SetEnvPrefix("LIQTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		applySecrets(ctx, &config, sm)
		logger.Info("Successfully loaded secrets from GCP Secret Manager")
	}

	config.Trading.Symbol = strings.ToUpper(config.Trading.Symbol)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", "24h")

	v.SetDefault("binance.testnet", false)
	v.SetDefault("binance.requests_per_second", 10)
	v.SetDefault("binance.position_stream", false)

	v.SetDefault("stream.base_url", "")
	v.SetDefault("stream.trade_stream", "aggTrade")
	v.SetDefault("stream.depth_levels", 20)
	v.SetDefault("stream.depth_rate_ms", 100)
	v.SetDefault("stream.kline_interval", "1m")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.reconnect_min", "1s")
	v.SetDefault("stream.reconnect_max", "30s")

	v.SetDefault("snapshot.schedule", "@every 5m")
	v.SetDefault("snapshot.attempts", 3)
	v.SetDefault("snapshot.retry_delay", "2s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/liqtrader.db")
	v.SetDefault("database.queue_capacity", 100000)
	v.SetDefault("database.drop_when_full", false)
	v.SetDefault("database.write_timeout", "5s")

	v.SetDefault("features.lookback", "2h")

	v.SetDefault("window.size", 30)
	v.SetDefault("window.require_contiguous", false)

	v.SetDefault("trading.symbol", "BTCUSDT")
	v.SetDefault("trading.interval", "1m")
	v.SetDefault("trading.leverage", 5)
	v.SetDefault("trading.sizing", "notional")
	v.SetDefault("trading.notional", 100.0)
	v.SetDefault("trading.risk_pct", 0.01)
	v.SetDefault("trading.stop_loss_pct", 0.01)
	v.SetDefault("trading.take_profit_pct", 0.02)
	v.SetDefault("trading.bracket", false)

	v.SetDefault("execution.max_attempts", 3)
	v.SetDefault("execution.retry_delay", "1s")
	v.SetDefault("execution.reconnect_attempts", 3)
	v.SetDefault("execution.reconnect_delay", "5s")

	v.SetDefault("policy.endpoint", "http://localhost:8000/predict")
	v.SetDefault("policy.model", "ppo")
	v.SetDefault("policy.timeout", "5s")
	v.SetDefault("policy.static", "")

	v.SetDefault("monitor.threshold", "60s")
	v.SetDefault("monitor.interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.binance_api_key", secretNames.BinanceAPIKey)
	v.SetDefault("gcp.secret_names.binance_api_secret", secretNames.BinanceAPISecret)
	v.SetDefault("gcp.secret_names.jwt_secret", secretNames.JWTSecret)
	v.SetDefault("gcp.secret_names.telegram_token", secretNames.TelegramToken)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BINANCE_API_KEY"); apiKey != "" {
		config.Binance.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BINANCE_API_SECRET"); apiSecret != "" {
		config.Binance.APISecret = apiSecret
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// applySecrets fills only the credentials that are still empty.
func applySecrets(ctx context.Context, config *Config, sm secrets.Getter) {
	names := config.GCP.SecretNames
	if config.Binance.APIKey == "" {
		config.Binance.APIKey = sm.GetSecretWithDefault(ctx, names.BinanceAPIKey, "")
	}
	if config.Binance.APISecret == "" {
		config.Binance.APISecret = sm.GetSecretWithDefault(ctx, names.BinanceAPISecret, "")
	}
	if config.Server.JWTSecret == "" {
		config.Server.JWTSecret = sm.GetSecretWithDefault(ctx, names.JWTSecret, "")
	}
	if config.Monitor.TelegramToken == "" {
		config.Monitor.TelegramToken = sm.GetSecretWithDefault(ctx, names.TelegramToken, "")
	}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() error {
	var errs []string
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg}.Error())
	}

	if c.Trading.Symbol == "" {
		add("trading.symbol", "must be set")
	}
	if c.Window.Size < 1 {
		add("window.size", "must be at least 1")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		add("database.driver", fmt.Sprintf("unknown driver %q (sqlite or postgres)", c.Database.Driver))
	}
	if c.Trading.Interval <= 0 {
		add("trading.interval", "must be positive")
	}
	if c.Features.Lookback <= 0 {
		add("features.lookback", "must be positive")
	}
	if c.Monitor.Threshold <= 0 || c.Monitor.Interval <= 0 {
		add("monitor", "threshold and interval must be positive")
	}
	switch c.Trading.Sizing {
	case "notional", "risk":
	default:
		add("trading.sizing", fmt.Sprintf("unknown mode %q (notional or risk)", c.Trading.Sizing))
	}
	if c.Trading.Leverage < 1 {
		add("trading.leverage", "must be at least 1")
	}
	if c.Execution.MaxAttempts < 1 {
		add("execution.max_attempts", "must be at least 1")
	}
	if c.Execution.ReconnectAttempts < 1 {
		add("execution.reconnect_attempts", "must be at least 1")
	}
	if c.Snapshot.Attempts < 1 {
		add("snapshot.attempts", "must be at least 1")
	}
	if c.Database.QueueCapacity < 1 {
		add("database.queue_capacity", "must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}
