package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Trading   TradingConfig   `yaml:"trading"`
	Drawdown  DrawdownConfig  `yaml:"drawdown"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Operator  OperatorConfig  `yaml:"operator"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ExchangeConfig struct {
	Name        string            `yaml:"name"`
	Hyperliquid HyperliquidConfig `yaml:"hyperliquid"`
	Grvt        GrvtConfig        `yaml:"grvt"`
}

type HyperliquidConfig struct {
	RESTURL        string        `yaml:"rest_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	WalletAddress  string        `yaml:"wallet_address"`
	PrivateKey     string        `yaml:"private_key"`
	VaultAddress   string        `yaml:"vault_address"`
}

type GrvtConfig struct {
	RESTURL        string        `yaml:"rest_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	APIKey         string        `yaml:"api_key"`
	SubAccountID   string        `yaml:"sub_account_id"`
}

type TradingConfig struct {
	Ticker     string  `yaml:"ticker"`
	Quantity   float64 `yaml:"quantity"`
	TakeProfit float64 `yaml:"take_profit"` // percent
	Direction  string  `yaml:"direction"`   // buy | sell
	MaxOrders  int     `yaml:"max_orders"`
	WaitTime   float64 `yaml:"wait_time"`  // seconds between placements
	GridStep   float64 `yaml:"grid_step"`  // percent; <= 0 disables the gate
	StopPrice  float64 `yaml:"stop_price"` // <= 0 disables
	PausePrice float64 `yaml:"pause_price"`
	MaxLoss    float64 `yaml:"max_loss"` // percent of margin; <= 0 disables
}

type DrawdownConfig struct {
	Enabled          bool          `yaml:"enabled"`
	LightThreshold   float64       `yaml:"light_threshold"`
	MediumThreshold  float64       `yaml:"medium_threshold"`
	SevereThreshold  float64       `yaml:"severe_threshold"`
	UpdateFrequency  time.Duration `yaml:"update_frequency"`
	SmoothingEnabled bool          `yaml:"smoothing_enabled"`
	SmoothingWindow  int           `yaml:"smoothing_window"`
	CacheMaxAge      time.Duration `yaml:"cache_max_age"`
}

type HedgeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Exchange string        `yaml:"exchange"`
	Delay    time.Duration `yaml:"delay"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Lark     LarkConfig     `yaml:"lark"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type LarkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Webhook string `yaml:"webhook"`
}

type OperatorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvCredentials(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Exchange.Name == "" {
		cfg.Exchange.Name = "hyperliquid"
	}
	if cfg.Exchange.Hyperliquid.RESTURL == "" {
		cfg.Exchange.Hyperliquid.RESTURL = "https://api.hyperliquid.xyz"
	}
	if cfg.Exchange.Hyperliquid.WSURL == "" {
		cfg.Exchange.Hyperliquid.WSURL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.Exchange.Hyperliquid.Timeout == 0 {
		cfg.Exchange.Hyperliquid.Timeout = 10 * time.Second
	}
	if cfg.Exchange.Hyperliquid.ReconnectDelay == 0 {
		cfg.Exchange.Hyperliquid.ReconnectDelay = 3 * time.Second
	}
	if cfg.Exchange.Grvt.RESTURL == "" {
		cfg.Exchange.Grvt.RESTURL = "https://trades.grvt.io"
	}
	if cfg.Exchange.Grvt.WSURL == "" {
		cfg.Exchange.Grvt.WSURL = "wss://trades.grvt.io/ws/full"
	}
	if cfg.Exchange.Grvt.Timeout == 0 {
		cfg.Exchange.Grvt.Timeout = 10 * time.Second
	}
	if cfg.Exchange.Grvt.ReconnectDelay == 0 {
		cfg.Exchange.Grvt.ReconnectDelay = 3 * time.Second
	}
	if cfg.Trading.Quantity == 0 {
		cfg.Trading.Quantity = 0.1
	}
	if cfg.Trading.TakeProfit == 0 {
		cfg.Trading.TakeProfit = 0.02
	}
	if cfg.Trading.Direction == "" {
		cfg.Trading.Direction = "buy"
	}
	if cfg.Trading.MaxOrders == 0 {
		cfg.Trading.MaxOrders = 40
	}
	if cfg.Trading.WaitTime == 0 {
		cfg.Trading.WaitTime = 450
	}
	if cfg.Drawdown.LightThreshold == 0 {
		cfg.Drawdown.LightThreshold = 0.05
	}
	if cfg.Drawdown.MediumThreshold == 0 {
		cfg.Drawdown.MediumThreshold = 0.08
	}
	if cfg.Drawdown.SevereThreshold == 0 {
		cfg.Drawdown.SevereThreshold = 0.12
	}
	if cfg.Drawdown.UpdateFrequency == 0 {
		cfg.Drawdown.UpdateFrequency = 15 * time.Second
	}
	if cfg.Drawdown.SmoothingWindow == 0 {
		cfg.Drawdown.SmoothingWindow = 3
	}
	if cfg.Drawdown.CacheMaxAge == 0 {
		cfg.Drawdown.CacheMaxAge = 30 * time.Minute
	}
	if cfg.Hedge.Exchange == "" {
		cfg.Hedge.Exchange = "grvt"
	}
	if cfg.Hedge.Delay == 0 {
		cfg.Hedge.Delay = 100 * time.Millisecond
	}
	if cfg.Operator.PollInterval == 0 {
		cfg.Operator.PollInterval = 2 * time.Second
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/perp-grid-bot.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

// Validate re-checks a config after programmatic overrides, with the same
// rules Load applies.
func Validate(cfg *Config) error {
	return validate(cfg)
}

func validate(cfg *Config) error {
	if cfg.Trading.Ticker == "" {
		return errors.New("trading.ticker is required")
	}
	if cfg.Trading.Quantity <= 0 {
		return errors.New("trading.quantity must be > 0")
	}
	if cfg.Trading.TakeProfit <= 0 {
		return errors.New("trading.take_profit must be > 0")
	}
	if cfg.Trading.Direction != "buy" && cfg.Trading.Direction != "sell" {
		return fmt.Errorf("trading.direction must be buy or sell, got %q", cfg.Trading.Direction)
	}
	if cfg.Trading.MaxOrders <= 0 {
		return errors.New("trading.max_orders must be > 0")
	}
	if cfg.Trading.WaitTime <= 0 {
		return errors.New("trading.wait_time must be > 0")
	}
	if cfg.Drawdown.Enabled {
		light, medium, severe := cfg.Drawdown.LightThreshold, cfg.Drawdown.MediumThreshold, cfg.Drawdown.SevereThreshold
		if light <= 0 || medium <= 0 || severe <= 0 {
			return errors.New("drawdown thresholds must be > 0")
		}
		if !(light < medium && medium < severe) {
			return errors.New("drawdown thresholds must be strictly ascending (light < medium < severe)")
		}
		if severe >= 1 {
			return errors.New("drawdown.severe_threshold must be < 1")
		}
		if cfg.Drawdown.SmoothingEnabled && cfg.Drawdown.SmoothingWindow < 1 {
			return errors.New("drawdown.smoothing_window must be >= 1")
		}
	}
	if cfg.Hedge.Enabled {
		if cfg.Hedge.Exchange == "" {
			return errors.New("hedge.exchange is required when hedge is enabled")
		}
		if strings.EqualFold(cfg.Hedge.Exchange, cfg.Exchange.Name) {
			return errors.New("hedge.exchange must differ from exchange.name")
		}
	}
	if cfg.Alerts.Telegram.Enabled && (cfg.Alerts.Telegram.Token == "" || cfg.Alerts.Telegram.ChatID == "") {
		return errors.New("alerts.telegram requires token and chat_id")
	}
	if cfg.Alerts.Lark.Enabled && cfg.Alerts.Lark.Webhook == "" {
		return errors.New("alerts.lark requires webhook")
	}
	if cfg.Operator.Enabled && !cfg.Alerts.Telegram.Enabled {
		return errors.New("operator requires alerts.telegram to be enabled")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
