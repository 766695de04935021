package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the stocksim service.
type Config struct {
	Storage   Storage        `yaml:"storage"`
	Server    Server         `yaml:"server"`
	StockData StockData      `yaml:"stockdata"`
	SimAPI    SimAPI         `yaml:"simapi"`
	Alpaca    Alpaca         `yaml:"alpaca"`
	Logging   Logging        `yaml:"logging"`
	Playback  PlaybackConfig `yaml:"playback"`
	Dispatch  DispatchConfig `yaml:"dispatch"`
	Trading   TradingConfig  `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// StockData configures the historical order data API.
type StockData struct {
	URL        string     `yaml:"url"`
	TimeoutSec int        `yaml:"timeout_sec"`
	Retries    int        `yaml:"retries"`
	Fields     FieldNames `yaml:"fields"`
}

// FieldNames maps order attributes to source field names.
type FieldNames struct {
	ID     string `yaml:"id"`
	Side   string `yaml:"side"`
	Price  string `yaml:"price"`
	Volume string `yaml:"volume"`
	Time   string `yaml:"time"`
}

// SimAPI configures the remote trading simulation backend that receives
// replayed orders.
type SimAPI struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	OrderPath  string `yaml:"order_path"`
	ResetPath  string `yaml:"reset_path"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PlaybackConfig controls the order playback scheduler.
type PlaybackConfig struct {
	MinimumDelayMs       int     `yaml:"minimum_delay_ms"`
	ResetDebounceMs      int     `yaml:"reset_debounce_ms"`
	DefaultSpeed         float64 `yaml:"default_speed"`
	MaxSpeed             float64 `yaml:"max_speed"`
	RescaleOnSpeedChange bool    `yaml:"rescale_on_speed_change"`
	Timezone             string  `yaml:"timezone"`
}

// DispatchConfig controls how replayed orders are submitted.
type DispatchConfig struct {
	Workers         int    `yaml:"workers"`
	QueueSize       int    `yaml:"queue_size"`
	Overflow        string `yaml:"overflow"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	TimeoutSec      int    `yaml:"timeout_sec"`
}

// TradingConfig selects the order source and target and the per-order
// risk limits applied before submission.
type TradingConfig struct {
	Broker           string  `yaml:"broker"`
	Source           string  `yaml:"source"`
	CacheOrders      bool    `yaml:"cache_orders"`
	MaxOrderVolume   float64 `yaml:"max_order_volume"`
	MaxOrderNotional float64 `yaml:"max_order_notional"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and then fills in
// defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "stocksim.db")
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9090
	}
	if c.StockData.TimeoutSec == 0 {
		c.StockData.TimeoutSec = 30
	}
	if c.StockData.Retries == 0 {
		c.StockData.Retries = 3
	}
	f := &c.StockData.Fields
	if f.ID == "" {
		f.ID = "id"
	}
	if f.Side == "" {
		f.Side = "o_type"
	}
	if f.Price == "" {
		f.Price = "odr_price"
	}
	if f.Volume == "" {
		f.Volume = "t_vol"
	}
	if f.Time == "" {
		f.Time = "o_datetime"
	}
	if c.SimAPI.OrderPath == "" {
		c.SimAPI.OrderPath = "/order"
	}
	if c.SimAPI.ResetPath == "" {
		c.SimAPI.ResetPath = "/stock/reset"
	}
	if c.SimAPI.TimeoutSec == 0 {
		c.SimAPI.TimeoutSec = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Playback.MinimumDelayMs == 0 {
		c.Playback.MinimumDelayMs = 50
	}
	if c.Playback.ResetDebounceMs == 0 {
		c.Playback.ResetDebounceMs = 1000
	}
	if c.Playback.DefaultSpeed == 0 {
		c.Playback.DefaultSpeed = 1
	}
	if c.Playback.MaxSpeed == 0 {
		c.Playback.MaxSpeed = 10
	}
	if c.Playback.Timezone == "" {
		c.Playback.Timezone = "Asia/Taipei"
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 256
	}
	if c.Dispatch.Overflow == "" {
		c.Dispatch.Overflow = "drop_newest"
	}
	if c.Dispatch.TimeoutSec == 0 {
		c.Dispatch.TimeoutSec = 10
	}
	if c.Trading.Broker == "" {
		c.Trading.Broker = "simapi"
	}
	if c.Trading.Source == "" {
		c.Trading.Source = "stockdata"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("STOCKDATA_URL"); v != "" {
		cfg.StockData.URL = v
	}

	if v := os.Getenv("SIMAPI_URL"); v != "" {
		cfg.SimAPI.BaseURL = v
	}

	if v := os.Getenv("SIMAPI_TOKEN"); v != "" {
		cfg.SimAPI.Token = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
