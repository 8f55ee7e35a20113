package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the levelx trading engine.
type Config struct {
	Gateway  Gateway        `yaml:"gateway"`
	Session  SessionConfig  `yaml:"session"`
	Streams  StreamsConfig  `yaml:"streams"`
	Trading  TradingConfig  `yaml:"trading"`
	Levels   LevelsConfig   `yaml:"levels"`
	Strategy StrategyConfig `yaml:"strategy"`
	Risk     RiskConfig     `yaml:"risk"`
	Orders   OrdersConfig   `yaml:"orders"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Calendar CalendarConfig `yaml:"calendar"`
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Logging  Logging        `yaml:"logging"`
}

// Gateway holds credentials and endpoints for the broker gateway API.
type Gateway struct {
	BaseURL         string        `yaml:"base_url"`
	UserHubURL      string        `yaml:"user_hub_url"`
	MarketHubURL    string        `yaml:"market_hub_url"`
	Username        string        `yaml:"username"`
	APIKey          string        `yaml:"api_key"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	Live            bool          `yaml:"live"`
}

// SessionConfig controls token acquisition and renewal.
type SessionConfig struct {
	TokenTTL       time.Duration `yaml:"token_ttl"`
	RenewBefore    time.Duration `yaml:"renew_before"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	MaxFailures    int           `yaml:"max_failures"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	CheckInterval  time.Duration `yaml:"check_interval"`
}

// StreamsConfig controls the push hub connections.
type StreamsConfig struct {
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ReadTimeout drops a connection that delivers nothing, not even a
	// keep-alive ping, for this long.
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	MarketBuffer     int           `yaml:"market_buffer"`
	UserBuffer       int           `yaml:"user_buffer"`
}

// TradingConfig selects what the engine trades.
type TradingConfig struct {
	AccountID   int64    `yaml:"account_id"` // 0 selects the first tradable account
	Contracts   []string `yaml:"contracts"`
	PaperMode   bool     `yaml:"paper_mode"`
	PaperEquity float64  `yaml:"paper_equity"` // simulated balance in paper mode
}

// LevelsConfig controls bar retrieval for level computation.
type LevelsConfig struct {
	BarUnit       int  `yaml:"bar_unit"` // 1=second 2=minute 3=hour
	BarUnitNumber int  `yaml:"bar_unit_number"`
	CacheBars     bool `yaml:"cache_bars"`
}

// StrategyConfig holds break/retest parameters with per-symbol overrides.
type StrategyConfig struct {
	ConfirmSamples  int                         `yaml:"confirm_samples"`
	MinBreakVolume  float64                     `yaml:"min_break_volume"`
	RetestTolerance float64                     `yaml:"retest_tolerance"`
	RetestTimeout   time.Duration               `yaml:"retest_timeout"`
	MinHold         time.Duration               `yaml:"min_hold"`
	MaxAdverse      float64                     `yaml:"max_adverse"`
	SignalTTL       time.Duration               `yaml:"signal_ttl"`
	BarInterval     time.Duration               `yaml:"bar_interval"` // 0 feeds raw trades
	TrendEMA        int                         `yaml:"trend_ema"`    // 0 disables the trend filter
	Symbols         map[string]StrategyOverride `yaml:"symbols"`
}

// StrategyOverride replaces selected strategy parameters for one contract.
type StrategyOverride struct {
	ConfirmSamples  *int     `yaml:"confirm_samples"`
	MinBreakVolume  *float64 `yaml:"min_break_volume"`
	RetestTolerance *float64 `yaml:"retest_tolerance"`
	MaxAdverse      *float64 `yaml:"max_adverse"`
	TrendEMA        *int     `yaml:"trend_ema"`
}

// RiskConfig defines hard limits and position sizing.
type RiskConfig struct {
	MaxPositionSize      int                `yaml:"max_position_size"`
	MaxConcentration     float64            `yaml:"max_concentration"`      // position notional / equity
	MaxRiskConcentration float64            `yaml:"max_risk_concentration"` // risk at the stop / equity
	MaxLeverage          float64            `yaml:"max_leverage"`
	MaxDailyLoss         float64            `yaml:"max_daily_loss"`    // positive dollars
	DailyProfitGoal      float64            `yaml:"daily_profit_goal"` // 0 disables
	Sizing               string             `yaml:"sizing"`            // fixed_fractional, kelly, volatility
	RiskPerTrade         float64            `yaml:"risk_per_trade"`    // dollars; 0 uses risk_pct
	RiskPct              float64            `yaml:"risk_pct"`
	KellyWinRate         float64            `yaml:"kelly_win_rate"`
	KellyPayoff          float64            `yaml:"kelly_payoff"`
	KellyFraction        float64            `yaml:"kelly_fraction"`
	VolatilityTarget     float64            `yaml:"volatility_target"`
	ConvictionThreshold  float64            `yaml:"conviction_threshold"`
	ConvictionMultiplier float64            `yaml:"conviction_multiplier"`
	TakeProfitRR         float64            `yaml:"take_profit_rr"`
	StopBufferTicks      int                `yaml:"stop_buffer_ticks"`
	StopBuffer           map[string]float64 `yaml:"stop_buffer"` // per contract, in price
	EntryType            string             `yaml:"entry_type"`  // market or limit
}

// OrdersConfig controls order reconciliation.
type OrdersConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	GraceWindow   time.Duration `yaml:"grace_window"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	// MaxFailures consecutive failed polls report the order manager
	// degraded.
	MaxFailures   int           `yaml:"max_failures"`
}

// LedgerConfig controls position snapshots.
type LedgerConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SizeTolerance    int           `yaml:"size_tolerance"`
	PriceTolerance   float64       `yaml:"price_tolerance"`
	MaxFailures      int           `yaml:"max_failures"`
}

// CalendarConfig configures the exchange calendar and its source.
type CalendarConfig struct {
	Source        string   `yaml:"source"` // static or alpaca
	Timezone      string   `yaml:"timezone"`
	PreMarketOpen string   `yaml:"pre_market_open"`
	RegularOpen   string   `yaml:"regular_open"`
	RegularClose  string   `yaml:"regular_close"`
	HalfDayClose  string   `yaml:"half_day_close"`
	Holidays      []string `yaml:"holidays"`
	HalfDays      []string `yaml:"half_days"`
	Alpaca        Alpaca   `yaml:"alpaca"`
}

// Alpaca holds credentials for the Alpaca calendar API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
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

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		Gateway: Gateway{
			BaseURL:         "https://api.topstepx.com",
			UserHubURL:      "wss://rtc.topstepx.com/hubs/user",
			MarketHubURL:    "wss://rtc.topstepx.com/hubs/market",
			RequestTimeout:  10 * time.Second,
			RateLimitPerMin: 200,
			MaxRetries:      3,
			RetryBaseDelay:  500 * time.Millisecond,
		},
		Session: SessionConfig{
			TokenTTL:       24 * time.Hour,
			RenewBefore:    time.Hour,
			AcquireTimeout: 15 * time.Second,
			MaxFailures:    5,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  time.Minute,
			CheckInterval:  time.Minute,
		},
		Streams: StreamsConfig{
			ReconnectInitial: time.Second,
			ReconnectMax:     30 * time.Second,
			PingInterval:     15 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      30 * time.Second,
			MarketBuffer:     1024,
			UserBuffer:       256,
		},
		Trading: TradingConfig{
			PaperEquity: 50000,
		},
		Levels: LevelsConfig{
			BarUnit:       2,
			BarUnitNumber: 1,
			CacheBars:     true,
		},
		Strategy: StrategyConfig{
			ConfirmSamples:  2,
			RetestTolerance: 0.02,
			RetestTimeout:   30 * time.Minute,
			SignalTTL:       2 * time.Minute,
			BarInterval:     time.Minute,
			TrendEMA:        200,
		},
		Risk: RiskConfig{
			MaxPositionSize:      5,
			MaxConcentration:     1.0,
			MaxRiskConcentration: 0.05,
			MaxLeverage:          3.0,
			MaxDailyLoss:         500,
			Sizing:               "fixed_fractional",
			RiskPerTrade:         100,
			RiskPct:              0.01,
			KellyFraction:        0.5,
			ConvictionThreshold:  0.8,
			ConvictionMultiplier: 1.5,
			TakeProfitRR:         2.0,
			StopBufferTicks:      2,
			EntryType:            "market",
		},
		Orders: OrdersConfig{
			PollInterval:  5 * time.Second,
			GraceWindow:   3 * time.Second,
			SubmitTimeout: 10 * time.Second,
			MaxFailures:   3,
		},
		Ledger: LedgerConfig{
			SnapshotInterval: 30 * time.Second,
			PriceTolerance:   0.0001,
			MaxFailures:      3,
		},
		Calendar: CalendarConfig{
			Source:        "static",
			Timezone:      "America/New_York",
			PreMarketOpen: "04:00",
			RegularOpen:   "09:30",
			RegularClose:  "16:00",
			HalfDayClose:  "13:00",
		},
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/levelx.db",
		},
		Server: Server{
			Host:     "127.0.0.1",
			Port:     8080,
			GRPCPort: 9090,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LEVELX_USERNAME"); v != "" {
		cfg.Gateway.Username = v
	}
	if v := os.Getenv("LEVELX_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("LEVELX_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("LEVELX_ACCOUNT"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LEVELX_ACCOUNT: %w", err)
		}
		cfg.Trading.AccountID = id
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars, the canonical names used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Calendar.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Calendar.Alpaca.APISecret = v
	}
	return nil
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.base_url is required"))
	}
	if c.Session.RenewBefore <= 0 || c.Session.RenewBefore >= c.Session.TokenTTL {
		errs = append(errs, errors.New("session.renew_before must be positive and shorter than session.token_ttl"))
	}
	if c.Session.MaxFailures < 1 {
		errs = append(errs, errors.New("session.max_failures must be at least 1"))
	}
	if c.Strategy.ConfirmSamples < 1 {
		errs = append(errs, errors.New("strategy.confirm_samples must be at least 1"))
	}
	if c.Strategy.RetestTolerance < 0 {
		errs = append(errs, errors.New("strategy.retest_tolerance must not be negative"))
	}
	if c.Strategy.RetestTimeout <= 0 {
		errs = append(errs, errors.New("strategy.retest_timeout must be positive"))
	}
	if c.Streams.ReadTimeout < 0 {
		errs = append(errs, errors.New("streams.read_timeout must not be negative"))
	}
	if c.Streams.ReadTimeout > 0 && c.Streams.ReadTimeout <= c.Streams.PingInterval {
		errs = append(errs, errors.New("streams.read_timeout must be longer than streams.ping_interval"))
	}
	if c.Strategy.BarInterval < 0 {
		errs = append(errs, errors.New("strategy.bar_interval must not be negative"))
	}
	if c.Strategy.TrendEMA < 0 {
		errs = append(errs, errors.New("strategy.trend_ema must not be negative"))
	}
	if c.Risk.MaxDailyLoss <= 0 {
		errs = append(errs, errors.New("risk.max_daily_loss must be positive"))
	}
	switch c.Risk.Sizing {
	case "fixed_fractional", "kelly", "volatility":
	default:
		errs = append(errs, fmt.Errorf("risk.sizing %q is not one of fixed_fractional, kelly, volatility", c.Risk.Sizing))
	}
	switch c.Risk.EntryType {
	case "market", "limit":
	default:
		errs = append(errs, fmt.Errorf("risk.entry_type %q is not market or limit", c.Risk.EntryType))
	}
	switch c.Calendar.Source {
	case "static", "alpaca":
	default:
		errs = append(errs, fmt.Errorf("calendar.source %q is not static or alpaca", c.Calendar.Source))
	}
	if c.Orders.GraceWindow < 0 {
		errs = append(errs, errors.New("orders.grace_window must not be negative"))
	}
	return errors.Join(errs...)
}

// StrategyFor returns the strategy parameters for contract with any
// per-symbol overrides applied.
func (c StrategyConfig) StrategyFor(contract string) StrategyConfig {
	out := c
	out.Symbols = nil
	o, ok := c.Symbols[contract]
	if !ok {
		return out
	}
	if o.ConfirmSamples != nil {
		out.ConfirmSamples = *o.ConfirmSamples
	}
	if o.MinBreakVolume != nil {
		out.MinBreakVolume = *o.MinBreakVolume
	}
	if o.RetestTolerance != nil {
		out.RetestTolerance = *o.RetestTolerance
	}
	if o.MaxAdverse != nil {
		out.MaxAdverse = *o.MaxAdverse
	}
	if o.TrendEMA != nil {
		out.TrendEMA = *o.TrendEMA
	}
	return out
}
