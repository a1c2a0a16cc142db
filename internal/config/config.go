package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	liveRestURL    = "https://api.phemex.com"
	liveWSURL      = "wss://ws.phemex.com"
	testnetRestURL = "https://testnet-api.phemex.com"
	testnetWSURL   = "wss://testnet-api.phemex.com/ws"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Trading        TradingConfig        `yaml:"trading"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Notify         NotifyConfig         `yaml:"notify"`
	Logging        LoggingConfig        `yaml:"logging"`
	Server         ServerConfig         `yaml:"server"`
}

type ExchangeConfig struct {
	APIKey           string  `yaml:"api_key"`
	APISecret        string  `yaml:"api_secret"`
	RestBaseURL      string  `yaml:"rest_base_url"`
	WSBaseURL        string  `yaml:"ws_base_url"`
	RequestExpirySec int64   `yaml:"request_expiry_sec"`
	HTTPTimeoutSec   int64   `yaml:"http_timeout_sec"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps"`
	RateLimitBurst   int     `yaml:"rate_limit_burst"`
	WSKeepaliveSec   int64   `yaml:"ws_keepalive_sec"`
}

type TradingConfig struct {
	DefaultMarket     string  `yaml:"default_market"`
	RequireConfirm    *bool   `yaml:"require_confirm"`
	ClientOrderPrefix string  `yaml:"client_order_prefix"`
	MaxLeverage       Decimal `yaml:"max_leverage"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	CooldownSec          int64 `yaml:"cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type NotifyConfig struct {
	Telegram      TelegramConfig `yaml:"telegram"`
	DropReportSec int64          `yaml:"drop_report_sec"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ServerConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	MetricsEnabled *bool  `yaml:"metrics_enabled"`
}

// envConfig lists the settings that may come from the environment (or a
// .env file loaded beforehand). Set variables override the YAML file.
type envConfig struct {
	Mode              string `env:"PHEMEX_MODE" env-description:"testnet or live"`
	APIKey            string `env:"PHEMEX_API_KEY" env-description:"API key id"`
	APISecret         string `env:"PHEMEX_API_SECRET" env-description:"API secret"`
	RestBaseURL       string `env:"PHEMEX_REST_URL" env-description:"REST base URL override"`
	WSBaseURL         string `env:"PHEMEX_WS_URL" env-description:"WebSocket URL override"`
	DefaultMarket     string `env:"PHEMEX_DEFAULT_MARKET" env-description:"linear, inverse or spot"`
	MaxLeverage       string `env:"PHEMEX_MAX_LEVERAGE" env-description:"upper bound for set_leverage"`
	TelegramBotToken  string `env:"TELEGRAM_BOT_TOKEN" env-description:"trade notification bot token"`
	TelegramChatID    string `env:"TELEGRAM_CHAT_ID" env-description:"trade notification chat id"`
	LogLevel          string `env:"LOG_LEVEL" env-description:"panic..trace"`
	LogFormat         string `env:"LOG_FORMAT" env-description:"text or json"`
	HTTPAddr          string `env:"PHEMEX_HTTP_ADDR" env-description:"listen address for the HTTP transport"`
	ClientOrderPrefix string `env:"PHEMEX_CLORDID_PREFIX" env-description:"client order id prefix"`
}

// Load reads the YAML file at path (optional when path is empty), overlays
// environment variables, then applies defaults and validates.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return Config{}, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			if err == nil {
				return Config{}, fmt.Errorf("config must contain a single YAML document")
			}
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnvUsage describes the recognized environment variables.
func EnvUsage() string {
	desc, err := cleanenv.GetDescription(&envConfig{}, nil)
	if err != nil {
		return ""
	}
	return desc
}

func (c *Config) applyEnv() error {
	var env envConfig
	if err := cleanenv.ReadEnv(&env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	setString(&c.Exchange.APIKey, env.APIKey)
	setString(&c.Exchange.APISecret, env.APISecret)
	setString(&c.Exchange.RestBaseURL, env.RestBaseURL)
	setString(&c.Exchange.WSBaseURL, env.WSBaseURL)
	setString(&c.Trading.DefaultMarket, env.DefaultMarket)
	setString(&c.Trading.ClientOrderPrefix, env.ClientOrderPrefix)
	setString(&c.Notify.Telegram.BotToken, env.TelegramBotToken)
	setString(&c.Notify.Telegram.ChatID, env.TelegramChatID)
	setString(&c.Logging.Level, env.LogLevel)
	setString(&c.Logging.Format, env.LogFormat)
	setString(&c.Server.HTTPAddr, env.HTTPAddr)
	if env.Mode != "" {
		c.Mode = Mode(env.Mode)
	}
	if v := strings.TrimSpace(env.MaxLeverage); v != "" {
		lev, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("PHEMEX_MAX_LEVERAGE: invalid decimal %q: %w", v, err)
		}
		c.Trading.MaxLeverage = Decimal{Decimal: lev}
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Trading.DefaultMarket = strings.ToLower(strings.TrimSpace(c.Trading.DefaultMarket))
	c.Trading.ClientOrderPrefix = strings.TrimSpace(c.Trading.ClientOrderPrefix)
	c.Notify.Telegram.BotToken = strings.TrimSpace(c.Notify.Telegram.BotToken)
	c.Notify.Telegram.ChatID = strings.TrimSpace(c.Notify.Telegram.ChatID)
	c.Notify.Telegram.APIBaseURL = strings.TrimSpace(c.Notify.Telegram.APIBaseURL)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Output = strings.TrimSpace(c.Logging.Output)
	c.Server.HTTPAddr = strings.TrimSpace(c.Server.HTTPAddr)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTestnet
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = testnetRestURL
		case ModeLive:
			c.Exchange.RestBaseURL = liveRestURL
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = testnetWSURL
		case ModeLive:
			c.Exchange.WSBaseURL = liveWSURL
		}
	}
	if c.Exchange.RequestExpirySec == 0 {
		c.Exchange.RequestExpirySec = 60
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RateLimitRPS == 0 {
		c.Exchange.RateLimitRPS = 10
	}
	if c.Exchange.RateLimitBurst == 0 {
		c.Exchange.RateLimitBurst = 5
	}
	if c.Exchange.WSKeepaliveSec == 0 {
		c.Exchange.WSKeepaliveSec = 15
	}
	if c.Trading.DefaultMarket == "" {
		c.Trading.DefaultMarket = "linear"
	}
	if c.Trading.RequireConfirm == nil {
		enabled := true
		c.Trading.RequireConfirm = &enabled
	}
	if c.Trading.ClientOrderPrefix == "" {
		c.Trading.ClientOrderPrefix = "mcp"
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.Notify.Telegram.APIBaseURL == "" {
		c.Notify.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Notify.Telegram.TimeoutSec == 0 {
		c.Notify.Telegram.TimeoutSec = 10
	}
	if c.Notify.DropReportSec == 0 {
		c.Notify.DropReportSec = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if c.Server.MetricsEnabled == nil {
		enabled := true
		c.Server.MetricsEnabled = &enabled
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be testnet or live")
	}
	if (c.Exchange.APIKey == "") != (c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange api_key and api_secret must be set together")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.Exchange.RequestExpirySec < 5 || c.Exchange.RequestExpirySec > 300 {
		return fmt.Errorf("exchange request_expiry_sec must be between 5 and 300")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RateLimitRPS < 0 {
		return fmt.Errorf("exchange rate_limit_rps must be >= 0")
	}
	if c.Exchange.RateLimitBurst < 1 {
		return fmt.Errorf("exchange rate_limit_burst must be >= 1")
	}
	if c.Exchange.WSKeepaliveSec < 1 || c.Exchange.WSKeepaliveSec > 300 {
		return fmt.Errorf("exchange ws_keepalive_sec must be between 1 and 300")
	}
	switch c.Trading.DefaultMarket {
	case "linear", "inverse", "spot":
	default:
		return fmt.Errorf("trading default_market must be linear, inverse, or spot")
	}
	if !isValidClientOrderPrefix(c.Trading.ClientOrderPrefix) {
		return fmt.Errorf("trading client_order_prefix must match [A-Za-z0-9_-], length 1..8")
	}
	if c.Trading.MaxLeverage.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("trading max_leverage must be >= 0")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.reconnect_probe_passes must be between 1 and 20")
		}
	}
	if c.Notify.DropReportSec < 0 || c.Notify.DropReportSec > 3600 {
		return fmt.Errorf("notify.drop_report_sec must be between 0 and 3600")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token is required when telegram enabled")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id is required when telegram enabled")
		}
		if c.Notify.Telegram.TimeoutSec < 1 || c.Notify.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("notify.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Notify.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("notify.telegram.api_base_url %v", err)
		}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be text or json")
	}
	if c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging max_age_days must be >= 0")
	}
	return nil
}

// HasCredentials reports whether signed endpoints can be called.
func (c Config) HasCredentials() bool {
	return c.Exchange.APIKey != "" && c.Exchange.APISecret != ""
}

func isValidClientOrderPrefix(v string) bool {
	if len(v) < 1 || len(v) > 8 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
