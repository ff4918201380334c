package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"balance-swing-alerts/internal/logging"
)

// ErrInvalid marks configuration problems that must stop the process before
// monitoring starts.
var ErrInvalid = errors.New("invalid configuration")

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Lookup   LookupConfig   `mapstructure:"lookup"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Export   ExportConfig   `mapstructure:"export"`

	// Pairs is populated from Monitor.PairsFile during Load.
	Pairs []TrackedPair `mapstructure:"-"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LookupConfig covers the balance lookup API.
type LookupConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	OutputAsset    string        `mapstructure:"output_asset"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Workers        int           `mapstructure:"workers"`
}

// MonitorConfig governs sampling cadence and the alert rule.
type MonitorConfig struct {
	PairsFile     string        `mapstructure:"pairs_file"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Threshold     float64       `mapstructure:"threshold"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig selects the single notification channel. Subject heads
// every alert, whichever channel carries it.
type AlertingConfig struct {
	Channel  string         `mapstructure:"channel"`
	Subject  string         `mapstructure:"subject"`
	Email    EmailConfig    `mapstructure:"email"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// EmailConfig holds SMTP transport and addressing.
type EmailConfig struct {
	Recipient string        `mapstructure:"recipient"`
	Sender    string        `mapstructure:"sender"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// StorageConfig configures the snapshot file.
type StorageConfig struct {
	CSVPath      string        `mapstructure:"csv_path"`
	Resume       bool          `mapstructure:"resume"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// DatabaseConfig encapsulates optional PostgreSQL mirroring.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Channel names accepted by alerting.channel.
const (
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
	ChannelLog      = "log"
)

// Load builds configuration from file, environment, and defaults, then reads
// the pair file it points at.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BALANCEWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("lookup.api_key", "BALANCEWATCHER_LOOKUP_API_KEY", "API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pairs, err := LoadPairs(cfg.Monitor.PairsFile)
	if err != nil {
		return nil, err
	}
	cfg.Pairs = pairs

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("%w: read config: %v", ErrInvalid, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "balancewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("lookup.base_url", "https://iapi.chainalysis.com")
	v.SetDefault("lookup.output_asset", "NATIVE")
	v.SetDefault("lookup.request_timeout", "30s")
	v.SetDefault("lookup.user_agent", "balancewatcher/1.0")
	v.SetDefault("lookup.rate_limit", 0.0)
	v.SetDefault("lookup.workers", 1)

	v.SetDefault("monitor.pairs_file", "exchange_root_addresses.json")
	v.SetDefault("monitor.poll_interval", "24h")
	v.SetDefault("monitor.threshold", 0.2)
	v.SetDefault("monitor.align_to_bucket", false)
	v.SetDefault("monitor.startup_delay", "0s")

	v.SetDefault("alerting.channel", ChannelEmail)
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.subject", "Balance Alert")
	v.SetDefault("alerting.email.timeout", "30s")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("storage.csv_path", "balance_data.csv")
	v.SetDefault("storage.resume", true)
	v.SetDefault("storage.flush_timeout", "30s")

	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks; every failure wraps ErrInvalid.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Lookup.BaseURL) == "" {
		return invalid("lookup.base_url must be set")
	}
	if c.Lookup.Workers <= 0 {
		return invalid("lookup.workers must be greater than zero")
	}
	if c.Lookup.RateLimit < 0 {
		return invalid("lookup.rate_limit cannot be negative")
	}
	if c.Monitor.PollInterval <= 0 {
		return invalid("monitor.poll_interval must be greater than zero")
	}
	if c.Monitor.Threshold <= 0 {
		return invalid("monitor.threshold must be greater than zero")
	}
	if c.Monitor.PairsFile == "" {
		return invalid("monitor.pairs_file must be set")
	}
	if c.Export.MaxDataPoints <= 0 {
		return invalid("export.max_data_points must be greater than zero")
	}
	return nil
}

// ValidateMonitoring checks the credentials and alert channel needed by the
// monitoring loop. Read-only commands such as show and export skip it.
func (c *Config) ValidateMonitoring() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Lookup.APIKey) == "" {
		return invalid("lookup.api_key (or API_KEY) must be set")
	}
	return c.ValidateAlerting()
}

// ValidateAlerting checks the settings of the selected alert channel.
func (c *Config) ValidateAlerting() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.Alerting.Channel) {
	case ChannelEmail:
		e := c.Alerting.Email
		missing := make([]string, 0, 5)
		for name, val := range map[string]string{
			"recipient": e.Recipient,
			"sender":    e.Sender,
			"host":      e.Host,
			"username":  e.Username,
			"password":  e.Password,
		} {
			if strings.TrimSpace(val) == "" {
				missing = append(missing, "alerting.email."+name)
			}
		}
		if len(missing) > 0 {
			slices.Sort(missing)
			return invalid("missing email settings: %s", strings.Join(missing, ", "))
		}
		if e.Port <= 0 || e.Port > 65535 {
			return invalid("alerting.email.port out of range: %d", e.Port)
		}
	case ChannelTelegram:
		if c.Alerting.Telegram.BotToken == "" || c.Alerting.Telegram.ChatID == "" {
			return invalid("alerting.telegram.bot_token and chat_id must be set")
		}
	case ChannelLog:
	default:
		return invalid("unknown alerting.channel %q", c.Alerting.Channel)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
