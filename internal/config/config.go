package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"arb-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig             `mapstructure:"app"`
	Logging   logging.Config        `mapstructure:"logging"`
	Database  DatabaseConfig        `mapstructure:"database"`
	Browser   BrowserConfig         `mapstructure:"browser"`
	Poller    PollerConfig          `mapstructure:"poller"`
	Auth      AuthConfig            `mapstructure:"auth"`
	Tabs      TabsConfig            `mapstructure:"tabs"`
	Defense   DefenseConfig         `mapstructure:"defense"`
	Dispatch  DispatchConfig        `mapstructure:"dispatch"`
	Telegram  TelegramConfig        `mapstructure:"telegram"`
	Snapshots SnapshotConfig        `mapstructure:"snapshots"`
	Export    ExportConfig          `mapstructure:"export"`
	Sites     map[string]SiteConfig `mapstructure:"sites"`
	Filters   []FilterConfig        `mapstructure:"filters"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates optional PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// BrowserConfig selects and tunes the browser driver.
type BrowserConfig struct {
	RemoteURL  string        `mapstructure:"remote_url"`
	Headless   bool          `mapstructure:"headless"`
	Stealth    bool          `mapstructure:"stealth"`
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
	ProxyURL   string        `mapstructure:"proxy_url"`
}

// PollerConfig governs polling cadence.
type PollerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Jitter       time.Duration `mapstructure:"jitter"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// AuthConfig tunes login and session validation.
type AuthConfig struct {
	LoginTimeout  time.Duration `mapstructure:"login_timeout"`
	ValidationTTL time.Duration `mapstructure:"validation_ttl"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// TabsConfig bounds the tab pool.
type TabsConfig struct {
	MaxPerSite  int `mapstructure:"max_per_site"`
	MaxParallel int `mapstructure:"max_parallel"`
}

// DefenseConfig sets recovery thresholds for unhealthy tabs.
type DefenseConfig struct {
	RecycleAfter  int         `mapstructure:"recycle_after"`
	EscalateAfter int         `mapstructure:"escalate_after"`
	Backoff       RetryConfig `mapstructure:"backoff"`
}

// DispatchConfig controls dedup and delivery retries.
type DispatchConfig struct {
	// SuppressionWindow of zero means "never re-send the same
	// fingerprint to the same channel for the process lifetime".
	SuppressionWindow time.Duration       `mapstructure:"suppression_window"`
	Retry             RetryConfig         `mapstructure:"retry"`
	SiteChannels      map[string][]string `mapstructure:"site_channels"`
}

// TelegramConfig describes the Telegram Bot API transport.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SnapshotConfig controls raw page snapshot persistence.
type SnapshotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// RetryConfig parameterises a bounded retry policy.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// SiteConfig holds credentials and page markers for one target site.
type SiteConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	LoginURL   string        `mapstructure:"login_url"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	AuthMarker string        `mapstructure:"auth_marker"`
	LoginForm  LoginSelector `mapstructure:"login_form"`
	Consent    []string      `mapstructure:"consent_selectors"`
	Markers    MarkerConfig  `mapstructure:"markers"`
}

// LoginSelector names the DOM elements of a login form.
type LoginSelector struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
	Submit   string `mapstructure:"submit"`
}

// MarkerConfig lists page-text fragments used for defense classification.
type MarkerConfig struct {
	Captcha      []string `mapstructure:"captcha"`
	Interstitial []string `mapstructure:"interstitial"`
	RateLimit    []string `mapstructure:"rate_limit"`
}

// FilterConfig binds a saved site filter to its tab URL and channels.
type FilterConfig struct {
	ID       string   `mapstructure:"id"`
	Site     string   `mapstructure:"site"`
	URL      string   `mapstructure:"url"`
	Channels []string `mapstructure:"channels"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARBWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyMarkerDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "arbwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.nav_timeout", "30s")

	v.SetDefault("poller.interval", "5s")
	v.SetDefault("poller.jitter", "0s")
	v.SetDefault("poller.startup_delay", "0s")

	v.SetDefault("auth.login_timeout", "30s")
	v.SetDefault("auth.validation_ttl", "2m")
	v.SetDefault("auth.retry.max_attempts", 3)
	v.SetDefault("auth.retry.initial_backoff", "2s")
	v.SetDefault("auth.retry.max_backoff", "15s")
	v.SetDefault("auth.retry.multiplier", 2.0)

	v.SetDefault("tabs.max_per_site", 4)
	v.SetDefault("tabs.max_parallel", 4)

	v.SetDefault("defense.recycle_after", 2)
	v.SetDefault("defense.escalate_after", 3)
	v.SetDefault("defense.backoff.max_attempts", 3)
	v.SetDefault("defense.backoff.initial_backoff", "5s")
	v.SetDefault("defense.backoff.max_backoff", "60s")
	v.SetDefault("defense.backoff.multiplier", 2.0)

	v.SetDefault("dispatch.suppression_window", "0s")
	v.SetDefault("dispatch.retry.max_attempts", 3)
	v.SetDefault("dispatch.retry.initial_backoff", "1s")
	v.SetDefault("dispatch.retry.max_backoff", "10s")
	v.SetDefault("dispatch.retry.multiplier", 2.0)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "10s")

	v.SetDefault("snapshots.enabled", false)
	v.SetDefault("snapshots.dir", "logs/raw_html")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x61726277))
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

// Default page markers, matching what the target sites actually render.
// Site-specific config entries extend or override these.
var (
	defaultCaptchaMarkers      = []string{"verify you are human", "g-recaptcha", "h-captcha", "cf-challenge", "press and hold"}
	defaultInterstitialMarkers = []string{"cookie", "consent", "aceptar", "before you continue"}
	defaultRateLimitMarkers    = []string{"too many requests", "429", "rate limit exceeded"}
)

func (c *Config) applyMarkerDefaults() {
	for id, site := range c.Sites {
		if len(site.Markers.Captcha) == 0 {
			site.Markers.Captcha = defaultCaptchaMarkers
		}
		if len(site.Markers.Interstitial) == 0 {
			site.Markers.Interstitial = defaultInterstitialMarkers
		}
		if len(site.Markers.RateLimit) == 0 {
			site.Markers.RateLimit = defaultRateLimitMarkers
		}
		if site.LoginForm.Email == "" {
			site.LoginForm.Email = `input[type=email], input[name=email]`
		}
		if site.LoginForm.Password == "" {
			site.LoginForm.Password = `input[type=password]`
		}
		if site.LoginForm.Submit == "" {
			site.LoginForm.Submit = `button[type=submit], input[type=submit]`
		}
		c.Sites[id] = site
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Tabs.MaxPerSite <= 0 {
		return fmt.Errorf("tabs.max_per_site must be greater than zero")
	}
	if c.Defense.RecycleAfter <= 0 || c.Defense.EscalateAfter <= 0 {
		return fmt.Errorf("defense thresholds must be greater than zero")
	}
	if c.Dispatch.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.retry.max_attempts must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for _, f := range c.Filters {
		if f.ID == "" {
			return fmt.Errorf("filter without id")
		}
		if _, ok := c.Sites[f.Site]; !ok {
			return fmt.Errorf("filter %q references unknown site %q", f.ID, f.Site)
		}
		if f.URL == "" {
			return fmt.Errorf("filter %q has no url", f.ID)
		}
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	return nil
}

// FiltersFor returns the configured filters limited to the requested ids.
// An empty request selects every configured filter.
func (c *Config) FiltersFor(ids []string) ([]FilterConfig, error) {
	if len(ids) == 0 {
		return c.Filters, nil
	}

	byID := make(map[string]FilterConfig, len(c.Filters))
	for _, f := range c.Filters {
		byID[f.ID] = f
	}

	selected := make([]FilterConfig, 0, len(ids))
	for _, id := range ids {
		f, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown filter id %q", id)
		}
		selected = append(selected, f)
	}
	return selected, nil
}
