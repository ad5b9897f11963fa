// Package config loads client settings from defaults, an optional yaml file and CHATSYNC_* env vars.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds every tunable of the client.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	HubPath string `mapstructure:"hub_path"`
	Token   string `mapstructure:"token"`

	Connect       ConnectConfig       `mapstructure:"connect"`
	Reconnect     ReconnectConfig     `mapstructure:"reconnect"`
	Dedup         DedupConfig         `mapstructure:"dedup"`
	Errors        ErrorsConfig        `mapstructure:"errors"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Health        HealthConfig        `mapstructure:"health"`
	Log           LogConfig           `mapstructure:"log"`
}

type ConnectConfig struct {
	WaitTimeout      time.Duration `mapstructure:"wait_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type ReconnectConfig struct {
	Schedule    []time.Duration `mapstructure:"schedule"`
	MaxAttempts int             `mapstructure:"max_attempts"` // 0 = unlimited
}

type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type ErrorsConfig struct {
	ClearDelay time.Duration `mapstructure:"clear_delay"`
}

type NotificationsConfig struct {
	Retries   int           `mapstructure:"retries"`
	RetryBase time.Duration `mapstructure:"retry_base"`
}

type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig enables the PostgreSQL transcript archive when DSN is set.
type ArchiveConfig struct {
	DSN    string `mapstructure:"dsn"`
	Secret string `mapstructure:"secret"`
}

// RelayConfig enables the AMQP event relay when URL is set.
type RelayConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    int    `mapstructure:"queue"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Dev bool `mapstructure:"dev"`
}

// DefaultSchedule is the reconnect delay schedule; the last element repeats.
var DefaultSchedule = []time.Duration{
	0, 2 * time.Second, 5 * time.Second, 10 * time.Second,
	20 * time.Second, 30 * time.Second, 60 * time.Second,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "http://localhost:5000")
	v.SetDefault("hub_path", "/chathub")
	v.SetDefault("connect.wait_timeout", "10s")
	v.SetDefault("connect.poll_interval", "500ms")
	v.SetDefault("connect.handshake_timeout", "15s")
	v.SetDefault("reconnect.schedule", []string{"0s", "2s", "5s", "10s", "20s", "30s", "60s"})
	v.SetDefault("reconnect.max_attempts", 0)
	v.SetDefault("dedup.window", "1s")
	v.SetDefault("errors.clear_delay", "5s")
	v.SetDefault("notifications.retries", 2)
	v.SetDefault("notifications.retry_base", "500ms")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("relay.exchange", "chat.events")
	v.SetDefault("relay.queue", 256)
	v.SetDefault("health.addr", "")
	v.SetDefault("log.dev", false)
}

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	if len(cfg.Reconnect.Schedule) == 0 {
		cfg.Reconnect.Schedule = append([]time.Duration(nil), DefaultSchedule...)
	}
	return &cfg
}

// Load reads configuration from a file (optional) and environment variables.
func Load(logger *zap.Logger, fileName string) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Debug("config file not found, using defaults and env", zap.String("name", fileName))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Reconnect.Schedule) == 0 {
		cfg.Reconnect.Schedule = append([]time.Duration(nil), DefaultSchedule...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the engine cannot run without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: bad base_url %q", c.BaseURL)
	}
	if c.Dedup.Window < 0 || c.Errors.ClearDelay < 0 {
		return errors.New("config: negative duration")
	}
	for _, d := range c.Reconnect.Schedule {
		if d < 0 {
			return errors.New("config: negative reconnect delay")
		}
	}
	return nil
}

// HubURL derives the duplex endpoint from the REST base URL: same origin, ws scheme, HubPath.
func (c *Config) HubURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/" + strings.TrimPrefix(c.HubPath, "/")
	u.RawQuery = ""
	return u.String(), nil
}
