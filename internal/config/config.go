// Package config loads SDK and binary settings from YAML and RTCP_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vanso/rtcp/internal/notification"
)

// Config holds everything needed to build an rtcp.Client and run the binaries.
type Config struct {
	AppID      string `mapstructure:"app_id" yaml:"app_id"`
	AppGroup   string `mapstructure:"app_group" yaml:"app_group"`
	Production bool   `mapstructure:"production" yaml:"production"`
	// BaseURL overrides the endpoint picked by Production.
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	HardwareID string `mapstructure:"hardware_id" yaml:"hardware_id"`
	Platform   string `mapstructure:"platform" yaml:"platform"`
	Store      string `mapstructure:"store" yaml:"store"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
	PushFeed   string `mapstructure:"push_feed" yaml:"push_feed"`

	Inbox InboxConfig `mapstructure:"inbox" yaml:"inbox"`
	Sync  SyncConfig  `mapstructure:"sync" yaml:"sync"`
}

type InboxConfig struct {
	Size                  int  `mapstructure:"size" yaml:"size"`
	EnableBadge           bool `mapstructure:"enable_badge" yaml:"enable_badge"`
	EnableDeliveryReceipt bool `mapstructure:"enable_delivery_receipt" yaml:"enable_delivery_receipt"`
	SyncOnAppstart        bool `mapstructure:"sync_on_appstart" yaml:"sync_on_appstart"`
}

type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	Jitter       float64       `mapstructure:"jitter" yaml:"jitter"`
	ReceiptDelay time.Duration `mapstructure:"receipt_delay" yaml:"receipt_delay"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultPath is ~/.config/rtcp/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "rtcp", "config.yaml")
}

// DefaultStore is the shared JSON file next to the default config.
func DefaultStore() string {
	return "file://" + filepath.Join(filepath.Dir(DefaultPath()), "store.json")
}

// Load reads path (a missing file is fine), then applies RTCP_* overrides
// such as RTCP_APP_ID or RTCP_INBOX_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("rtcp")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late. AppID is not checked
// here; commands that talk to the server require it.
func (c *Config) Validate() error {
	if _, err := notification.ParsePlatform(c.Platform); err != nil {
		return err
	}
	if c.Inbox.Size <= 0 {
		return fmt.Errorf("inbox.size must be positive, got %d", c.Inbox.Size)
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		return fmt.Errorf("sync.jitter must be within [0,1], got %v", c.Sync.Jitter)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_id", "")
	v.SetDefault("app_group", "")
	v.SetDefault("production", false)
	v.SetDefault("base_url", "")
	v.SetDefault("hardware_id", "")
	v.SetDefault("platform", string(notification.PlatformAndroid))
	v.SetDefault("store", DefaultStore())
	v.SetDefault("log_level", "INFO")
	v.SetDefault("push_feed", "")
	v.SetDefault("inbox.size", 25)
	v.SetDefault("inbox.enable_badge", true)
	v.SetDefault("inbox.enable_delivery_receipt", true)
	v.SetDefault("inbox.sync_on_appstart", false)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.jitter", 0.2)
	v.SetDefault("sync.receipt_delay", 5*time.Second)
	v.SetDefault("sync.timeout", 15*time.Second)
}
