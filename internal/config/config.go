package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "DATASTORE"
	defaultHTTPAddress           = "0.0.0.0:9011"
	defaultDatabasePath          = "datastore.db"
	defaultLogLevel              = "info"
	defaultRetryAttempts         = 3
	defaultRetryInterval         = 100 * time.Millisecond
	defaultKeyframeInterval      = 100
	defaultKeyframeCacheSize     = 64
	defaultCollectionFieldWindow = 0
	defaultHeartbeatInterval     = 15 * time.Second
)

// AppConfig captures runtime configuration for the datastore.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	DevMode           bool
	MetricsEnabled    bool
	HeartbeatInterval time.Duration

	PublisherType      string
	PublisherAddresses []string
	PublisherTopic     string

	RetryAttempts int
	RetryInterval time.Duration

	KeyframeInterval    int64
	KeyframeCacheSize   int
	CollectionFieldTrim time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("dev_mode", false)
	configViper.SetDefault("metrics.enabled", true)
	configViper.SetDefault("publisher.type", "")
	configViper.SetDefault("publisher.addresses", "")
	configViper.SetDefault("publisher.topic", "")
	configViper.SetDefault("retry.attempts", defaultRetryAttempts)
	configViper.SetDefault("retry.interval", defaultRetryInterval)
	configViper.SetDefault("keyframes.interval", defaultKeyframeInterval)
	configViper.SetDefault("keyframes.cache_size", defaultKeyframeCacheSize)
	configViper.SetDefault("collectionfields.retention", defaultCollectionFieldWindow)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		HeartbeatInterval:   configViper.GetDuration("http.heartbeat_interval"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		DevMode:             configViper.GetBool("dev_mode"),
		MetricsEnabled:      configViper.GetBool("metrics.enabled"),
		PublisherType:       strings.ToLower(strings.TrimSpace(configViper.GetString("publisher.type"))),
		PublisherAddresses:  splitList(configViper.GetString("publisher.addresses")),
		PublisherTopic:      configViper.GetString("publisher.topic"),
		RetryAttempts:       configViper.GetInt("retry.attempts"),
		RetryInterval:       configViper.GetDuration("retry.interval"),
		KeyframeInterval:    configViper.GetInt64("keyframes.interval"),
		KeyframeCacheSize:   configViper.GetInt("keyframes.cache_size"),
		CollectionFieldTrim: configViper.GetDuration("collectionfields.retention"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// PublisherEnabled reports whether an external sink is configured.
func (c AppConfig) PublisherEnabled() bool {
	return c.PublisherType != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if c.KeyframeInterval < 1 {
		return fmt.Errorf("keyframes.interval must be at least 1")
	}
	if c.CollectionFieldTrim < 0 {
		return fmt.Errorf("collectionfields.retention must not be negative")
	}
	if c.PublisherEnabled() && c.PublisherType != "memory" && len(c.PublisherAddresses) == 0 {
		return fmt.Errorf("publisher.addresses is required for publisher %q", c.PublisherType)
	}
	return nil
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
