package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "PARLEY"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultRedisAddr   = "127.0.0.1:6379"
	defaultLogLevel    = "info"
	defaultTopic       = "parley:events"

	defaultCodeTTLSeconds  = 600
	defaultCodeMaxAttempts = 10

	defaultFeedPageTTLSeconds  = 30
	defaultChatPageTTLSeconds  = 20
	defaultFeedIndexTTLSeconds = 120

	defaultProbeIntervalSeconds = 30
	defaultLegacySnapshotPath   = "legacy-db.json"

	// Fixed advisory-lock pair shared by every process of the deployment.
	defaultLockKeyClass = 0x70617279
	defaultLockKeyIndex = 1
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabaseDSN   string
	RedisAddress  string
	SigningSecret string
	LogLevel      string

	CodeTTL         time.Duration
	CodeMaxAttempts int

	FeedPageTTL  time.Duration
	ChatPageTTL  time.Duration
	FeedIndexTTL time.Duration

	AdminUsername  string
	AdminPassword  string
	AdminEmail     string
	LegacyUserPath string

	PubSubTopic   string
	LockKeyClass  int32
	LockKeyIndex  int32
	ProbeInterval time.Duration

	LegacySnapshotPath string
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
	configViper.SetDefault("redis.address", defaultRedisAddr)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("codes.ttl_seconds", defaultCodeTTLSeconds)
	configViper.SetDefault("codes.max_attempts", defaultCodeMaxAttempts)

	configViper.SetDefault("cache.feed_page_ttl_seconds", defaultFeedPageTTLSeconds)
	configViper.SetDefault("cache.chat_page_ttl_seconds", defaultChatPageTTLSeconds)
	configViper.SetDefault("cache.feed_index_ttl_seconds", defaultFeedIndexTTLSeconds)

	configViper.SetDefault("realtime.topic", defaultTopic)
	configViper.SetDefault("realtime.probe_interval_seconds", defaultProbeIntervalSeconds)

	configViper.SetDefault("bootstrap.lock_key_class", defaultLockKeyClass)
	configViper.SetDefault("bootstrap.lock_key_index", defaultLockKeyIndex)
	configViper.SetDefault("bootstrap.admin_username", "admin")

	configViper.SetDefault("sync.legacy_snapshot_path", defaultLegacySnapshotPath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabaseDSN:   configViper.GetString("database.dsn"),
		RedisAddress:  configViper.GetString("redis.address"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),

		CodeTTL:         time.Duration(configViper.GetInt("codes.ttl_seconds")) * time.Second,
		CodeMaxAttempts: configViper.GetInt("codes.max_attempts"),

		FeedPageTTL:  time.Duration(configViper.GetInt("cache.feed_page_ttl_seconds")) * time.Second,
		ChatPageTTL:  time.Duration(configViper.GetInt("cache.chat_page_ttl_seconds")) * time.Second,
		FeedIndexTTL: time.Duration(configViper.GetInt("cache.feed_index_ttl_seconds")) * time.Second,

		AdminUsername:  configViper.GetString("bootstrap.admin_username"),
		AdminPassword:  configViper.GetString("bootstrap.admin_password"),
		AdminEmail:     configViper.GetString("bootstrap.admin_email"),
		LegacyUserPath: configViper.GetString("bootstrap.legacy_user_path"),

		PubSubTopic:   configViper.GetString("realtime.topic"),
		LockKeyClass:  configViper.GetInt32("bootstrap.lock_key_class"),
		LockKeyIndex:  configViper.GetInt32("bootstrap.lock_key_index"),
		ProbeInterval: time.Duration(configViper.GetInt("realtime.probe_interval_seconds")) * time.Second,

		LegacySnapshotPath: configViper.GetString("sync.legacy_snapshot_path"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.CodeTTL <= 0 {
		return fmt.Errorf("codes.ttl_seconds must be positive")
	}
	if c.CodeMaxAttempts <= 0 {
		return fmt.Errorf("codes.max_attempts must be positive")
	}
	// The index must outlive every page it tracks so a missed
	// invalidation self-heals instead of leaking forever.
	if c.FeedIndexTTL <= c.FeedPageTTL || c.FeedIndexTTL <= c.ChatPageTTL {
		return fmt.Errorf("cache.feed_index_ttl_seconds must exceed every page TTL")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("realtime.probe_interval_seconds must be positive")
	}
	return nil
}
