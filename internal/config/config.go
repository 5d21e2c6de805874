package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "TAVOLA"

	defaultHTTPAddress      = "127.0.0.1:8745"
	defaultDatabasePath     = "tavola-syncd.db"
	defaultLogLevel         = "info"
	defaultRemoteDriver     = "redis"
	defaultRedisURL         = "redis://127.0.0.1:6379/0"
	defaultDeviceType       = "register"
	defaultSessionIssuer    = "tavola-auth"
	defaultHeartbeatEvery   = 45 * time.Second
	defaultBackgroundEvery  = 3 * time.Minute
	defaultCleanupEvery     = 15 * time.Minute
	defaultStaleAfter       = 10 * time.Minute
	defaultOfflineTimeout   = 2 * time.Minute
	defaultEventRetention   = 24 * time.Hour
	defaultPresenceDebounce = 300 * time.Millisecond
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	LogConsole           bool
	TenantID             string
	DeviceName           string
	DeviceType           string
	RemoteDriver         string
	RedisURL             string
	SessionSigningSecret string
	SessionIssuer        string
	HeartbeatInterval    time.Duration
	BackgroundInterval   time.Duration
	CleanupInterval      time.Duration
	StaleAfter           time.Duration
	OfflineTimeout       time.Duration
	EventRetention       time.Duration
	PresenceDebounce     time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.console", false)
	configViper.SetDefault("remote.driver", defaultRemoteDriver)
	configViper.SetDefault("remote.redis_url", defaultRedisURL)
	configViper.SetDefault("device.type", defaultDeviceType)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("sync.heartbeat_interval", defaultHeartbeatEvery)
	configViper.SetDefault("sync.background_interval", defaultBackgroundEvery)
	configViper.SetDefault("sync.cleanup_interval", defaultCleanupEvery)
	configViper.SetDefault("sync.stale_after", defaultStaleAfter)
	configViper.SetDefault("sync.offline_timeout", defaultOfflineTimeout)
	configViper.SetDefault("sync.event_retention", defaultEventRetention)
	configViper.SetDefault("sync.presence_debounce", defaultPresenceDebounce)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogConsole:           configViper.GetBool("log.console"),
		TenantID:             configViper.GetString("tenant.id"),
		DeviceName:           configViper.GetString("device.name"),
		DeviceType:           configViper.GetString("device.type"),
		RemoteDriver:         configViper.GetString("remote.driver"),
		RedisURL:             configViper.GetString("remote.redis_url"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		HeartbeatInterval:    configViper.GetDuration("sync.heartbeat_interval"),
		BackgroundInterval:   configViper.GetDuration("sync.background_interval"),
		CleanupInterval:      configViper.GetDuration("sync.cleanup_interval"),
		StaleAfter:           configViper.GetDuration("sync.stale_after"),
		OfflineTimeout:       configViper.GetDuration("sync.offline_timeout"),
		EventRetention:       configViper.GetDuration("sync.event_retention"),
		PresenceDebounce:     configViper.GetDuration("sync.presence_debounce"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("tenant.id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	switch c.RemoteDriver {
	case "redis":
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("remote.redis_url is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("remote.driver must be redis or memory, got %q", c.RemoteDriver)
	}
	if c.HeartbeatInterval <= 0 || c.BackgroundInterval <= 0 || c.CleanupInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.OfflineTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("sync.offline_timeout must exceed sync.heartbeat_interval")
	}
	return nil
}
