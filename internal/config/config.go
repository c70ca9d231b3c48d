package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// SubscriptionManagerBackend selects which Reference Subscription Manager
// implementation cmd/busd wires up.
type SubscriptionManagerBackend string

const (
	BackendMemory SubscriptionManagerBackend = "memory"
	BackendRedis  SubscriptionManagerBackend = "redis"
)

// Config holds the process-wide settings for the bus daemon.
type Config struct {
	ListenAddr          string                     `mapstructure:"listen_addr"`
	LogLevel            string                     `mapstructure:"log_level"`
	SubscriptionManager SubscriptionManagerBackend `mapstructure:"subscription_manager"`
	RedisAddr           string                     `mapstructure:"redis_addr"`
	StreamBufferSize    int                        `mapstructure:"stream_buffer_size"`
	UpstreamCallTimeout time.Duration              `mapstructure:"upstream_call_timeout"`
}

// Manager loads and holds the daemon's configuration, matching the
// viper-backed manager shape used elsewhere in this codebase
// (struct + mutex + viper instance, defaults on missing file).
type Manager struct {
	configPath string
	logger     *zap.Logger
	mutex      sync.RWMutex
	viper      *viper.Viper
	config     *Config
}

// NewManager creates a config manager rooted at configPath. configPath may
// be empty, in which case Load searches the default search paths. logger
// may be nil, in which case nothing is logged.
func NewManager(configPath string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	return &Manager{
		configPath: configPath,
		logger:     logger.Named("config"),
		viper:      v,
	}
}

// Load reads configuration from disk/env, falling back to defaults when no
// file is present.
func (m *Manager) Load() (*Config, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.setDefaults()
	m.viper.SetEnvPrefix("BUSD")
	m.viper.AutomaticEnv()

	if m.configPath != "" {
		if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
			m.logger.Warn("config file not found, using defaults", zap.String("path", m.configPath))
		} else {
			m.viper.SetConfigFile(m.configPath)
			if err := m.viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	} else {
		m.viper.SetConfigName("busd")
		m.viper.SetConfigType("yaml")
		m.viper.AddConfigPath(".")
		m.viper.AddConfigPath("/etc/busd")
		if err := m.viper.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config: %w", err)
			}
			m.logger.Info("no config file found in default search paths, using defaults")
		}
	}

	cfg := &Config{}
	if err := m.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	m.config = cfg
	return cfg, nil
}

func (m *Manager) setDefaults() {
	m.viper.SetDefault("listen_addr", ":8089")
	m.viper.SetDefault("log_level", "info")
	m.viper.SetDefault("subscription_manager", string(BackendMemory))
	m.viper.SetDefault("redis_addr", "localhost:6379")
	m.viper.SetDefault("stream_buffer_size", 1)
	m.viper.SetDefault("upstream_call_timeout", "2s")
}
