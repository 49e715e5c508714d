package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Root configuration for the agent.
// This mirrors config/config.yaml.

type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Poll    PollConfig    `yaml:"poll"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type DeviceConfig struct {
	Host     string        `yaml:"host"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DBPath       string `yaml:"db_path"`
	MaxQueueSize int    `yaml:"max_queue_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Output string `yaml:"output"` // console | json
}

func LoadYAML(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	// Defaults
	if cfg.Device.Username == "" {
		cfg.Device.Username = "admin"
	}
	if cfg.Device.Timeout <= 0 {
		cfg.Device.Timeout = 10 * time.Second
	}
	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = 10 * time.Second
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "data/homevolt.db"
	}
	if cfg.Storage.MaxQueueSize <= 0 {
		cfg.Storage.MaxQueueSize = 1000
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9464"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "console"
	}
	// Basic validation
	if cfg.Device.Host == "" {
		return Config{}, fmt.Errorf("device host not configured")
	}
	return cfg, nil
}
