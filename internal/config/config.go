package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultBlockSize = 1 << 30

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Driver struct {
		// Kind is auto, cuda or host.
		Kind string `yaml:"kind"`
		// HostDevices is the number of devices the host emulation driver
		// exposes.
		HostDevices int `yaml:"hostDevices"`
	} `yaml:"driver"`
	Device struct {
		Index     int  `yaml:"index"`
		DebugSync bool `yaml:"debugSync"`
		Trace     bool `yaml:"trace"`
	} `yaml:"device"`
	Pinned struct {
		BlockSize int   `yaml:"blockSize"`
		Reserve   int64 `yaml:"reserve"`
	} `yaml:"pinned"`
	Metrics struct {
		ListenAddress   string        `yaml:"listenAddress"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.Logger.Verbosity = "info"
	cfg.Driver.Kind = "auto"
	cfg.Driver.HostDevices = 1
	cfg.Pinned.BlockSize = defaultBlockSize
	cfg.Metrics.ListenAddress = ":9400"
	cfg.Metrics.ShutdownTimeout = 5 * time.Second
	return &cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks values that would otherwise fail deep inside the device
// layer.
func (c *Config) Validate() error {
	switch c.Driver.Kind {
	case "auto", "cuda", "host":
	default:
		return fmt.Errorf("driver.kind must be auto, cuda or host, got %q", c.Driver.Kind)
	}
	if c.Driver.HostDevices < 1 || c.Driver.HostDevices > 16 {
		return fmt.Errorf("driver.hostDevices must be in [1, 16], got %d", c.Driver.HostDevices)
	}
	if c.Device.Index < 0 || c.Device.Index > 15 {
		return fmt.Errorf("device.index must be in [0, 15], got %d", c.Device.Index)
	}
	if c.Pinned.BlockSize <= 0 || c.Pinned.BlockSize%512 != 0 {
		return fmt.Errorf("pinned.blockSize must be a positive multiple of 512, got %d", c.Pinned.BlockSize)
	}
	if c.Pinned.Reserve < 0 {
		return fmt.Errorf("pinned.reserve must not be negative, got %d", c.Pinned.Reserve)
	}
	return nil
}

// GetDefaultConfigPath returns ~/.devcore/config.yaml, or config.yaml in the
// working directory when the home directory is unknown.
func GetDefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".devcore", "config.yaml")
}
