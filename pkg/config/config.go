// Package config loads HostingConfig: the read-mostly snapshot every
// component constructor is handed at startup (§9 "Global mutable state").
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hostingd/pkg/activator"
	"github.com/cuemby/hostingd/pkg/codepackage"
	"github.com/cuemby/hostingd/pkg/lrm"
	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/servicetype"
)

// LRMConfig sizes the per-node CPU/memory budget (§4.5).
type LRMConfig struct {
	CPUCores  float64 `yaml:"cpuCores"`
	MemoryMB  int64   `yaml:"memoryMB"`
}

// CodePackageConfig carries the retry schedule every CodePackage is built
// with (§4.1).
type CodePackageConfig struct {
	BaseRetryInterval                  time.Duration `yaml:"baseRetryInterval"`
	MaxRetryInterval                   time.Duration `yaml:"maxRetryInterval"`
	MaxContinuousFailure               uint64        `yaml:"maxContinuousFailure"`
	ContinuousExitFailureResetInterval time.Duration `yaml:"continuousExitFailureResetInterval"`
}

// ActivatorConfig carries the retry schedule Activator is built with (§4.4).
type ActivatorConfig struct {
	MaxRetryInterval               time.Duration `yaml:"maxRetryInterval"`
	ActivationRetryBackoffInterval time.Duration `yaml:"activationRetryBackoffInterval"`
}

// ServiceTypeConfig configures ServiceTypeStateManager (§4.3).
type ServiceTypeConfig struct {
	DisableThreshold uint64 `yaml:"disableThreshold"`
}

// StorageConfig points at the bbolt database file (§10).
type StorageConfig struct {
	Path string `yaml:"path"`
}

// EnvironmentConfig points at the per-node run-layout root that
// environment.Manager provisions code package working directories under.
type EnvironmentConfig struct {
	RootDir string `yaml:"rootDir"`
}

// LogConfig mirrors pkg/log.Config, expressed as strings so it round-trips
// through YAML cleanly.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"jsonOutput"`
}

// MetricsConfig configures the admin HTTP listener that mounts
// pkg/metrics.Handler() and pkg/hostingquery.Manager.Handler() (§10).
type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// HostingConfig is the full node-local configuration snapshot.
type HostingConfig struct {
	NodeID      string            `yaml:"nodeId"`
	LRM         LRMConfig         `yaml:"lrm"`
	CodePackage CodePackageConfig `yaml:"codePackage"`
	Activator   ActivatorConfig   `yaml:"activator"`
	ServiceType ServiceTypeConfig `yaml:"serviceType"`
	Storage     StorageConfig     `yaml:"storage"`
	Environment EnvironmentConfig `yaml:"environment"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// Default returns the configuration used when no file is supplied and no
// field is overridden by one.
func Default() HostingConfig {
	cpCfg := codepackage.DefaultConfig()
	actCfg := activator.DefaultConfig()
	return HostingConfig{
		NodeID: "node-0",
		LRM: LRMConfig{
			CPUCores: 0, // 0 means unconstrained, per lrm.Manager.AvailableCPUCores
			MemoryMB: 0,
		},
		CodePackage: CodePackageConfig{
			BaseRetryInterval:                  cpCfg.BaseRetryInterval,
			MaxRetryInterval:                   cpCfg.MaxRetryInterval,
			MaxContinuousFailure:               cpCfg.MaxContinuousFailure,
			ContinuousExitFailureResetInterval: cpCfg.ContinuousExitFailureResetInterval,
		},
		Activator: ActivatorConfig{
			MaxRetryInterval:               actCfg.MaxRetryInterval,
			ActivationRetryBackoffInterval: actCfg.ActivationRetryBackoffInterval,
		},
		ServiceType: ServiceTypeConfig{
			DisableThreshold: servicetype.DefaultDisableThreshold,
		},
		Storage: StorageConfig{
			Path: "hostingd.db",
		},
		Environment: EnvironmentConfig{
			RootDir: "/var/lib/hostingd",
		},
		Log: LogConfig{
			Level:      "info",
			JSONOutput: false,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
	}
}

// Load reads path as YAML on top of Default(), so a config file only needs
// to set the fields it wants to override.
func Load(path string) (HostingConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LRMCapacity converts the config's LRM section to lrm.Capacity.
func (c HostingConfig) LRMCapacity() lrm.Capacity {
	return lrm.Capacity{CPUCores: c.LRM.CPUCores, MemoryMB: c.LRM.MemoryMB}
}

// CodePackageOptions converts the config's CodePackage section to
// codepackage.Config.
func (c HostingConfig) CodePackageOptions() codepackage.Config {
	return codepackage.Config{
		BaseRetryInterval:                  c.CodePackage.BaseRetryInterval,
		MaxRetryInterval:                   c.CodePackage.MaxRetryInterval,
		MaxContinuousFailure:               c.CodePackage.MaxContinuousFailure,
		ContinuousExitFailureResetInterval: c.CodePackage.ContinuousExitFailureResetInterval,
	}
}

// ActivatorOptions converts the config's Activator section to
// activator.Config.
func (c HostingConfig) ActivatorOptions() activator.Config {
	return activator.Config{
		MaxRetryInterval:               c.Activator.MaxRetryInterval,
		ActivationRetryBackoffInterval: c.Activator.ActivationRetryBackoffInterval,
	}
}

// LogOptions converts the config's Log section to log.Config.
func (c HostingConfig) LogOptions() log.Config {
	level := log.InfoLevel
	switch c.Log.Level {
	case "debug":
		level = log.DebugLevel
	case "warn":
		level = log.WarnLevel
	case "error":
		level = log.ErrorLevel
	}
	return log.Config{Level: level, JSONOutput: c.Log.JSONOutput}
}
