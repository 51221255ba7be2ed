// SPDX-License-Identifier: MIT

// Package config loads aidgate configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the complete runtime configuration of the daemon.
type AppConfig struct {
	ListenAddr  string `yaml:"listen"`
	MetricsAddr string `yaml:"metricsAddr"`

	LogLevel string `yaml:"logLevel"`

	// Shared job store. Empty DSN leaves the store unavailable; dispatch
	// endpoints then fail open with INTERNAL_ERROR until an operator fixes it.
	JobStoreDSN            string        `yaml:"jobStoreDSN"`
	JobStoreConnectBudget  time.Duration `yaml:"jobStoreConnectBudget"`
	JobStoreMaxConnections int           `yaml:"jobStoreMaxConnections"`

	// Local encoder registry.
	RegistryPath string `yaml:"registryPath"`
	RegistrySeed string `yaml:"registrySeed"`

	// Operator notifications. Empty URL disables all notifications silently.
	WebhookURL string `yaml:"webhookURL"`

	// Remote cluster node directory for encoder display metadata.
	DirectoryURL string `yaml:"directoryURL"`
	CacheBackend string `yaml:"cacheBackend"` // memory | redis | badger
	RedisAddr    string `yaml:"redisAddr"`
	RedisDB      int    `yaml:"redisDB"`
	BadgerDir    string `yaml:"badgerDir"`

	// Background loops.
	ClaimTTL        time.Duration `yaml:"claimTTL"`
	MonitorInterval time.Duration `yaml:"monitorInterval"`
	HealerInterval  time.Duration `yaml:"healerInterval"`

	// API hardening.
	RateLimitRPM int `yaml:"rateLimitRPM"`

	TLSCert string `yaml:"tlsCert"`
	TLSKey  string `yaml:"tlsKey"`

	// Tracing (optional OTLP export).
	TracingEnabled  bool    `yaml:"tracingEnabled"`
	TracingExporter string  `yaml:"tracingExporter"` // grpc | http
	TracingEndpoint string  `yaml:"tracingEndpoint"`
	TracingSampling float64 `yaml:"tracingSampling"`
}

// Defaults returns the built-in configuration defaults.
func Defaults() AppConfig {
	return AppConfig{
		ListenAddr:             ":8080",
		LogLevel:               "info",
		JobStoreConnectBudget:  5 * time.Second,
		JobStoreMaxConnections: 10,
		RegistryPath:           "aidgate-registry.db",
		CacheBackend:           "memory",
		ClaimTTL:               60 * time.Minute,
		MonitorInterval:        5 * time.Minute,
		HealerInterval:         60 * time.Minute,
		RateLimitRPM:           300,
		TracingExporter:        "grpc",
		TracingSampling:        0.1,
	}
}

// Load builds the effective configuration: defaults, overridden by an optional
// YAML file, overridden by environment variables.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.ListenAddr = ParseString("AIDGATE_LISTEN", cfg.ListenAddr)
	cfg.MetricsAddr = ParseString("AIDGATE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = ParseString("AIDGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.JobStoreDSN = ParseString("AIDGATE_JOBSTORE_DSN", cfg.JobStoreDSN)
	cfg.JobStoreConnectBudget = ParseDuration("AIDGATE_JOBSTORE_CONNECT_BUDGET", cfg.JobStoreConnectBudget)
	cfg.JobStoreMaxConnections = ParseInt("AIDGATE_JOBSTORE_MAX_CONNS", cfg.JobStoreMaxConnections)
	cfg.RegistryPath = ParseString("AIDGATE_REGISTRY_PATH", cfg.RegistryPath)
	cfg.RegistrySeed = ParseString("AIDGATE_REGISTRY_SEED", cfg.RegistrySeed)
	cfg.WebhookURL = ParseString("AIDGATE_WEBHOOK_URL", cfg.WebhookURL)
	cfg.DirectoryURL = ParseString("AIDGATE_DIRECTORY_URL", cfg.DirectoryURL)
	cfg.CacheBackend = ParseString("AIDGATE_CACHE_BACKEND", cfg.CacheBackend)
	cfg.RedisAddr = ParseString("AIDGATE_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisDB = ParseInt("AIDGATE_REDIS_DB", cfg.RedisDB)
	cfg.BadgerDir = ParseString("AIDGATE_BADGER_DIR", cfg.BadgerDir)
	cfg.ClaimTTL = ParseDuration("AIDGATE_CLAIM_TTL", cfg.ClaimTTL)
	cfg.MonitorInterval = ParseDuration("AIDGATE_MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.HealerInterval = ParseDuration("AIDGATE_HEALER_INTERVAL", cfg.HealerInterval)
	cfg.RateLimitRPM = ParseInt("AIDGATE_RATE_LIMIT_RPM", cfg.RateLimitRPM)
	cfg.TLSCert = ParseString("AIDGATE_TLS_CERT", cfg.TLSCert)
	cfg.TLSKey = ParseString("AIDGATE_TLS_KEY", cfg.TLSKey)
	cfg.TracingEnabled = ParseBool("AIDGATE_TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingExporter = ParseString("AIDGATE_TRACING_EXPORTER", cfg.TracingExporter)
	cfg.TracingEndpoint = ParseString("AIDGATE_TRACING_ENDPOINT", cfg.TracingEndpoint)
	cfg.TracingSampling = ParseFloat("AIDGATE_TRACING_SAMPLING", cfg.TracingSampling)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working daemon.
func (c AppConfig) Validate() error {
	if c.RegistryPath == "" {
		return fmt.Errorf("config: registry path must not be empty")
	}
	switch c.CacheBackend {
	case "memory", "redis", "badger":
	default:
		return fmt.Errorf("config: unknown cache backend %q (supported: memory, redis, badger)", c.CacheBackend)
	}
	if c.CacheBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("config: cache backend is redis but AIDGATE_REDIS_ADDR is not set")
	}
	if c.CacheBackend == "badger" && c.BadgerDir == "" {
		return fmt.Errorf("config: cache backend is badger but AIDGATE_BADGER_DIR is not set")
	}
	if c.ClaimTTL <= c.MonitorInterval {
		return fmt.Errorf("config: claim TTL (%s) must exceed monitor interval (%s)", c.ClaimTTL, c.MonitorInterval)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("config: TLS cert and key must be set together")
	}
	return nil
}
