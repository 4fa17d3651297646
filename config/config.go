// Package config loads Polaris' configuration surface (§6) from YAML, with
// environment-variable overrides for the handful of values the teacher's
// main.go reads from os.Getenv instead (pod sharding, Redis address).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/polarisfabric/polaris/token"
)

// Pool sizes a bounded worker pool. A zero MaxSize means "unbounded" per §6.
type Pool struct {
	CoreSize     int `yaml:"coreSize"`
	MaxSize      int `yaml:"maxSize"`
	QueueCapacity int `yaml:"queueCapacity"`
}

// OAuth2 is one environment's token-acquisition configuration.
type OAuth2 struct {
	TokenURI      string   `yaml:"tokenUri"`
	ClientID      string   `yaml:"clientId"`
	ClientSecret  string   `yaml:"clientSecret"`
	Scopes        []string `yaml:"scopes"`
	CronTokenFetch string  `yaml:"cronTokenFetch"`
}

// Config is the full configuration surface named in §6.
type Config struct {
	PollingIntervalMs          int `yaml:"pollingIntervalMs"`
	PollingBatchSize           int `yaml:"pollingBatchSize"`
	PickingTimeoutMs           int `yaml:"pickingTimeoutMs"`
	RepublishingBatchSize      int `yaml:"republishingBatchSize"`
	RepublishingTimeoutMs      int `yaml:"republishingTimeoutMs"`
	DeliveringStatesOffsetMins int `yaml:"deliveringStatesOffsetMins"`
	RequestCooldownResetMins   int `yaml:"requestCooldownResetMins"`
	RequestDelayMins           int `yaml:"requestDelayMins"`

	MaxTimeoutMs   int `yaml:"maxTimeout"`
	MaxConnections int `yaml:"maxConnections"`

	SuccessfulStatusCodes []int `yaml:"successfulStatusCodes"`

	ReconcilerPool  Pool `yaml:"reconcilerThreadpool"`
	RepublisherPool Pool `yaml:"republisherThreadpool"`

	OAuth2Environments map[string]OAuth2 `yaml:"oauth2"`

	RedisAddr string `yaml:"redisAddr"`
	PodIndex  int    `yaml:"podIndex"`
	PodCount  int    `yaml:"podCount"`
}

// Defaults matches the concrete defaults spec.md states explicitly.
func Defaults() Config {
	return Config{
		PollingIntervalMs:          30_000,
		PollingBatchSize:           100,
		PickingTimeoutMs:           5_000,
		RepublishingBatchSize:      20,
		RepublishingTimeoutMs:      60_000,
		DeliveringStatesOffsetMins: 15,
		RequestCooldownResetMins:   60,
		RequestDelayMins:           1,
		MaxTimeoutMs:               5_000,
		MaxConnections:             100,
		SuccessfulStatusCodes:      []int{200, 201, 202, 204},
	}
}

// Load reads YAML from path, merges it over Defaults(), and applies the
// environment-variable overrides the teacher's main.go reads directly.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	if idx := os.Getenv("POD_INDEX"); idx != "" {
		if v, err := strconv.Atoi(idx); err == nil {
			cfg.PodIndex = v
		}
	}
	if cnt := os.Getenv("POD_COUNT"); cnt != "" {
		if v, err := strconv.Atoi(cnt); err == nil {
			cfg.PodCount = v
		}
	}
}

func (c Config) PollingInterval() time.Duration     { return time.Duration(c.PollingIntervalMs) * time.Millisecond }
func (c Config) PickingTimeout() time.Duration       { return time.Duration(c.PickingTimeoutMs) * time.Millisecond }
func (c Config) RepublishingTimeout() time.Duration  { return time.Duration(c.RepublishingTimeoutMs) * time.Millisecond }
func (c Config) DeliveringStatesOffset() time.Duration {
	return time.Duration(c.DeliveringStatesOffsetMins) * time.Minute
}
func (c Config) CooldownResetWindow() time.Duration {
	return time.Duration(c.RequestCooldownResetMins) * time.Minute
}
func (c Config) RequestDelay() time.Duration { return time.Duration(c.RequestDelayMins) * time.Minute }
func (c Config) MaxTimeout() time.Duration   { return time.Duration(c.MaxTimeoutMs) * time.Millisecond }

// TokenEnvironments converts the YAML oauth2 section into the map
// token.NewClientCredentialsProvider expects.
func (c Config) TokenEnvironments() map[string]token.EnvironmentConfig {
	out := make(map[string]token.EnvironmentConfig, len(c.OAuth2Environments))
	for env, o := range c.OAuth2Environments {
		out[env] = token.EnvironmentConfig{TokenURI: o.TokenURI, ClientID: o.ClientID, ClientSecret: o.ClientSecret, Scopes: o.Scopes}
	}
	return out
}
