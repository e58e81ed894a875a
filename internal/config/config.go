// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
//
// Precedence, lowest to highest: built-in defaults, the YAML file (with
// ${VAR} expansion), then environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/wazwoot/bridge/internal/models"
)

const defaultConfigPath = "config.yaml"

// Phone and message-id policies accepted by the normalizer.
const (
	LongPhoneForward  = "forward"
	LongPhoneTruncate = "truncate"
	LongPhoneReject   = "reject"

	MissingIDRelay  = "relay"
	MissingIDReject = "reject"
)

// RelayConfig holds the tunables of the relay pipeline.
type RelayConfig struct {
	DedupWindow        time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	DedupCapacity      int           `yaml:"dedup_capacity" env:"DEDUP_CAPACITY"`
	DedupSweepInterval time.Duration `yaml:"dedup_sweep_interval" env:"DEDUP_SWEEP_INTERVAL"`

	QueuePace          time.Duration `yaml:"queue_pace" env:"QUEUE_PACE"`
	QueueBackoff       time.Duration `yaml:"queue_backoff" env:"QUEUE_BACKOFF"`
	QueueMaxRetries    int           `yaml:"queue_max_retries" env:"QUEUE_MAX_RETRIES"`
	QueueStatsInterval time.Duration `yaml:"queue_stats_interval" env:"QUEUE_STATS_INTERVAL"`
	DeliveryTimeout    time.Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`

	EchoSourcePrefix string `yaml:"echo_source_prefix" env:"ECHO_SOURCE_PREFIX"`
	LongPhonePolicy  string `yaml:"long_phone_policy" env:"LONG_PHONE_POLICY"`
	MissingIDPolicy  string `yaml:"missing_id_policy" env:"MISSING_ID_POLICY"`
}

// MediaConfig bounds media downloads.
type MediaConfig struct {
	InboundTimeout  time.Duration `yaml:"inbound_timeout" env:"MEDIA_INBOUND_TIMEOUT"`
	ImageTimeout    time.Duration `yaml:"image_timeout" env:"MEDIA_IMAGE_TIMEOUT"`
	DocumentTimeout time.Duration `yaml:"document_timeout" env:"MEDIA_DOCUMENT_TIMEOUT"`
	AudioTimeout    time.Duration `yaml:"audio_timeout" env:"MEDIA_AUDIO_TIMEOUT"`
	VideoTimeout    time.Duration `yaml:"video_timeout" env:"MEDIA_VIDEO_TIMEOUT"`
	MaxBytes        int64         `yaml:"max_bytes" env:"MEDIA_MAX_BYTES"`
}

// Config holds all configuration for the relay service.
type Config struct {
	// Server
	Port      int    `yaml:"port" env:"PORT"`
	PublicURL string `yaml:"public_url" env:"PUBLIC_URL"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`

	// Integration records: postgres://… uses Postgres, sqlite://… or a
	// bare path uses SQLite. Empty means only the static list below.
	DatabaseURL     string        `yaml:"database_url" env:"DATABASE_URL"`
	RegistryRefresh time.Duration `yaml:"registry_refresh" env:"REGISTRY_REFRESH"`

	// Redis (optional): dedup mirror and dead-letter list.
	RedisURL       string `yaml:"redis_url" env:"REDIS_URL"`
	DedupKeyPrefix string `yaml:"dedup_key_prefix" env:"DEDUP_KEY_PREFIX"`
	DeadLetterKey  string `yaml:"dead_letter_key" env:"DEAD_LETTER_KEY"`

	Relay RelayConfig `yaml:"relay"`
	Media MediaConfig `yaml:"media"`

	Integrations []models.Integration `yaml:"-" env:"-"`
}

// rawIntegration mirrors one YAML integration entry. Enabled is a pointer so
// that an omitted key defaults to true.
type rawIntegration struct {
	TenantKey      string `yaml:"instance_name"`
	GatewayURL     string `yaml:"wuzapi_url"`
	GatewayToken   string `yaml:"wuzapi_token"`
	InboxURL       string `yaml:"chatwoot_url"`
	InboxAccountID int64  `yaml:"chatwoot_account_id"`
	InboxToken     string `yaml:"chatwoot_api_token"`
	InboxID        int64  `yaml:"chatwoot_inbox_id"`
	Enabled        *bool  `yaml:"enabled"`
}

// rawIntegrations carries the integrations section, decoded separately from
// the scalar settings.
type rawIntegrations struct {
	Integrations []rawIntegration `yaml:"integrations"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:            8080,
		LogLevel:        "info",
		RegistryRefresh: 30 * time.Second,
		DedupKeyPrefix:  "relay:seen:",
		DeadLetterKey:   "relay:dead",
		Relay: RelayConfig{
			DedupWindow:        5 * time.Minute,
			DedupCapacity:      1000,
			DedupSweepInterval: time.Minute,
			QueuePace:          time.Second,
			QueueBackoff:       5 * time.Second,
			QueueMaxRetries:    2,
			QueueStatsInterval: time.Minute,
			DeliveryTimeout:    3 * time.Minute,
			EchoSourcePrefix:   "wuzapi_",
			LongPhonePolicy:    LongPhoneForward,
			MissingIDPolicy:    MissingIDRelay,
		},
		Media: MediaConfig{
			InboundTimeout:  30 * time.Second,
			ImageTimeout:    30 * time.Second,
			DocumentTimeout: 60 * time.Second,
			AudioTimeout:    120 * time.Second,
			VideoTimeout:    120 * time.Second,
			MaxBytes:        64 << 20,
		},
	}
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. A missing file is fine unless CONFIG_PATH names it
// explicitly.
func Load() (*Config, error) {
	cfg := Defaults()

	configPath, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || configPath == "" {
		configPath = defaultConfigPath
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := cfg.merge(data); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// defaults + env only
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge overlays a YAML document onto cfg.
func (c *Config) merge(data []byte) error {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return err
	}
	var raw rawIntegrations
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return err
	}

	for _, ri := range raw.Integrations {
		integ := models.Integration{
			TenantKey:      strings.TrimSpace(ri.TenantKey),
			GatewayURL:     strings.TrimRight(strings.TrimSpace(ri.GatewayURL), "/"),
			GatewayToken:   ri.GatewayToken,
			InboxURL:       strings.TrimRight(strings.TrimSpace(ri.InboxURL), "/"),
			InboxAccountID: ri.InboxAccountID,
			InboxToken:     ri.InboxToken,
			InboxID:        ri.InboxID,
			Enabled:        ri.Enabled == nil || *ri.Enabled,
		}
		c.Integrations = append(c.Integrations, integ)
	}
	return nil
}

// Validate checks enumerated settings and numeric bounds.
func (c *Config) Validate() error {
	switch c.Relay.LongPhonePolicy {
	case LongPhoneForward, LongPhoneTruncate, LongPhoneReject:
	default:
		return fmt.Errorf("relay.long_phone_policy: unknown value %q", c.Relay.LongPhonePolicy)
	}
	switch c.Relay.MissingIDPolicy {
	case MissingIDRelay, MissingIDReject:
	default:
		return fmt.Errorf("relay.missing_id_policy: unknown value %q", c.Relay.MissingIDPolicy)
	}
	if c.Relay.DedupCapacity <= 0 {
		return fmt.Errorf("relay.dedup_capacity must be positive, got %d", c.Relay.DedupCapacity)
	}
	if c.Relay.DedupWindow <= 0 {
		return fmt.Errorf("relay.dedup_window must be positive, got %s", c.Relay.DedupWindow)
	}
	if c.Relay.QueueMaxRetries < 0 {
		return fmt.Errorf("relay.queue_max_retries must not be negative, got %d", c.Relay.QueueMaxRetries)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	for i, integ := range c.Integrations {
		missing := make([]string, 0, 3)
		if integ.TenantKey == "" {
			missing = append(missing, "instance_name")
		}
		if integ.GatewayToken == "" {
			missing = append(missing, "wuzapi_token")
		}
		if integ.InboxToken == "" {
			missing = append(missing, "chatwoot_api_token")
		}
		if len(missing) > 0 {
			return fmt.Errorf("integrations[%d] (%q): missing %s", i, integ.TenantKey, strings.Join(missing, ", "))
		}
	}
	if c.DatabaseURL == "" && len(c.Integrations) == 0 {
		return fmt.Errorf("no integrations configured: set DATABASE_URL or list integrations in config.yaml")
	}
	return nil
}

// WebhookURL returns the gateway webhook URL for a tenant, or "" without a
// public URL.
func (c *Config) WebhookURL(tenantKey string) string {
	if c.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicURL, "/") + "/webhook/" + tenantKey
}
