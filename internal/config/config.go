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
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RetryConfig bounds retries of transient infrastructure errors.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	MaxJitter      time.Duration
}

// OpenAIConfig configures the response matcher.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// AutoReplyConfig is the reply policy.
type AutoReplyConfig struct {
	Threshold       int
	FallbackMessage string
	GuardTTL        time.Duration
}

// EventsConfig selects the event sink.
type EventsConfig struct {
	Sink    string // "redis", "amqp" or "none"
	Queue   string
	MaxLen  int64
	AMQPURL string
}

// ArchiveConfig configures raw webhook archival. An empty bucket disables it.
type ArchiveConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
	PathStyle bool
}

// MaintenanceConfig holds the housekeeping schedules.
type MaintenanceConfig struct {
	SweepSpec        string
	PendingStatusTTL time.Duration
	ExpirySpec       string
	ExpiryWarning    time.Duration
}

// Config holds all configuration for the ingestion service.
type Config struct {
	DatabaseURL string
	RedisURL    string

	Port           int
	ProcessTimeout time.Duration

	// Webhook
	AppSecret   string
	VerifyToken string

	// Graph API
	GraphBaseURL string
	GraphVersion string
	GraphTimeout time.Duration

	// Security
	EncryptionKey string
	JWTSecret     string

	OpenAI      OpenAIConfig
	AutoReply   AutoReplyConfig
	Retry       RetryConfig
	Events      EventsConfig
	Archive     ArchiveConfig
	Maintenance MaintenanceConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Webhook struct {
		AppSecret   string `yaml:"app_secret"`
		VerifyToken string `yaml:"verify_token"`
	} `yaml:"webhook"`
	Graph struct {
		BaseURL string `yaml:"base_url"`
		Version string `yaml:"version"`
	} `yaml:"graph"`
	Security struct {
		EncryptionKey string `yaml:"encryption_key"`
		JWTSecret     string `yaml:"jwt_secret"`
	} `yaml:"security"`
	OpenAI struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"openai"`
	AutoReply struct {
		Threshold       *int   `yaml:"threshold"`
		FallbackMessage string `yaml:"fallback_message"`
	} `yaml:"autoreply"`
	Events struct {
		Sink    string `yaml:"sink"`
		Queue   string `yaml:"queue"`
		AMQPURL string `yaml:"amqp_url"`
	} `yaml:"events"`
	Archive struct {
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Prefix    string `yaml:"prefix"`
		PathStyle bool   `yaml:"path_style"`
	} `yaml:"archive"`
	Maintenance struct {
		SweepSpec  string `yaml:"sweep_spec"`
		ExpirySpec string `yaml:"expiry_spec"`
	} `yaml:"maintenance"`
}

// Load reads an optional .env file, then config.yaml (with env var
// expansion), then environment variables for anything the YAML leaves unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}

	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("config file not found, using environment only", "path", configPath)
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL:    firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:       firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		Port:           firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		ProcessTimeout: envOrDefaultDuration("WEBHOOK_PROCESS_TIMEOUT", 60*time.Second),

		AppSecret:   firstNonEmpty(raw.Webhook.AppSecret, os.Getenv("WHATSAPP_APP_SECRET")),
		VerifyToken: firstNonEmpty(raw.Webhook.VerifyToken, os.Getenv("WHATSAPP_VERIFY_TOKEN")),

		GraphBaseURL: firstNonEmpty(raw.Graph.BaseURL, envOrDefault("GRAPH_BASE_URL", "https://graph.facebook.com")),
		GraphVersion: firstNonEmpty(raw.Graph.Version, envOrDefault("GRAPH_API_VERSION", "v21.0")),
		GraphTimeout: envOrDefaultDuration("GRAPH_TIMEOUT", 15*time.Second),

		EncryptionKey: firstNonEmpty(raw.Security.EncryptionKey, os.Getenv("TOKEN_ENCRYPTION_KEY")),
		JWTSecret:     firstNonEmpty(raw.Security.JWTSecret, os.Getenv("JWT_SECRET")),

		OpenAI: OpenAIConfig{
			APIKey:  firstNonEmpty(raw.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")),
			BaseURL: firstNonEmpty(raw.OpenAI.BaseURL, os.Getenv("OPENAI_BASE_URL")),
			Model:   firstNonEmpty(raw.OpenAI.Model, envOrDefault("OPENAI_MODEL", "gpt-4o-mini")),
			Timeout: envOrDefaultDuration("OPENAI_TIMEOUT", 20*time.Second),
		},
		AutoReply: AutoReplyConfig{
			Threshold:       thresholdOrEnv(raw.AutoReply.Threshold),
			FallbackMessage: firstNonEmpty(raw.AutoReply.FallbackMessage, os.Getenv("AUTOREPLY_FALLBACK_MESSAGE")),
			GuardTTL:        envOrDefaultDuration("AUTOREPLY_GUARD_TTL", 24*time.Hour),
		},
		Retry: RetryConfig{
			MaxAttempts:    envOrDefaultInt("RETRY_MAX_ATTEMPTS", 4),
			InitialDelay:   envOrDefaultDuration("RETRY_INITIAL_DELAY", 500*time.Millisecond),
			MaxDelay:       envOrDefaultDuration("RETRY_MAX_DELAY", 10*time.Second),
			AttemptTimeout: envOrDefaultDuration("RETRY_ATTEMPT_TIMEOUT", 10*time.Second),
			MaxJitter:      envOrDefaultDuration("RETRY_MAX_JITTER", time.Second),
		},
		Events: EventsConfig{
			Sink:    strings.ToLower(firstNonEmpty(raw.Events.Sink, envOrDefault("EVENTS_SINK", "redis"))),
			Queue:   firstNonEmpty(raw.Events.Queue, envOrDefault("EVENTS_QUEUE", "whatsapp_events")),
			MaxLen:  int64(envOrDefaultInt("EVENTS_MAX_LEN", 10000)),
			AMQPURL: firstNonEmpty(raw.Events.AMQPURL, os.Getenv("AMQP_URL")),
		},
		Archive: ArchiveConfig{
			Bucket:    firstNonEmpty(raw.Archive.Bucket, os.Getenv("ARCHIVE_BUCKET")),
			Region:    firstNonEmpty(raw.Archive.Region, envOrDefault("ARCHIVE_REGION", "us-east-1")),
			Endpoint:  firstNonEmpty(raw.Archive.Endpoint, os.Getenv("ARCHIVE_ENDPOINT")),
			AccessKey: firstNonEmpty(raw.Archive.AccessKey, os.Getenv("ARCHIVE_ACCESS_KEY")),
			SecretKey: firstNonEmpty(raw.Archive.SecretKey, os.Getenv("ARCHIVE_SECRET_KEY")),
			Prefix:    firstNonEmpty(raw.Archive.Prefix, envOrDefault("ARCHIVE_PREFIX", "webhooks")),
			PathStyle: raw.Archive.PathStyle || envOrDefaultBool("ARCHIVE_PATH_STYLE", false),
		},
		Maintenance: MaintenanceConfig{
			SweepSpec:        firstNonEmpty(raw.Maintenance.SweepSpec, envOrDefault("MAINTENANCE_SWEEP_SPEC", "@every 1h")),
			PendingStatusTTL: envOrDefaultDuration("PENDING_STATUS_TTL", 24*time.Hour),
			ExpirySpec:       firstNonEmpty(raw.Maintenance.ExpirySpec, envOrDefault("MAINTENANCE_EXPIRY_SPEC", "0 0 8 * * *")),
			ExpiryWarning:    envOrDefaultDuration("CREDENTIAL_EXPIRY_WARNING", 7*24*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("TOKEN_ENCRYPTION_KEY is required"))
	}
	if c.AppSecret == "" {
		slog.Warn("WHATSAPP_APP_SECRET is not set, signature verification disabled and all webhook deliveries accepted")
	}
	if c.AutoReply.Threshold < 0 || c.AutoReply.Threshold > 100 {
		errs = append(errs, fmt.Errorf("autoreply threshold %d is outside 0..100", c.AutoReply.Threshold))
	}
	switch c.Events.Sink {
	case "redis", "none":
	case "amqp":
		if c.Events.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required for the amqp event sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events sink %q", c.Events.Sink))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// thresholdOrEnv keeps an explicit YAML threshold, including 0.
func thresholdOrEnv(yamlValue *int) int {
	if yamlValue != nil {
		return *yamlValue
	}
	return envOrDefaultInt("AUTOREPLY_THRESHOLD", 70)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
