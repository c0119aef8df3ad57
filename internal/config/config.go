// Package config loads service configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all rulesrv settings.
type Config struct {
	HTTPAddr    string       `yaml:"http_addr"`
	DatabaseURL string       `yaml:"database_url"`
	RedisURL    string       `yaml:"redis_url"`
	MQTT        MQTTConfig   `yaml:"mqtt"`
	Engine      EngineConfig `yaml:"engine"`
	Retry       RetryConfig  `yaml:"retry"`
}

// MQTTConfig describes the broker connection and the topics rulesrv
// listens on and publishes to.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	DataTopic  string `yaml:"data_topic"`
	AlarmTopic string `yaml:"alarm_topic"`
	AlarmOut   string `yaml:"alarm_out_topic"`
}

// EngineConfig holds evaluation knobs.
type EngineConfig struct {
	MaxParallelExecutions   int     `yaml:"max_parallel_executions"`
	QueueSize               int     `yaml:"queue_size"`
	ExecutionTimeoutSeconds int     `yaml:"execution_timeout_seconds"`
	ReadTimeoutMillis       int     `yaml:"read_timeout_millis"`
	WriteTimeoutMillis      int     `yaml:"write_timeout_millis"`
	HistoryLimit            int     `yaml:"history_limit"`
	Epsilon                 float64 `yaml:"epsilon"`
}

// RetryConfig holds the action retry policy.
type RetryConfig struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialDelayMillis  int     `yaml:"initial_delay_millis"`
	Multiplier          float64 `yaml:"multiplier"`
	MaxDelayMillis      int     `yaml:"max_delay_millis"`
	NotifyTimeoutMillis int     `yaml:"notify_timeout_millis"`
}

// Load returns defaults overlaid with the YAML file named by RULESRV_CONFIG
// (if set) and then with individual environment variables.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr: ":8080",
		RedisURL: "redis://localhost:6379",
		MQTT: MQTTConfig{
			ClientID:   "rulesrv",
			DataTopic:  "shadow/changes",
			AlarmTopic: "alarms/state",
			AlarmOut:   "alarms/events",
		},
		Engine: EngineConfig{
			MaxParallelExecutions:   8,
			QueueSize:               256,
			ExecutionTimeoutSeconds: 30,
			ReadTimeoutMillis:       2000,
			WriteTimeoutMillis:      2000,
			HistoryLimit:            200,
			Epsilon:                 1e-9,
		},
		Retry: RetryConfig{
			MaxAttempts:         3,
			InitialDelayMillis:  100,
			Multiplier:          2.0,
			MaxDelayMillis:      5000,
			NotifyTimeoutMillis: 5000,
		},
	}

	if path := os.Getenv("RULESRV_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getenvDefault("REDIS_URL", cfg.RedisURL)
	cfg.MQTT.Broker = getenvDefault("MQTT_BROKER", cfg.MQTT.Broker)

	if cfg.Engine.MaxParallelExecutions < 1 {
		return cfg, errors.New("config: max_parallel_executions must be at least 1")
	}
	if cfg.Engine.QueueSize < 1 {
		return cfg, errors.New("config: queue_size must be at least 1")
	}
	return cfg, nil
}

// ExecutionTimeout returns the per-rule execution budget.
func (c EngineConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

// ReadTimeout returns the per-read value store deadline.
func (c EngineConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMillis) * time.Millisecond
}

// WriteTimeout returns the per-write value store deadline.
func (c EngineConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMillis) * time.Millisecond
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
