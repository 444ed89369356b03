package models

import (
	"time"

	"github.com/sandrolain/mqtt-relay/src/security/tlsconfig"
)

type EnvConfig struct {
	ConfigFilePath string `env:"MQTT_RELAY_CONFIG_FILE_PATH" default:"config.yaml" validate:"omitempty,filepath"`
	// Optional: raw configuration content (YAML or JSON). If set, it takes precedence over ConfigFilePath.
	ConfigContent string `env:"MQTT_RELAY_CONFIG_CONTENT" validate:"omitempty"`
	// Optional: explicit config format when using ConfigContent. One of: yaml, yml, json.
	ConfigFormat string `env:"MQTT_RELAY_CONFIG_FORMAT" validate:"omitempty,oneof=yaml yml json"`
}

type Config struct {
	Database  DatabaseConfig  `yaml:"database" json:"database" validate:"required"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
	Processor ProcessorConfig `yaml:"processor" json:"processor"`
	Parsers   ParsersConfig   `yaml:"parsers" json:"parsers"`
}

type DatabaseConfig struct {
	// DSN selects the driver by scheme: postgres://... or sqlite://path (":memory:" allowed).
	DSN             string        `yaml:"dsn" json:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" default:"10" validate:"omitempty,min=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" default:"5" validate:"omitempty,min=1"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" default:"30m"`
}

type MQTTConfig struct {
	Address  string            `yaml:"address" json:"address" validate:"required,hostname_port"`
	ClientID string            `yaml:"client_id" json:"client_id"`
	Username string            `yaml:"username" json:"username"`
	Password string            `yaml:"password" json:"password"`
	Topic    string            `yaml:"topic" json:"topic" default:"+/+/+"`
	QoS      int               `yaml:"qos" json:"qos" default:"0" validate:"min=0,max=2"`
	TLS      *tlsconfig.Config `yaml:"tls" json:"tls"`
}

type IngestConfig struct {
	// MetricsAddress serves Prometheus metrics; empty disables the listener.
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address" default:":9090"`
}

type ProcessorConfig struct {
	BatchSize          int           `yaml:"batch_size" json:"batch_size" default:"500" validate:"omitempty,min=1"`
	DepositConcurrency int           `yaml:"deposit_concurrency" json:"deposit_concurrency" default:"1" validate:"omitempty,min=1"`
	MaxAttempts        int           `yaml:"max_attempts" json:"max_attempts" default:"5" validate:"omitempty,min=1"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" json:"retry_backoff" default:"1m"`
	// QualityRule is an optional expression overriding per-point quality.
	QualityRule string `yaml:"quality_rule" json:"quality_rule"`
}

type ParsersConfig struct {
	StoreDir  string        `yaml:"store_dir" json:"store_dir" default:"./parsers"`
	JSTimeout time.Duration `yaml:"js_timeout" json:"js_timeout" default:"5s"`
}
