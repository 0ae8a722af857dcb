// Package config loads the configuration keys §6 of the gateway spec lists
// ("sendHost, sendPort, receiveHost, receivePort, connectTimeoutMs, ...")
// via viper, the way marmos91/dittofs's pkg/config loads its own Config:
// environment variables take precedence over an optional YAML file, which
// takes precedence over defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/paynet/iso-fep/internal/supervisor"
)

// Config is the full set of keys the core consumes, plus the server-side
// and institution keys the CLI entrypoints need.
type Config struct {
	SendHost    string `mapstructure:"send_host"`
	SendPort    int    `mapstructure:"send_port"`
	ReceiveHost string `mapstructure:"receive_host"`
	ReceivePort int    `mapstructure:"receive_port"`

	ConnectTimeoutMs    int    `mapstructure:"connect_timeout_ms"`
	ReadTimeoutMs       int    `mapstructure:"read_timeout_ms"`
	HeartbeatIntervalMs int    `mapstructure:"heartbeat_interval_ms"`
	AutoReconnect       bool   `mapstructure:"auto_reconnect"`
	ReconnectMaxAttempts int   `mapstructure:"reconnect_max_attempts"`
	FailureStrategy     string `mapstructure:"failure_strategy"`

	InstitutionID string `mapstructure:"institution_id"`
	MaxInFlight   int    `mapstructure:"max_in_flight"`

	FieldDefinitionSource string `mapstructure:"field_definition_source"`

	ServerListenAddr    string `mapstructure:"server_listen_addr"`
	ServerReplyBoundMs  int    `mapstructure:"server_reply_bound_ms"`

	CryptoAddr     string `mapstructure:"crypto_addr"`
	ReconcilerAddr string `mapstructure:"reconciler_addr"`

	KafkaBrokers  []string `mapstructure:"kafka_brokers"`
	KafkaTopic    string   `mapstructure:"kafka_topic"`
	CallbackTTLMs int      `mapstructure:"callback_ttl_ms"`

	DashboardAddr string `mapstructure:"dashboard_addr"`
}

// Default returns the configuration defaults applied before file/env
// overrides, matching DefaultConfig's values in internal/supervisor.
func Default() Config {
	return Config{
		SendHost:             "127.0.0.1",
		SendPort:             5000,
		ReceiveHost:          "127.0.0.1",
		ReceivePort:          5001,
		ConnectTimeoutMs:     5000,
		ReadTimeoutMs:        30000,
		HeartbeatIntervalMs:  60000,
		AutoReconnect:        true,
		ReconnectMaxAttempts: 10,
		FailureStrategy:      "FAIL_WHEN_EITHER_DOWN",
		MaxInFlight:          1000,
		ServerListenAddr:     ":6000",
		ServerReplyBoundMs:   5000,
		CallbackTTLMs:        30000,
		KafkaBrokers:          []string{"localhost:9092"},
		KafkaTopic:            "fep-workflow",
		DashboardAddr:         ":8080",
		FieldDefinitionSource: "config/fields_fisc.csv",
	}
}

// Load reads configuration from an optional file at path, then environment
// variables prefixed FEP_, overlaid on Default(). An empty path skips the
// file read entirely rather than erroring, mirroring dittofs's Load when no
// config file is found.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("send_host", def.SendHost)
	v.SetDefault("send_port", def.SendPort)
	v.SetDefault("receive_host", def.ReceiveHost)
	v.SetDefault("receive_port", def.ReceivePort)
	v.SetDefault("connect_timeout_ms", def.ConnectTimeoutMs)
	v.SetDefault("read_timeout_ms", def.ReadTimeoutMs)
	v.SetDefault("heartbeat_interval_ms", def.HeartbeatIntervalMs)
	v.SetDefault("auto_reconnect", def.AutoReconnect)
	v.SetDefault("reconnect_max_attempts", def.ReconnectMaxAttempts)
	v.SetDefault("failure_strategy", def.FailureStrategy)
	v.SetDefault("max_in_flight", def.MaxInFlight)
	v.SetDefault("server_listen_addr", def.ServerListenAddr)
	v.SetDefault("server_reply_bound_ms", def.ServerReplyBoundMs)
	v.SetDefault("callback_ttl_ms", def.CallbackTTLMs)
	v.SetDefault("kafka_brokers", def.KafkaBrokers)
	v.SetDefault("kafka_topic", def.KafkaTopic)
	v.SetDefault("dashboard_addr", def.DashboardAddr)
	v.SetDefault("field_definition_source", def.FieldDefinitionSource)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// FailurePolicy parses FailureStrategy into its supervisor.FailurePolicy
// value, defaulting to FailWhenEitherDown for an unrecognized string.
func (c *Config) FailurePolicy() supervisor.FailurePolicy {
	switch strings.ToUpper(strings.TrimSpace(c.FailureStrategy)) {
	case "FAIL_WHEN_BOTH_DOWN":
		return supervisor.FailWhenBothDown
	case "REQUIRE_BOTH_FOR_SEND":
		return supervisor.RequireBothForSend
	default:
		return supervisor.FailWhenEitherDown
	}
}

// SupervisorConfig builds a supervisor.Config from the core connection keys.
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		SendHost:             c.SendHost,
		SendPort:             c.SendPort,
		ReceiveHost:          c.ReceiveHost,
		ReceivePort:          c.ReceivePort,
		ConnectTimeout:       time.Duration(c.ConnectTimeoutMs) * time.Millisecond,
		ReadTimeout:          time.Duration(c.ReadTimeoutMs) * time.Millisecond,
		HeartbeatInterval:    time.Duration(c.HeartbeatIntervalMs) * time.Millisecond,
		AutoReconnect:        c.AutoReconnect,
		ReconnectMaxAttempts: c.ReconnectMaxAttempts,
		FailureStrategy:      c.FailurePolicy(),
		InstitutionID:        c.InstitutionID,
		MaxInFlight:          c.MaxInFlight,
	}
}
