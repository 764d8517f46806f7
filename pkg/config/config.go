// Copyright 2023 The gnatmq-go Authors
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

// Package config provides configuration management for the broker:
// listener addresses, QoS retransmission tuning, session storage backend
// selection and retained message limits.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// StorageConfig selects the session/retained-message storage backend.
type StorageConfig struct {
	// Backend is "memory" or "badger".
	Backend string `yaml:"backend" json:"backend"`
	// Dir is the BadgerDB data directory, required for the badger
	// backend.
	Dir string `yaml:"dir" json:"dir"`
}

// InflightConfig tunes the per-connection QoS state machine.
type InflightConfig struct {
	// RetryIntervalSeconds is the acknowledgment deadline per attempt.
	RetryIntervalSeconds int `yaml:"retry_interval_seconds" json:"retry_interval_seconds"`
	// MaxRetries bounds retransmissions before a context is abandoned.
	// Zero selects the inflight queue's default of 3.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// MaxInflight caps outstanding outbound packet identifiers per
	// connection.
	MaxInflight int `yaml:"max_inflight" json:"max_inflight"`
}

// BrokerConfig is the top-level broker configuration.
type BrokerConfig struct {
	NodeID      string `yaml:"node_id" json:"node_id"`
	TCPAddr     string `yaml:"tcp_addr" json:"tcp_addr"`
	WSAddr      string `yaml:"ws_addr" json:"ws_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	Inflight InflightConfig `yaml:"inflight" json:"inflight"`

	// MaxOfflineMessages caps the offline queue per persistent session.
	MaxOfflineMessages int `yaml:"max_offline_messages" json:"max_offline_messages"`

	// MaxRetainedMessages and MaxRetainedPayload bound the retainer.
	MaxRetainedMessages int   `yaml:"max_retained_messages" json:"max_retained_messages"`
	MaxRetainedPayload  int64 `yaml:"max_retained_payload" json:"max_retained_payload"`

	Storage StorageConfig `yaml:"storage" json:"storage"`
}

// Config holds the complete configuration file.
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			NodeID:      "gnatmq-node",
			TCPAddr:     ":1883",
			WSAddr:      "",
			MetricsAddr: ":8082",
			Inflight: InflightConfig{
				RetryIntervalSeconds: 10,
				MaxRetries:           3,
				MaxInflight:          65535,
			},
			MaxOfflineMessages:  10000,
			MaxRetainedMessages: 10000,
			MaxRetainedPayload:  1024 * 1024,
			Storage: StorageConfig{
				Backend: "memory",
			},
		},
	}
}

// RetryInterval returns the configured retransmission deadline.
func (c *InflightConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// LoadConfig loads configuration from a file. An empty path yields the
// default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	b := &config.Broker
	if b.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if b.TCPAddr == "" {
		return fmt.Errorf("tcp_addr cannot be empty")
	}
	if b.Inflight.RetryIntervalSeconds <= 0 {
		return fmt.Errorf("retry_interval_seconds must be positive")
	}
	if b.Inflight.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if b.Inflight.MaxInflight <= 0 || b.Inflight.MaxInflight > 65535 {
		return fmt.Errorf("max_inflight must be between 1 and 65535")
	}

	switch b.Storage.Backend {
	case "memory":
	case "badger":
		if b.Storage.Dir == "" {
			return fmt.Errorf("storage dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (supported: memory, badger)", b.Storage.Backend)
	}

	return nil
}
