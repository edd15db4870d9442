// Package config loads the bridge configuration from an optional YAML file
// plus environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/registerlabs/posbridge/pkg/logger"
)

// ServerConfig configures the status API listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GatewayConfig points at the site gateway that hosts the duplex channels and
// the payment endpoints.
type GatewayConfig struct {
	// WSBaseURL is the ws:// or wss:// root for duplex channels.
	WSBaseURL string `yaml:"ws_base_url"`
	// APIBaseURL is the http(s) root for the payment REST endpoints.
	APIBaseURL string `yaml:"api_base_url"`
	Token      string `yaml:"token"`
}

// DevicesConfig bounds hardware operations.
type DevicesConfig struct {
	DrawerTimeout  time.Duration `yaml:"drawer_timeout"`
	PrinterTimeout time.Duration `yaml:"printer_timeout"`
}

// TerminalConfig tunes the payment orchestrator.
type TerminalConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ChannelsConfig tunes the channel registry.
type ChannelsConfig struct {
	// SendRate and SendBurst bound outbound sends across all channels.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// Config is the full bridge configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Gateway  GatewayConfig        `yaml:"gateway"`
	Devices  DevicesConfig        `yaml:"devices"`
	Terminal TerminalConfig       `yaml:"terminal"`
	Channels ChannelsConfig       `yaml:"channels"`
	Logging  logger.LoggingConfig `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8090},
		Gateway: GatewayConfig{
			WSBaseURL:  "ws://127.0.0.1:8000",
			APIBaseURL: "http://127.0.0.1:8000/api/terminal",
		},
		Devices: DevicesConfig{
			DrawerTimeout:  5 * time.Second,
			PrinterTimeout: 10 * time.Second,
		},
		Terminal: TerminalConfig{PollInterval: 2500 * time.Millisecond},
		Channels: ChannelsConfig{SendRate: 50, SendBurst: 25},
	}
}

// Load reads configuration from the file named by POSBRIDGE_CONFIG (or
// config.yaml when present), then applies environment overrides. A missing
// file is not an error; the defaults stand.
func Load() (*Config, error) {
	// .env is a local development convenience only.
	_ = godotenv.Load()

	cfg := Default()

	path := os.Getenv("POSBRIDGE_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.Getenv("POSBRIDGE_CONFIG") != "" {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("POSBRIDGE_WS_URL"); v != "" {
		cfg.Gateway.WSBaseURL = v
	}
	if v := os.Getenv("POSBRIDGE_API_URL"); v != "" {
		cfg.Gateway.APIBaseURL = v
	}
	if v := os.Getenv("POSBRIDGE_API_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("POSBRIDGE_HTTP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("POSBRIDGE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("POSBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Gateway.WSBaseURL == "" {
		return fmt.Errorf("gateway.ws_base_url is required")
	}
	if c.Gateway.APIBaseURL == "" {
		return fmt.Errorf("gateway.api_base_url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Terminal.PollInterval < 0 {
		return fmt.Errorf("terminal.poll_interval must not be negative")
	}
	return nil
}
