// Package config loads the runtime configuration: ship.json (JSON5, so
// comments and trailing commas are fine) overlaid with environment
// variables. Secrets are env-only and never written back to disk.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Config is the root configuration for the runtime.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Agent     AgentConfig     `json:"agent"`
	Lanes     LanesConfig     `json:"lanes"`
	History   HistoryConfig   `json:"history"`
	Shell     ShellConfig     `json:"shell"`
	Channels  ChannelsConfig  `json:"channels"`
	Tasks     TasksConfig     `json:"tasks"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"-"` // from env SMA_TOKEN only
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"`
}

// AgentConfig configures the turn engine.
type AgentConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	APIKey      string  `json:"-"` // from env SMA_API_KEY only
	MaxSteps    int     `json:"max_steps,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// LanesConfig tunes the scheduler.
type LanesConfig struct {
	Workers int `json:"workers,omitempty"`
	LaneCap int `json:"lane_cap,omitempty"`
}

// HistoryConfig tunes per-context compaction.
type HistoryConfig struct {
	KeepLastMessages     int  `json:"keep_last_messages,omitempty"`
	MaxInputTokensApprox int  `json:"max_input_tokens_approx,omitempty"`
	ArchiveOnCompact     bool `json:"archive_on_compact"`
}

// ShellConfig tunes the session registry.
type ShellConfig struct {
	DefaultShell string `json:"default_shell,omitempty"`
	MaxSessions  int    `json:"max_sessions,omitempty"`
}

// ChannelsConfig holds the chat-platform credentials; secrets come from env.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Feishu   FeishuConfig   `json:"feishu,omitempty"`
	QQ       QQConfig       `json:"qq,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // from env SMA_TELEGRAM_TOKEN only
}

type FeishuConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	AppSecret string `json:"-"` // from env SMA_FEISHU_APP_SECRET only
}

type QQConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	AppID   string `json:"app_id,omitempty"`
	Token   string `json:"-"` // from env SMA_QQ_TOKEN only
}

// TasksConfig configures the scheduled-task runner.
type TasksConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA name, default UTC
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"` // host:port for OTLP/HTTP
	ServiceName  string `json:"service_name,omitempty"`
}

// Default returns a Config with working defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         7600,
			RateLimitRPM: 60,
		},
		Agent: AgentConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			MaxSteps:    30,
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Lanes: LanesConfig{
			Workers: 8,
			LaneCap: 32,
		},
		History: HistoryConfig{
			KeepLastMessages:     30,
			MaxInputTokensApprox: 100_000,
			ArchiveOnCompact:     true,
		},
		Shell: ShellConfig{
			DefaultShell: "bash",
			MaxSessions:  64,
		},
		Tasks: TasksConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "sma",
		},
	}
}

// Load reads ship.json, then overlays env vars. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyCeilings()
	return cfg, nil
}

// applyEnvOverrides overlays env vars; env wins over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SMA_SERVER_HOST", &c.Server.Host)
	envStr("SMA_TOKEN", &c.Server.Token)
	envStr("SMA_API_KEY", &c.Agent.APIKey)
	envStr("SMA_MODEL", &c.Agent.Model)
	envStr("SMA_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("SMA_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("SMA_QQ_TOKEN", &c.Channels.QQ.Token)

	if v := os.Getenv("SMA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	// Channels auto-enable when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}
	if c.Channels.QQ.Token != "" {
		c.Channels.QQ.Enabled = true
	}
}

// applyCeilings clamps user-supplied values to the runtime's hard limits.
func (c *Config) applyCeilings() {
	if c.Lanes.Workers <= 0 || c.Lanes.Workers > 64 {
		c.Lanes.Workers = Default().Lanes.Workers
	}
	if c.Lanes.LaneCap <= 0 || c.Lanes.LaneCap > 256 {
		c.Lanes.LaneCap = Default().Lanes.LaneCap
	}
	if c.Shell.MaxSessions <= 0 || c.Shell.MaxSessions > 64 {
		c.Shell.MaxSessions = Default().Shell.MaxSessions
	}
	if c.Agent.MaxSteps <= 0 || c.Agent.MaxSteps > 100 {
		c.Agent.MaxSteps = Default().Agent.MaxSteps
	}
	if c.History.KeepLastMessages <= 0 {
		c.History.KeepLastMessages = Default().History.KeepLastMessages
	}
}
