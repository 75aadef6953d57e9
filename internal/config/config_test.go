package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ship.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7600 || cfg.Lanes.Workers != 8 || cfg.Lanes.LaneCap != 32 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ship.json")
	content := `{
	// server binding
	server: { host: "0.0.0.0", port: 9000, },
	agent: { model: "claude-opus-4-1" },
	lanes: { workers: 4 },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Agent.Model != "claude-opus-4-1" || cfg.Lanes.Workers != 4 {
		t.Errorf("agent/lanes = %+v / %+v", cfg.Agent, cfg.Lanes)
	}
	// Untouched sections keep defaults.
	if cfg.History.KeepLastMessages != 30 {
		t.Errorf("history = %+v", cfg.History)
	}
}

func TestEnvOverridesAndAutoEnable(t *testing.T) {
	t.Setenv("SMA_SERVER_PORT", "8123")
	t.Setenv("SMA_TOKEN", "secret-token")
	t.Setenv("SMA_TELEGRAM_TOKEN", "tg-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "ship.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8123 || cfg.Server.Token != "secret-token" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
}

func TestCeilingsClampOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ship.json")
	content := `{ lanes: { workers: 9999, lane_cap: -1 }, shell: { max_sessions: 500 }, agent: { max_steps: 1000 } }`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lanes.Workers != 8 || cfg.Lanes.LaneCap != 32 {
		t.Errorf("lanes = %+v", cfg.Lanes)
	}
	if cfg.Shell.MaxSessions != 64 || cfg.Agent.MaxSteps != 30 {
		t.Errorf("shell/agent = %+v / %+v", cfg.Shell, cfg.Agent)
	}
}
