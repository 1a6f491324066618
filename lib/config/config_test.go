// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Paths.Sessions != "/var/lib/foyer/sessions" {
		t.Errorf("sessions dir %q", cfg.Paths.Sessions)
	}
	if cfg.Display.Min != 20 || cfg.Display.Max != 1000 {
		t.Errorf("display range [%d, %d)", cfg.Display.Min, cfg.Display.Max)
	}
	if cfg.Agent.StartTimeout.Std() != 30*time.Second {
		t.Errorf("start timeout %v", cfg.Agent.StartTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadRequiresEnv(t *testing.T) {
	original := os.Getenv(EnvConfigPath)
	defer os.Setenv(EnvConfigPath, original)

	os.Unsetenv(EnvConfigPath)
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without FOYER_CONFIG")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foyer.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
paths:
  sessions: /srv/foyer/sessions
agent:
  binary: /opt/nx/bin/nxagent
  start_timeout: 45s
display:
  min: 100
  max: 200
commands:
  console: /usr/bin/urxvt
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Sessions != "/srv/foyer/sessions" {
		t.Errorf("sessions dir %q", cfg.Paths.Sessions)
	}
	if cfg.Agent.Binary != "/opt/nx/bin/nxagent" {
		t.Errorf("agent binary %q", cfg.Agent.Binary)
	}
	if cfg.Agent.StartTimeout.Std() != 45*time.Second {
		t.Errorf("start timeout %v", cfg.Agent.StartTimeout)
	}
	if cfg.Display.Min != 100 || cfg.Display.Max != 200 {
		t.Errorf("display range [%d, %d)", cfg.Display.Min, cfg.Display.Max)
	}
	// Untouched fields keep their defaults.
	if cfg.Agent.Xauth != "/usr/bin/xauth" {
		t.Errorf("xauth %q", cfg.Agent.Xauth)
	}
	if cfg.Commands.KDE != "/usr/bin/startkde" {
		t.Errorf("kde command %q", cfg.Commands.KDE)
	}
	if cfg.Commands.Console != "/usr/bin/urxvt" {
		t.Errorf("console command %q", cfg.Commands.Console)
	}
}

func TestLoadFileEmptyIsDefault(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Sessions != Default().Paths.Sessions {
		t.Errorf("sessions dir %q", cfg.Paths.Sessions)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	tests := []string{
		"display:\n  min: 500\n  max: 100\n",
		"agent:\n  start_timeout: -5s\n",
		"paths:\n  sessions: \"\"\n",
	}
	for _, content := range tests {
		if _, err := LoadFile(writeConfig(t, content)); err == nil {
			t.Errorf("LoadFile accepted %q", content)
		}
	}
}

func TestCommand(t *testing.T) {
	cfg := Default()
	command, err := cfg.Command("unix-kde")
	if err != nil || command != "/usr/bin/startkde" {
		t.Fatalf("Command(unix-kde) = %q, %v", command, err)
	}
	if _, err := cfg.Command("shadow"); err == nil {
		t.Fatal("Command(shadow) succeeded")
	}
}
