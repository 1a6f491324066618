// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Foyer components.
//
// Configuration is loaded from a single YAML file specified by:
//   - FOYER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Every field has a
// working default, so an empty file is a valid configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath is the environment variable naming the config file.
const EnvConfigPath = "FOYER_CONFIG"

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the master configuration for Foyer.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Agent configures the per-session display agent.
	Agent AgentConfig `yaml:"agent"`

	// Display configures display number allocation.
	Display DisplayConfig `yaml:"display"`

	// Commands maps a session type to the program started inside it.
	Commands CommandsConfig `yaml:"commands"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Sessions is the registry root; each session gets a directory
	// under it named by its identifier.
	Sessions string `yaml:"sessions"`
}

// AgentConfig configures the display agent and its helpers.
type AgentConfig struct {
	// Binary is the nxagent executable.
	Binary string `yaml:"binary"`

	// Xauth adds the session cookie to the authority file before the
	// agent starts.
	Xauth string `yaml:"xauth"`

	// Xrdb loads X resources into the fresh display.
	Xrdb string `yaml:"xrdb"`

	// StartTimeout bounds how long a starting agent may take to
	// report that it is waiting for a client connection.
	StartTimeout Duration `yaml:"start_timeout"`
}

// DisplayConfig configures display number allocation.
type DisplayConfig struct {
	// Min and Max bound the candidate range, half-open [Min, Max).
	Min int `yaml:"min"`
	Max int `yaml:"max"`

	// CheckPaths are printf templates with one %d verb naming on-disk
	// artifacts whose presence marks a display as taken.
	CheckPaths []string `yaml:"check_paths"`
}

// CommandsConfig maps session types to the user program run inside
// them. An application session runs the client-supplied command
// instead.
type CommandsConfig struct {
	Console string `yaml:"console"`
	KDE     string `yaml:"kde"`
	Gnome   string `yaml:"gnome"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Sessions: "/var/lib/foyer/sessions",
		},
		Agent: AgentConfig{
			Binary:       "/usr/bin/nxagent",
			Xauth:        "/usr/bin/xauth",
			Xrdb:         "/usr/bin/xrdb",
			StartTimeout: Duration(30 * time.Second),
		},
		Display: DisplayConfig{
			Min: 20,
			Max: 1000,
			CheckPaths: []string{
				"/tmp/.X%d-lock",
				"/tmp/.X11-unix/X%d",
			},
		},
		Commands: CommandsConfig{
			Console: "/usr/bin/xterm",
			KDE:     "/usr/bin/startkde",
			Gnome:   "/usr/bin/gnome-session",
		},
	}
}

// Load reads the file named by FOYER_CONFIG. An unset variable is an
// error; there is no search path.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return nil, fmt.Errorf("%s is not set", EnvConfigPath)
	}
	return LoadFile(path)
}

// LoadFile reads a configuration file, layering it over the defaults
// and validating the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	var problems []error

	if c.Paths.Sessions == "" {
		problems = append(problems, errors.New("paths.sessions must be set"))
	}
	if c.Agent.Binary == "" {
		problems = append(problems, errors.New("agent.binary must be set"))
	}
	if c.Agent.StartTimeout <= 0 {
		problems = append(problems, errors.New("agent.start_timeout must be positive"))
	}
	if c.Display.Max <= c.Display.Min {
		problems = append(problems, fmt.Errorf("display range [%d, %d) is empty", c.Display.Min, c.Display.Max))
	}
	if c.Display.Min < 1 {
		problems = append(problems, errors.New("display.min must be at least 1"))
	}

	return errors.Join(problems...)
}

// Command returns the user program for a session type, or an error
// for a type with no configured program.
func (c *Config) Command(sessionType string) (string, error) {
	switch sessionType {
	case "unix-console":
		return c.Commands.Console, nil
	case "unix-kde":
		return c.Commands.KDE, nil
	case "unix-gnome":
		return c.Commands.Gnome, nil
	default:
		return "", fmt.Errorf("no command configured for session type %q", sessionType)
	}
}
