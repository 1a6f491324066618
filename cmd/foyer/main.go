// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// foyer is the operator tool for inspecting and controlling sessions:
// listing the registry, terminating a session and fetching shadow
// cookies from the session's handler.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/config"
	"github.com/foyer-project/foyer/lib/process"
	"github.com/foyer-project/foyer/lib/protocol"
	"github.com/foyer-project/foyer/lib/session"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := pflag.String("config", "", "configuration file (overrides FOYER_CONFIG)")
	owner := pflag.String("owner", "", "only list sessions of this owner")
	sessionType := pflag.String("type", "", "only list sessions of this type")
	state := pflag.String("state", "", "only list sessions in this state")
	pflag.Usage = usage
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	registry, err := session.NewRegistry(cfg.Paths.Sessions, clock.Real())
	if err != nil {
		return err
	}

	args := pflag.Args()
	command := "list"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "list":
		return listSessions(registry, *owner, *sessionType, *state)
	case "terminate":
		if len(args) != 2 {
			return fmt.Errorf("usage: foyer terminate <session-id>")
		}
		return terminateSession(registry, args[1])
	case "cookie":
		if len(args) != 2 {
			return fmt.Errorf("usage: foyer cookie <session-id>")
		}
		return shadowCookie(registry, args[1])
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv(config.EnvConfigPath) != "" {
		return config.Load()
	}
	return config.Default(), nil
}

func listSessions(registry *session.Registry, owner, sessionType, state string) error {
	sessions, err := registry.List(func(s *session.Session) bool {
		if owner != "" && s.Owner != owner {
			return false
		}
		if sessionType != "" && s.Type != sessionType {
			return false
		}
		if state != "" && string(s.State) != state {
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tOWNER\tTYPE\tSTATE\tDISPLAY")
	for _, s := range sessions {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t:%d\n",
			s.ID, s.Name, s.Owner, s.Type, s.State, s.Display)
	}
	return writer.Flush()
}

// clientFor connects to the handler owning a session.
func clientFor(registry *session.Registry, sessionID string) (*protocol.Client, error) {
	socketPath, err := registry.SocketPath(sessionID)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		return nil, fmt.Errorf("session %s has no live handler: %w", sessionID, statErr)
	}
	return protocol.NewClient(socketPath, clock.Real()), nil
}

func terminateSession(registry *session.Registry, sessionID string) error {
	client, err := clientFor(registry, sessionID)
	if err != nil {
		return err
	}
	if err := client.TerminateSession(sessionID); err != nil {
		return err
	}
	fmt.Printf("session %s terminating\n", sessionID)
	return nil
}

func shadowCookie(registry *session.Registry, sessionID string) error {
	client, err := clientFor(registry, sessionID)
	if err != nil {
		return err
	}
	cookie, err := client.GetShadowCookie(sessionID)
	if err != nil {
		return err
	}
	fmt.Println(cookie)
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: foyer [flags] <command>

Commands:
  list                 list sessions (default)
  terminate <id>       ask the session's handler to shut it down
  cookie <id>          print the session's shadow cookie

Flags:
`)
	pflag.PrintDefaults()
}
