// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// foyer-node is the per-session handler. It claims a session record,
// listens for control commands on the session's Unix socket and
// supervises the display agent and the user's program until the
// session terminates.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/config"
	"github.com/foyer-project/foyer/lib/eventloop"
	"github.com/foyer-project/foyer/lib/process"
	"github.com/foyer-project/foyer/lib/session"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := pflag.String("config", "", "configuration file (overrides FOYER_CONFIG)")
	sessionID := pflag.String("session-id", "", "take over an existing session record instead of claiming a new one")
	username := pflag.String("username", "", "session owner (defaults to the current user)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	clk := clock.Real()
	registry, err := session.NewRegistry(cfg.Paths.Sessions, clk)
	if err != nil {
		return err
	}

	owner, ownerUID, err := resolveOwner(*username)
	if err != nil {
		return err
	}

	sess, err := claimSession(registry, *sessionID, owner, ownerUID)
	if err != nil {
		return err
	}
	log.Info("session claimed", "session", sess.ID, "owner", owner)

	// The parent reads the claimed ID from stdout to find the control
	// socket.
	fmt.Println(sess.ID)

	loop, err := eventloop.New(clk)
	if err != nil {
		return err
	}
	defer loop.Close()

	node, err := newNode(log, cfg, clk, loop, registry, sess)
	if err != nil {
		return err
	}

	socketPath, err := registry.SocketPath(sess.ID)
	if err != nil {
		return err
	}
	server, err := newControlServer(loop, log, socketPath, node.handleRequest)
	if err != nil {
		return err
	}
	defer server.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for range signals {
			loop.Post(node.shutdown)
		}
	}()
	defer signal.Stop(signals)

	return loop.Run()
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

func resolveOwner(username string) (string, int, error) {
	var account *user.User
	var err error
	if username == "" {
		account, err = user.Current()
	} else {
		account, err = user.Lookup(username)
	}
	if err != nil {
		return "", 0, fmt.Errorf("resolve session owner: %w", err)
	}
	uid, err := strconv.Atoi(account.Uid)
	if err != nil {
		return "", 0, fmt.Errorf("non-numeric uid %q: %w", account.Uid, err)
	}
	return account.Username, uid, nil
}

// claimSession either takes over an existing record (a handler
// restarted onto a surviving session directory) or claims a fresh one.
func claimSession(registry *session.Registry, sessionID, owner string, ownerUID int) (*session.Session, error) {
	if sessionID != "" {
		sess, err := registry.Load(sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Owner != owner {
			return nil, fmt.Errorf("session %s belongs to %s", sessionID, sess.Owner)
		}
		return sess, nil
	}

	sess := &session.Session{
		Hostname: hostnameOrLocal(),
		Owner:    owner,
		OwnerUID: ownerUID,
		State:    session.StateStarting,
	}
	if err := registry.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}
