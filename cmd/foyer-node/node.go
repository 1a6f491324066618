// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/config"
	"github.com/foyer-project/foyer/lib/display"
	"github.com/foyer-project/foyer/lib/eventloop"
	"github.com/foyer-project/foyer/lib/protocol"
	"github.com/foyer-project/foyer/lib/session"
)

// Node owns exactly one session: its record, its control socket and
// the process chain behind it. Every field is confined to the event
// loop thread; nothing here is touched from anywhere else.
type Node struct {
	log      *slog.Logger
	cfg      *config.Config
	clk      clock.Clock
	loop     *eventloop.Loop
	registry *session.Registry
	programs *programTable

	sess       *session.Session
	sessionDir string

	// launched flips when the process chain has been started, so a
	// second startsession on the same handler is rejected.
	launched bool

	// displayReady flips the first time the agent reports a usable
	// display, gating the one-shot post-agent chain links.
	displayReady bool

	// application is the client-supplied command for application
	// sessions.
	application string

	agent   *program
	userApp *program

	startTimer    eventloop.TimerHandle
	hasStartTimer bool
}

func newNode(log *slog.Logger, cfg *config.Config, clk clock.Clock, loop *eventloop.Loop, registry *session.Registry, sess *session.Session) (*Node, error) {
	sessionDir, err := registry.Dir(sess.ID)
	if err != nil {
		return nil, err
	}
	return &Node{
		log:        log.With("session", sess.ID),
		cfg:        cfg,
		clk:        clk,
		loop:       loop,
		registry:   registry,
		programs:   newProgramTable(loop, log),
		sess:       sess,
		sessionDir: sessionDir,
	}, nil
}

// allocator returns the display allocator configured for this node,
// with the registry as the liveness check.
func (n *Node) allocator() *display.Allocator {
	return &display.Allocator{
		Min:                n.cfg.Display.Min,
		Max:                n.cfg.Display.Max,
		CheckPathTemplates: n.cfg.Display.CheckPaths,
		InUse:              n.registry.DisplayInUse,
	}
}

// setState moves the session to next, persisting the record before
// anything observes the change. An illegal transition is an
// InvalidSessionState protocol error and mutates nothing.
func (n *Node) setState(next session.State) error {
	current := n.sess.State
	if !current.CanTransitionTo(next) {
		return protocol.InvalidSessionState(string(next), string(current))
	}
	n.sess.State = next
	if err := n.registry.Save(n.sess); err != nil {
		n.sess.State = current
		return err
	}
	n.log.Info("session state changed", "from", current, "to", next)

	if next == session.StateTerminated {
		n.cleanupTerminated()
	}
	return nil
}

// recordFailure marks the session terminated with a failure reason.
// Used when a component dies out from under the session; transition
// legality is not consulted because terminated is reachable from
// every live state.
func (n *Node) recordFailure(reason string) {
	if n.sess.State.Terminal() {
		return
	}
	n.log.Error("session failed", "reason", reason, "state", n.sess.State)
	n.sess.Failure = reason
	if err := n.setState(session.StateTerminated); err != nil {
		n.log.Error("persist failure state", "error", err)
	}
}

/// cleanupTerminated tears down whatever the session left behind: the
// start timer, any children still alive, and eventually the loop.
func (n *Node) cleanupTerminated() {
	n.cancelStartTimer()
	n.programs.SignalAll(unix.SIGTERM)
	if n.programs.Empty() {
		n.loop.Stop()
	}
}

// childGone is called whenever a supervised child finishes. Once the
// session is terminated and the last child is gone, the handler's job
// is done.
func (n *Node) childGone() {
	if n.sess.State.Terminal() && n.programs.Empty() {
		n.loop.Stop()
	}
}

func (n *Node) armStartTimer() {
	n.cancelStartTimer()
	n.startTimer = n.loop.AddTimer(n.cfg.Agent.StartTimeout.Std(), func() {
		n.hasStartTimer = false
		n.recordFailure("agent did not become ready in time")
	})
	n.hasStartTimer = true
}

func (n *Node) cancelStartTimer() {
	if n.hasStartTimer {
		n.loop.CancelTimer(n.startTimer)
		n.hasStartTimer = false
	}
}

// handleAgentLine reacts to one line of agent output. State marker
// lines drive the session lifecycle; everything else updates the
// record or is logged.
func (n *Node) handleAgentLine(line string) {
	n.log.Debug("agent output", "line", line)

	event := parseAgentLine(line)
	switch event.kind {
	case agentEventWaiting:
		n.cancelStartTimer()
		n.sess.Port = event.port
		if err := n.setState(session.StateWaiting); err != nil {
			n.log.Warn("waiting transition rejected", "error", err)
			return
		}
		n.onDisplayReady()
	case agentEventRunning:
		if err := n.setState(session.StateRunning); err != nil {
			n.log.Warn("running transition rejected", "error", err)
		}
	case agentEventSuspending:
		if err := n.setState(session.StateSuspending); err != nil {
			n.log.Warn("suspending transition rejected", "error", err)
		}
	case agentEventSuspended:
		if err := n.setState(session.StateSuspended); err != nil {
			n.log.Warn("suspended transition rejected", "error", err)
		}
	case agentEventTerminating:
		if err := n.setState(session.StateTerminating); err != nil {
			n.log.Warn("terminating transition rejected", "error", err)
		}
	case agentEventTerminated:
		if n.sess.State.Terminal() {
			return
		}
		if err := n.setState(session.StateTerminated); err != nil {
			n.log.Warn("terminated transition rejected", "error", err)
		}
	case agentEventAgentPid:
		n.sess.AgentPID = event.pid
		n.saveRecord()
	case agentEventWatchdogPid:
		n.sess.WatchdogPID = event.pid
		n.saveRecord()
	case agentEventWaitWatchdog:
		// The agent blocks until its watchdog exits; the watchdog
		// waits for exactly this signal.
		if n.sess.WatchdogPID > 0 {
			if err := unix.Kill(n.sess.WatchdogPID, unix.SIGTERM); err != nil {
				n.log.Warn("signal watchdog", "pid", n.sess.WatchdogPID, "error", err)
			}
		}
	case agentEventGeometry:
		n.sess.Geometry = event.geometry
		n.saveRecord()
	case agentEventError:
		n.log.Error("agent error", "message", event.message)
	case agentEventWarning:
		n.log.Warn("agent warning", "message", event.message)
	}
}

func (n *Node) saveRecord() {
	if err := n.registry.Save(n.sess); err != nil {
		n.log.Error("persist session record", "error", err)
	}
}

// agentExited handles the display agent going away. During a
// deliberate teardown that is the expected end; anywhere else it is a
// failure.
func (n *Node) agentExited(err error) {
	n.agent = nil
	switch n.sess.State {
	case session.StateTerminated:
	case session.StateTerminating:
		if setErr := n.setState(session.StateTerminated); setErr != nil {
			n.log.Error("persist terminated state", "error", setErr)
		}
	default:
		reason := "agent exited unexpectedly"
		if err != nil {
			reason = "agent failed: " + err.Error()
		}
		n.recordFailure(reason)
	}
	n.childGone()
}

// userAppExited handles the session's program finishing. A session
// whose program is gone has nothing left to show, so the session
// terminates.
func (n *Node) userAppExited(err error) {
	n.userApp = nil
	if n.sess.State.Terminal() {
		n.childGone()
		return
	}
	n.log.Info("user application finished", "error", err)
	if err != nil && n.sess.Failure == "" {
		n.sess.Failure = fmt.Sprintf("user application failed: %v", err)
	}
	if n.sess.State.CanTransitionTo(session.StateTerminating) {
		if setErr := n.setState(session.StateTerminating); setErr != nil {
			n.log.Error("persist terminating state", "error", setErr)
		}
	}
	if n.agent != nil {
		if sigErr := n.agent.Signal(unix.SIGTERM); sigErr != nil {
			n.log.Warn("signal agent", "error", sigErr)
		}
	} else if setErr := n.setState(session.StateTerminated); setErr != nil {
		n.log.Error("persist terminated state", "error", setErr)
	}
	n.childGone()
}

// shutdown is the signal-driven teardown path.
func (n *Node) shutdown() {
	n.log.Info("shutting down")
	if n.sess.State.Terminal() {
		n.loop.Stop()
		return
	}
	if n.sess.State.CanTransitionTo(session.StateTerminating) {
		if err := n.setState(session.StateTerminating); err != nil {
			n.log.Error("persist terminating state", "error", err)
		}
	}
	n.programs.SignalAll(unix.SIGTERM)
	if n.programs.Empty() {
		if err := n.setState(session.StateTerminated); err != nil {
			n.log.Error("persist terminated state", "error", err)
		}
		n.loop.Stop()
	}
}
