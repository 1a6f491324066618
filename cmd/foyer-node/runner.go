// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/foyer-project/foyer/lib/protocol"
	"github.com/foyer-project/foyer/lib/session"
)

// The process chain behind a session: the authority file is prepared
// first, then the display agent starts, and once the agent owns a
// display the X resources load and the user's program starts. Each
// link is kicked off by the previous one finishing or reporting
// readiness, all on the loop thread.

// launch starts the chain for the current record. The application
// argument is only meaningful for application sessions.
func (n *Node) launch(application string) error {
	if n.launched {
		return protocol.InvalidSessionState("startsession", string(n.sess.State))
	}
	n.launched = true
	n.application = application

	n.armStartTimer()
	_, err := n.programs.Start("xauth", xauthCommand(n.cfg, n.sessionDir, n.sess), n.logLine("xauth"), func(exitErr error) {
		if exitErr != nil {
			n.recordFailure(fmt.Sprintf("xauth failed: %v", exitErr))
			n.childGone()
			return
		}
		n.startAgent()
		n.childGone()
	})
	if err != nil {
		n.launched = false
		n.cancelStartTimer()
		return fmt.Errorf("run xauth: %w", err)
	}
	return nil
}

func (n *Node) startAgent() {
	if n.sess.State.Terminal() {
		return
	}
	cmd, err := agentCommand(n.cfg, n.sessionDir, n.sess)
	if err != nil {
		n.recordFailure(fmt.Sprintf("prepare agent: %v", err))
		return
	}
	agent, err := n.programs.Start("agent", cmd, n.handleAgentLine, n.agentExited)
	if err != nil {
		n.recordFailure(fmt.Sprintf("start agent: %v", err))
		return
	}
	n.agent = agent
	n.sess.AgentPID = agent.Pid()
	n.saveRecord()
}

// onDisplayReady runs the post-agent links once, the first time the
// agent reports it is waiting for a client.
func (n *Node) onDisplayReady() {
	// The xrdb/user-app chain belongs to a start this process
	// performed; a node that only observed the marker has nothing
	// to run.
	if !n.launched || n.displayReady {
		return
	}
	n.displayReady = true

	if cmd := xrdbCommand(n.cfg, n.sessionDir, n.sess); cmd != nil {
		// X resources are cosmetic; a failure is logged and ignored.
		if _, err := n.programs.Start("xrdb", cmd, n.logLine("xrdb"), func(error) { n.childGone() }); err != nil {
			n.log.Warn("run xrdb", "error", err)
		}
	}

	n.startUserApp()
}

func (n *Node) startUserApp() {
	cmd, err := userAppCommand(n.cfg, n.sessionDir, n.sess, n.application)
	if err != nil {
		n.recordFailure(fmt.Sprintf("prepare user application: %v", err))
		return
	}
	if cmd == nil {
		return
	}
	userApp, err := n.programs.Start("userapp", cmd, n.logLine("userapp"), n.userAppExited)
	if err != nil {
		n.recordFailure(fmt.Sprintf("start user application: %v", err))
		return
	}
	n.userApp = userApp
	n.sess.UserAppPID = userApp.Pid()
	n.saveRecord()
}

// resume wakes a suspended agent so it accepts the returning client.
func (n *Node) resume() error {
	if n.agent == nil {
		return protocol.GenericError("no agent to resume")
	}
	if err := n.agent.Signal(unix.SIGHUP); err != nil {
		return fmt.Errorf("signal agent: %w", err)
	}
	n.armStartTimer()
	return nil
}

// terminate drives a deliberate teardown. The agent is asked to shut
// down; its exit finishes the transition to terminated.
func (n *Node) terminate() error {
	if n.sess.State.Terminal() {
		return protocol.InvalidSessionState("terminatesession", string(n.sess.State))
	}
	if n.sess.State != session.StateTerminating {
		if err := n.setState(session.StateTerminating); err != nil {
			return err
		}
	}
	n.cancelStartTimer()
	if n.programs.Empty() {
		return n.setState(session.StateTerminated)
	}
	n.programs.SignalAll(unix.SIGTERM)
	return nil
}

func (n *Node) logLine(name string) func(string) {
	return func(line string) {
		n.log.Debug("program output", "program", name, "line", line)
	}
}
