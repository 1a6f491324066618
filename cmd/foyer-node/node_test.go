// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/config"
	"github.com/foyer-project/foyer/lib/eventloop"
	"github.com/foyer-project/foyer/lib/protocol"
	"github.com/foyer-project/foyer/lib/session"
)

// newTestNode builds a node with a claimed session, a temp registry
// and harmless helper binaries. The loop is created but not running;
// tests that need live callbacks run it themselves.
func newTestNode(t *testing.T) *Node {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Sessions = filepath.Join(dir, "sessions")
	cfg.Agent.Xauth = "/bin/true"
	cfg.Agent.StartTimeout = config.Duration(30 * time.Second)
	cfg.Display.CheckPaths = []string{filepath.Join(dir, ".X%d-lock")}
	cfg.Commands.Console = "/bin/true"

	clk := clock.Real()
	registry, err := session.NewRegistry(cfg.Paths.Sessions, clk)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	sess := &session.Session{
		Hostname: "testhost",
		Owner:    "alice",
		OwnerUID: 1000,
		State:    session.StateStarting,
	}
	if err := registry.Create(sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	loop, err := eventloop.New(clk)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(func() { _ = loop.Close() })

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	node, err := newNode(log, cfg, clk, loop, registry, sess)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	return node
}

func wantProtocolError(t *testing.T, err error, kind string) {
	t.Helper()
	var protocolErr *protocol.Error
	if !errors.As(err, &protocolErr) || protocolErr.Kind != kind {
		t.Fatalf("error = %v, want %s", err, kind)
	}
}

func TestAgentLinesDriveLifecycle(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)

	lines := []struct {
		line string
		want session.State
	}{
		{"Info: Waiting for connection from '127.0.0.1' on port '5020'.", session.StateWaiting},
		{"Session: Session started at 'Mon Jan  1 10:00:05 2026'.", session.StateRunning},
		{"Session: Suspending session at 'Mon Jan  1 10:10:00 2026'.", session.StateSuspending},
		{"Session: Session suspended at 'Mon Jan  1 10:10:01 2026'.", session.StateSuspended},
	}
	for _, step := range lines {
		node.handleAgentLine(step.line)
		if node.sess.State != step.want {
			t.Fatalf("after %q state = %s, want %s", step.line, node.sess.State, step.want)
		}
	}
	if node.sess.Port != 5020 {
		t.Errorf("port = %d, want 5020", node.sess.Port)
	}

	// Every transition must already be on disk.
	persisted, err := node.registry.Load(node.sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.State != session.StateSuspended || persisted.Port != 5020 {
		t.Fatalf("persisted %+v", persisted)
	}
}

func TestAgentLineOutOfOrderIgnored(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)

	// A running marker before the waiting marker is an illegal
	// transition and must not change the state.
	node.handleAgentLine("Session: Session started at 'Mon Jan  1 10:00:05 2026'.")
	if node.sess.State != session.StateStarting {
		t.Fatalf("state = %s, want starting", node.sess.State)
	}
}

func TestUserAppFailureRecorded(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)
	node.handleAgentLine("Info: Waiting for connection from '127.0.0.1' on port '5020'.")
	node.handleAgentLine("Session: Session started at 'Mon Jan  1 10:00:05 2026'.")

	node.userAppExited(errors.New("exit status 1"))

	persisted, err := node.registry.Load(node.sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.State != session.StateTerminated {
		t.Fatalf("state = %s, want terminated", persisted.State)
	}
	if persisted.Failure == "" {
		t.Fatal("failure reason not recorded")
	}
}

func TestAgentPidLinesUpdateRecord(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)
	node.handleAgentLine("Info: Agent running with pid '4321'.")
	node.handleAgentLine("Info: Watchdog running with pid '4322'.")

	persisted, err := node.registry.Load(node.sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.AgentPID != 4321 || persisted.WatchdogPID != 4322 {
		t.Fatalf("pids %d/%d, want 4321/4322", persisted.AgentPID, persisted.WatchdogPID)
	}
}

func TestHandleStartSessionValidatesParams(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)
	tests := []map[string]string{
		{},
		{"type": session.TypeKDE},
		{"session": "work"},
		{"session": "work", "type": session.TypeShadow, "display": "20"},
	}
	for _, params := range tests {
		_, err := node.handleStartSession(&protocol.StartSessionArgs{Params: params})
		wantProtocolError(t, err, protocol.KindSessionParameterError)
	}
}

func TestHandleStartSessionDisplayExhaustion(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)
	node.cfg.Display.Min = 20
	node.cfg.Display.Max = 21
	lock := filepath.Join(filepath.Dir(node.cfg.Display.CheckPaths[0]), ".X20-lock")
	if err := os.WriteFile(lock, nil, 0o600); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	_, err := node.handleStartSession(&protocol.StartSessionArgs{
		Params: map[string]string{"session": "work", "type": session.TypeConsole},
	})
	wantProtocolError(t, err, protocol.KindNoFreeDisplayNumber)
}

func TestHandleRestoreRequiresSuspended(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)
	_, err := node.handleRestoreSession(&protocol.RestoreSessionArgs{Params: map[string]string{}})
	wantProtocolError(t, err, protocol.KindInvalidSessionState)
}

func TestHandleTerminateSession(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)

	_, err := node.handleTerminateSession(&protocol.TerminateSessionArgs{SessionID: session.NewID()})
	wantProtocolError(t, err, protocol.KindSessionNotFound)

	response, err := node.handleTerminateSession(&protocol.TerminateSessionArgs{SessionID: node.sess.ID})
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if response.Err() != nil {
		t.Fatalf("response: %v", response.Err())
	}
	if node.sess.State != session.StateTerminated {
		t.Fatalf("state = %s, want terminated", node.sess.State)
	}

	// A second terminate on a finished session is an explicit error.
	_, err = node.handleTerminateSession(&protocol.TerminateSessionArgs{SessionID: node.sess.ID})
	wantProtocolError(t, err, protocol.KindInvalidSessionState)
}

func TestHandleGetShadowCookie(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)

	_, err := node.handleGetShadowCookie(&protocol.GetShadowCookieArgs{SessionID: node.sess.ID})
	wantProtocolError(t, err, protocol.KindInvalidSessionState)

	node.sess.State = session.StateRunning
	response, err := node.handleGetShadowCookie(&protocol.GetShadowCookieArgs{SessionID: node.sess.ID})
	if err != nil {
		t.Fatalf("getshadowcookie: %v", err)
	}
	var cookie string
	if err := response.DecodeResult(&cookie); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cookie == "" {
		t.Fatal("empty shadow cookie")
	}

	// The cookie is generated once and then stable.
	response, err = node.handleGetShadowCookie(&protocol.GetShadowCookieArgs{SessionID: node.sess.ID})
	if err != nil {
		t.Fatalf("getshadowcookie: %v", err)
	}
	var again string
	if err := response.DecodeResult(&again); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if again != cookie {
		t.Fatalf("cookie changed: %q then %q", cookie, again)
	}

	// The command is declared without arguments; an absent identifier
	// addresses the session this node owns.
	response, err = node.handleGetShadowCookie(&protocol.GetShadowCookieArgs{})
	if err != nil {
		t.Fatalf("getshadowcookie without id: %v", err)
	}
	var unnamed string
	if err := response.DecodeResult(&unnamed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if unnamed != cookie {
		t.Fatalf("cookie = %q, want %q", unnamed, cookie)
	}
}

func TestHandleAttachSessionCookieMismatch(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)

	// The session being shadowed, live on display 21.
	target := &session.Session{
		Hostname:     "testhost",
		Name:         "work",
		Type:         session.TypeKDE,
		Owner:        "alice",
		State:        session.StateRunning,
		Display:      21,
		ShadowCookie: "4D41474943414645434146454D41474943",
	}
	if err := node.registry.Create(target); err != nil {
		t.Fatalf("Create: %v", err)
	}

	params := map[string]string{"session": "spy", "type": session.TypeShadow, "display": "21"}
	_, err := node.handleAttachSession(&protocol.AttachSessionArgs{Params: params, ShadowCookie: "WRONG"})
	wantProtocolError(t, err, protocol.KindSessionParameterError)

	// No such display at all.
	params["display"] = "77"
	_, err = node.handleAttachSession(&protocol.AttachSessionArgs{Params: params, ShadowCookie: "WRONG"})
	wantProtocolError(t, err, protocol.KindSessionNotFound)
}

func TestHandleAttachSessionStoresShadowCookie(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)

	target := &session.Session{
		Hostname:     "testhost",
		Name:         "work",
		Type:         session.TypeKDE,
		Owner:        "alice",
		State:        session.StateRunning,
		Display:      21,
		ShadowCookie: "4D41474943414645434146454D41474943",
	}
	if err := node.registry.Create(target); err != nil {
		t.Fatalf("Create: %v", err)
	}

	params := map[string]string{"session": "spy", "type": session.TypeShadow, "display": "21"}
	response, err := node.handleAttachSession(&protocol.AttachSessionArgs{
		Params:       params,
		ShadowCookie: target.ShadowCookie,
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if response.Err() != nil {
		t.Fatalf("response: %v", response.Err())
	}

	// The validated cookie stays on the record so xauth can install it
	// for the shadowed display.
	persisted, err := node.registry.Load(node.sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.ShadowCookie != target.ShadowCookie {
		t.Fatalf("shadow cookie %q, want %q", persisted.ShadowCookie, target.ShadowCookie)
	}
	if persisted.ShadowDisplay != 21 {
		t.Fatalf("shadow display %d, want 21", persisted.ShadowDisplay)
	}
}

func TestResumedLineCompletesRestore(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)
	for _, line := range []string{
		"Info: Waiting for connection from '127.0.0.1' on port '5020'.",
		"Session: Session started at 'Mon Jan  1 10:00:05 2026'.",
		"Session: Suspending session at 'Mon Jan  1 10:10:00 2026'.",
		"Session: Session suspended at 'Mon Jan  1 10:10:01 2026'.",
	} {
		node.handleAgentLine(line)
	}

	// A restore puts the record back into starting; the agent then
	// reports readiness and announces "resumed" instead of "started".
	if err := node.setState(session.StateStarting); err != nil {
		t.Fatalf("setState: %v", err)
	}
	node.handleAgentLine("Info: Waiting for connection from '127.0.0.1' on port '5021'.")
	node.handleAgentLine("Session: Session resumed at 'Mon Jan  1 10:20:05 2026'.")

	if node.sess.State != session.StateRunning {
		t.Fatalf("state = %s, want running", node.sess.State)
	}
	if node.sess.Port != 5021 {
		t.Fatalf("port = %d, want 5021", node.sess.Port)
	}
}

func TestAbortLinesEndSession(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)
	node.handleAgentLine("Info: Waiting for connection from '127.0.0.1' on port '5020'.")
	node.handleAgentLine("Session: Session started at 'Mon Jan  1 10:00:05 2026'.")

	node.handleAgentLine("Session: Aborting session at 'Mon Jan  1 10:30:00 2026'.")
	if node.sess.State != session.StateTerminating {
		t.Fatalf("state = %s, want terminating", node.sess.State)
	}
	node.handleAgentLine("Session: Session aborted at 'Mon Jan  1 10:30:01 2026'.")
	if node.sess.State != session.StateTerminated {
		t.Fatalf("state = %s, want terminated", node.sess.State)
	}
}

func TestStartSessionReachesWaitingThenFails(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)

	// A stand-in agent: reports its display, then exits, which from
	// the waiting state is a session failure. The user program keeps
	// running so the agent's death is what ends the session.
	script := filepath.Join(t.TempDir(), "agent")
	body := "#!/bin/sh\n" +
		"echo \"Info: Agent running with pid '$$'.\"\n" +
		"echo \"Info: Waiting for connection from '127.0.0.1' on port '5020'.\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	node.cfg.Agent.Binary = script

	userApp := filepath.Join(filepath.Dir(script), "userapp")
	if err := os.WriteFile(userApp, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755); err != nil {
		t.Fatalf("write user app script: %v", err)
	}
	node.cfg.Commands.Console = userApp

	done := make(chan error, 1)
	go func() { done <- node.loop.Run() }()

	responses := make(chan protocol.Response, 1)
	node.loop.Post(func() {
		response, err := node.handleStartSession(&protocol.StartSessionArgs{
			Params: map[string]string{"session": "work", "type": session.TypeConsole},
		})
		if err != nil {
			response = protocol.ErrorResponse(err)
		}
		responses <- response
	})

	response := <-responses
	if response.Err() != nil {
		t.Fatalf("startsession: %v", response.Err())
	}
	var started bool
	if err := response.DecodeResult(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !started {
		t.Fatal("result = false, want true")
	}

	// The agent exiting tears the whole session down and ends the
	// loop.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not finish")
	}

	persisted, err := node.registry.Load(node.sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.State != session.StateTerminated {
		t.Fatalf("final state %s, want terminated", persisted.State)
	}
	if persisted.Port != 5020 {
		t.Fatalf("port %d, want 5020 from the waiting report", persisted.Port)
	}
	if persisted.Failure == "" {
		t.Fatal("no failure recorded for an agent that died")
	}
}

func TestStartTimeoutTerminatesSession(t *testing.T) {
	t.Parallel()

	node := newTestNode(t)
	node.cfg.Agent.StartTimeout = config.Duration(50 * time.Millisecond)

	// An agent that never reports readiness.
	script := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	node.cfg.Agent.Binary = script

	done := make(chan error, 1)
	go func() { done <- node.loop.Run() }()

	node.loop.Post(func() {
		if _, err := node.handleStartSession(&protocol.StartSessionArgs{
			Params: map[string]string{"session": "work", "type": session.TypeConsole},
		}); err != nil {
			t.Errorf("startsession: %v", err)
		}
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout did not end the session")
	}

	persisted, err := node.registry.Load(node.sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.State != session.StateTerminated || persisted.Failure == "" {
		t.Fatalf("final record %+v", persisted)
	}
}
