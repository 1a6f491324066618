// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/eventloop"
	"github.com/foyer-project/foyer/lib/protocol"
	"github.com/foyer-project/foyer/lib/testutil"
)

func newTestControlServer(t *testing.T, handle func(protocol.Request) protocol.Response) string {
	t.Helper()

	loop, err := eventloop.New(clock.Real())
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}

	socketPath := filepath.Join(testutil.SocketDir(t), "node.sock")
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	server, err := newControlServer(loop, log, socketPath, handle)
	if err != nil {
		t.Fatalf("newControlServer: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run()
	}()
	t.Cleanup(func() {
		loop.Stop()
		<-done
		server.Close()
		loop.Close()
	})
	return socketPath
}

func TestControlServerRoundTrip(t *testing.T) {
	t.Parallel()

	socketPath := newTestControlServer(t, func(request protocol.Request) protocol.Response {
		if request.Command != protocol.CmdTerminateSession {
			response := protocol.ErrorResponse(protocol.GenericError("unexpected command %s", request.Command))
			return response
		}
		response, _ := protocol.SuccessResponse(protocol.SessionInfo{ID: "AB12", State: "terminating"})
		return response
	})

	client := protocol.NewClient(socketPath, clock.Real())
	var info protocol.SessionInfo
	if err := client.Call(protocol.CmdTerminateSession, protocol.TerminateSessionArgs{SessionID: "AB12"}, &info); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if info.ID != "AB12" || info.State != "terminating" {
		t.Fatalf("result %+v", info)
	}
}

func TestControlServerStructuredErrorOverWire(t *testing.T) {
	t.Parallel()

	socketPath := newTestControlServer(t, func(protocol.Request) protocol.Response {
		return protocol.ErrorResponse(protocol.SessionParameterError("shadow cookie rejected for display %d", 21))
	})

	client := protocol.NewClient(socketPath, clock.Real())
	_, err := client.AttachSession(map[string]string{"type": "shadow", "display": "21"}, "WRONG")

	var protocolErr *protocol.Error
	if !errors.As(err, &protocolErr) || protocolErr.Kind != protocol.KindSessionParameterError {
		t.Fatalf("err = %v, want SessionParameterError", err)
	}
}

func TestControlServerSequentialRequests(t *testing.T) {
	t.Parallel()

	count := 0
	socketPath := newTestControlServer(t, func(protocol.Request) protocol.Response {
		count++
		response, _ := protocol.SuccessResponse(count)
		return response
	})

	client := protocol.NewClient(socketPath, clock.Real())
	for want := 1; want <= 3; want++ {
		var got int
		if err := client.Call(protocol.CmdGetShadowCookie, protocol.GetShadowCookieArgs{SessionID: "AB12"}, &got); err != nil {
			t.Fatalf("Call: %v", err)
		}
		if got != want {
			t.Fatalf("call %d returned %d", want, got)
		}
	}
}
