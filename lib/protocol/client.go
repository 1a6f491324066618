// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/foyer-project/foyer/lib/clock"
)

// SessionInfo is the session summary returned by the session-mutating
// commands.
type SessionInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Owner    string `json:"owner"`
	State    string `json:"state"`
	Display  int    `json:"display"`
	Port     int    `json:"port"`
	Cookie   string `json:"cookie"`
	Hostname string `json:"hostname"`
}

const (
	// connectWindow bounds how long Client retries connecting to a
	// handler socket. A freshly spawned handler needs a moment to
	// bind its socket before the first command arrives.
	connectWindow = 10 * time.Second

	connectRetryDelay = 100 * time.Millisecond

	// callTimeout bounds a single request/response exchange.
	callTimeout = 30 * time.Second
)

// Client issues control commands to a session handler socket. Each
// call opens a fresh connection, sends one request frame, reads one
// response frame and closes.
type Client struct {
	socketPath string
	clk        clock.Clock
}

// NewClient returns a client for the handler listening on socketPath.
func NewClient(socketPath string, clk clock.Clock) *Client {
	return &Client{socketPath: socketPath, clk: clk}
}

// connect dials the handler socket, retrying while the handler may
// still be starting up.
func (c *Client) connect() (net.Conn, error) {
	deadline := c.clk.Now().Add(connectWindow)
	for {
		conn, err := net.Dial("unix", c.socketPath)
		if err == nil {
			return conn, nil
		}
		if c.clk.Now().After(deadline) {
			return nil, fmt.Errorf("connect to %s: %w", c.socketPath, err)
		}
		c.clk.Sleep(connectRetryDelay)
	}
}

// Call sends one command and decodes the success result into result.
// A structured failure comes back as a *Error; result may be nil when
// the caller does not need the return value.
func (c *Client) Call(command string, args any, result any) error {
	request, err := NewRequest(command, args)
	if err != nil {
		return err
	}

	conn, err := c.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(callTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := WriteFrame(conn, request); err != nil {
		return err
	}

	var response Response
	if err := ReadFrame(bufio.NewReader(conn), &response); err != nil {
		return err
	}
	if result == nil {
		return response.Err()
	}
	return response.DecodeResult(result)
}

// StartSession starts a new session from params. The handler answers
// with a bare true; session details are read back from the registry.
func (c *Client) StartSession(params map[string]string) error {
	return c.Call(CmdStartSession, StartSessionArgs{Params: params}, nil)
}

// AttachSession attaches a shadow session to the session identified by
// the display in params, authorized by shadowCookie.
func (c *Client) AttachSession(params map[string]string, shadowCookie string) (SessionInfo, error) {
	var info SessionInfo
	err := c.Call(CmdAttachSession, AttachSessionArgs{Params: params, ShadowCookie: shadowCookie}, &info)
	return info, err
}

// RestoreSession resumes a suspended session with fresh client
// parameters.
func (c *Client) RestoreSession(params map[string]string) (SessionInfo, error) {
	var info SessionInfo
	err := c.Call(CmdRestoreSession, RestoreSessionArgs{Params: params}, &info)
	return info, err
}

// TerminateSession asks the handler to terminate the session.
func (c *Client) TerminateSession(sessionID string) error {
	return c.Call(CmdTerminateSession, TerminateSessionArgs{SessionID: sessionID}, nil)
}

// GetShadowCookie returns the cookie a shadowing client must present.
func (c *Client) GetShadowCookie(sessionID string) (string, error) {
	var cookie string
	err := c.Call(CmdGetShadowCookie, GetShadowCookieArgs{SessionID: sessionID}, &cookie)
	return cookie, err
}
