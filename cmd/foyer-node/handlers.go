// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/foyer-project/foyer/lib/protocol"
	"github.com/foyer-project/foyer/lib/session"
)

// handleRequest dispatches one control request. It runs on the loop
// thread; a panic in a handler is converted to a generic error so one
// bad request cannot take the session down.
func (n *Node) handleRequest(request protocol.Request) (response protocol.Response) {
	defer func() {
		if recovered := recover(); recovered != nil {
			n.log.Error("handler panic", "command", request.Command, "panic", recovered)
			response = protocol.ErrorResponse(protocol.GenericError("internal error handling %s", request.Command))
		}
	}()

	n.log.Info("control request", "command", request.Command)

	args, err := protocol.DecodeArgs(request.Command, request.Args)
	if err != nil {
		return protocol.ErrorResponse(err)
	}

	var result protocol.Response
	switch typed := args.(type) {
	case *protocol.StartSessionArgs:
		result, err = n.handleStartSession(typed)
	case *protocol.AttachSessionArgs:
		result, err = n.handleAttachSession(typed)
	case *protocol.RestoreSessionArgs:
		result, err = n.handleRestoreSession(typed)
	case *protocol.TerminateSessionArgs:
		result, err = n.handleTerminateSession(typed)
	case *protocol.GetShadowCookieArgs:
		result, err = n.handleGetShadowCookie(typed)
	default:
		err = protocol.GenericError("unhandled command %q", request.Command)
	}
	if err != nil {
		n.log.Warn("control request failed", "command", request.Command, "error", err)
		return protocol.ErrorResponse(err)
	}
	return result
}

// populate rebuilds the record from fresh client parameters while
// keeping the identity the registry already claimed for it.
func (n *Node) populate(params map[string]string) error {
	fresh, err := session.New(n.sess.Hostname, params, n.clk)
	if err != nil {
		return err
	}
	fresh.ID = n.sess.ID
	fresh.Cookie = n.sess.Cookie
	fresh.Owner = n.sess.Owner
	fresh.OwnerUID = n.sess.OwnerUID
	fresh.CreatedAt = n.sess.CreatedAt
	n.sess = fresh
	return nil
}

func (n *Node) handleStartSession(args *protocol.StartSessionArgs) (protocol.Response, error) {
	if n.launched {
		return protocol.Response{}, protocol.InvalidSessionState(protocol.CmdStartSession, string(n.sess.State))
	}
	if err := n.populate(args.Params); err != nil {
		return protocol.Response{}, err
	}
	if n.sess.Type == session.TypeShadow {
		return protocol.Response{}, protocol.SessionParameterError("shadow sessions start with %s", protocol.CmdAttachSession)
	}

	displayNumber, err := n.allocator().FindFree()
	if err != nil {
		return protocol.Response{}, err
	}
	n.sess.Display = displayNumber

	// Persisted before the launch and before the response: whatever
	// happens next, the record reflects the claim on the display.
	if err := n.registry.Save(n.sess); err != nil {
		return protocol.Response{}, err
	}
	if err := n.launch(args.Params["application"]); err != nil {
		return protocol.Response{}, err
	}
	// The front end reads session details from the registry record; the
	// response carries only the success marker.
	return protocol.SuccessResponse(true)
}

func (n *Node) handleAttachSession(args *protocol.AttachSessionArgs) (protocol.Response, error) {
	if n.launched {
		return protocol.Response{}, protocol.InvalidSessionState(protocol.CmdAttachSession, string(n.sess.State))
	}
	if err := n.populate(args.Params); err != nil {
		return protocol.Response{}, err
	}
	if n.sess.Type != session.TypeShadow {
		return protocol.Response{}, protocol.SessionParameterError("%s requires a shadow session", protocol.CmdAttachSession)
	}

	// The shadow cookie must match the one held by the session being
	// shadowed; the target is found by its display number.
	target, err := n.registry.FindByDisplay(n.sess.ShadowDisplay)
	if err != nil {
		return protocol.Response{}, err
	}
	if target.ShadowCookie == "" || target.ShadowCookie != args.ShadowCookie {
		return protocol.Response{}, protocol.SessionParameterError("shadow cookie rejected for display %d", n.sess.ShadowDisplay)
	}
	// Kept on the record so xauth installs it for the shadowed display.
	n.sess.ShadowCookie = args.ShadowCookie

	displayNumber, err := n.allocator().FindFree()
	if err != nil {
		return protocol.Response{}, err
	}
	n.sess.Display = displayNumber

	if err := n.registry.Save(n.sess); err != nil {
		return protocol.Response{}, err
	}
	if err := n.launch(""); err != nil {
		return protocol.Response{}, err
	}
	return protocol.SuccessResponse(n.sess.Info())
}

func (n *Node) handleRestoreSession(args *protocol.RestoreSessionArgs) (protocol.Response, error) {
	if n.sess.State != session.StateSuspended {
		return protocol.Response{}, protocol.InvalidSessionState(protocol.CmdRestoreSession, string(n.sess.State))
	}
	if err := n.sess.ApplyClientParams(args.Params); err != nil {
		return protocol.Response{}, err
	}
	if err := n.setState(session.StateStarting); err != nil {
		return protocol.Response{}, err
	}
	if err := n.resume(); err != nil {
		return protocol.Response{}, err
	}
	return protocol.SuccessResponse(n.sess.Info())
}

func (n *Node) handleTerminateSession(args *protocol.TerminateSessionArgs) (protocol.Response, error) {
	if args.SessionID != n.sess.ID {
		return protocol.Response{}, protocol.SessionNotFound(args.SessionID)
	}
	if err := n.terminate(); err != nil {
		return protocol.Response{}, err
	}
	return protocol.SuccessResponse(n.sess.Info())
}

func (n *Node) handleGetShadowCookie(args *protocol.GetShadowCookieArgs) (protocol.Response, error) {
	// No identifier means the session this node owns.
	if args.SessionID != "" && args.SessionID != n.sess.ID {
		return protocol.Response{}, protocol.SessionNotFound(args.SessionID)
	}
	if n.sess.State != session.StateRunning {
		return protocol.Response{}, protocol.InvalidSessionState(protocol.CmdGetShadowCookie, string(n.sess.State))
	}
	if n.sess.ShadowCookie == "" {
		n.sess.ShadowCookie = session.NewCookie()
		if err := n.registry.Save(n.sess); err != nil {
			n.sess.ShadowCookie = ""
			return protocol.Response{}, err
		}
	}
	return protocol.SuccessResponse(n.sess.ShadowCookie)
}

// hostnameOrLocal returns the machine hostname, degrading to a fixed
// name rather than failing session creation.
func hostnameOrLocal() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}
