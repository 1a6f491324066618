// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
)

// StartSessionArgs starts a new session. On the wire it is the bare
// parameter object.
type StartSessionArgs struct {
	Params map[string]string
}

func (a StartSessionArgs) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Params)
}

func (a *StartSessionArgs) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &a.Params)
}

// AttachSessionArgs attaches a shadow session to a running one. On the
// wire it is the two-element array [params, shadow-cookie].
type AttachSessionArgs struct {
	Params       map[string]string
	ShadowCookie string
}

func (a AttachSessionArgs) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Params, a.ShadowCookie})
}

func (a *AttachSessionArgs) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("want [params, cookie], got %d elements", len(parts))
	}
	if err := json.Unmarshal(parts[0], &a.Params); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if err := json.Unmarshal(parts[1], &a.ShadowCookie); err != nil {
		return fmt.Errorf("cookie: %w", err)
	}
	return nil
}

// RestoreSessionArgs resumes a suspended session. On the wire it is
// the bare parameter object, like StartSessionArgs.
type RestoreSessionArgs struct {
	Params map[string]string
}

func (a RestoreSessionArgs) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Params)
}

func (a *RestoreSessionArgs) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &a.Params)
}

// TerminateSessionArgs terminates a session. On the wire it is the
// bare session identifier string.
type TerminateSessionArgs struct {
	SessionID string
}

func (a TerminateSessionArgs) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.SessionID)
}

func (a *TerminateSessionArgs) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &a.SessionID)
}

// GetShadowCookieArgs requests a session's shadow cookie. On the wire
// it is the bare session identifier string; null or absent arguments
// mean the session owned by the handler.
type GetShadowCookieArgs struct {
	SessionID string
}

func (a GetShadowCookieArgs) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.SessionID)
}

func (a *GetShadowCookieArgs) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &a.SessionID)
}

// DecodeArgs decodes raw request arguments into the typed form for
// command. An unknown command is a generic error; arguments that do
// not fit the command's shape are a session parameter error.
func DecodeArgs(command string, raw json.RawMessage) (any, error) {
	var args any
	switch command {
	case CmdStartSession:
		args = &StartSessionArgs{}
	case CmdAttachSession:
		args = &AttachSessionArgs{}
	case CmdRestoreSession:
		args = &RestoreSessionArgs{}
	case CmdTerminateSession:
		args = &TerminateSessionArgs{}
	case CmdGetShadowCookie:
		args = &GetShadowCookieArgs{}
	default:
		return nil, GenericError("unknown command %q", command)
	}
	// Commands taking no argument arrive with none at all; decode the
	// zero value rather than rejecting the request.
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, SessionParameterError("malformed %s arguments: %v", command, err)
	}
	return args, nil
}
