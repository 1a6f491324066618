// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the control protocol spoken over a session
// handler's Unix socket. Frames are JSON documents separated by a
// single NUL byte; JSON text never contains NUL, so the delimiter is
// unambiguous. Requests name a command and carry command-specific
// arguments; responses carry a success flag and either a result value
// or a structured error.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Commands accepted by a session handler.
const (
	CmdStartSession     = "startsession"
	CmdAttachSession    = "attachsession"
	CmdRestoreSession   = "restoresession"
	CmdTerminateSession = "terminatesession"
	CmdGetShadowCookie  = "getshadowcookie"
)

// frameDelimiter separates frames on the wire.
const frameDelimiter = 0x00

// maxFrameSize bounds a single frame. Control messages are small;
// anything larger indicates a confused or malicious peer.
const maxFrameSize = 1 << 20

// Request is a single command sent to a session handler.
type Request struct {
	Command string          `json:"cmd"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response is the reply to a Request. On success Result holds the
// command's return value. On failure Result holds either a two-element
// array ["Kind", [args...]] for a recognized error kind, or a plain
// string message.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

// NewRequest builds a Request with args marshaled in place.
func NewRequest(command string, args any) (Request, error) {
	request := Request{Command: command}
	if args != nil {
		payload, err := json.Marshal(args)
		if err != nil {
			return Request{}, fmt.Errorf("marshal %s args: %w", command, err)
		}
		request.Args = payload
	}
	return request, nil
}

// SuccessResponse builds a success Response around result.
func SuccessResponse(result any) (Response, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshal result: %w", err)
	}
	return Response{Success: true, Result: payload}, nil
}

// ErrorResponse builds a failure Response. Recognized protocol errors
// keep their structured kind and arguments; anything else degrades to
// a plain message string.
func ErrorResponse(err error) Response {
	var protocolErr *Error
	if errors.As(err, &protocolErr) && KnownKind(protocolErr.Kind) {
		payload, marshalErr := json.Marshal([]any{protocolErr.Kind, protocolErr.Args})
		if marshalErr == nil {
			return Response{Success: false, Result: payload}
		}
	}
	payload, _ := json.Marshal(err.Error())
	return Response{Success: false, Result: payload}
}

// Err returns nil for a success response, the reconstructed *Error for
// a structured failure, and a plain error for a free-text failure.
func (r Response) Err() error {
	if r.Success {
		return nil
	}

	var structured []json.RawMessage
	if json.Unmarshal(r.Result, &structured) == nil && len(structured) == 2 {
		var kind string
		var args []any
		if json.Unmarshal(structured[0], &kind) == nil && KnownKind(kind) {
			if json.Unmarshal(structured[1], &args) == nil {
				return &Error{Kind: kind, Args: args}
			}
		}
	}

	var message string
	if json.Unmarshal(r.Result, &message) == nil {
		return errors.New(message)
	}
	return fmt.Errorf("malformed error result: %s", r.Result)
}

// DecodeResult unmarshals a success result into v.
func (r Response) DecodeResult(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// WriteFrame marshals v and writes it as one delimited frame. Payloads
// containing a NUL byte are rejected before anything reaches the wire.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if bytes.IndexByte(payload, frameDelimiter) >= 0 {
		return fmt.Errorf("frame payload contains delimiter byte")
	}
	if _, err := w.Write(append(payload, frameDelimiter)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one delimited frame and unmarshals it into v. A
// stream ending mid-frame is an error; io.EOF is returned unchanged
// only on a clean boundary.
func ReadFrame(r *bufio.Reader, v any) error {
	data, err := r.ReadBytes(frameDelimiter)
	if err != nil {
		if err == io.EOF && len(data) == 0 {
			return io.EOF
		}
		return fmt.Errorf("read frame: %w", err)
	}
	data = data[:len(data)-1]
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
