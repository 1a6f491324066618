// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strings"
)

// Error kinds understood by both sides of the control protocol. The
// set is closed: a kind outside it never appears in the structured
// error form on the wire.
const (
	KindSessionParameterError = "SessionParameterError"
	KindInvalidSessionState   = "InvalidSessionState"
	KindNoFreeDisplayNumber   = "NoFreeDisplayNumber"
	KindSessionNotFound       = "SessionNotFound"
	KindGenericError          = "GenericError"
)

var knownKinds = map[string]bool{
	KindSessionParameterError: true,
	KindInvalidSessionState:   true,
	KindNoFreeDisplayNumber:   true,
	KindSessionNotFound:       true,
	KindGenericError:          true,
}

// KnownKind reports whether kind belongs to the closed error kind set.
func KnownKind(kind string) bool {
	return knownKinds[kind]
}

// Error is a structured control protocol error. It survives a round
// trip over the wire with its kind and arguments intact.
type Error struct {
	Kind string
	Args []any
}

func (e *Error) Error() string {
	if len(e.Args) == 0 {
		return e.Kind
	}
	parts := make([]string, len(e.Args))
	for i, arg := range e.Args {
		parts[i] = fmt.Sprint(arg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, strings.Join(parts, ", "))
}

// SessionParameterError reports a malformed or unacceptable session
// parameter.
func SessionParameterError(format string, args ...any) *Error {
	return &Error{Kind: KindSessionParameterError, Args: []any{fmt.Sprintf(format, args...)}}
}

// InvalidSessionState reports a command that is not legal in the
// session's current state.
func InvalidSessionState(command, state string) *Error {
	return &Error{Kind: KindInvalidSessionState, Args: []any{command, state}}
}

// NoFreeDisplayNumber reports display number pool exhaustion.
func NoFreeDisplayNumber() *Error {
	return &Error{Kind: KindNoFreeDisplayNumber}
}

// SessionNotFound reports a session identifier with no backing record.
func SessionNotFound(sessionID string) *Error {
	return &Error{Kind: KindSessionNotFound, Args: []any{sessionID}}
}

// GenericError reports a failure with no more specific kind.
func GenericError(format string, args ...any) *Error {
	return &Error{Kind: KindGenericError, Args: []any{fmt.Sprintf(format, args...)}}
}
