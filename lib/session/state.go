// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package session

// State is a session lifecycle state. Transitions follow a fixed
// graph; every non-terminal state may move to terminating or straight
// to terminated when a component dies out from under the session.
type State string

const (
	StateStarting    State = "starting"
	StateWaiting     State = "waiting"
	StateRunning     State = "running"
	StateSuspending  State = "suspending"
	StateSuspended   State = "suspended"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

// transitions maps each state to the states it may move to, beyond
// the universally allowed terminating/terminated exits.
var transitions = map[State][]State{
	StateStarting:   {StateWaiting},
	StateWaiting:    {StateRunning},
	StateRunning:    {StateSuspending},
	StateSuspending: {StateSuspended},
	// A suspended session restarts its lifecycle when restored.
	StateSuspended:   {StateStarting},
	StateTerminating: {},
	StateTerminated:  {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// CanTransitionTo reports whether moving from s to next respects the
// lifecycle graph.
func (s State) CanTransitionTo(next State) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == StateTerminating || next == StateTerminated {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
