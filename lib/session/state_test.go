// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "testing"

func TestStateValid(t *testing.T) {
	t.Parallel()

	for _, state := range []State{
		StateStarting, StateWaiting, StateRunning, StateSuspending,
		StateSuspended, StateTerminating, StateTerminated,
	} {
		if !state.Valid() {
			t.Errorf("%s not valid", state)
		}
	}
	for _, state := range []State{"", "created", "RUNNING"} {
		if state.Valid() {
			t.Errorf("%q reported valid", state)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	// The full transition matrix: every ordered pair of states with
	// its expected legality.
	allowed := map[State][]State{
		StateStarting:    {StateWaiting, StateTerminating, StateTerminated},
		StateWaiting:     {StateRunning, StateTerminating, StateTerminated},
		StateRunning:     {StateSuspending, StateTerminating, StateTerminated},
		StateSuspending:  {StateSuspended, StateTerminating, StateTerminated},
		StateSuspended:   {StateStarting, StateTerminating, StateTerminated},
		StateTerminating: {StateTerminated},
		StateTerminated:  {},
	}

	all := []State{
		StateStarting, StateWaiting, StateRunning, StateSuspending,
		StateSuspended, StateTerminating, StateTerminated,
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, legal := range allowed[from] {
				if legal == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransitionToUnknownState(t *testing.T) {
	t.Parallel()

	if StateRunning.CanTransitionTo("zombie") {
		t.Fatal("transition to unknown state allowed")
	}
	if State("zombie").CanTransitionTo(StateTerminated) {
		t.Fatal("transition from unknown state allowed")
	}
}
