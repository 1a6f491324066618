// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresAfter(t *testing.T) {
	t.Parallel()
	fake := Fake()

	ch := fake.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	t.Parallel()
	fake := Fake()
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeNowAdvances(t *testing.T) {
	t.Parallel()
	fake := Fake()
	start := fake.Now()
	fake.Advance(90 * time.Minute)
	if got, want := fake.Now().Sub(start), 90*time.Minute; got != want {
		t.Fatalf("Now advanced by %v, want %v", got, want)
	}
}
