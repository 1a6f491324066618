// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package display allocates X display numbers for new sessions. A
// display number is free when no lock or socket artifact for it exists
// on disk and no live session in the registry holds it.
package display

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/foyer-project/foyer/lib/protocol"
)

// Allocation probing is randomized: picking sequentially from the
// bottom of the range would race two concurrent allocations onto the
// same number far more often.
const defaultAttempts = 10

// Allocator picks a free display number from a half-open range
// [Min, Max) by random probing.
type Allocator struct {
	Min      int
	Max      int
	Attempts int

	// CheckPathTemplates are printf templates with one %d verb, each
	// naming an on-disk artifact whose presence marks the display as
	// taken (an X server lock file or listening socket).
	CheckPathTemplates []string

	// InUse reports whether a live session already holds the display.
	// Nil means no session check.
	InUse func(display int) bool
}

// Default returns an allocator over the conventional display range
// with the standard X lock and socket artifact paths.
func Default() *Allocator {
	return &Allocator{
		Min:      20,
		Max:      1000,
		Attempts: defaultAttempts,
		CheckPathTemplates: []string{
			"/tmp/.X%d-lock",
			"/tmp/.X11-unix/X%d",
		},
	}
}

// FindFree returns a free display number, or a NoFreeDisplayNumber
// protocol error after exhausting its probe attempts.
func (a *Allocator) FindFree() (int, error) {
	if a.Max <= a.Min {
		return 0, fmt.Errorf("invalid display range [%d, %d)", a.Min, a.Max)
	}
	attempts := a.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	for i := 0; i < attempts; i++ {
		candidate := a.Min + rand.Intn(a.Max-a.Min)
		if a.free(candidate) {
			return candidate, nil
		}
	}
	return 0, protocol.NoFreeDisplayNumber()
}

func (a *Allocator) free(display int) bool {
	if a.InUse != nil && a.InUse(display) {
		return false
	}
	for _, template := range a.CheckPathTemplates {
		if _, err := os.Lstat(fmt.Sprintf(template, display)); err == nil {
			return false
		}
	}
	return true
}
