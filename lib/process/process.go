// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds small helpers shared by the Foyer binaries.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard Foyer binary entrypoint error handler. Use it in main()
// for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
