// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// foyer-relay copies bytes between inherited file descriptors until
// every channel closes. The parent process sets up the descriptors
// and passes each channel as a "source:destination" argument.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/foyer-project/foyer/lib/process"
	"github.com/foyer-project/foyer/lib/relay"
)

func main() {
	verbose := pflag.BoolP("verbose", "v", false, "trace channel activity on stderr")
	pflag.Usage = usage
	pflag.Parse()

	specs, err := relay.ParseSpecs(pflag.Args())
	if err != nil {
		usageError(err)
	}
	r, err := relay.New(specs)
	if err != nil {
		usageError(err)
	}
	if *verbose {
		r.Trace = os.Stderr
	}

	if err := r.Run(); err != nil {
		process.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-v] source:destination [source:destination ...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Copies bytes between file descriptors, at most %d channels.\n", relay.MaxChannels)
	pflag.PrintDefaults()
}

func usageError(err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
	usage()
	os.Exit(2)
}
