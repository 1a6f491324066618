// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements a bounded multi-channel byte relay between
// file descriptor pairs. The front end uses it to splice an accepted
// client connection onto a session agent's display port, and to tee
// process output to a log sink.
//
// Each channel copies bytes one way, source to destination. A file
// descriptor may feed at most one channel but may be the destination
// of many (fan-in). Descriptors are reference-counted across channels
// and closed exactly when no enabled channel reads from or writes to
// them. The relay owns its descriptors for the duration of Run and
// exits once every channel has been disabled.
package relay

import (
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// BlockSize is the per-read buffer size. A short read is not
	// end-of-stream; only a zero-length read is.
	BlockSize = 16 * 1024

	// MaxChannels bounds the channel count. The front end never needs
	// more than a display splice plus output tees.
	MaxChannels = 4
)

// Spec is a parsed "source:destination" channel definition.
type Spec struct {
	Source int
	Dest   int
}

// ParseSpec parses a single "source:destination" definition. Both
// sides must be non-negative integer file descriptors.
func ParseSpec(definition string) (Spec, error) {
	sourceText, destText, found := strings.Cut(definition, ":")
	if !found {
		return Spec{}, fmt.Errorf("invalid channel %q: missing colon", definition)
	}
	source, err := parseFd(sourceText)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid channel %q: %w", definition, err)
	}
	dest, err := parseFd(destText)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid channel %q: %w", definition, err)
	}
	return Spec{Source: source, Dest: dest}, nil
}

// ParseSpecs parses each definition in order.
func ParseSpecs(definitions []string) ([]Spec, error) {
	specs := make([]Spec, 0, len(definitions))
	for _, definition := range definitions {
		spec, err := ParseSpec(definition)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseFd(text string) (int, error) {
	value, err := strconv.Atoi(text)
	if err != nil || text == "" {
		return 0, fmt.Errorf("can't parse number %q", text)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative file descriptor %d", value)
	}
	return value, nil
}

type channel struct {
	source  int
	dest    int
	enabled bool
}

// fdState tracks how many enabled channels read from and write to a
// descriptor. The descriptor is closed when both counts reach zero.
type fdState struct {
	readers int
	writers int
}

// Relay copies bytes across a fixed set of channels until all of them
// are disabled.
type Relay struct {
	channels []*channel
	fds      map[int]*fdState

	// Trace receives diagnostic output when non-nil (the CLI's -v).
	Trace io.Writer
}

// New validates the channel set and builds the descriptor registry.
// It rejects more than MaxChannels channels and any descriptor used as
// the source of two channels; both are configuration errors.
func New(specs []Spec) (*Relay, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no channels given")
	}
	if len(specs) > MaxChannels {
		return nil, fmt.Errorf("too many channels (max %d)", MaxChannels)
	}

	relay := &Relay{fds: make(map[int]*fdState)}
	for _, spec := range specs {
		sourceState := relay.fdState(spec.Source)
		sourceState.readers++
		if sourceState.readers != 1 {
			return nil, fmt.Errorf("more than one channel is reading from file descriptor %d", spec.Source)
		}
		relay.fdState(spec.Dest).writers++

		relay.channels = append(relay.channels, &channel{
			source:  spec.Source,
			dest:    spec.Dest,
			enabled: true,
		})
	}
	return relay, nil
}

func (r *Relay) fdState(fd int) *fdState {
	state, ok := r.fds[fd]
	if !ok {
		state = &fdState{}
		r.fds[fd] = state
	}
	return state
}

// Run relays bytes until every channel has been disabled, which is the
// success condition. Sources are switched to non-blocking mode and
// destinations to blocking mode first, and broken-pipe signals are
// suppressed process-wide so writes to a closed sink fail with EPIPE
// instead of killing the process. Only a readiness-wait failure other
// than signal interruption, or a descriptor mode change failure, is an
// error.
func (r *Relay) Run() error {
	for _, ch := range r.channels {
		if err := unix.SetNonblock(ch.source, true); err != nil {
			return fmt.Errorf("set fd %d non-blocking: %w", ch.source, err)
		}
		if err := unix.SetNonblock(ch.dest, false); err != nil {
			return fmt.Errorf("set fd %d blocking: %w", ch.dest, err)
		}
	}

	signal.Ignore(syscall.SIGPIPE)

	r.trace("start")

	buffer := make([]byte, BlockSize)
	for {
		pollSet := r.buildPollSet()
		if len(pollSet) == 0 {
			// All channels disabled: natural completion.
			return nil
		}

		n, err := unix.Poll(pollSet, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		ready := make(map[int]bool, n)
		for _, polled := range pollSet {
			if polled.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				ready[int(polled.Fd)] = true
			}
		}
		for index, ch := range r.channels {
			if ch.enabled && ready[ch.source] {
				r.copyData(index, buffer)
			}
		}
	}
}

// buildPollSet returns one poll entry per descriptor still read by an
// enabled channel.
func (r *Relay) buildPollSet() []unix.PollFd {
	var pollSet []unix.PollFd
	for fd, state := range r.fds {
		if state.readers > 0 {
			pollSet = append(pollSet, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
	}
	return pollSet
}

// copyData moves up to one buffer of data across the channel at index.
// A closed source disables the channel; a failed destination disables
// the channel and every other enabled channel sharing that destination
// (a broken fan-in sink takes down all its writers).
func (r *Relay) copyData(index int, buffer []byte) {
	ch := r.channels[index]
	r.trace("copy on channel %d", index)

	n := readData(ch.source, buffer)
	if n <= 0 {
		r.closeChannel(index)
		return
	}

	if !r.writeData(ch.dest, buffer[:n]) {
		dest := ch.dest
		r.closeChannel(index)
		for otherIndex, other := range r.channels {
			if other.enabled && other.dest == dest {
				r.closeChannel(otherIndex)
			}
		}
	}
}

// readData reads once from fd. It returns the byte count, 0 when the
// descriptor has no more data or the device closed (EOF, EAGAIN after
// a readiness report, or EIO from a closed PTY), and -1 on any other
// failure. Interruption is retried.
func readData(fd int, buffer []byte) int {
	for {
		n, err := unix.Read(fd, buffer)
		switch err {
		case nil:
			return n
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.EIO:
			return 0
		default:
			return -1
		}
	}
}

// writeData writes all of data to fd, retrying on interruption and
// would-block, and reports whether the write completed. Destinations
// run in blocking mode, so would-block is transient.
func (r *Relay) writeData(fd int, data []byte) bool {
	position := 0
	for position < len(data) {
		n, err := unix.Write(fd, data[position:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			if err != unix.EPIPE {
				r.trace("write to fd %d: %v", fd, err)
			}
			return false
		}
		position += n
	}
	return true
}

// closeChannel disables the channel at index and drops its references
// to both descriptors, closing each descriptor whose combined
// reader+writer count reaches zero.
func (r *Relay) closeChannel(index int) {
	ch := r.channels[index]
	if !ch.enabled {
		return
	}
	r.trace("closing channel %d", index)
	ch.enabled = false

	for _, side := range []struct {
		fd     int
		reader bool
	}{{ch.source, true}, {ch.dest, false}} {
		state := r.fds[side.fd]
		if side.reader {
			state.readers--
		} else {
			state.writers--
		}
		if state.readers == 0 && state.writers == 0 {
			r.trace("close(%d)", side.fd)
			unix.Close(side.fd)
		}
	}
}

func (r *Relay) trace(format string, args ...any) {
	if r.Trace == nil {
		return
	}
	fmt.Fprintf(r.Trace, format+"\n", args...)
	if strings.HasPrefix(format, "start") || strings.HasPrefix(format, "closing") {
		r.dumpState()
	}
}

// dumpState writes the descriptor and channel tables to the trace sink.
func (r *Relay) dumpState() {
	fds := make([]int, 0, len(r.fds))
	for fd := range r.fds {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	for _, fd := range fds {
		state := r.fds[fd]
		fmt.Fprintf(r.Trace, "fd %d: %d readers, %d writers\n", fd, state.readers, state.writers)
	}
	for index, ch := range r.channels {
		fmt.Fprintf(r.Trace, "channel %d: enabled %v, from %d, to %d\n", index, ch.enabled, ch.source, ch.dest)
	}
}
