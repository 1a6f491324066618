// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventloop implements a single-threaded cooperative scheduler:
// readiness-based file descriptor dispatch plus a timer queue, with a
// self-pipe for re-entering the loop from other goroutines.
//
// The loop is the node's only thread of control. Callbacks run to
// completion before the next iteration; the only suspension point is
// the poll(2) readiness wait, whose timeout is the soonest pending
// timer. Registrations and cancellations performed inside a callback
// take effect starting the next iteration.
//
// Goroutines must not touch loop-owned state directly; they hand work
// to the loop with Post, which queues a callback and wakes the poll.
package eventloop

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/foyer-project/foyer/lib/clock"
)

// Interest selects the readiness conditions a registration waits for.
type Interest uint8

const (
	// Readable fires when the descriptor has data to read, was hung
	// up, or is in an error state (so the callback's read observes
	// EOF or the error instead of blocking).
	Readable Interest = 1 << iota

	// Writable fires when the descriptor can accept writes.
	Writable
)

// Callback is invoked on the loop thread when a registered descriptor
// becomes ready. events holds the subset of the registered interest
// that is ready.
type Callback func(fd int, events Interest)

// TimerHandle identifies a pending timer for cancellation.
type TimerHandle uint64

type registration struct {
	interest Interest
	callback Callback
}

type timer struct {
	handle    TimerHandle
	deadline  time.Time
	callback  func()
	cancelled bool
	index     int
}

// Loop is a cooperative poll-based event loop. All methods except Post
// and Stop must be called from the loop thread (or before Run starts).
type Loop struct {
	clock         clock.Clock
	registrations map[int]*registration
	timers        map[TimerHandle]*timer
	timerQueue    timerHeap
	nextHandle    TimerHandle
	stopRequested bool

	// Self-pipe waking the poll when work is posted from another
	// goroutine. wakeRead is permanently part of the poll set.
	wakeRead  int
	wakeWrite int

	postMu sync.Mutex
	posted []func()
}

// New returns a loop reading time from clk.
func New(clk clock.Clock) (*Loop, error) {
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	return &Loop{
		clock:         clk,
		registrations: make(map[int]*registration),
		timers:        make(map[TimerHandle]*timer),
		wakeRead:      pipeFds[0],
		wakeWrite:     pipeFds[1],
	}, nil
}

// Close releases the loop's wake pipe. The loop must not be running.
func (l *Loop) Close() error {
	err1 := unix.Close(l.wakeRead)
	err2 := unix.Close(l.wakeWrite)
	if err1 != nil {
		return err1
	}
	return err2
}

// Register adds fd to the poll set with the given interest. The
// registration takes effect at the start of the next iteration.
// Registering an fd that is already registered is a programming error.
func (l *Loop) Register(fd int, interest Interest, callback Callback) error {
	if _, exists := l.registrations[fd]; exists {
		return fmt.Errorf("fd %d is already registered", fd)
	}
	if interest == 0 || callback == nil {
		return errors.New("registration needs an interest and a callback")
	}
	l.registrations[fd] = &registration{interest: interest, callback: callback}
	return nil
}

// Unregister removes fd from the poll set. Removing an unknown fd is a
// no-op. The descriptor itself is not closed; its owner closes it.
func (l *Loop) Unregister(fd int) {
	delete(l.registrations, fd)
}

// AddTimer schedules callback to run on the loop thread once delay has
// elapsed. A non-positive delay fires on the next iteration.
func (l *Loop) AddTimer(delay time.Duration, callback func()) TimerHandle {
	l.nextHandle++
	entry := &timer{
		handle:   l.nextHandle,
		deadline: l.clock.Now().Add(delay),
		callback: callback,
	}
	l.timers[entry.handle] = entry
	heap.Push(&l.timerQueue, entry)
	return entry.handle
}

// CancelTimer prevents a pending timer from firing. Cancelling a fired
// or unknown handle is a no-op.
func (l *Loop) CancelTimer(handle TimerHandle) {
	if entry, ok := l.timers[handle]; ok {
		entry.cancelled = true
		delete(l.timers, handle)
	}
}

// Post queues fn to run on the loop thread at the start of the next
// iteration and wakes the poll. Safe to call from any goroutine; this
// is the only loop entry point that is.
func (l *Loop) Post(fn func()) {
	l.postMu.Lock()
	l.posted = append(l.posted, fn)
	l.postMu.Unlock()

	// A full pipe already guarantees a pending wakeup.
	var one = [1]byte{1}
	for {
		_, err := unix.Write(l.wakeWrite, one[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Stop requests that Run return after the current iteration. Safe to
// call from any goroutine.
func (l *Loop) Stop() {
	l.Post(func() { l.stopRequested = true })
}

// Run dispatches I/O readiness, timers, and posted callbacks until Stop
// is called. A poll failure other than signal interruption is returned;
// interruption is retried transparently.
func (l *Loop) Run() error {
	for {
		if l.stopRequested {
			return nil
		}

		pollSet := l.buildPollSet()
		n, err := unix.Poll(pollSet, l.nextTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		l.runPosted()
		l.fireTimers()
		if n > 0 {
			l.dispatch(pollSet)
		}
	}
}

// buildPollSet snapshots the current registrations plus the wake pipe.
// Mutations made by callbacks during dispatch affect the next snapshot,
// not the one being iterated.
func (l *Loop) buildPollSet() []unix.PollFd {
	pollSet := make([]unix.PollFd, 0, len(l.registrations)+1)
	pollSet = append(pollSet, unix.PollFd{Fd: int32(l.wakeRead), Events: unix.POLLIN})
	for fd, reg := range l.registrations {
		var events int16
		if reg.interest&Readable != 0 {
			events |= unix.POLLIN
		}
		if reg.interest&Writable != 0 {
			events |= unix.POLLOUT
		}
		pollSet = append(pollSet, unix.PollFd{Fd: int32(fd), Events: events})
	}
	return pollSet
}

// nextTimeout returns the poll timeout in milliseconds: the time until
// the soonest pending timer, or -1 (indefinite) if none are pending.
func (l *Loop) nextTimeout() int {
	for len(l.timerQueue) > 0 && l.timerQueue[0].cancelled {
		heap.Pop(&l.timerQueue)
	}
	if len(l.timerQueue) == 0 {
		return -1
	}
	remaining := l.timerQueue[0].deadline.Sub(l.clock.Now())
	if remaining <= 0 {
		return 0
	}
	// Round up so the poll never wakes before the deadline.
	return int((remaining + time.Millisecond - 1) / time.Millisecond)
}

// runPosted drains the wake pipe and runs all callbacks queued by Post.
// Callbacks posted while this batch runs are picked up next iteration.
func (l *Loop) runPosted() {
	var drain [64]byte
	for {
		n, err := unix.Read(l.wakeRead, drain[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(drain) {
			break
		}
	}

	l.postMu.Lock()
	batch := l.posted
	l.posted = nil
	l.postMu.Unlock()

	for _, fn := range batch {
		fn()
	}
}

// fireTimers runs every pending timer whose deadline has been reached.
// Due timers are collected before any callback runs so that a callback
// arming a new zero-delay timer sees it fire next iteration, not this
// one.
func (l *Loop) fireTimers() {
	now := l.clock.Now()
	var due []*timer
	for len(l.timerQueue) > 0 {
		next := l.timerQueue[0]
		if next.cancelled {
			heap.Pop(&l.timerQueue)
			continue
		}
		if next.deadline.After(now) {
			break
		}
		heap.Pop(&l.timerQueue)
		delete(l.timers, next.handle)
		due = append(due, next)
	}
	for _, entry := range due {
		if !entry.cancelled {
			entry.callback()
		}
	}
}

// dispatch invokes the callback of every ready, still-registered fd.
func (l *Loop) dispatch(pollSet []unix.PollFd) {
	for _, polled := range pollSet {
		if polled.Revents == 0 || int(polled.Fd) == l.wakeRead {
			continue
		}
		reg, ok := l.registrations[int(polled.Fd)]
		if !ok {
			// Unregistered by an earlier callback this iteration.
			continue
		}

		var ready Interest
		if polled.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			ready |= Readable
		}
		if polled.Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
			ready |= Writable
		}
		ready &= reg.interest
		if ready == 0 {
			// An error condition on an fd registered for the other
			// direction; report it through whatever was asked for.
			ready = reg.interest
		}
		reg.callback(int(polled.Fd), ready)
	}
}

// timerHeap orders timers by deadline, earliest first.
type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { t := x.(*timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any           { old := *h; n := len(old); t := old[n-1]; old[n-1] = nil; *h = old[:n-1]; return t }
