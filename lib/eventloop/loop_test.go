// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package eventloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/testutil"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := New(clock.Real())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

// runLoop starts the loop in a goroutine and returns a channel that
// closes when Run returns. The loop is stopped during test cleanup.
func runLoop(t *testing.T, loop *Loop) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := loop.Run(); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		loop.Stop()
		<-done
	})
	return done
}

func makePipe(t *testing.T) (readFd, writeFd int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return fds[0], fds[1]
}

func TestReadableCallbackFires(t *testing.T) {
	t.Parallel()
	loop := newTestLoop(t)

	readFd, writeFd := makePipe(t)
	received := make(chan []byte, 1)

	if err := loop.Register(readFd, Readable, func(fd int, events Interest) {
		buffer := make([]byte, 64)
		n, err := unix.Read(fd, buffer)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		loop.Unregister(fd)
		received <- buffer[:n]
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	runLoop(t, loop)

	if _, err := unix.Write(writeFd, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := testutil.RequireReceive(t, received, 5*time.Second, "waiting for read callback")
	if string(got) != "ping" {
		t.Fatalf("read %q, want %q", got, "ping")
	}

	unix.Close(readFd)
	unix.Close(writeFd)
}

func TestRegisterDuplicateFdFails(t *testing.T) {
	t.Parallel()
	loop := newTestLoop(t)

	readFd, writeFd := makePipe(t)
	defer unix.Close(readFd)
	defer unix.Close(writeFd)

	callback := func(int, Interest) {}
	if err := loop.Register(readFd, Readable, callback); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := loop.Register(readFd, Readable, callback); err == nil {
		t.Fatal("second Register of the same fd succeeded")
	}
}

func TestTimerFires(t *testing.T) {
	t.Parallel()
	loop := newTestLoop(t)

	fired := make(chan struct{})
	loop.Post(func() {
		loop.AddTimer(10*time.Millisecond, func() { close(fired) })
	})

	runLoop(t, loop)
	testutil.RequireClosed(t, fired, 5*time.Second, "timer callback")
}

func TestCancelledTimerDoesNotFire(t *testing.T) {
	t.Parallel()
	loop := newTestLoop(t)

	fired := make(chan struct{}, 1)
	later := make(chan struct{})
	loop.Post(func() {
		handle := loop.AddTimer(20*time.Millisecond, func() { fired <- struct{}{} })
		loop.CancelTimer(handle)
		loop.AddTimer(60*time.Millisecond, func() { close(later) })
	})

	runLoop(t, loop)
	testutil.RequireClosed(t, later, 5*time.Second, "sentinel timer")

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	default:
	}
}

func TestTimerOrdering(t *testing.T) {
	t.Parallel()
	loop := newTestLoop(t)

	order := make(chan string, 2)
	done := make(chan struct{})
	loop.Post(func() {
		loop.AddTimer(40*time.Millisecond, func() {
			order <- "second"
			close(done)
		})
		loop.AddTimer(10*time.Millisecond, func() { order <- "first" })
	})

	runLoop(t, loop)
	testutil.RequireClosed(t, done, 5*time.Second, "both timers")

	if got := testutil.RequireReceive(t, order, time.Second, "first timer"); got != "first" {
		t.Fatalf("first fired timer was %q", got)
	}
	if got := testutil.RequireReceive(t, order, time.Second, "second timer"); got != "second" {
		t.Fatalf("second fired timer was %q", got)
	}
}

func TestPostRunsOnLoopThread(t *testing.T) {
	t.Parallel()
	loop := newTestLoop(t)
	runLoop(t, loop)

	ran := make(chan struct{})
	loop.Post(func() { close(ran) })
	testutil.RequireClosed(t, ran, 5*time.Second, "posted callback")
}

func TestStopEndsRun(t *testing.T) {
	t.Parallel()
	loop := newTestLoop(t)
	done := runLoop(t, loop)

	loop.Stop()
	testutil.RequireClosed(t, done, 5*time.Second, "Run return after Stop")
}

func TestHangupReportedAsReadable(t *testing.T) {
	t.Parallel()
	loop := newTestLoop(t)

	readFd, writeFd := makePipe(t)
	sawEOF := make(chan struct{})

	if err := loop.Register(readFd, Readable, func(fd int, events Interest) {
		buffer := make([]byte, 16)
		n, err := unix.Read(fd, buffer)
		if n == 0 && err == nil {
			loop.Unregister(fd)
			unix.Close(fd)
			close(sawEOF)
		}
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	runLoop(t, loop)

	unix.Close(writeFd)
	testutil.RequireClosed(t, sawEOF, 5*time.Second, "EOF callback after writer close")
}
