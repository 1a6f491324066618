// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/foyer-project/foyer/lib/eventloop"
)

// program is one supervised child process. Its stdout and stderr are
// line-buffered onto the event loop; its exit is observed by a
// dedicated goroutine that posts back onto the loop, so all callbacks
// run on the loop thread.
type program struct {
	name string
	cmd  *exec.Cmd

	// onLine receives each complete output line, stripped of its
	// newline. onExit receives the wait error, nil for a clean exit.
	onLine func(line string)
	onExit func(err error)

	table *programTable
	// pipes maps each read-end fd to its *os.File; holding the File
	// keeps its finalizer from closing the fd behind the loop's back.
	pipes   map[int]*os.File
	buffers map[int]*bytes.Buffer
	open    int
	exited  bool
	exitErr error
}

// Pid returns the child's process ID.
func (p *program) Pid() int {
	return p.cmd.Process.Pid
}

// programTable tracks every live child of the handler, keyed by pid.
// All access happens on the loop thread.
type programTable struct {
	loop     *eventloop.Loop
	log      *slog.Logger
	programs map[int]*program
}

func newProgramTable(loop *eventloop.Loop, log *slog.Logger) *programTable {
	return &programTable{
		loop:     loop,
		log:      log,
		programs: make(map[int]*program),
	}
}

// Start launches cmd under supervision. Output pipes are created
// here; callers must not have set cmd.Stdout or cmd.Stderr.
func (t *programTable) Start(name string, cmd *exec.Cmd, onLine func(string), onExit func(error)) (*program, error) {
	p := &program{
		name:    name,
		cmd:     cmd,
		onLine:  onLine,
		onExit:  onExit,
		table:   t,
		pipes:   make(map[int]*os.File),
		buffers: make(map[int]*bytes.Buffer),
	}

	for _, attach := range []func(*exec.Cmd, *os.File){
		func(c *exec.Cmd, w *os.File) { c.Stdout = w },
		func(c *exec.Cmd, w *os.File) { c.Stderr = w },
	} {
		readEnd, writeEnd, err := os.Pipe()
		if err != nil {
			p.closePipes()
			return nil, fmt.Errorf("pipe for %s: %w", name, err)
		}
		attach(cmd, writeEnd)
		fd := int(readEnd.Fd())
		p.pipes[fd] = readEnd
		p.buffers[fd] = &bytes.Buffer{}
	}

	if err := cmd.Start(); err != nil {
		p.closePipes()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	// The child holds its own copies of the write ends.
	cmd.Stdout.(*os.File).Close()
	cmd.Stderr.(*os.File).Close()

	for fd := range p.pipes {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("set pipe non-blocking: %w", err)
		}
		if err := t.loop.Register(fd, eventloop.Readable, func(fd int, _ eventloop.Interest) {
			p.readOutput(fd)
		}); err != nil {
			return nil, fmt.Errorf("register pipe: %w", err)
		}
		p.open++
	}

	t.programs[p.Pid()] = p
	t.log.Info("program started", "name", name, "pid", p.Pid())

	go func() {
		err := cmd.Wait()
		t.loop.Post(func() { p.waited(err) })
	}()
	return p, nil
}

// readOutput drains one readable output pipe, dispatching complete
// lines. End of stream closes the pipe and may finish the program.
func (p *program) readOutput(fd int) {
	buffer := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buffer)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil || n == 0 {
			p.closeOutput(fd)
			return
		}
		pending := p.buffers[fd]
		pending.Write(buffer[:n])
		for {
			line, readErr := pending.ReadString('\n')
			if readErr != nil {
				// Partial line, keep it buffered.
				pending.WriteString(line)
				break
			}
			if p.onLine != nil {
				p.onLine(line[:len(line)-1])
			}
		}
	}
}

func (p *program) closeOutput(fd int) {
	pending := p.buffers[fd]
	if pending != nil && pending.Len() > 0 && p.onLine != nil {
		p.onLine(pending.String())
		pending.Reset()
	}
	p.table.loop.Unregister(fd)
	if pipe := p.pipes[fd]; pipe != nil {
		pipe.Close()
	}
	delete(p.pipes, fd)
	delete(p.buffers, fd)
	p.open--
	p.maybeFinish()
}

// waited records the child's exit. The exit callback is deferred
// until both output pipes have drained so no line is lost.
func (p *program) waited(err error) {
	p.exited = true
	p.exitErr = err
	p.maybeFinish()
}

func (p *program) maybeFinish() {
	if !p.exited || p.open > 0 {
		return
	}
	delete(p.table.programs, p.Pid())
	if p.exitErr != nil {
		p.table.log.Warn("program exited", "name", p.name, "pid", p.Pid(), "error", p.exitErr)
	} else {
		p.table.log.Info("program exited", "name", p.name, "pid", p.Pid())
	}
	if p.onExit != nil {
		p.onExit(p.exitErr)
	}
}

func (p *program) closePipes() {
	for _, pipe := range p.pipes {
		pipe.Close()
	}
	if f, ok := p.cmd.Stdout.(*os.File); ok && f != nil {
		f.Close()
	}
	if f, ok := p.cmd.Stderr.(*os.File); ok && f != nil {
		f.Close()
	}
}

// Signal delivers sig to the child process.
func (p *program) Signal(sig unix.Signal) error {
	return unix.Kill(p.Pid(), sig)
}

// SignalAll delivers sig to every live child.
func (t *programTable) SignalAll(sig unix.Signal) {
	for pid := range t.programs {
		unix.Kill(pid, sig)
	}
}

// Empty reports whether no supervised children remain.
func (t *programTable) Empty() bool {
	return len(t.programs) == 0
}
