// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/foyer-project/foyer/lib/eventloop"
	"github.com/foyer-project/foyer/lib/protocol"
)

// controlServer accepts control connections on the session's Unix
// socket and feeds complete request frames to the handler. The
// listener and every connection are raw non-blocking descriptors
// registered on the event loop, so request handling shares the loop
// thread with everything else the node does.
type controlServer struct {
	loop   *eventloop.Loop
	log    *slog.Logger
	handle func(protocol.Request) protocol.Response

	fd         int
	socketPath string
	conns      map[int]*controlConn
}

type controlConn struct {
	server *controlServer
	fd     int
	inbuf  []byte
}

// writeTimeoutMs bounds how long a blocked response write may stall
// the loop. A client that stops reading mid-response is dropped.
const writeTimeoutMs = 5000

func newControlServer(loop *eventloop.Loop, log *slog.Logger, socketPath string, handle func(protocol.Request) protocol.Response) (*controlServer, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create control socket: %w", err)
	}

	// A stale socket from a previous handler on the same session
	// directory is replaced.
	os.Remove(socketPath)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("chmod %s: %w", socketPath, err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", socketPath, err)
	}

	server := &controlServer{
		loop:       loop,
		log:        log,
		handle:     handle,
		fd:         fd,
		socketPath: socketPath,
		conns:      make(map[int]*controlConn),
	}
	if err := loop.Register(fd, eventloop.Readable, server.acceptReady); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return server, nil
}

// acceptReady drains the accept queue.
func (s *controlServer) acceptReady(int, eventloop.Interest) {
	for {
		connFd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.log.Warn("accept control connection", "error", err)
			return
		}

		conn := &controlConn{server: s, fd: connFd}
		if err := s.loop.Register(connFd, eventloop.Readable, conn.readable); err != nil {
			s.log.Warn("register control connection", "error", err)
			unix.Close(connFd)
			continue
		}
		s.conns[connFd] = conn
	}
}

func (c *controlConn) readable(int, eventloop.Interest) {
	buffer := make([]byte, 4096)
	for {
		n, err := unix.Read(c.fd, buffer)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil || n == 0 {
			c.close()
			return
		}

		c.inbuf = append(c.inbuf, buffer[:n]...)
		if len(c.inbuf) > 1<<20 {
			c.server.log.Warn("control connection flooding, dropping", "fd", c.fd)
			c.close()
			return
		}
		if !c.dispatchFrames() {
			return
		}
	}
}

// dispatchFrames handles every complete frame currently buffered.
// Returns false when the connection was closed while responding.
func (c *controlConn) dispatchFrames() bool {
	for {
		end := bytes.IndexByte(c.inbuf, 0)
		if end < 0 {
			return true
		}
		frame := c.inbuf[:end]
		c.inbuf = c.inbuf[end+1:]

		var request protocol.Request
		var response protocol.Response
		if err := json.Unmarshal(frame, &request); err != nil {
			response = protocol.ErrorResponse(protocol.GenericError("malformed request: %v", err))
		} else {
			response = c.server.handle(request)
		}
		if !c.writeResponse(response) {
			c.close()
			return false
		}
	}
}

// writeResponse sends one response frame, briefly waiting out a full
// socket buffer. Reports whether the write completed.
func (c *controlConn) writeResponse(response protocol.Response) bool {
	var frame bytes.Buffer
	if err := protocol.WriteFrame(&frame, response); err != nil {
		c.server.log.Error("encode response", "error", err)
		return false
	}

	data := frame.Bytes()
	for len(data) > 0 {
		n, err := unix.Write(c.fd, data)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			pollSet := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
			ready, pollErr := unix.Poll(pollSet, writeTimeoutMs)
			if pollErr != nil && pollErr != unix.EINTR {
				return false
			}
			if ready == 0 {
				c.server.log.Warn("control client not reading, dropping", "fd", c.fd)
				return false
			}
			continue
		}
		if err != nil {
			return false
		}
		data = data[n:]
	}
	return true
}

func (c *controlConn) close() {
	c.server.loop.Unregister(c.fd)
	unix.Close(c.fd)
	delete(c.server.conns, c.fd)
}

// Close shuts the listener and every open connection and removes the
// socket file.
func (s *controlServer) Close() {
	for _, conn := range s.conns {
		conn.close()
	}
	s.loop.Unregister(s.fd)
	unix.Close(s.fd)
	os.Remove(s.socketPath)
}
