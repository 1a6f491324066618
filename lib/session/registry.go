// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/codec"
	"github.com/foyer-project/foyer/lib/protocol"
)

const (
	// recordFile holds the serialized session record inside the
	// session directory.
	recordFile = "session.cbor"

	// socketFile is the handler's control socket inside the session
	// directory.
	socketFile = "node.sock"

	createAttempts = 10
)

// NewID returns a fresh 32-character uppercase hex session
// identifier.
func NewID() string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// NewCookie returns a fresh authentication cookie in the same format
// as a session identifier.
func NewCookie() string {
	return NewID()
}

// validID matches the identifier format produced by NewID. Anything
// else is rejected before it can reach a filesystem path.
func validID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}

// Registry is the directory-per-session store under a root directory.
// The directory name is the session ID; creating the directory is the
// atomic claim on that ID.
type Registry struct {
	root string
	clk  clock.Clock
}

// NewRegistry returns a registry rooted at root, creating the root if
// needed.
func NewRegistry(root string, clk clock.Clock) (*Registry, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create registry root: %w", err)
	}
	return &Registry{root: root, clk: clk}, nil
}

// Root returns the registry root directory.
func (r *Registry) Root() string {
	return r.root
}

// Dir returns the directory path for a session ID.
func (r *Registry) Dir(id string) (string, error) {
	if !validID(id) {
		return "", protocol.SessionNotFound(id)
	}
	return filepath.Join(r.root, id), nil
}

// SocketPath returns the handler control socket path for a session ID.
func (r *Registry) SocketPath(id string) (string, error) {
	dir, err := r.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, socketFile), nil
}

// Create claims a fresh session ID by creating its directory,
// assigning the ID and cookie to s and persisting the record. The
// mkdir is the uniqueness check, so concurrent creators on the same
// root can never claim the same ID.
func (r *Registry) Create(s *Session) error {
	for attempt := 0; attempt < createAttempts; attempt++ {
		id := NewID()
		err := os.Mkdir(filepath.Join(r.root, id), 0o700)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create session directory: %w", err)
		}
		s.ID = id
		if s.Cookie == "" {
			s.Cookie = NewCookie()
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = r.clk.Now()
		}
		return r.Save(s)
	}
	return fmt.Errorf("no unclaimed session ID after %d attempts", createAttempts)
}

// Save persists the record durably: the serialized record is written
// to a temporary file, synced, renamed over the record file, and the
// session directory is synced so the rename itself is durable.
func (r *Registry) Save(s *Session) error {
	dir, err := r.Dir(s.ID)
	if err != nil {
		return err
	}
	s.UpdatedAt = r.clk.Now()

	payload, err := codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}

	tmp, err := os.CreateTemp(dir, recordFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, recordFile)); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer handle.Close()
	if err := handle.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

// Load reads the record for id. A missing directory or record is a
// SessionNotFound protocol error.
func (r *Registry) Load(id string) (*Session, error) {
	dir, err := r.Dir(id)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(filepath.Join(dir, recordFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, protocol.SessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	s := &Session{}
	if err := codec.Unmarshal(payload, s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}

// List loads every readable session record, skipping directories
// whose record is missing or unreadable (a session being created or
// torn down). A nil filter keeps everything.
func (r *Registry) List(filter func(*Session) bool) ([]*Session, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read registry root: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if !entry.IsDir() || !validID(entry.Name()) {
			continue
		}
		s, err := r.Load(entry.Name())
		if err != nil {
			continue
		}
		if filter == nil || filter(s) {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

// Remove deletes a session's directory and everything in it.
func (r *Registry) Remove(id string) error {
	dir, err := r.Dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	return nil
}

// DisplayInUse reports whether any non-terminated session holds the
// display number.
func (r *Registry) DisplayInUse(display int) bool {
	sessions, err := r.List(func(s *Session) bool {
		return s.Display == display && !s.State.Terminal()
	})
	return err == nil && len(sessions) > 0
}

// FindByDisplay returns the non-terminated session holding display.
func (r *Registry) FindByDisplay(display int) (*Session, error) {
	sessions, err := r.List(func(s *Session) bool {
		return s.Display == display && !s.State.Terminal()
	})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, protocol.SessionNotFound(fmt.Sprintf("display %d", display))
	}
	return sessions[0], nil
}
