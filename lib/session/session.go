// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package session holds the session record, its lifecycle state
// machine and the on-disk registry. A session record is the durable
// truth about one remote desktop session; every state change is
// persisted before it is reported anywhere else.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foyer-project/foyer/lib/clock"
	"github.com/foyer-project/foyer/lib/protocol"
)

// Session types a handler knows how to run.
const (
	TypeConsole     = "unix-console"
	TypeKDE         = "unix-kde"
	TypeGnome       = "unix-gnome"
	TypeApplication = "unix-application"
	TypeShadow      = "shadow"
)

// Session is the durable record of one session.
type Session struct {
	ID       string `cbor:"id"`
	Hostname string `cbor:"hostname"`
	Name     string `cbor:"name"`
	Type     string `cbor:"type"`
	Owner    string `cbor:"owner"`
	OwnerUID int    `cbor:"owner_uid"`
	State    State  `cbor:"state"`

	// Cookie authenticates the owning client; ShadowCookie is the
	// separate secret a shadowing client must present.
	Cookie       string `cbor:"cookie"`
	ShadowCookie string `cbor:"shadow_cookie,omitempty"`

	Display int `cbor:"display"`
	Port    int `cbor:"port"`

	AgentPID    int `cbor:"agent_pid,omitempty"`
	WatchdogPID int `cbor:"watchdog_pid,omitempty"`
	UserAppPID  int `cbor:"user_app_pid,omitempty"`

	// Client-negotiated display options, refreshed on every start,
	// attach and restore.
	Link           string `cbor:"link,omitempty"`
	Geometry       string `cbor:"geometry,omitempty"`
	Keyboard       string `cbor:"keyboard,omitempty"`
	Client         string `cbor:"client,omitempty"`
	ScreenInfo     string `cbor:"screeninfo,omitempty"`
	Images         int    `cbor:"images,omitempty"`
	Cache          int    `cbor:"cache,omitempty"`
	Fullscreen     bool   `cbor:"fullscreen,omitempty"`
	Rootless       bool   `cbor:"rootless,omitempty"`
	VirtualDesktop bool   `cbor:"virtualdesktop,omitempty"`
	Resize         bool   `cbor:"resize,omitempty"`

	// ShadowDisplay is the display of the session being shadowed,
	// only meaningful for TypeShadow.
	ShadowDisplay int `cbor:"shadow_display,omitempty"`

	// Failure records why a session ended up terminated outside the
	// normal lifecycle.
	Failure string `cbor:"failure,omitempty"`

	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// New builds a fresh session record from client parameters. The
// session name and type are required; a shadow session additionally
// names the display it shadows.
func New(hostname string, params map[string]string, clk clock.Clock) (*Session, error) {
	name := params["session"]
	if name == "" {
		return nil, protocol.SessionParameterError("missing session name")
	}
	if strings.ContainsAny(name, "\x00\n") {
		return nil, protocol.SessionParameterError("invalid session name %q", name)
	}
	sessionType := params["type"]
	if sessionType == "" {
		return nil, protocol.SessionParameterError("missing session type")
	}

	now := clk.Now()
	s := &Session{
		Hostname:  hostname,
		Name:      name,
		Type:      sessionType,
		State:     StateStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if sessionType == TypeShadow {
		displayText := params["display"]
		if displayText == "" {
			return nil, protocol.SessionParameterError("shadow session needs a display")
		}
		shadowDisplay, err := strconv.Atoi(displayText)
		if err != nil {
			return nil, protocol.SessionParameterError("invalid shadow display %q", displayText)
		}
		s.ShadowDisplay = shadowDisplay
	}

	if err := s.ApplyClientParams(params); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyClientParams refreshes the client-negotiated options from
// params. Unknown parameters are ignored; malformed values for known
// parameters are a session parameter error.
func (s *Session) ApplyClientParams(params map[string]string) error {
	if value, ok := params["link"]; ok {
		s.Link = value
	}
	if value, ok := params["geometry"]; ok {
		s.Geometry = value
	}
	if value, ok := params["keyboard"]; ok {
		s.Keyboard = value
	}
	if value, ok := params["client"]; ok {
		s.Client = value
	}
	if value, ok := params["screeninfo"]; ok {
		s.ScreenInfo = value
	}

	for _, size := range []struct {
		name   string
		target *int
	}{
		{"images", &s.Images},
		{"cache", &s.Cache},
	} {
		value, ok := params[size.name]
		if !ok {
			continue
		}
		parsed, err := parseSize(value)
		if err != nil {
			return protocol.SessionParameterError("invalid %s value %q", size.name, value)
		}
		*size.target = parsed
	}

	for _, flag := range []struct {
		name   string
		target *bool
	}{
		{"fullscreen", &s.Fullscreen},
		{"rootless", &s.Rootless},
		{"virtualdesktop", &s.VirtualDesktop},
		{"resize", &s.Resize},
	} {
		if value, ok := params[flag.name]; ok {
			*flag.target = parseBoolean(value)
		}
	}
	return nil
}

// parseBoolean interprets the wire boolean encoding: "1" is true,
// anything else is false.
func parseBoolean(value string) bool {
	return value == "1"
}

// parseSize parses an integer size with an optional "M" suffix.
func parseSize(value string) (int, error) {
	return strconv.Atoi(strings.TrimRight(value, "M"))
}

// FullID is the identifier a client uses to reconnect, combining the
// host, the display and the session ID.
func (s *Session) FullID() string {
	return fmt.Sprintf("%s:%d-%s", s.Hostname, s.Display, s.ID)
}

// WindowName is the title the session agent puts on its window.
func (s *Session) WindowName() string {
	return fmt.Sprintf("%s@%s:%d - %s", s.Owner, s.Hostname, s.Display, s.Name)
}

// Info converts the record to its control protocol summary.
func (s *Session) Info() protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:       s.ID,
		Name:     s.Name,
		Type:     s.Type,
		Owner:    s.Owner,
		State:    string(s.State),
		Display:  s.Display,
		Port:     s.Port,
		Cookie:   s.Cookie,
		Hostname: s.Hostname,
	}
}
