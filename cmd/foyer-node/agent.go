// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/foyer-project/foyer/lib/config"
	"github.com/foyer-project/foyer/lib/session"
)

// The agent announces every lifecycle change on its output. These
// patterns are the contract; the handler never probes the agent any
// other way.
var (
	startingRE    = regexp.MustCompile(`^Session:\s+Starting\s+session\s+at\s+`)
	runningRE     = regexp.MustCompile(`^Session:\s+Session\s+(?:started|resumed)\s+at\s+`)
	suspendingRE  = regexp.MustCompile(`^Session:\s+Suspending\s+session\s+at\s+`)
	suspendedRE   = regexp.MustCompile(`^Session:\s+Session\s+suspended\s+at\s+`)
	terminatingRE = regexp.MustCompile(`^Session:\s+(?:Terminat|Abort)ing\s+session\s+at\s+`)
	terminatedRE  = regexp.MustCompile(`^Session:\s+Session\s+(?:terminat|abort)ed\s+at\s+`)

	waitingRE = regexp.MustCompile(`Info:\s+Waiting\s+for\s+connection\s+from\s+'(?P<host>.*)'\s+on\s+port\s+'(?P<port>\d+)'\.`)

	agentPidRE     = regexp.MustCompile(`^Info:\s+Agent\s+running\s+with\s+pid\s+'(\d+)'\.`)
	watchdogPidRE  = regexp.MustCompile(`^Info:\s+Watchdog\s+running\s+with\s+pid\s+'(\d+)'\.`)
	waitWatchdogRE = regexp.MustCompile(`^Info:\s+Waiting\s+the\s+watchdog\s+process\s+to\s+complete\.`)

	geometryRE = regexp.MustCompile(`Info:\s+Screen\s+\[0\]\s+resized\s+to\s+geometry\s+\[(\d+x\d+)\]`)

	errorRE   = regexp.MustCompile(`^Error:\s+(.*)$`)
	warningRE = regexp.MustCompile(`^Warning:\s+(.*)$`)
)

type agentEventKind int

const (
	agentEventNone agentEventKind = iota
	agentEventStarting
	agentEventWaiting
	agentEventRunning
	agentEventSuspending
	agentEventSuspended
	agentEventTerminating
	agentEventTerminated
	agentEventAgentPid
	agentEventWatchdogPid
	agentEventWaitWatchdog
	agentEventGeometry
	agentEventError
	agentEventWarning
)

// agentEvent is one parsed agent output line.
type agentEvent struct {
	kind     agentEventKind
	host     string
	port     int
	pid      int
	geometry string
	message  string
}

// parseAgentLine classifies one line of agent output. Lines that
// match nothing produce agentEventNone and are only logged.
func parseAgentLine(line string) agentEvent {
	if match := waitingRE.FindStringSubmatch(line); match != nil {
		port, _ := strconv.Atoi(match[2])
		return agentEvent{kind: agentEventWaiting, host: match[1], port: port}
	}
	if match := agentPidRE.FindStringSubmatch(line); match != nil {
		pid, _ := strconv.Atoi(match[1])
		return agentEvent{kind: agentEventAgentPid, pid: pid}
	}
	if match := watchdogPidRE.FindStringSubmatch(line); match != nil {
		pid, _ := strconv.Atoi(match[1])
		return agentEvent{kind: agentEventWatchdogPid, pid: pid}
	}
	if waitWatchdogRE.MatchString(line) {
		return agentEvent{kind: agentEventWaitWatchdog}
	}
	if match := geometryRE.FindStringSubmatch(line); match != nil {
		return agentEvent{kind: agentEventGeometry, geometry: match[1]}
	}

	for _, state := range []struct {
		re   *regexp.Regexp
		kind agentEventKind
	}{
		{startingRE, agentEventStarting},
		{runningRE, agentEventRunning},
		{suspendingRE, agentEventSuspending},
		{suspendedRE, agentEventSuspended},
		{terminatingRE, agentEventTerminating},
		{terminatedRE, agentEventTerminated},
	} {
		if state.re.MatchString(line) {
			return agentEvent{kind: state.kind}
		}
	}

	if match := errorRE.FindStringSubmatch(line); match != nil {
		return agentEvent{kind: agentEventError, message: match[1]}
	}
	if match := warningRE.FindStringSubmatch(line); match != nil {
		return agentEvent{kind: agentEventWarning, message: match[1]}
	}
	return agentEvent{kind: agentEventNone}
}

// optionsFileName holds the agent's option string inside the session
// directory. It contains the session cookie, hence the tight mode.
const optionsFileName = "options"

// authorityFileName is the session's X authority file.
const authorityFileName = "authority"

// buildOptions renders the agent option string. Order is fixed so the
// file is reproducible for the same record.
func buildOptions(s *session.Session) string {
	options := []string{
		"type=" + s.Type,
		"cookie=" + s.Cookie,
	}
	if s.Link != "" {
		options = append(options, "link="+s.Link)
	}
	if s.Cache > 0 {
		options = append(options, fmt.Sprintf("cache=%dM", s.Cache))
	}
	if s.Images > 0 {
		options = append(options, fmt.Sprintf("images=%dM", s.Images))
	}
	if s.Geometry != "" {
		options = append(options, "geometry="+s.Geometry)
	}
	if s.Keyboard != "" {
		options = append(options, "keyboard="+s.Keyboard)
	}
	if s.Client != "" {
		options = append(options, "client="+s.Client)
	}
	if s.ScreenInfo != "" {
		options = append(options, "screeninfo="+s.ScreenInfo)
	}
	options = append(options,
		"resize="+boolOption(s.Resize),
		"fullscreen="+boolOption(s.Fullscreen),
	)
	if s.Type == session.TypeShadow {
		options = append(options, fmt.Sprintf("shadow=:%d", s.ShadowDisplay), "shadowmode=1")
	}
	if s.VirtualDesktop {
		options = append(options, "virtualdesktop=1")
	} else if s.Rootless {
		options = append(options, "rootless=1")
	}
	return fmt.Sprintf("nx/nx,%s:%d", strings.Join(options, ","), s.Display)
}

func boolOption(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

// writeOptionsFile writes the agent option string into the session
// directory and returns its path.
func writeOptionsFile(sessionDir string, s *session.Session) (string, error) {
	path := filepath.Join(sessionDir, optionsFileName)
	if err := os.WriteFile(path, []byte(buildOptions(s)+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write options file: %w", err)
	}
	return path, nil
}

// agentCommand builds the agent invocation for a session. The agent
// reads its full option string from the options file; argv only names
// the display and the window.
func agentCommand(cfg *config.Config, sessionDir string, s *session.Session) (*exec.Cmd, error) {
	optionsPath, err := writeOptionsFile(sessionDir, s)
	if err != nil {
		return nil, err
	}

	mode := "-D"
	if s.Type == session.TypeShadow {
		mode = "-S"
	}
	cmd := exec.Command(cfg.Agent.Binary,
		mode,
		"-name", s.WindowName(),
		"-options", optionsPath,
		fmt.Sprintf(":%d", s.Display),
	)
	cmd.Env = append(os.Environ(),
		"XAUTHORITY="+filepath.Join(sessionDir, authorityFileName),
		"NX_CLIENT=/bin/true",
	)
	if s.Type == session.TypeShadow {
		cmd.Env = append(cmd.Env, fmt.Sprintf("DISPLAY=:%d", s.ShadowDisplay))
	}
	return cmd, nil
}

// xauthCommand builds the invocation that installs the session cookie
// in the session's authority file before the agent starts. Commands
// are fed on stdin so one invocation can install several cookies: a
// shadow session also needs the shadowed display's cookie or its agent
// cannot authenticate to the display it attaches to.
func xauthCommand(cfg *config.Config, sessionDir string, s *session.Session) *exec.Cmd {
	var input strings.Builder
	fmt.Fprintf(&input, "add :%d MIT-MAGIC-COOKIE-1 %s\n", s.Display, s.Cookie)
	if s.Type == session.TypeShadow && s.ShadowCookie != "" {
		fmt.Fprintf(&input, "add :%d MIT-MAGIC-COOKIE-1 %s\n", s.ShadowDisplay, s.ShadowCookie)
	}
	input.WriteString("exit\n")

	cmd := exec.Command(cfg.Agent.Xauth, "-f", filepath.Join(sessionDir, authorityFileName))
	cmd.Stdin = strings.NewReader(input.String())
	return cmd
}

// xrdbCommand builds the invocation that loads the user's X resources
// into the fresh display, or nil when the user has none.
func xrdbCommand(cfg *config.Config, sessionDir string, s *session.Session) *exec.Cmd {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	resources := filepath.Join(home, ".Xresources")
	if _, err := os.Stat(resources); err != nil {
		return nil
	}
	cmd := exec.Command(cfg.Agent.Xrdb, "-merge", resources)
	cmd.Env = displayEnv(sessionDir, s)
	return cmd
}

// userAppCommand builds the invocation for the program run inside the
// session. Application sessions run the client-supplied command via
// the shell; shadow sessions run nothing.
func userAppCommand(cfg *config.Config, sessionDir string, s *session.Session, application string) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch s.Type {
	case session.TypeShadow:
		return nil, nil
	case session.TypeApplication:
		if application == "" {
			return nil, fmt.Errorf("application session without a command")
		}
		cmd = exec.Command("/bin/sh", "-c", application)
	default:
		command, err := cfg.Command(s.Type)
		if err != nil {
			return nil, err
		}
		cmd = exec.Command(command)
		// Login-shell convention: a leading dash in argv[0] makes
		// the session program read the user's login environment.
		cmd.Args = []string{"-" + filepath.Base(command)}
	}
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}
	cmd.Env = displayEnv(sessionDir, s)
	return cmd, nil
}

func displayEnv(sessionDir string, s *session.Session) []string {
	return append(os.Environ(),
		fmt.Sprintf("DISPLAY=:%d", s.Display),
		"XAUTHORITY="+filepath.Join(sessionDir, authorityFileName),
	)
}
