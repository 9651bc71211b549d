// Package tunnel supervises the push-webhook tunnel's child process:
// spawns it, watches its stdout/stderr for connection state, and
// restarts/kills it on command. The poller's TunnelStatus interface is
// satisfied by *Supervisor.IsUp, so a down tunnel falls straight back to
// polling with no separate wiring.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/orca-dev/orca/internal/orcalog"
)

const killGrace = 5 * time.Second

// Config configures a Supervisor.
type Config struct {
	Bin                  string
	Hostname             string
	Token                string
	ConnectedPatterns    []string
	DisconnectedPatterns []string
	Log                  orcalog.Logger
}

// Supervisor owns the tunnel binary's lifecycle and tracks its connection
// state from the phrases it prints on stdout/stderr.
type Supervisor struct {
	bin          string
	hostname     string
	token        string
	connected    []*regexp.Regexp
	disconnected []*regexp.Regexp
	log          orcalog.Logger

	mu      sync.RWMutex
	up      bool
	cmd     *exec.Cmd
	exited  chan struct{}
	stopped bool
}

// New compiles the supervisor's connection-state patterns. An invalid
// pattern is dropped rather than failing startup, since the pattern list
// is operator-editable configuration, not code.
func New(cfg Config) *Supervisor {
	log := cfg.Log
	if log == nil {
		log = orcalog.Nop()
	}
	return &Supervisor{
		bin:          cfg.Bin,
		hostname:     cfg.Hostname,
		token:        cfg.Token,
		connected:    compilePatterns(cfg.ConnectedPatterns, log),
		disconnected: compilePatterns(cfg.DisconnectedPatterns, log),
		log:          log,
	}
}

func compilePatterns(patterns []string, log orcalog.Logger) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn("skip invalid tunnel pattern", "pattern", p, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

// Start spawns the tunnel binary and begins scanning its output. It
// returns once the process has been launched; connection state updates
// asynchronously as lines arrive.
func (s *Supervisor) Start(ctx context.Context) error {
	args := s.buildArgs()
	cmd := exec.Command(s.bin, args...)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tunnel stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("tunnel stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tunnel: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.exited = make(chan struct{})
	s.stopped = false
	s.mu.Unlock()

	go s.scan(stdout)
	go s.scan(stderr)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		close(s.exited)
		s.up = false
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("tunnel process exited", "error", err)
		}
	}()

	return nil
}

func (s *Supervisor) buildArgs() []string {
	args := []string{"tunnel", "run"}
	if s.token != "" {
		args = append(args, "--token", s.token)
	} else if s.hostname != "" {
		args = append(args, "--hostname", s.hostname)
	}
	return args
}

// scan reads lines from one of the tunnel's output streams, updating
// connection state whenever a line matches a known phrase.
func (s *Supervisor) scan(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.observe(line)
	}
}

func (s *Supervisor) observe(line string) {
	for _, re := range s.disconnected {
		if re.MatchString(line) {
			s.mu.Lock()
			s.up = false
			s.mu.Unlock()
			return
		}
	}
	for _, re := range s.connected {
		if re.MatchString(line) {
			s.mu.Lock()
			s.up = true
			s.mu.Unlock()
			return
		}
	}
}

// IsUp reports whether the tunnel most recently logged a connected phrase
// with no subsequent disconnected phrase. Satisfies poller.TunnelStatus.
func (s *Supervisor) IsUp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.up
}

// Stop terminates the tunnel process: SIGTERM, then SIGKILL after
// killGrace if it hasn't exited. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()

	if already || cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	if err := signalProcessGroup(pid, terminateSignal()); err != nil {
		s.log.Debug("tunnel sigterm", "pid", pid, "error", err)
	}

	timer := time.NewTimer(killGrace)
	defer timer.Stop()

	select {
	case <-exited:
		return
	case <-timer.C:
		if err := signalProcessGroup(pid, killSignal()); err != nil {
			s.log.Debug("tunnel sigkill", "pid", pid, "error", err)
		}
	}
}
