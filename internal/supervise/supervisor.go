// Package supervise manages the backend assistant process: spawn it if
// the port is free, wait for its health endpoint, and tear it down on
// shutdown. A backend already bound to the port is adopted rather than
// respawned, so a separately launched backend keeps working.
package supervise

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanaproject/kanashell/internal/bus"
)

// Config describes how to run the backend
type Config struct {
	Host           string
	Port           int
	Command        string
	Args           []string
	WorkDir        string
	StartTimeout   time.Duration
	HealthInterval time.Duration
}

// Supervisor owns the backend process lifecycle
type Supervisor struct {
	cfg    Config
	events *bus.EventBus
	logger zerolog.Logger
	http   *http.Client

	mu      sync.Mutex
	cmd     *exec.Cmd
	adopted bool
}

// New creates a supervisor
func New(cfg Config, events *bus.EventBus, logger zerolog.Logger) *Supervisor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 1 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		events: events,
		logger: logger.With().Str("component", "supervise").Logger(),
		http:   &http.Client{Timeout: 2 * time.Second},
	}
}

// PortInUse reports whether something is already bound to the backend
// port
func (s *Supervisor) PortInUse() bool {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return true
	}
	ln.Close()
	return false
}

// Start brings the backend up and blocks until it answers its health
// endpoint or the start timeout expires. If the port is already in use
// the existing process is adopted.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.PortInUse() {
		s.logger.Info().Int("port", s.cfg.Port).Msg("Backend already running, adopting")
		s.mu.Lock()
		s.adopted = true
		s.mu.Unlock()
	} else {
		if err := s.spawn(ctx); err != nil {
			return err
		}
	}

	if err := s.waitHealthy(ctx); err != nil {
		s.Stop()
		return err
	}

	if s.events != nil {
		s.events.Publish(bus.Event{Type: bus.EventTypeBackendHealthy})
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open backend stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open backend stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.adopted = false
	s.mu.Unlock()

	s.logger.Info().
		Str("command", s.cfg.Command).
		Int("pid", cmd.Process.Pid).
		Msg("Backend started")

	// Relay backend output into our log
	go s.relay(stdout, zerolog.InfoLevel)
	go s.relay(stderr, zerolog.WarnLevel)
	go func() {
		err := cmd.Wait()
		s.logger.Info().Err(err).Msg("Backend exited")
		if s.events != nil {
			s.events.Publish(bus.Event{Type: bus.EventTypeBackendStopped})
		}
	}()

	if s.events != nil {
		s.events.Publish(bus.Event{
			Type: bus.EventTypeBackendStarted,
			Data: map[string]any{"pid": cmd.Process.Pid},
		})
	}
	return nil
}

func (s *Supervisor) relay(r io.Reader, level zerolog.Level) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.WithLevel(level).Str("source", "backend").Msg(scanner.Text())
	}
}

// waitHealthy polls the backend status endpoint until it returns 200
func (s *Supervisor) waitHealthy(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/status", net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)))
	deadline := time.Now().Add(s.cfg.StartTimeout)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		if s.probe(ctx, url) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("backend did not become healthy within %s", s.cfg.StartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop kills a spawned backend. An adopted backend is left running; we
// do not own it.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	adopted := s.adopted
	s.cmd = nil
	s.mu.Unlock()

	if adopted || cmd == nil || cmd.Process == nil {
		return
	}

	s.logger.Info().Int("pid", cmd.Process.Pid).Msg("Stopping backend")
	if err := cmd.Process.Kill(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to kill backend")
	}
}

// Adopted reports whether the supervisor attached to an existing
// backend instead of spawning one
func (s *Supervisor) Adopted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adopted
}
