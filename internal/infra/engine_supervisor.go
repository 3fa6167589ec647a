package infra

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/config"
)

const (
	startupTimeout  = 3 * time.Minute
	startupInterval = 2 * time.Second
	stopTimeout     = 5 * time.Second
)

// Status of the generation engine process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Supervisor starts and monitors the local generation engine. When the
// engine is not managed it only waits for an externally started instance to
// answer health checks.
type Supervisor struct {
	cfg    config.ComfyUIConfig
	client *comfy.Client

	mu      sync.RWMutex
	status  Status
	process *os.Process
}

// NewSupervisor creates a supervisor for the engine the client points at.
func NewSupervisor(cfg config.ComfyUIConfig, client *comfy.Client) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		client: client,
		status: StatusStopped,
	}
}

// Start launches the engine process when managed, then blocks until the
// engine answers health checks or the startup timeout passes.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStarting

	if s.cfg.Managed {
		if err := s.launch(); err != nil {
			s.status = StatusError
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	if err := s.waitReady(ctx); err != nil {
		s.mu.Lock()
		s.status = StatusError
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.status = StatusRunning
	s.mu.Unlock()
	log.Printf("[Engine] ready at %s", s.client.BaseURL())
	return nil
}

func (s *Supervisor) launch() error {
	if s.cfg.StartCmd == "" {
		return fmt.Errorf("engine is managed but start_cmd is empty")
	}

	parts := strings.Fields(s.cfg.StartCmd)
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.Printf("[Engine] starting: %s (dir: %s)", s.cfg.StartCmd, s.cfg.WorkingDir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	s.process = cmd.Process
	log.Printf("[Engine] process started with PID %d", cmd.Process.Pid)
	return nil
}

func (s *Supervisor) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(startupTimeout)
	ticker := time.NewTicker(startupInterval)
	defer ticker.Stop()

	for {
		if err := s.client.HealthCheck(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("engine did not answer within %s", startupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop terminates a managed engine process. Stopping an already stopped
// supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusStopped {
		return nil
	}
	s.status = StatusStopped

	if s.process == nil {
		return nil
	}

	if err := s.process.Signal(os.Interrupt); err != nil {
		s.process.Kill()
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.process.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		s.process = nil
		return err
	case <-ctx.Done():
		s.process.Kill()
		s.process = nil
		return ctx.Err()
	case <-time.After(stopTimeout):
		s.process.Kill()
		s.process = nil
		return fmt.Errorf("stop timeout, killed engine process")
	}
}

// Status returns the current engine status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsReady reports whether the engine is accepting requests.
func (s *Supervisor) IsReady() bool {
	return s.Status() == StatusRunning
}
