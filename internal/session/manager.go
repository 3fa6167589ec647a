package session

import (
	"context"
	"fmt"

	"CharForge/pipeline/internal/comfy"
)

// HealthChecker is implemented by remote services the manager probes before
// first use.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

var cleanupOrder = []Workflow{
	Multiview,
	Upscale,
	EmotionLighting,
	FaceEnhance,
	Generation,
	Safety,
}

// Manager owns one session per workflow. Sessions are created up front but
// stay unloaded until Ensure is called for them.
type Manager struct {
	engine   *comfy.Client
	sessions map[Workflow]*Session
}

// NewManager builds the session set for one engine. safetyProbe may be nil
// when no classifier service is configured.
func NewManager(engine *comfy.Client, safetyProbe HealthChecker) *Manager {
	m := &Manager{
		engine:   engine,
		sessions: make(map[Workflow]*Session, len(roleTables)+1),
	}
	for workflow, roles := range roleTables {
		m.sessions[workflow] = &Session{workflow: workflow, roles: roles, engine: engine}
	}
	m.sessions[Safety] = &Session{workflow: Safety, probe: safetyProbe}
	return m
}

// Get returns the session for a workflow without initializing it.
func (m *Manager) Get(workflow Workflow) *Session {
	return m.sessions[workflow]
}

// Ensure initializes the session for a workflow together with any session it
// depends on, and returns it.
func (m *Manager) Ensure(ctx context.Context, workflow Workflow) (*Session, error) {
	for _, dep := range dependencies[workflow] {
		if _, err := m.Ensure(ctx, dep); err != nil {
			return nil, err
		}
	}

	s, ok := m.sessions[workflow]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", workflow)
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// CleanupAll releases every loaded session and frees engine memory. Called
// between major phases, before the trainer subprocess needs the GPU.
func (m *Manager) CleanupAll(ctx context.Context) {
	for _, workflow := range cleanupOrder {
		if s, ok := m.sessions[workflow]; ok {
			s.Cleanup(ctx)
		}
	}
}
