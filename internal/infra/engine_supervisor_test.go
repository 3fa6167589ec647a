package infra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/config"
)

func TestStartUnmanagedWaitsForHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/queue" {
			t.Errorf("health check path = %s, want /queue", r.URL.Path)
		}
	}))
	defer srv.Close()

	s := NewSupervisor(config.ComfyUIConfig{BaseURL: srv.URL}, comfy.NewClient(srv.URL, time.Minute))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Status() != StatusRunning {
		t.Errorf("status = %s, want %s", s.Status(), StatusRunning)
	}
	if !s.IsReady() {
		t.Error("supervisor should report ready")
	}

	// Already running: Start is a no-op.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("repeat Start failed: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.Status() != StatusStopped {
		t.Errorf("status after stop = %s, want %s", s.Status(), StatusStopped)
	}
}

func TestStartGivesUpWhenEngineNeverAnswers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSupervisor(config.ComfyUIConfig{BaseURL: srv.URL}, comfy.NewClient(srv.URL, time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := s.Start(ctx); err == nil {
		t.Fatal("Start should fail when the engine never becomes healthy")
	}
	if s.Status() != StatusError {
		t.Errorf("status = %s, want %s", s.Status(), StatusError)
	}
}

func TestManagedStartRequiresCommand(t *testing.T) {
	s := NewSupervisor(config.ComfyUIConfig{Managed: true}, comfy.NewClient("http://127.0.0.1:1", time.Second))
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("managed Start without start_cmd should fail")
	}
	if s.Status() != StatusError {
		t.Errorf("status = %s, want %s", s.Status(), StatusError)
	}
}
