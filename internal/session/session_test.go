package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/models"
)

var engineChoices = map[string]struct {
	field   string
	options []string
}{
	"CheckpointLoaderSimple":      {"ckpt_name", []string{"flux1-dev-fp8.safetensors", "photon.safetensors", "juggernaut-xl.safetensors"}},
	"PulidFluxModelLoader":        {"pulid_file", []string{"pulid_flux_v0.9.1.safetensors"}},
	"PulidFluxInsightFaceLoader":  {"provider", []string{"CPU", "CUDA", "ROCM"}},
	"ControlNetLoader":            {"control_net_name", []string{"Flux_Dev_ControlNet_Union_Pro_ShakkerLabs.safetensors"}},
	"CoreMLDetailerHookProvider":  {"mode", []string{"512x512", "768x768"}},
	"UltralyticsDetectorProvider": {"model_name", []string{"bbox/face_yolov8m.pt"}},
	"UpscaleModelLoader":          {"model_name", []string{"4x-ClearRealityV1.pth"}},
	"LoadAndApplyICLightUnet":     {"model_path", []string{"iclight_sd15_fbc.safetensors"}},
	"LdmPipelineLoader":           {"ckpt_name", []string{"juggernaut-xl.safetensors"}},
	"DiffusersMVSchedulerLoader":  {"scheduler_name", []string{"ddpm", "ddim", "lcm"}},
}

var engineClasses = []string{"PulidFluxEvaClipLoader", "LoraLoader", "DiffusersMVModelMakeup"}

type fakeEngine struct {
	mu        sync.Mutex
	infoCalls int
	freeCalls int
	failFree  bool
	withheld  map[string]bool
}

func (e *fakeEngine) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/object_info/", func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.infoCalls++
		withheld := make(map[string]bool, len(e.withheld))
		for value, gone := range e.withheld {
			withheld[value] = gone
		}
		e.mu.Unlock()

		class := strings.TrimPrefix(r.URL.Path, "/object_info/")
		resp := map[string]interface{}{}
		if spec, ok := engineChoices[class]; ok {
			options := make([]string, 0, len(spec.options))
			for _, option := range spec.options {
				if !withheld[option] {
					options = append(options, option)
				}
			}
			resp[class] = map[string]interface{}{
				"input": map[string]interface{}{
					"required": map[string]interface{}{spec.field: []interface{}{options}},
				},
			}
		} else {
			for _, known := range engineClasses {
				if class == known {
					resp[class] = map[string]interface{}{
						"input": map[string]interface{}{"required": map[string]interface{}{}},
					}
				}
			}
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"system": {"os": "posix"}, "devices": [{"name": "cuda:0", "type": "cuda", "vram_total": 25769803776, "vram_free": 24696061952}]}`)
	})
	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.freeCalls++
		fail := e.failFree
		e.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "{}")
	})
	return mux
}

func (e *fakeEngine) counts() (info, free int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infoCalls, e.freeCalls
}

func newTestManager(t *testing.T) (*Manager, *fakeEngine) {
	t.Helper()
	e := &fakeEngine{withheld: make(map[string]bool)}
	srv := httptest.NewServer(e.handler())
	t.Cleanup(srv.Close)
	return NewManager(comfy.NewClient(srv.URL, time.Minute), nil), e
}

type probeFunc func(context.Context) error

func (f probeFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestEnsureIsIdempotent(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()

	s, err := m.Ensure(ctx, Upscale)
	if err != nil {
		t.Fatalf("Ensure(Upscale) failed: %v", err)
	}
	if !s.Loaded() {
		t.Fatal("session should be loaded after Ensure")
	}

	first, _ := e.counts()
	if first != len(upscaleRoles) {
		t.Errorf("info calls = %d, want %d", first, len(upscaleRoles))
	}

	if _, err := m.Ensure(ctx, Upscale); err != nil {
		t.Fatalf("repeat Ensure failed: %v", err)
	}
	second, _ := e.counts()
	if second != first {
		t.Errorf("repeat Ensure made %d extra engine calls", second-first)
	}

	roles := s.Roles()
	if roles["checkpoint"] != "flux1-dev-fp8.safetensors" {
		t.Errorf("checkpoint role = %q", roles["checkpoint"])
	}
	if roles["eva_clip"] != "PulidFluxEvaClipLoader" {
		t.Errorf("eva_clip role = %q", roles["eva_clip"])
	}
}

func TestInitializeAllOrNothing(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()

	e.mu.Lock()
	e.withheld["pulid_flux_v0.9.1.safetensors"] = true
	e.mu.Unlock()

	_, err := m.Ensure(ctx, Upscale)
	if err == nil {
		t.Fatal("Ensure should fail while the pulid weight is missing")
	}
	var loadErr *models.ModelLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("error type = %T, want *models.ModelLoadError", err)
	}
	if loadErr.Role != "pulid" {
		t.Errorf("failed role = %q, want pulid", loadErr.Role)
	}
	s := m.Get(Upscale)
	if s.Loaded() {
		t.Error("failed initialization must leave the session unset")
	}
	if len(s.Roles()) != 0 {
		t.Errorf("roles after failed initialization = %v, want none", s.Roles())
	}

	e.mu.Lock()
	delete(e.withheld, "pulid_flux_v0.9.1.safetensors")
	e.mu.Unlock()

	if _, err := m.Ensure(ctx, Upscale); err != nil {
		t.Fatalf("Ensure after the weight arrived failed: %v", err)
	}
	if !s.Loaded() {
		t.Error("session should be loaded after retry")
	}
}

func TestEmotionLightingRequiresUpscale(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.Ensure(context.Background(), EmotionLighting)
	if err != nil {
		t.Fatalf("Ensure(EmotionLighting) failed: %v", err)
	}
	if !s.Loaded() {
		t.Error("emotion/lighting session should be loaded")
	}
	if !m.Get(Upscale).Loaded() {
		t.Error("emotion/lighting must bring up the upscale session first")
	}
}

func TestCleanupAll(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, Upscale); err != nil {
		t.Fatalf("Ensure(Upscale) failed: %v", err)
	}
	if _, err := m.Ensure(ctx, Generation); err != nil {
		t.Fatalf("Ensure(Generation) failed: %v", err)
	}

	m.CleanupAll(ctx)

	if m.Get(Upscale).Loaded() || m.Get(Generation).Loaded() {
		t.Error("sessions should be unloaded after CleanupAll")
	}
	_, frees := e.counts()
	if frees != 2 {
		t.Errorf("free calls = %d, want 2", frees)
	}

	m.CleanupAll(ctx)
	_, frees = e.counts()
	if frees != 2 {
		t.Errorf("free calls after repeat = %d, want 2", frees)
	}
}

func TestCleanupFailureIsNotPropagated(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, Generation); err != nil {
		t.Fatalf("Ensure(Generation) failed: %v", err)
	}

	e.mu.Lock()
	e.failFree = true
	e.mu.Unlock()

	m.Get(Generation).Cleanup(ctx)
	if m.Get(Generation).Loaded() {
		t.Error("session should be unloaded even when the engine free call fails")
	}
}

func TestSafetySessionProbe(t *testing.T) {
	engine := comfy.NewClient("http://127.0.0.1:1", time.Second)

	m := NewManager(engine, probeFunc(func(context.Context) error { return nil }))
	if _, err := m.Ensure(context.Background(), Safety); err != nil {
		t.Fatalf("Ensure(Safety) failed: %v", err)
	}

	m = NewManager(engine, probeFunc(func(context.Context) error { return fmt.Errorf("classifier down") }))
	if _, err := m.Ensure(context.Background(), Safety); err == nil {
		t.Error("failing probe should fail initialization")
	}

	m = NewManager(engine, nil)
	if _, err := m.Ensure(context.Background(), Safety); err != nil {
		t.Fatalf("Ensure(Safety) without a probe failed: %v", err)
	}
}

func TestEnsureUnknownWorkflow(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Ensure(context.Background(), Workflow("paint")); err == nil {
		t.Error("unknown workflow should fail")
	}
}
