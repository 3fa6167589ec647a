package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"go.uber.org/atomic"

	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/weights"
)

// Workflow identifies one model session of the generation engine.
type Workflow string

const (
	Multiview       Workflow = "multiview"
	Upscale         Workflow = "upscale"
	EmotionLighting Workflow = "emotion_lighting"
	FaceEnhance     Workflow = "face_enhance"
	Generation      Workflow = "generation"
	Safety          Workflow = "safety"
)

// Role binds a logical model name to the engine loader node that serves it.
// Value is the weight file or provider the loader must offer. Roles with an
// empty Field only require the node class to exist.
type Role struct {
	Name  string
	Class string
	Field string
	Value string
}

var upscaleRoles = []Role{
	{Name: "checkpoint", Class: "CheckpointLoaderSimple", Field: "ckpt_name", Value: weights.FluxCheckpoint},
	{Name: "pulid", Class: "PulidFluxModelLoader", Field: "pulid_file", Value: weights.PulidFlux},
	{Name: "eva_clip", Class: "PulidFluxEvaClipLoader"},
	{Name: "insightface", Class: "PulidFluxInsightFaceLoader", Field: "provider", Value: "CUDA"},
	{Name: "controlnet", Class: "ControlNetLoader", Field: "control_net_name", Value: weights.FluxControlNetUnion},
	{Name: "detailer_hook", Class: "CoreMLDetailerHookProvider", Field: "mode", Value: "768x768"},
	{Name: "bbox_detector", Class: "UltralyticsDetectorProvider", Field: "model_name", Value: weights.FaceDetector},
	{Name: "upscale_model", Class: "UpscaleModelLoader", Field: "model_name", Value: weights.ClearRealityUpscale},
}

var emotionLightingRoles = []Role{
	{Name: "checkpoint", Class: "CheckpointLoaderSimple", Field: "ckpt_name", Value: weights.PhotonCheckpoint},
	{Name: "iclight", Class: "LoadAndApplyICLightUnet", Field: "model_path", Value: weights.ICLightUnet},
}

var faceEnhanceRoles = []Role{
	{Name: "checkpoint", Class: "CheckpointLoaderSimple", Field: "ckpt_name", Value: weights.FluxCheckpoint},
	{Name: "pulid", Class: "PulidFluxModelLoader", Field: "pulid_file", Value: weights.PulidFlux},
	{Name: "eva_clip", Class: "PulidFluxEvaClipLoader"},
	{Name: "insightface", Class: "PulidFluxInsightFaceLoader", Field: "provider", Value: "CUDA"},
	{Name: "controlnet", Class: "ControlNetLoader", Field: "control_net_name", Value: weights.FluxControlNetUnion},
}

var generationRoles = []Role{
	{Name: "checkpoint", Class: "CheckpointLoaderSimple", Field: "ckpt_name", Value: weights.FluxCheckpoint},
	// The character LoRA file changes per call, so only the loader class is
	// checked here.
	{Name: "lora_loader", Class: "LoraLoader"},
}

var multiviewRoles = []Role{
	{Name: "pipeline", Class: "LdmPipelineLoader", Field: "ckpt_name", Value: weights.JuggernautXL},
	{Name: "scheduler", Class: "DiffusersMVSchedulerLoader", Field: "scheduler_name", Value: "ddpm"},
	{Name: "adapter", Class: "DiffusersMVModelMakeup"},
}

var roleTables = map[Workflow][]Role{
	Multiview:       multiviewRoles,
	Upscale:         upscaleRoles,
	EmotionLighting: emotionLightingRoles,
	FaceEnhance:     faceEnhanceRoles,
	Generation:      generationRoles,
}

// The emotion/lighting graph reuses the upscale session's Flux checkpoint.
var dependencies = map[Workflow][]Workflow{
	EmotionLighting: {Upscale},
}

// Session tracks whether the engine is ready to serve one workflow. The
// engine loads weights lazily when a prompt runs, so a session verifies every
// role's weight up front rather than letting the first long graph fail
// halfway through on a missing file.
type Session struct {
	workflow Workflow
	roles    []Role
	engine   *comfy.Client
	probe    HealthChecker

	mu     sync.Mutex
	loaded atomic.Bool
	active map[string]string
}

// Workflow returns the workflow this session serves.
func (s *Session) Workflow() Workflow {
	return s.workflow
}

// Loaded reports whether the session has been initialized.
func (s *Session) Loaded() bool {
	return s.loaded.Load()
}

// Roles returns a copy of the verified role map.
func (s *Session) Roles() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	roles := make(map[string]string, len(s.active))
	for name, value := range s.active {
		roles[name] = value
	}
	return roles
}

// Initialize verifies every role of the session against the engine and marks
// the session loaded. Idempotent. On any verification failure the session
// stays unset, so a retry redoes the full sequence instead of running with a
// half-populated role map.
func (s *Session) Initialize(ctx context.Context) error {
	if s.loaded.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded.Load() {
		return nil
	}

	if s.engine == nil {
		if s.probe != nil {
			if err := s.probe.HealthCheck(ctx); err != nil {
				return fmt.Errorf("%s session: %w", s.workflow, err)
			}
		}
		s.loaded.Store(true)
		log.Printf("[Session] %s ready", s.workflow)
		return nil
	}

	active := make(map[string]string, len(s.roles))
	for _, role := range s.roles {
		if err := s.verifyRole(ctx, role); err != nil {
			return &models.ModelLoadError{Session: string(s.workflow), Role: role.Name, Err: err}
		}
		value := role.Value
		if value == "" {
			value = role.Class
		}
		active[role.Name] = value
	}

	stats, err := s.engine.SystemStats(ctx)
	if err != nil {
		return fmt.Errorf("%s session: engine stats unavailable: %w", s.workflow, err)
	}
	var vramFree int64
	for _, device := range stats.Devices {
		vramFree += device.VRAMFree
	}

	s.active = active
	s.loaded.Store(true)
	log.Printf("[Session] %s ready: %d roles verified, %d MB VRAM free",
		s.workflow, len(active), vramFree/(1<<20))
	return nil
}

func (s *Session) verifyRole(ctx context.Context, role Role) error {
	if role.Field == "" {
		known, err := s.engine.KnownNodeClass(ctx, role.Class)
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("engine does not know node class %s", role.Class)
		}
		return nil
	}

	options, err := s.engine.ObjectInfoOptions(ctx, role.Class, role.Field)
	if err != nil {
		return err
	}
	for _, option := range options {
		if option == role.Value {
			return nil
		}
	}
	return fmt.Errorf("%s is missing %q", role.Class, role.Value)
}

// Cleanup drops the role map, marks the session unloaded and asks the engine
// to unload models and release cached GPU memory. Failures are logged, never
// returned.
func (s *Session) Cleanup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded.Load() {
		return
	}

	s.active = nil
	s.loaded.Store(false)

	if s.engine != nil {
		if err := s.engine.FreeMemory(ctx); err != nil {
			log.Printf("[Session] %s cleanup: %v", s.workflow, err)
		}
	}
	log.Printf("[Session] %s released", s.workflow)
}
