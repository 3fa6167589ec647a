package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/config"
	"CharForge/pipeline/internal/detect"
	"CharForge/pipeline/internal/fal"
	"CharForge/pipeline/internal/gpu"
	"CharForge/pipeline/internal/infra"
	"CharForge/pipeline/internal/llm"
	"CharForge/pipeline/internal/safety"
	"CharForge/pipeline/internal/session"
	"CharForge/pipeline/internal/sheet"
	"CharForge/pipeline/internal/storage"
	"CharForge/pipeline/internal/training"
)

// pipeline bundles the collaborators shared by the sheet, train, generate
// and serve commands.
type pipeline struct {
	cfg      *config.Config
	engine   *comfy.Client
	sessions *session.Manager
	language *llm.Client
	safety   *safety.Client
	gpu      *gpu.Lock

	supervisor *infra.Supervisor
	redis      *storage.RedisStore
}

// buildPipeline loads the config, waits for the engine to come up and
// connects the Redis-backed GPU lease when one is configured. Callers must
// close() the result.
func buildPipeline(ctx context.Context, path string) (*pipeline, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Paths.HFHome != "" {
		// The external trainer inherits this for its model cache.
		os.Setenv("HF_HOME", cfg.Paths.HFHome)
	}

	engine := comfy.NewClient(cfg.ComfyUI.BaseURL, cfg.ComfyUI.Timeout)
	supervisor := infra.NewSupervisor(cfg.ComfyUI, engine)
	if err := supervisor.Start(ctx); err != nil {
		return nil, fmt.Errorf("engine not ready: %w", err)
	}

	safetyClient := safety.NewClient(cfg.Services.Classifier)
	p := &pipeline{
		cfg:        cfg,
		engine:     engine,
		sessions:   session.NewManager(engine, safetyClient),
		language:   llm.NewClient(cfg.Gemini),
		safety:     safetyClient,
		supervisor: supervisor,
	}

	if cfg.Redis.Addr == "" {
		p.gpu = gpu.NewLock(nil)
		return p, nil
	}
	store, err := storage.NewRedisStore(cfg.Redis)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		p.gpu = gpu.NewLock(nil)
		return p, nil
	}
	log.Println("Redis connected successfully")
	p.redis = store
	p.gpu = gpu.NewLock(store.Client())
	return p, nil
}

func (p *pipeline) close() {
	if p.redis != nil {
		p.redis.Close()
	}
	if err := p.supervisor.Stop(context.Background()); err != nil {
		log.Printf("Warning: engine shutdown: %v", err)
	}
}

func (p *pipeline) sheetGenerator() *sheet.Generator {
	falClient := fal.NewClient(p.cfg.Fal)
	return sheet.NewGenerator(sheet.Deps{
		Engine:    p.engine,
		Sessions:  p.sessions,
		Language:  p.language,
		Cropper:   detect.NewClient(p.cfg.Services.Detector),
		Upscaler:  falClient,
		Portraits: falClient,
	})
}

func (p *pipeline) trainWorkflow() *training.Workflow {
	return training.NewWorkflow(p.cfg.Training, training.Deps{
		Sheets:    p.sheetGenerator(),
		Captioner: p.language,
		Sessions:  p.sessions,
		GPU:       p.gpu,
	})
}
