package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"CharForge/pipeline/internal/detect"
	"CharForge/pipeline/internal/inference"
	"CharForge/pipeline/internal/registry"
	"CharForge/pipeline/internal/safety"
	"CharForge/pipeline/internal/session"
	"CharForge/pipeline/internal/web"
)

var serveOpts struct {
	faceEnhance bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the generation API and job stream over HTTP",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveOpts.faceEnhance, "face_enhance", false, "load the face refinement session for API requests")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	p, err := buildPipeline(ctx, configPath)
	if err != nil {
		return err
	}
	defer p.close()

	reg := registry.New(p.cfg.Paths.ScratchDir)
	if err := reg.Refresh(); err != nil {
		return fmt.Errorf("scan characters: %w", err)
	}
	log.Printf("%d trained characters available", len(reg.List()))

	gen := inference.NewGenerator(inference.Deps{
		Engine:   p.engine,
		Sessions: p.sessions,
		Language: p.language,
		Safety:   safety.NewChecker(p.safety),
		GPU:      p.gpu,
	}, inference.Options{
		ModelsDir:   p.cfg.ComfyUI.ModelsDir,
		FaceEnhance: serveOpts.faceEnhance,
	})

	hub := web.NewHub()
	go hub.Run()

	queue := web.NewQueue(gen, hub)
	queue.Start(ctx)

	handlers := web.NewHandlers(reg, queue, hub, p.engine, map[string]session.HealthChecker{
		"detector":   detect.NewClient(p.cfg.Services.Detector),
		"classifier": p.safety,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", p.cfg.Server.Host, p.cfg.Server.Port),
		Handler:      web.NewRouter(handlers),
		ReadTimeout:  p.cfg.Server.ReadTimeout,
		WriteTimeout: p.cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	p.sessions.CleanupAll(shutdownCtx)

	log.Println("Server stopped")
	return nil
}
