package sheet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"CharForge/pipeline/internal/comfy/workflows"
	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/session"
)

const emotionCaptionSuffix = " a character sheet showing various emotions and lighting conditions"

// emotionLighting renders the four relit variants and four expression
// variants from the face anchor, then upscales the six tiles that join
// the sheet.
func (g *Generator) emotionLighting(ctx context.Context, facePath, workDir, caption string, seed int64) error {
	if _, err := os.Stat(facePath); err != nil {
		return &models.MissingAssetError{Stage: "emotion_lighting", Path: facePath}
	}
	if _, err := g.deps.Sessions.Ensure(ctx, session.EmotionLighting); err != nil {
		return err
	}

	faceName, err := g.uploadFile(ctx, facePath)
	if err != nil {
		return err
	}
	graph := workflows.EmotionLighting(workflows.EmotionLightingParams{
		InputImage: faceName,
		Seed:       seed,
	})
	outputs, err := g.deps.Engine.Run(ctx, graph.Workflow)
	if err != nil {
		return fmt.Errorf("emotion lighting workflow: %w", err)
	}

	lighting, err := g.nodeImages(ctx, outputs, graph.LightingSave, len(workflows.ScenePrompts))
	if err != nil {
		return err
	}
	emotions, err := g.nodeImages(ctx, outputs, graph.EmotionsSave, len(workflows.ExpressionPresets))
	if err != nil {
		return err
	}

	tilePaths := make([]string, 0, len(lighting)+len(SheetEmotionIndices))
	for i, data := range lighting {
		path := filepath.Join(workDir, fmt.Sprintf("lighting_%d.png", i))
		if err := writeFile(path, data); err != nil {
			return err
		}
		tilePaths = append(tilePaths, path)
	}
	for i, data := range emotions {
		if err := writeFile(filepath.Join(workDir, fmt.Sprintf("emotions_%d.png", i)), data); err != nil {
			return err
		}
	}
	for _, i := range SheetEmotionIndices {
		tilePaths = append(tilePaths, filepath.Join(workDir, fmt.Sprintf("emotions_%d.png", i)))
	}

	gridPath := filepath.Join(workDir, "emotions_grid.png")
	if err := makeGridFile(tilePaths, gridPath); err != nil {
		return err
	}

	splits := make([]string, len(tilePaths))
	for i, path := range tilePaths {
		splits[i] = filepath.Join(workDir, "upscaled_"+filepath.Base(path))
	}
	return g.upscaleGrid(ctx, gridUpscale{
		facePath: facePath,
		gridPath: gridPath,
		prompt:   caption + emotionCaptionSuffix,
		seed:     seed,
		outGrid:  filepath.Join(workDir, "upscaled_emotions_grid.png"),
		splits:   splits,
	})
}
