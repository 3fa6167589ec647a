package sheet

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"CharForge/pipeline/internal/comfy/workflows"
	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/session"
)

const multiviewCaptionSuffix = " a character sheet showing multiple views of a character in front of a grey background"

// multiview synthesizes the six camera views, builds the upscaled face
// anchor from the cleaned reference, and upscales the whole view grid.
func (g *Generator) multiview(ctx context.Context, inputPath, workDir, caption string, seed int64) error {
	if _, err := g.deps.Sessions.Ensure(ctx, session.Multiview); err != nil {
		return err
	}

	inputName, err := g.uploadFile(ctx, inputPath)
	if err != nil {
		return err
	}
	graph := workflows.Multiview(workflows.MultiviewParams{
		InputImage: inputName,
		Caption:    caption,
		Seed:       seed,
		RemoveBG:   true,
	})
	outputs, err := g.deps.Engine.Run(ctx, graph.Workflow)
	if err != nil {
		return fmt.Errorf("multiview workflow: %w", err)
	}

	views, err := g.nodeImages(ctx, outputs, graph.ViewsSave, len(workflows.MultiviewAzimuths))
	if err != nil {
		return err
	}
	viewPaths := make([]string, len(views))
	for i, data := range views {
		viewPaths[i] = filepath.Join(workDir, "multiview", fmt.Sprintf("multiview_%d.png", i))
		if err := writeFile(viewPaths[i], data); err != nil {
			return err
		}
	}

	reference, err := g.nodeImages(ctx, outputs, graph.ReferenceSave, 1)
	if err != nil {
		return err
	}
	referencePath := filepath.Join(workDir, referenceImageName)
	if err := writeFile(referencePath, reference[0]); err != nil {
		return err
	}

	gridPath := filepath.Join(workDir, "multiview_grid.png")
	if err := makeGridFile(viewPaths, gridPath); err != nil {
		return err
	}

	facePath, err := g.prepareFaceAnchor(ctx, referencePath, workDir)
	if err != nil {
		return err
	}

	splits := make([]string, len(viewPaths))
	for i := range splits {
		splits[i] = filepath.Join(workDir, fmt.Sprintf("upscaled_multiview_%d.png", i))
	}
	return g.upscaleGrid(ctx, gridUpscale{
		facePath: facePath,
		gridPath: gridPath,
		prompt:   caption + multiviewCaptionSuffix,
		seed:     seed,
		outGrid:  filepath.Join(workDir, "upscaled_multiview_grid.png"),
		splits:   splits,
	})
}

// prepareFaceAnchor crops the dominant face out of the cleaned reference
// and upscales it to the anchor resolution. When no face is detected the
// whole reference stands in for the crop.
func (g *Generator) prepareFaceAnchor(ctx context.Context, referencePath, workDir string) (string, error) {
	facePath := referencePath
	crop, err := g.deps.Cropper.CropFace(ctx, referencePath, filepath.Join(workDir, "face_reference.png"))
	if err != nil {
		return "", fmt.Errorf("crop face: %w", err)
	}
	if crop.Outcome == models.FaceCropNone {
		log.Printf("[Sheet] no face detected, using the cleaned reference as face anchor")
	} else {
		facePath = crop.Path
	}

	face, err := imaging.Load(facePath)
	if err != nil {
		return "", err
	}
	bounds := face.Bounds()
	factor := imaging.UpscaleFactor(bounds.Dx(), bounds.Dy(), faceTargetSize)
	log.Printf("[Sheet] face upscale factor: %.2f", factor)

	upscaled, err := g.deps.Upscaler.Upscale(ctx, face, factor)
	if err != nil {
		return "", fmt.Errorf("upscale face: %w", err)
	}
	anchorPath := filepath.Join(workDir, faceAnchorName)
	if err := imaging.SavePNG(upscaled, anchorPath); err != nil {
		return "", err
	}
	return anchorPath, nil
}
