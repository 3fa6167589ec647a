package sheet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/models"
)

// preprocess copies the reference into the work directory, squares and
// caps it, and captions the squared image. Returns the squared image path
// and the caption.
func (g *Generator) preprocess(ctx context.Context, inputImage, workDir string) (string, string, error) {
	src, err := imaging.Load(inputImage)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", &models.MissingAssetError{Stage: "preprocessing", Path: inputImage}
		}
		return "", "", err
	}

	if err := imaging.SavePNG(src, filepath.Join(workDir, originalImageName)); err != nil {
		return "", "", err
	}

	squared := imaging.ResizeIfLarge(imaging.RectangleToSquare(src), maxInputSide)
	inputPath := filepath.Join(workDir, inputImageName)
	if err := imaging.SavePNG(squared, inputPath); err != nil {
		return "", "", err
	}

	caption, err := g.deps.Language.Caption(ctx, squared)
	if err != nil {
		return "", "", fmt.Errorf("caption reference image: %w", err)
	}
	log.Printf("[Sheet] caption:\n%s", caption)
	return inputPath, caption, nil
}
