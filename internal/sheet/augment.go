package sheet

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"CharForge/pipeline/internal/imaging"
)

// SyntheticImage is one identity-preserving portrait produced by the
// augmentation stage, paired with the scenario prompt that generated it.
type SyntheticImage struct {
	Path   string
	Prompt string
}

// augment asks the language model for scenario prompts and renders one
// portrait per prompt. Individual failures are logged and skipped; a run
// that produces nothing is not an error.
func (g *Generator) augment(ctx context.Context, facePath, caption string, count int, workDir string) ([]SyntheticImage, error) {
	face, err := imaging.Load(facePath)
	if err != nil {
		return nil, err
	}

	prompts, err := g.deps.Language.GeneratePrompts(ctx, face, caption, count)
	if err != nil {
		log.Printf("[Sheet] prompt generation failed, skipping synthetic images: %v", err)
		return nil, nil
	}
	if len(prompts) == 0 {
		log.Printf("[Sheet] no prompts generated, skipping synthetic images")
		return nil, nil
	}

	var images []SyntheticImage
	for i, prompt := range prompts {
		data, err := g.deps.Portraits.Portrait(ctx, prompt, face)
		if err != nil {
			log.Printf("[Sheet] synthetic image %d failed: %v", i, err)
			continue
		}
		path := filepath.Join(workDir, fmt.Sprintf("pulid_%d.jpg", i))
		if err := writeFile(path, data); err != nil {
			return nil, err
		}
		images = append(images, SyntheticImage{Path: path, Prompt: prompt})
	}
	return images, nil
}

func syntheticPaths(images []SyntheticImage) []string {
	paths := make([]string, len(images))
	for i, img := range images {
		paths[i] = img.Path
	}
	return paths
}

func syntheticPrompts(images []SyntheticImage) map[string]string {
	prompts := make(map[string]string, len(images))
	for _, img := range images {
		prompts[filepath.Base(img.Path)] = img.Prompt
	}
	return prompts
}
