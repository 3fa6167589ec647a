package sheet

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"

	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/comfy/workflows"
	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/session"
)

// uploadFile pushes a local image into the engine input folder and returns
// the engine-side filename.
func (g *Generator) uploadFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	name, err := g.deps.Engine.UploadImage(ctx, filepath.Base(path), data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	return name, nil
}

// nodeImages downloads the first want outputs of one save node.
func (g *Generator) nodeImages(ctx context.Context, outputs map[string][]comfy.ImageInfo, node, want int) ([][]byte, error) {
	infos := outputs[strconv.Itoa(node)]
	if len(infos) < want {
		return nil, fmt.Errorf("node %d produced %d images, want %d", node, len(infos), want)
	}
	images := make([][]byte, want)
	for i := 0; i < want; i++ {
		data, err := g.deps.Engine.GetImage(ctx, infos[i])
		if err != nil {
			return nil, fmt.Errorf("download output %d of node %d: %w", i, node, err)
		}
		images[i] = data
	}
	return images, nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// makeGridFile loads the tiles, assembles the 2x3 sheet grid and saves it.
func makeGridFile(tilePaths []string, outPath string) error {
	tiles := make([]image.Image, len(tilePaths))
	for i, path := range tilePaths {
		img, err := imaging.Load(path)
		if err != nil {
			return err
		}
		tiles[i] = img
	}
	grid, err := imaging.MakeGrid(tiles, sheetRows, sheetCols)
	if err != nil {
		return err
	}
	return imaging.SavePNG(grid, outPath)
}

// gridUpscale is one identity-guided upscale pass over an assembled grid.
type gridUpscale struct {
	facePath string
	gridPath string
	prompt   string
	seed     int64
	// outGrid receives the upscaled grid; splits receive its tiles in
	// row-major order.
	outGrid string
	splits  []string
}

// upscaleGrid runs the upscale workflow over a grid and splits the result
// back into the per-tile files.
func (g *Generator) upscaleGrid(ctx context.Context, job gridUpscale) error {
	if _, err := g.deps.Sessions.Ensure(ctx, session.Upscale); err != nil {
		return err
	}

	faceName, err := g.uploadFile(ctx, job.facePath)
	if err != nil {
		return err
	}
	gridName, err := g.uploadFile(ctx, job.gridPath)
	if err != nil {
		return err
	}
	grid, err := imaging.Load(job.gridPath)
	if err != nil {
		return err
	}
	bounds := grid.Bounds()

	wf, save := workflows.UpscaleGrid(workflows.UpscaleGridParams{
		FaceImage:      faceName,
		InputImage:     gridName,
		Width:          bounds.Dx(),
		Height:         bounds.Dy(),
		PositivePrompt: job.prompt,
		UpscaleFactor:  imaging.UpscaleFactor(gridSourceSize, gridSourceSize, gridTargetSize),
		Seed:           job.seed,
	})
	outputs, err := g.deps.Engine.Run(ctx, wf)
	if err != nil {
		return fmt.Errorf("grid upscale workflow: %w", err)
	}

	images, err := g.nodeImages(ctx, outputs, save, 1)
	if err != nil {
		return err
	}
	if err := writeFile(job.outGrid, images[0]); err != nil {
		return err
	}

	upscaled, err := imaging.Load(job.outGrid)
	if err != nil {
		return err
	}
	tiles := imaging.SplitGrid(upscaled, sheetRows, sheetCols)
	for i, path := range job.splits {
		if err := imaging.SavePNG(tiles[i], path); err != nil {
			return err
		}
	}
	return nil
}
