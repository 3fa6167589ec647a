package dataset

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strings"

	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/sheet"
)

// targetSize is the training resolution every dataset image is normalized
// to.
const targetSize = 1024

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".webp"}

// Captioner produces a description of one image.
type Captioner interface {
	Caption(ctx context.Context, img image.Image) (string, error)
}

// Result summarizes one preprocessing run.
type Result struct {
	Resized   int
	Captioned int
}

// Preprocess normalizes a dataset directory before training: every image
// is brought to the training resolution, then every image without a
// caption file gets one. Both passes are idempotent.
func Preprocess(ctx context.Context, dir string, captioner Captioner) (Result, error) {
	log.Printf("[Dataset] preprocessing %s", dir)

	resized, err := EnsureSize(dir)
	if err != nil {
		return Result{}, err
	}
	captioned, err := EnsureCaptions(ctx, dir, captioner)
	if err != nil {
		return Result{Resized: resized}, err
	}

	log.Printf("[Dataset] preprocessing complete: %d resized, %d captioned", resized, captioned)
	return Result{Resized: resized, Captioned: captioned}, nil
}

// EnsureSize squares and resizes every image in dir to exactly
// targetSize, skipping images already at that size. Per-image failures
// are logged and skipped. Returns the number of images changed.
func EnsureSize(dir string) (int, error) {
	images, err := listImages(dir)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, path := range images {
		img, err := imaging.Load(path)
		if err != nil {
			log.Printf("[Dataset] cannot read %s: %v", filepath.Base(path), err)
			continue
		}
		b := img.Bounds()
		if b.Dx() == targetSize && b.Dy() == targetSize {
			continue
		}

		log.Printf("[Dataset] resizing %s (%dx%d -> %dx%d)", filepath.Base(path), b.Dx(), b.Dy(), targetSize, targetSize)
		squared := imaging.RectangleToSquare(img)
		if err := imaging.SavePNG(imaging.Resize(squared, targetSize, targetSize), path); err != nil {
			log.Printf("[Dataset] cannot write %s: %v", filepath.Base(path), err)
			continue
		}
		changed++
	}

	if changed > 0 {
		log.Printf("[Dataset] %d images resized to %dx%d", changed, targetSize, targetSize)
	}
	return changed, nil
}

// EnsureCaptions writes a .txt caption next to every image that lacks
// one. Descriptions from the image info manifest seed the caption when
// present; the captioner fills in the rest. Existing caption files are
// never rewritten. Returns the number of captions generated.
func EnsureCaptions(ctx context.Context, dir string, captioner Captioner) (int, error) {
	images, err := listImages(dir)
	if err != nil {
		return 0, err
	}
	info, err := sheet.ReadImageInfo(dir)
	if err != nil {
		log.Printf("[Dataset] cannot read image info manifest: %v", err)
		info = map[string]sheet.ImageDescription{}
	}

	generated := 0
	for _, path := range images {
		txtPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
		if _, err := os.Stat(txtPath); err == nil {
			continue
		}

		caption := info[filepath.Base(path)].Description
		if caption == "" {
			img, err := imaging.Load(path)
			if err != nil {
				log.Printf("[Dataset] cannot read %s: %v", filepath.Base(path), err)
				continue
			}
			caption, err = captioner.Caption(ctx, img)
			if err != nil {
				log.Printf("[Dataset] captioning %s failed: %v", filepath.Base(path), err)
				continue
			}
		}

		if err := os.WriteFile(txtPath, []byte(caption), 0o644); err != nil {
			log.Printf("[Dataset] cannot write caption for %s: %v", filepath.Base(path), err)
			continue
		}
		generated++
	}

	if generated > 0 {
		log.Printf("[Dataset] %d captions generated", generated)
	}
	return generated, nil
}

// listImages returns the image files directly under dir, in name order.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !hasImageExt(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

func hasImageExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
