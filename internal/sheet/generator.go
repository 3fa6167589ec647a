package sheet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"CharForge/pipeline/internal/interfaces"
)

const (
	originalImageName  = "original.png"
	inputImageName     = "input.png"
	referenceImageName = "cleaned_reference.png"
	faceAnchorName     = "face_upscaled.png"
	timingLogName      = "timing.log"

	// maxInputSide caps the squared reference before view synthesis.
	maxInputSide = 1536
	// faceTargetSize is the minimum side of the upscaled face anchor.
	faceTargetSize = 768
	// Grids are assembled from gridSourceSize tiles and upscaled toward
	// gridTargetSize per tile.
	gridSourceSize = 768
	gridTargetSize = 1024

	sheetRows = 2
	sheetCols = 3
)

// Deps are the collaborators a sheet run needs. All engine and network
// traffic goes through these.
type Deps struct {
	Engine    interfaces.Engine
	Sessions  interfaces.Sessions
	Language  interfaces.LanguageModel
	Cropper   interfaces.FaceCropper
	Upscaler  interfaces.Upscaler
	Portraits interfaces.PortraitMaker
}

// Request describes one character sheet build.
type Request struct {
	// Name identifies the character. It names the default work directory.
	Name string
	// InputImage is the reference photo the sheet is built from.
	InputImage string
	// WorkDir overrides the default scratch/{Name} directory.
	WorkDir string
	// PulidImages enables the synthetic augmentation stage when positive.
	PulidImages int
	// LogFile overrides the default {WorkDir}/timing.log location.
	LogFile string
	// Seed fixes the sampling seed. Zero picks a random seed per graph.
	Seed int64
}

// Generator builds character sheets: a preprocessed reference, six
// synthesized views, relit and expression variants, optional synthetic
// portraits, and the description manifest training reads.
type Generator struct {
	deps Deps
}

func NewGenerator(deps Deps) *Generator {
	return &Generator{deps: deps}
}

// Generate runs the full sheet pipeline and returns the selected sheet
// image paths in canonical order. Stages run strictly one after another;
// every loaded model session is released before returning.
func (g *Generator) Generate(ctx context.Context, req Request) ([]string, error) {
	if req.InputImage == "" {
		return nil, errors.New("sheet: input image is required")
	}
	workDir := req.WorkDir
	if workDir == "" {
		if req.Name == "" {
			return nil, errors.New("sheet: character name or work dir is required")
		}
		workDir = filepath.Join("scratch", req.Name)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	var timing *TimingLog
	if req.LogFile != "" {
		timing = OpenTimingLog(req.LogFile)
	} else {
		var err error
		timing, err = NewTimingLog(filepath.Join(workDir, timingLogName))
		if err != nil {
			return nil, err
		}
	}

	defer g.deps.Sessions.CleanupAll(ctx)

	var sheet []string
	err := timing.Track("Total process", func() error {
		var inputPath, caption string
		if err := timing.Track("preprocessing", func() error {
			var err error
			inputPath, caption, err = g.preprocess(ctx, req.InputImage, workDir)
			return err
		}); err != nil {
			return err
		}

		if err := timing.Track("Multi-view", func() error {
			return g.multiview(ctx, inputPath, workDir, caption, req.Seed)
		}); err != nil {
			return err
		}
		log.Printf("[Sheet] multi-view images generated")

		facePath := filepath.Join(workDir, faceAnchorName)
		if err := timing.Track("Emotion and lighting", func() error {
			return g.emotionLighting(ctx, facePath, workDir, caption, req.Seed)
		}); err != nil {
			return err
		}
		log.Printf("[Sheet] emotion and lighting generated")

		var synthetic []SyntheticImage
		if req.PulidImages > 0 {
			if err := timing.Track("Pulid-Flux", func() error {
				var err error
				synthetic, err = g.augment(ctx, facePath, caption, req.PulidImages, workDir)
				return err
			}); err != nil {
				return err
			}
			log.Printf("[Sheet] %d synthetic images generated", len(synthetic))
		}

		var err error
		sheet, err = GatherSheetImages(workDir, syntheticPaths(synthetic))
		if err != nil {
			return err
		}

		return timing.Track("Creating image info", func() error {
			infoPath, err := WriteImageInfo(workDir, sheet, syntheticPrompts(synthetic))
			if err != nil {
				return err
			}
			log.Printf("[Sheet] image info created at %s", infoPath)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Sheet] finished, %d sheet images, timing in %s", len(sheet), timing.Path())
	return sheet, nil
}
