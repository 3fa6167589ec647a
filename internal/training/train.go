package training

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"CharForge/pipeline/internal/config"
	"CharForge/pipeline/internal/dataset"
	"CharForge/pipeline/internal/gpu"
	"CharForge/pipeline/internal/interfaces"
	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/sheet"
)

const timingLogName = "timing.log"

// SheetBuilder runs the character-sheet pipeline.
type SheetBuilder interface {
	Generate(ctx context.Context, req sheet.Request) ([]string, error)
}

// Deps are the collaborators the training workflow drives.
type Deps struct {
	Sheets    SheetBuilder
	Captioner dataset.Captioner
	Sessions  interfaces.Sessions
	GPU       *gpu.Lock
}

// Workflow turns one reference image into a trained character LoRA: sheet
// generation, captioning, dataset preprocessing and the external optimizer
// run, with the GPU handed over cleanly between the generation models and
// the trainer process.
type Workflow struct {
	cfg  config.TrainingConfig
	deps Deps
}

func NewWorkflow(cfg config.TrainingConfig, deps Deps) *Workflow {
	return &Workflow{cfg: cfg, deps: deps}
}

// BuildSheet generates and captions the character sheet without training.
// Returns the work directory holding the dataset.
func (w *Workflow) BuildSheet(ctx context.Context, cfg *models.CharacterConfig) (string, error) {
	workDir, timing, err := w.prepareWorkDir(cfg)
	if err != nil {
		return "", err
	}
	if _, err := w.generationPhase(ctx, cfg, workDir, timing); err != nil {
		return "", err
	}
	log.Printf("[Train] sheet complete for %q, dataset in %s", cfg.Name, workDir)
	return workDir, nil
}

// BuildCharacter runs the complete workflow: character sheet, captions,
// memory handover, dataset preprocessing and LoRA training. Returns the work
// directory holding all generated assets.
func (w *Workflow) BuildCharacter(ctx context.Context, cfg *models.CharacterConfig) (string, error) {
	workDir, timing, err := w.prepareWorkDir(cfg)
	if err != nil {
		return "", err
	}
	log.Printf("[Train] starting workflow for %q in %s", cfg.Name, workDir)

	err = timing.Track("Total workflow", func() error {
		sheetImages, err := w.generationPhase(ctx, cfg, workDir, timing)
		if err != nil {
			return err
		}

		if err := timing.Track("Dataset preprocessing", func() error {
			res, err := dataset.Preprocess(ctx, workDir, w.deps.Captioner)
			if err != nil {
				return err
			}
			log.Printf("[Train] dataset preprocessed, %d resized, %d captioned", res.Resized, res.Captioned)
			return nil
		}); err != nil {
			return err
		}

		if err := verifySheet(workDir, sheetImages); err != nil {
			return err
		}

		return timing.Track("LoRA training", func() error {
			return w.trainingPhase(ctx, cfg, workDir)
		})
	})
	if err != nil {
		return "", err
	}

	log.Printf("[Train] workflow complete for %q, assets in %s", cfg.Name, workDir)
	return workDir, nil
}

func (w *Workflow) prepareWorkDir(cfg *models.CharacterConfig) (string, *sheet.TimingLog, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		if cfg.Name == "" {
			return "", nil, errors.New("training: character name or work dir is required")
		}
		workDir = models.DefaultWorkDir(cfg.Name)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create work dir: %w", err)
	}
	timing, err := sheet.NewTimingLog(filepath.Join(workDir, timingLogName))
	if err != nil {
		return "", nil, err
	}
	return workDir, timing, nil
}

// generationPhase holds the GPU through sheet generation and captioning,
// then frees every generation model so the trainer can take the device.
func (w *Workflow) generationPhase(ctx context.Context, cfg *models.CharacterConfig, workDir string, timing *sheet.TimingLog) ([]string, error) {
	release, err := w.deps.GPU.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var sheetImages []string
	err = timing.Track("Character sheet", func() error {
		var err error
		sheetImages, err = w.deps.Sheets.Generate(ctx, sheet.Request{
			Name:        cfg.Name,
			InputImage:  cfg.InputImage,
			WorkDir:     workDir,
			PulidImages: cfg.PulidFluxImages,
			LogFile:     timing.Path(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Train] %d character sheet images generated", len(sheetImages))

	err = timing.Track("Image captioning", func() error {
		n, err := dataset.EnsureCaptions(ctx, workDir, w.deps.Captioner)
		if err != nil {
			return err
		}
		log.Printf("[Train] %d captions written", n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := timing.Track("memory cleanup", func() error {
		w.deps.Sessions.CleanupAll(ctx)
		release()
		return nil
	}); err != nil {
		return nil, err
	}
	return sheetImages, nil
}

// trainingPhase materializes the trainer config, takes the GPU back for the
// trainer process and verifies the weight file it was supposed to produce.
func (w *Workflow) trainingPhase(ctx context.Context, cfg *models.CharacterConfig, workDir string) error {
	configPath, err := MaterializeConfig(w.cfg.TemplatePath, workDir, cfg)
	if err != nil {
		return err
	}
	log.Printf("[Train] trainer config at %s", configPath)

	release, err := w.deps.GPU.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := RunTrainer(ctx, w.cfg.RunnerScript, configPath); err != nil {
		return err
	}

	loraPath := models.LoRAPath(workDir)
	if _, err := os.Stat(loraPath); err != nil {
		return &models.MissingAssetError{Stage: "training", Path: loraPath}
	}
	log.Printf("[Train] LoRA weights at %s", loraPath)
	return nil
}

// verifySheet checks that every file the manifest and the selected sheet
// list reference still exists before the trainer config is generated.
func verifySheet(workDir string, sheetImages []string) error {
	info, err := sheet.ReadImageInfo(workDir)
	if err != nil {
		return err
	}
	for name := range info {
		path := filepath.Join(workDir, name)
		if _, err := os.Stat(path); err != nil {
			return &models.MissingAssetError{Stage: "training", Path: path}
		}
	}
	for _, path := range sheetImages {
		if _, err := os.Stat(path); err != nil {
			return &models.MissingAssetError{Stage: "training", Path: path}
		}
	}
	return nil
}
