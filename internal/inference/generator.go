package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/atomic"

	"CharForge/pipeline/internal/comfy/workflows"
	"CharForge/pipeline/internal/gpu"
	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/interfaces"
	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/safety"
	"CharForge/pipeline/internal/session"
)

const (
	outputDirName  = "output"
	referenceName  = "original.png"
	faceAnchorName = "face_upscaled.png"

	lorasSubdir = "loras"
	// loraFolder namespaces installed character adapters inside the engine
	// loras directory.
	loraFolder = "charforge"
)

// Deps are the collaborators a generation run needs.
type Deps struct {
	Engine   interfaces.Engine
	Sessions interfaces.Sessions
	Language interfaces.LanguageModel
	Safety   interfaces.ContentChecker

	// GPU serializes device access against training runs in other
	// processes. Nil skips the lease.
	GPU *gpu.Lock
}

// Options fix the generator's construction-time behavior.
type Options struct {
	// ModelsDir is the engine model root character adapters are installed
	// under.
	ModelsDir string
	// FaceEnhance loads the identity refinement session at prepare time and
	// enables the enhancement pass for requests that ask for it.
	FaceEnhance bool
}

// Generator produces test images for a trained character. Sessions are
// loaded once on first use and shared across calls.
type Generator struct {
	deps Deps
	opts Options

	prepared atomic.Bool
}

func NewGenerator(deps Deps, opts Options) *Generator {
	return &Generator{deps: deps, opts: opts}
}

// Prepare loads every session generation needs: the sampling session, the
// safety classifier and, when configured, the face refinement session.
// Idempotent.
func (g *Generator) Prepare(ctx context.Context) error {
	if g.prepared.Load() {
		return nil
	}
	if _, err := g.deps.Sessions.Ensure(ctx, session.Generation); err != nil {
		return err
	}
	if _, err := g.deps.Sessions.Ensure(ctx, session.Safety); err != nil {
		return err
	}
	if g.opts.FaceEnhance {
		if _, err := g.deps.Sessions.Ensure(ctx, session.FaceEnhance); err != nil {
			return err
		}
	}
	g.prepared.Store(true)
	log.Printf("[Inference] generator prepared")
	return nil
}

// Generate samples a batch of images for the request and writes them as
// JPEGs under {work_dir}/output. The character's LoRA weight must exist;
// generating without it would silently produce wrong-identity images, so its
// absence is a hard failure. When face enhancement is active the returned
// paths are the enhanced files.
func (g *Generator) Generate(ctx context.Context, cfg *models.InferenceConfig) ([]string, error) {
	workDir := cfg.ResolveWorkDir()

	prompt := cfg.Prompt
	if cfg.OptimizePrompt && prompt != "" {
		prompt = g.optimizePrompt(ctx, cfg, workDir)
	}

	loraFile := models.LoRAPath(workDir)
	if _, err := os.Stat(loraFile); err != nil {
		return nil, &models.MissingAssetError{Stage: "inference", Path: loraFile}
	}
	log.Printf("[Inference] using LoRA %s", loraFile)

	outputDir := filepath.Join(workDir, outputDirName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	names := cfg.OutputNames(time.Now())

	if g.deps.GPU != nil {
		release, err := g.deps.GPU.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire gpu: %w", err)
		}
		defer release()
	}

	if err := g.Prepare(ctx); err != nil {
		return nil, err
	}
	loraName, err := g.installLoRA(loraFile, cfg.CharacterName)
	if err != nil {
		return nil, err
	}

	log.Printf("[Inference] generating %d images with prompt: %s", cfg.BatchSize, prompt)
	wf, save := workflows.Generation(workflows.GenerationParams{
		LoraName:     loraName,
		Prompt:       prompt,
		LoraStrength: cfg.LoRAWeight,
		Width:        cfg.TestDim,
		Height:       cfg.TestDim,
		Steps:        cfg.Steps,
		BatchSize:    cfg.BatchSize,
	})
	outputs, err := g.deps.Engine.Run(ctx, wf)
	if err != nil {
		return nil, fmt.Errorf("generation graph: %w", err)
	}
	infos := outputs[strconv.Itoa(save)]
	if len(infos) < cfg.BatchSize {
		return nil, fmt.Errorf("generation produced %d images, want %d", len(infos), cfg.BatchSize)
	}

	files := make([]string, 0, cfg.BatchSize)
	for i := 0; i < cfg.BatchSize; i++ {
		data, err := g.deps.Engine.GetImage(ctx, infos[i])
		if err != nil {
			return nil, fmt.Errorf("download image %d: %w", i, err)
		}
		img, err := imaging.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		out := filepath.Join(outputDir, outputName(names, i))
		if err := imaging.SaveJPEG(img, out); err != nil {
			return nil, err
		}
		log.Printf("[Inference] saved %s", out)
		files = append(files, out)
	}

	if cfg.FaceEnhance && g.opts.FaceEnhance {
		enhanced, err := g.enhanceFaces(ctx, workDir, files)
		if err != nil {
			return nil, err
		}
		files = enhanced
	}
	return files, nil
}

// CheckSafety classifies every file and overwrites flagged ones in place
// with the filtered-content placeholder at dim. The returned flags keep the
// input order and length, so callers always see a stable batch.
func (g *Generator) CheckSafety(ctx context.Context, files []string, dim int) []bool {
	flags := g.deps.Safety.CheckFiles(ctx, files)
	for i, flagged := range flags {
		if !flagged {
			continue
		}
		if err := safety.ReplacePlaceholder(files[i], dim); err != nil {
			log.Printf("[Inference] %v", err)
		}
	}
	return flags
}

// optimizePrompt rewrites the raw prompt against the character's training
// captions. Missing captions keep the raw prompt; the outfit-locking flag
// adds the original reference image to the rewrite request.
func (g *Generator) optimizePrompt(ctx context.Context, cfg *models.InferenceConfig, workDir string) string {
	captions, err := loadCaptions(workDir)
	if err != nil || len(captions) == 0 {
		log.Printf("[Inference] no captions found in %s, keeping the raw prompt", workDir)
		return cfg.Prompt
	}

	var reference image.Image
	if cfg.FixOutfit {
		img, err := imaging.Load(filepath.Join(workDir, referenceName))
		if err != nil {
			log.Printf("[Inference] cannot read reference image: %v", err)
		} else {
			reference = img
		}
	}
	return g.deps.Language.OptimizePrompt(ctx, cfg.Prompt, captions, reference)
}

// installLoRA copies the character adapter into the engine loras folder and
// returns the engine-side adapter name. An already current copy is kept.
func (g *Generator) installLoRA(src, character string) (string, error) {
	if g.opts.ModelsDir == "" {
		return "", errors.New("inference: engine models dir is not configured")
	}
	name := path.Join(loraFolder, character+".safetensors")
	dst := filepath.Join(g.opts.ModelsDir, lorasSubdir, loraFolder, character+".safetensors")

	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat LoRA: %w", err)
	}
	if dstInfo, err := os.Stat(dst); err == nil &&
		dstInfo.Size() == srcInfo.Size() && !dstInfo.ModTime().Before(srcInfo.ModTime()) {
		return name, nil
	}

	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("install LoRA: %w", err)
	}
	log.Printf("[Inference] installed adapter at %s", dst)
	return name, nil
}

// enhanceFaces reruns every generated image through the identity refinement
// graph against the character's face anchor and returns the enhanced files.
func (g *Generator) enhanceFaces(ctx context.Context, workDir string, files []string) ([]string, error) {
	facePath := filepath.Join(workDir, faceAnchorName)
	faceData, err := os.ReadFile(facePath)
	if err != nil {
		return nil, &models.MissingAssetError{Stage: "face_enhance", Path: facePath}
	}
	faceName, err := g.deps.Engine.UploadImage(ctx, faceAnchorName, faceData)
	if err != nil {
		return nil, fmt.Errorf("upload face anchor: %w", err)
	}

	log.Printf("[Inference] enhancing %d faces", len(files))
	enhanced := make([]string, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		inputName, err := g.deps.Engine.UploadImage(ctx, filepath.Base(file), data)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", file, err)
		}

		wf, save := workflows.FaceEnhance(workflows.FaceEnhanceParams{
			FaceImage:  faceName,
			InputImage: inputName,
		})
		outputs, err := g.deps.Engine.Run(ctx, wf)
		if err != nil {
			return nil, fmt.Errorf("face enhance graph: %w", err)
		}
		infos := outputs[strconv.Itoa(save)]
		if len(infos) == 0 {
			return nil, fmt.Errorf("face enhance produced no image for %s", file)
		}
		out, err := g.deps.Engine.GetImage(ctx, infos[0])
		if err != nil {
			return nil, fmt.Errorf("download enhanced image: %w", err)
		}
		img, err := imaging.Decode(out)
		if err != nil {
			return nil, fmt.Errorf("decode enhanced image: %w", err)
		}

		ext := filepath.Ext(file)
		dst := strings.TrimSuffix(file, ext) + "_enhanced" + ext
		if err := imaging.SaveJPEG(img, dst); err != nil {
			return nil, err
		}
		log.Printf("[Inference] enhanced %s", dst)
		enhanced = append(enhanced, dst)
	}
	return enhanced, nil
}

func outputName(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("generated_image_%03d.jpg", i+1)
}

func loadCaptions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var captions []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".txt" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			captions = append(captions, text)
		}
	}
	return captions, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
