package interfaces

import (
	"context"
	"image"

	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/session"
)

// Engine runs node graphs on the image engine.
type Engine interface {
	// UploadImage stores data under name in the engine input folder and
	// returns the stored filename.
	UploadImage(ctx context.Context, name string, data []byte) (string, error)

	// Run queues the workflow, waits for completion and returns its image
	// outputs keyed by node ID.
	Run(ctx context.Context, wf comfy.Workflow) (map[string][]comfy.ImageInfo, error)

	// GetImage downloads one output image.
	GetImage(ctx context.Context, info comfy.ImageInfo) ([]byte, error)
}

// Sessions prepares and releases engine model sessions.
type Sessions interface {
	// Ensure initializes the session for a workflow and its dependencies.
	Ensure(ctx context.Context, workflow session.Workflow) (*session.Session, error)

	// CleanupAll releases every loaded session and frees engine memory.
	CleanupAll(ctx context.Context)
}

// LanguageModel covers the captioning and prompt work done by the LLM.
type LanguageModel interface {
	// Caption describes the subject of one image.
	Caption(ctx context.Context, img image.Image) (string, error)

	// GeneratePrompts invents count scenario prompts for the person on the
	// face image.
	GeneratePrompts(ctx context.Context, face image.Image, description string, count int) ([]string, error)

	// OptimizePrompt rewrites a user prompt against training captions. It
	// falls back to the unmodified prompt on failure.
	OptimizePrompt(ctx context.Context, userPrompt string, captions []string, reference image.Image) string
}

// FaceCropper cuts the dominant face out of an image file.
type FaceCropper interface {
	CropFace(ctx context.Context, srcPath, dstPath string) (*models.FaceCrop, error)
}

// Upscaler scales an image up through an external model.
type Upscaler interface {
	Upscale(ctx context.Context, img image.Image, scale float64) (image.Image, error)
}

// PortraitMaker renders an identity-preserving portrait for a prompt.
type PortraitMaker interface {
	Portrait(ctx context.Context, prompt string, reference image.Image) ([]byte, error)
}

// ContentChecker flags images that violate the content policy.
type ContentChecker interface {
	// Check reports whether one image is flagged.
	Check(ctx context.Context, img image.Image) bool

	// CheckFiles flags image files, one result per path in input order.
	CheckFiles(ctx context.Context, paths []string) []bool
}
