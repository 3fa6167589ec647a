package workflows

import (
	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/weights"
)

// DefaultFluxGuidance is the distilled guidance for test-image sampling.
const DefaultFluxGuidance = 3.5

// GenerationParams configures LoRA test-image sampling.
type GenerationParams struct {
	// LoraName is the character adapter filename under the engine loras
	// folder.
	LoraName     string
	Prompt       string
	LoraStrength float64
	Width        int
	Height       int
	Steps        int
	BatchSize    int
	Seed         int64
}

// Generation builds the Flux sampling graph with the character adapter
// mounted. Returns the workflow and its save node ID.
func Generation(p GenerationParams) (comfy.Workflow, int) {
	if p.BatchSize <= 0 {
		p.BatchSize = 1
	}

	wf := make(comfy.Workflow)

	checkpoint := wf.Node(1, "CheckpointLoaderSimple", map[string]interface{}{
		"ckpt_name": weights.FluxCheckpoint,
	})
	lora := wf.Node(2, "LoraLoader", map[string]interface{}{
		"lora_name":      p.LoraName,
		"strength_model": p.LoraStrength,
		"strength_clip":  p.LoraStrength,
		"model":          comfy.Link(checkpoint, 0),
		"clip":           comfy.Link(checkpoint, 1),
	})

	positive := wf.Node(3, "CLIPTextEncode", map[string]interface{}{
		"text": p.Prompt,
		"clip": comfy.Link(lora, 1),
	})
	guidance := wf.Node(4, "FluxGuidance", map[string]interface{}{
		"guidance":     DefaultFluxGuidance,
		"conditioning": comfy.Link(positive, 0),
	})
	guider := wf.Node(5, "BasicGuider", map[string]interface{}{
		"model":        comfy.Link(lora, 0),
		"conditioning": comfy.Link(guidance, 0),
	})

	sampler := wf.Node(6, "KSamplerSelect", map[string]interface{}{
		"sampler_name": "euler",
	})
	sigmas := wf.Node(7, "BasicScheduler", map[string]interface{}{
		"scheduler": "simple",
		"steps":     p.Steps,
		"denoise":   1,
		"model":     comfy.Link(lora, 0),
	})
	noise := wf.Node(8, "RandomNoise", map[string]interface{}{
		"noise_seed": pickSeed(p.Seed),
	})
	latent := wf.Node(9, "EmptySD3LatentImage", map[string]interface{}{
		"width":      p.Width,
		"height":     p.Height,
		"batch_size": p.BatchSize,
	})

	sampled := wf.Node(10, "SamplerCustomAdvanced", map[string]interface{}{
		"noise":        comfy.Link(noise, 0),
		"guider":       comfy.Link(guider, 0),
		"sampler":      comfy.Link(sampler, 0),
		"sigmas":       comfy.Link(sigmas, 0),
		"latent_image": comfy.Link(latent, 0),
	})
	decoded := wf.Node(11, "VAEDecode", map[string]interface{}{
		"samples": comfy.Link(sampled, 0),
		"vae":     comfy.Link(checkpoint, 2),
	})

	save := wf.Node(12, "SaveImage", map[string]interface{}{
		"images":          comfy.Link(decoded, 0),
		"filename_prefix": "lora_test",
	})
	return wf, save
}
