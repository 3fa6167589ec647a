package workflows

import (
	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/weights"
)

// DefaultIDWeight is the identity strength for face enhancement.
const DefaultIDWeight = 0.75

// FaceEnhanceParams configures the identity-preserving face refinement.
type FaceEnhanceParams struct {
	// FaceImage carries the identity, InputImage is the image to refine.
	// Both are engine-side filenames.
	FaceImage  string
	InputImage string

	PositivePrompt string
	IDWeight       float64
	Seed           int64
}

// FaceEnhance builds the refinement graph: PuLID identity transfer over the
// Flux checkpoint with a tile ControlNet keeping the composition. Returns
// the workflow and its save node ID.
func FaceEnhance(p FaceEnhanceParams) (comfy.Workflow, int) {
	if p.IDWeight == 0 {
		p.IDWeight = DefaultIDWeight
	}

	wf := make(comfy.Workflow)

	checkpoint := wf.Node(1, "CheckpointLoaderSimple", map[string]interface{}{
		"ckpt_name": weights.FluxCheckpoint,
	})
	pulid := wf.Node(2, "PulidFluxModelLoader", map[string]interface{}{
		"pulid_file": weights.PulidFlux,
	})
	evaClip := wf.Node(3, "PulidFluxEvaClipLoader", map[string]interface{}{})
	insightface := wf.Node(4, "PulidFluxInsightFaceLoader", map[string]interface{}{
		"provider": "CUDA",
	})
	controlnet := wf.Node(5, "ControlNetLoader", map[string]interface{}{
		"control_net_name": weights.FluxControlNetUnion,
	})

	faceImage := wf.Node(6, "LoadImage", map[string]interface{}{
		"image": p.FaceImage,
	})
	inputImage := wf.Node(7, "LoadImage", map[string]interface{}{
		"image": p.InputImage,
	})

	positive := wf.Node(8, "CLIPTextEncode", map[string]interface{}{
		"text": p.PositivePrompt,
		"clip": comfy.Link(checkpoint, 1),
	})
	negative := wf.Node(9, "CLIPTextEncode", map[string]interface{}{
		"text": "",
		"clip": comfy.Link(checkpoint, 1),
	})

	latent := wf.Node(10, "VAEEncode", map[string]interface{}{
		"pixels": comfy.Link(inputImage, 0),
		"vae":    comfy.Link(checkpoint, 2),
	})

	applyPulid := wf.Node(11, "ApplyPulidFlux", map[string]interface{}{
		"weight":            p.IDWeight,
		"start_at":          0.1,
		"end_at":            1,
		"fusion":            "mean",
		"fusion_weight_max": 1,
		"fusion_weight_min": 0,
		"train_step":        1000,
		"use_gray":          true,
		"model":             comfy.Link(checkpoint, 0),
		"pulid_flux":        comfy.Link(pulid, 0),
		"eva_clip":          comfy.Link(evaClip, 0),
		"face_analysis":     comfy.Link(insightface, 0),
		"image":             comfy.Link(faceImage, 0),
	})

	tileType := wf.Node(12, "SetUnionControlNetType", map[string]interface{}{
		"type":        "tile",
		"control_net": comfy.Link(controlnet, 0),
	})
	applyControlnet := wf.Node(13, "ControlNetApplyAdvanced", map[string]interface{}{
		"strength":      1,
		"start_percent": 0.1,
		"end_percent":   0.8,
		"positive":      comfy.Link(positive, 0),
		"negative":      comfy.Link(negative, 0),
		"control_net":   comfy.Link(tileType, 0),
		"image":         comfy.Link(inputImage, 0),
		"vae":           comfy.Link(checkpoint, 2),
	})

	guider := wf.Node(14, "BasicGuider", map[string]interface{}{
		"model":        comfy.Link(applyPulid, 0),
		"conditioning": comfy.Link(applyControlnet, 0),
	})
	sampler := wf.Node(15, "KSamplerSelect", map[string]interface{}{
		"sampler_name": "euler",
	})
	sigmas := wf.Node(16, "BasicScheduler", map[string]interface{}{
		"scheduler": "beta",
		"steps":     28,
		"denoise":   0.75,
		"model":     comfy.Link(applyPulid, 0),
	})
	noise := wf.Node(17, "RandomNoise", map[string]interface{}{
		"noise_seed": pickSeed(p.Seed),
	})
	sampled := wf.Node(18, "SamplerCustomAdvanced", map[string]interface{}{
		"noise":        comfy.Link(noise, 0),
		"guider":       comfy.Link(guider, 0),
		"sampler":      comfy.Link(sampler, 0),
		"sigmas":       comfy.Link(sigmas, 0),
		"latent_image": comfy.Link(latent, 0),
	})
	decoded := wf.Node(19, "VAEDecode", map[string]interface{}{
		"samples": comfy.Link(sampled, 0),
		"vae":     comfy.Link(checkpoint, 2),
	})

	save := wf.Node(20, "SaveImage", map[string]interface{}{
		"images":          comfy.Link(decoded, 0),
		"filename_prefix": "face_enhanced",
	})
	return wf, save
}
