package workflows

import (
	"math/rand"

	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/weights"
)

// DefaultUpscaleNegative is the negative prompt for the grid upscale pass.
const DefaultUpscaleNegative = "(text, logo, watermark, font, name, digits:1.2), (ugly, amateur, bad art:1.3), (worst quality, lowres, low detail, low contrast:1.4), (over/underexposed, over/undersaturated), (blurry, grainy), (cropped, out of frame, cut off, jpeg artifacts), (duplicate, glitch, merging, mutant, uncanny), (error, disfigured), (nsfw, naked)"

// UpscaleGridParams configures the identity-guided grid upscale.
type UpscaleGridParams struct {
	// FaceImage and InputImage are engine-side filenames, uploaded first.
	FaceImage  string
	InputImage string
	// Width and Height are the input image dimensions, used to adapt the
	// tile size.
	Width  int
	Height int

	PositivePrompt string
	NegativePrompt string
	UpscaleFactor  float64
	Seed           int64
}

// adaptiveTile picks the tile size and effective upscale factor from the
// input dimensions.
func adaptiveTile(width, height int, factor float64) (int, float64) {
	tile := 768
	scale := factor
	if scale < 1.0 {
		scale = 1.0
	}
	if width <= 1024 && height <= 768 {
		tile = 512
		if scale < 1.5 {
			scale = 1.5
		}
	}
	if width >= 2000 || height >= 1500 {
		tile = 1024
		scale = factor
		if scale < 1.0 {
			scale = 1.0
		}
	}
	return tile, scale
}

func pickSeed(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	return rand.Int63()
}

// UpscaleGrid builds the grid upscale graph: identity transfer through
// PuLID, a tile ControlNet pass, an upscale-model refinement and a face
// detail pass. Returns the workflow and the ID of its save node.
func UpscaleGrid(p UpscaleGridParams) (comfy.Workflow, int) {
	if p.NegativePrompt == "" {
		p.NegativePrompt = DefaultUpscaleNegative
	}
	tile, scale := adaptiveTile(p.Width, p.Height, p.UpscaleFactor)

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
	detailerHook := wf.Node(6, "CoreMLDetailerHookProvider", map[string]interface{}{
		"mode": "768x768",
	})
	detector := wf.Node(7, "UltralyticsDetectorProvider", map[string]interface{}{
		"model_name": weights.FaceDetector,
	})
	upscaleModel := wf.Node(8, "UpscaleModelLoader", map[string]interface{}{
		"model_name": weights.ClearRealityUpscale,
	})

	faceImage := wf.Node(9, "LoadImage", map[string]interface{}{
		"image": p.FaceImage,
	})
	inputImage := wf.Node(10, "LoadImage", map[string]interface{}{
		"image": p.InputImage,
	})

	positive := wf.Node(11, "CLIPTextEncode", map[string]interface{}{
		"text": p.PositivePrompt,
		"clip": comfy.Link(checkpoint, 1),
	})
	negative := wf.Node(12, "CLIPTextEncode", map[string]interface{}{
		"text": p.NegativePrompt,
		"clip": comfy.Link(checkpoint, 1),
	})

	latent := wf.Node(13, "VAEEncode", map[string]interface{}{
		"pixels": comfy.Link(inputImage, 0),
		"vae":    comfy.Link(checkpoint, 2),
	})

	applyPulid := wf.Node(14, "ApplyPulidFlux", map[string]interface{}{
		"weight":            0.9,
		"start_at":          0.25,
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

	tileType := wf.Node(15, "SetUnionControlNetType", map[string]interface{}{
		"type":        "tile",
		"control_net": comfy.Link(controlnet, 0),
	})
	applyControlnet := wf.Node(16, "ControlNetApplyAdvanced", map[string]interface{}{
		"strength":      0.8,
		"start_percent": 0,
		"end_percent":   0.8,
		"positive":      comfy.Link(positive, 0),
		"negative":      comfy.Link(negative, 0),
		"control_net":   comfy.Link(tileType, 0),
		"image":         comfy.Link(inputImage, 0),
		"vae":           comfy.Link(checkpoint, 2),
	})

	guider := wf.Node(17, "CFGGuider", map[string]interface{}{
		"cfg":      1,
		"model":    comfy.Link(applyPulid, 0),
		"positive": comfy.Link(applyControlnet, 0),
		"negative": comfy.Link(applyControlnet, 1),
	})
	sampler := wf.Node(18, "KSamplerSelect", map[string]interface{}{
		"sampler_name": "deis",
	})
	sigmas := wf.Node(19, "BasicScheduler", map[string]interface{}{
		"scheduler": "beta",
		"steps":     25,
		"denoise":   0.7,
		"model":     comfy.Link(applyPulid, 0),
	})
	noise := wf.Node(20, "RandomNoise", map[string]interface{}{
		"noise_seed": pickSeed(p.Seed),
	})
	sampled := wf.Node(21, "SamplerCustomAdvanced", map[string]interface{}{
		"noise":        comfy.Link(noise, 0),
		"guider":       comfy.Link(guider, 0),
		"sampler":      comfy.Link(sampler, 0),
		"sigmas":       comfy.Link(sigmas, 0),
		"latent_image": comfy.Link(latent, 0),
	})

	decoded := wf.Node(22, "VAEDecodeTiled", map[string]interface{}{
		"tile_size":        512,
		"overlap":          64,
		"temporal_size":    64,
		"temporal_overlap": 8,
		"samples":          comfy.Link(sampled, 0),
		"vae":              comfy.Link(checkpoint, 2),
	})
	matched := wf.Node(23, "ColorMatch", map[string]interface{}{
		"method":       "mkl",
		"strength":     1,
		"image_ref":    comfy.Link(inputImage, 0),
		"image_target": comfy.Link(decoded, 0),
	})

	pipe := wf.Node(24, "ToBasicPipe", map[string]interface{}{
		"model":    comfy.Link(applyPulid, 0),
		"clip":     comfy.Link(checkpoint, 1),
		"vae":      comfy.Link(checkpoint, 2),
		"positive": comfy.Link(applyControlnet, 0),
		"negative": comfy.Link(applyControlnet, 1),
	})
	unpipe := wf.Node(25, "FromBasicPipe_v2", map[string]interface{}{
		"basic_pipe": comfy.Link(pipe, 0),
	})

	upscaled := wf.Node(26, "UltimateSDUpscale", map[string]interface{}{
		"upscale_by":         scale,
		"seed":               pickSeed(p.Seed),
		"steps":              30,
		"cfg":                1,
		"sampler_name":       "deis",
		"scheduler":          "beta",
		"denoise":            0.25,
		"mode_type":          "Linear",
		"tile_width":         tile,
		"tile_height":        tile,
		"mask_blur":          8,
		"tile_padding":       32,
		"seam_fix_mode":      "None",
		"seam_fix_denoise":   1,
		"seam_fix_width":     64,
		"seam_fix_mask_blur": 8,
		"seam_fix_padding":   16,
		"force_uniform_tiles": false,
		"tiled_decode":        false,
		"image":               comfy.Link(matched, 0),
		"model":               comfy.Link(unpipe, 1),
		"positive":            comfy.Link(unpipe, 4),
		"negative":            comfy.Link(unpipe, 5),
		"vae":                 comfy.Link(unpipe, 3),
		"upscale_model":       comfy.Link(upscaleModel, 0),
	})

	freed := wf.Node(27, "easy cleanGpuUsed", map[string]interface{}{
		"anything": comfy.Link(upscaled, 0),
	})

	detailed := wf.Node(28, "FaceDetailer", map[string]interface{}{
		"guide_size":                 512,
		"guide_size_for":             true,
		"max_size":                   1024,
		"seed":                       pickSeed(p.Seed),
		"steps":                      30,
		"cfg":                        1,
		"sampler_name":               "deis",
		"scheduler":                  "beta",
		"denoise":                    0.25,
		"feather":                    5,
		"noise_mask":                 true,
		"force_inpaint":              true,
		"bbox_threshold":             0.08,
		"bbox_dilation":              20,
		"bbox_crop_factor":           3,
		"sam_detection_hint":         "center-1",
		"sam_dilation":               0,
		"sam_threshold":              0.5,
		"sam_bbox_expansion":         0,
		"sam_mask_hint_threshold":    0.7,
		"sam_mask_hint_use_negative": "False",
		"drop_size":                  10,
		"wildcard":                   "",
		"cycle":                      1,
		"inpaint_model":              false,
		"noise_mask_feather":         20,
		"tiled_encode":               false,
		"tiled_decode":               false,
		"image":                      comfy.Link(freed, 0),
		"model":                      comfy.Link(unpipe, 1),
		"clip":                       comfy.Link(unpipe, 2),
		"vae":                        comfy.Link(unpipe, 3),
		"positive":                   comfy.Link(unpipe, 4),
		"negative":                   comfy.Link(unpipe, 5),
		"bbox_detector":              comfy.Link(detector, 0),
		"detailer_hook":              comfy.Link(detailerHook, 0),
	})

	save := wf.Node(29, "SaveImage", map[string]interface{}{
		"images":          comfy.Link(detailed, 0),
		"filename_prefix": "upscaled_grid",
	})
	return wf, save
}
