package workflows

import (
	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/weights"
)

// ScenePrompts are the four relighting environments. The last entry is the
// alternative scenario.
var ScenePrompts = [4]string{
	"Yellowstone National Park beneath looming thunderclouds, rugged rock formations, tall pines lining a gentle river, reflections shimmering in the overcast light.",
	"A vivid sunset over New York City, sky ablaze in gold and amber as the sun sinks behind the skyline. Iconic skyscrapers in silhouette above dense rooftops and gridded streets. Warm light casts deep shadows.",
	"A vibrant nightclub filled with energy — red gel lights wash over the left side, while blue and purple tones light the right. A tightly packed crowd in the foreground, silhouetted with raised hands, dances and cheers beneath the pulsing lights.",
	"A sweeping desert scene under a clear blue sky. The sandy foreground is dotted with sparse shrubs, leading to rugged red rock formations stretching across the mid-ground. In the distance, jagged mesas and buttes rise, their textures emphasized by long, sun-cast shadows.",
}

const (
	// DefaultPortraitPrompt is joined with each scene prompt.
	DefaultPortraitPrompt = "portrait photography"

	fluxSceneNegative   = "poor quality, watermark, low resolution, lack of detail, extreme saturation, bad lighting, blurry, grainy, cropped, off-center, NSFW"
	relightPositive     = "high quality, detailed, portrait"
	relightNegative     = "poor quality, watermark, low resolution, lack of detail, extreme saturation, bad lighting blurry, grainy, cropped, off-center, NSFW"
	relightMultiplier   = 0.18215
	backgroundBlur      = 10
	expressionCropScale = 1.5
)

// ExpressionPreset is one facial edit applied by the portrait editor node.
type ExpressionPreset struct {
	Pitch   float64
	Yaw     float64
	Roll    float64
	Blink   float64
	Eyebrow float64
	Wink    float64
	Aaa     float64
	Eee     float64
	Woo     float64
	Smile   float64
}

// ExpressionPresets are the four expression variants, in output order.
var ExpressionPresets = [4]ExpressionPreset{
	{Yaw: 11.5, Blink: -14, Wink: 25, Smile: -0.24},
	{Pitch: -8, Yaw: -9, Blink: 3, Wink: 11.5, Aaa: 39, Eee: 10.7, Smile: 1.3},
	{Pitch: 15, Yaw: -5.6, Blink: 5, Eyebrow: 15, Wink: 23, Eee: 10.7, Smile: -0.18},
	{Yaw: 12, Aaa: 97, Eee: -2.9, Smile: -0.26},
}

// EmotionLightingParams configures the relight and expression graph.
type EmotionLightingParams struct {
	// InputImage is the engine filename of the upscaled face crop.
	InputImage     string
	PositivePrompt string
	Seed           int64
}

// EmotionLightingGraph is the built workflow with its two save nodes.
type EmotionLightingGraph struct {
	Workflow     comfy.Workflow
	LightingSave int
	EmotionsSave int
}

// EmotionLighting builds the graph that renders four scene backgrounds
// with Flux, composites the subject through IC-Light, and edits four
// expression variants. The fourth background decodes the sampler's
// alternative output.
func EmotionLighting(p EmotionLightingParams) EmotionLightingGraph {
	if p.PositivePrompt == "" {
		p.PositivePrompt = DefaultPortraitPrompt
	}

	wf := make(comfy.Workflow)

	flux := wf.Node(1, "CheckpointLoaderSimple", map[string]interface{}{
		"ckpt_name": weights.FluxCheckpoint,
	})
	photon := wf.Node(2, "CheckpointLoaderSimple", map[string]interface{}{
		"ckpt_name": weights.PhotonCheckpoint,
	})
	relightUnet := wf.Node(3, "LoadAndApplyICLightUnet", map[string]interface{}{
		"model_path": weights.ICLightUnet,
		"model":      comfy.Link(photon, 0),
	})
	input := wf.Node(4, "LoadImage", map[string]interface{}{
		"image": p.InputImage,
	})

	sceneClip := wf.Node(5, "CLIPSetLastLayer", map[string]interface{}{
		"stop_at_clip_layer": -2,
		"clip":               comfy.Link(flux, 1),
	})
	sceneNegative := wf.Node(6, "CLIPTextEncode", map[string]interface{}{
		"text": fluxSceneNegative,
		"clip": comfy.Link(flux, 1),
	})

	latent := wf.Node(7, "EmptyLatentImage", map[string]interface{}{
		"width": 1024, "height": 1024, "batch_size": 1,
	})
	noise := wf.Node(8, "RandomNoise", map[string]interface{}{
		"noise_seed": pickSeed(p.Seed),
	})
	sampler := wf.Node(9, "KSamplerSelect", map[string]interface{}{
		"sampler_name": "deis",
	})
	sigmas := wf.Node(10, "BasicScheduler", map[string]interface{}{
		"scheduler": "beta",
		"steps":     30,
		"denoise":   1,
		"model":     comfy.Link(flux, 0),
	})

	// One background per scene, all sharing noise, sampler and sigmas.
	decodes := make([]int, len(ScenePrompts))
	id := 11
	for i, scene := range ScenePrompts {
		positive := wf.Node(id, "CLIPTextEncode", map[string]interface{}{
			"text": p.PositivePrompt + "," + scene,
			"clip": comfy.Link(sceneClip, 0),
		})
		guider := wf.Node(id+1, "CFGGuider", map[string]interface{}{
			"cfg":      1,
			"model":    comfy.Link(flux, 0),
			"positive": comfy.Link(positive, 0),
			"negative": comfy.Link(sceneNegative, 0),
		})
		sampled := wf.Node(id+2, "SamplerCustomAdvanced", map[string]interface{}{
			"noise":        comfy.Link(noise, 0),
			"guider":       comfy.Link(guider, 0),
			"sampler":      comfy.Link(sampler, 0),
			"sigmas":       comfy.Link(sigmas, 0),
			"latent_image": comfy.Link(latent, 0),
		})
		slot := 0
		if i == len(ScenePrompts)-1 {
			// The alternative scenario decodes the denoised output.
			slot = 1
		}
		decodes[i] = wf.Node(id+3, "VAEDecode", map[string]interface{}{
			"samples": comfy.Link(sampled, slot),
			"vae":     comfy.Link(flux, 2),
		})
		id += 4
	}

	batch := wf.Node(id, "ImpactMakeImageBatch", map[string]interface{}{
		"image1": comfy.Link(decodes[0], 0),
		"image2": comfy.Link(decodes[1], 0),
		"image3": comfy.Link(decodes[2], 0),
		"image4": comfy.Link(decodes[3], 0),
	})
	blurred := wf.Node(id+1, "BlurImageFast", map[string]interface{}{
		"radius_x": backgroundBlur,
		"radius_y": backgroundBlur,
		"images":   comfy.Link(batch, 0),
	})

	foreground := wf.Node(id+2, "ImageResizeKJ", map[string]interface{}{
		"width":           1024,
		"height":          1024,
		"upscale_method":  "lanczos",
		"keep_proportion": true,
		"divisible_by":    2,
		"crop":            "disabled",
		"image":           comfy.Link(input, 0),
	})
	backgrounds := wf.Node(id+3, "ImageResizeKJ", map[string]interface{}{
		"width":           512,
		"height":          768,
		"upscale_method":  "lanczos",
		"keep_proportion": false,
		"divisible_by":    2,
		"crop":            "disabled",
		"image":           comfy.Link(blurred, 0),
		"get_image_size":  comfy.Link(foreground, 0),
	})

	foregroundLatent := wf.Node(id+4, "VAEEncode", map[string]interface{}{
		"pixels": comfy.Link(foreground, 0),
		"vae":    comfy.Link(photon, 2),
	})
	backgroundLatent := wf.Node(id+5, "VAEEncode", map[string]interface{}{
		"pixels": comfy.Link(backgrounds, 0),
		"vae":    comfy.Link(photon, 2),
	})

	relightPos := wf.Node(id+6, "CLIPTextEncode", map[string]interface{}{
		"text": relightPositive,
		"clip": comfy.Link(photon, 1),
	})
	relightNeg := wf.Node(id+7, "CLIPTextEncode", map[string]interface{}{
		"text": relightNegative,
		"clip": comfy.Link(photon, 1),
	})
	conditioning := wf.Node(id+8, "ICLightConditioning", map[string]interface{}{
		"multiplier":     relightMultiplier,
		"positive":       comfy.Link(relightPos, 0),
		"negative":       comfy.Link(relightNeg, 0),
		"vae":            comfy.Link(photon, 2),
		"foreground":     comfy.Link(foregroundLatent, 0),
		"opt_background": comfy.Link(backgroundLatent, 0),
	})

	relit := wf.Node(id+9, "KSampler", map[string]interface{}{
		"seed":         pickSeed(p.Seed),
		"steps":        25,
		"cfg":          2.98,
		"sampler_name": "dpmpp_2m",
		"scheduler":    "karras",
		"denoise":      1,
		"model":        comfy.Link(relightUnet, 0),
		"positive":     comfy.Link(conditioning, 0),
		"negative":     comfy.Link(conditioning, 1),
		"latent_image": comfy.Link(conditioning, 2),
	})
	relitImage := wf.Node(id+10, "VAEDecode", map[string]interface{}{
		"samples": comfy.Link(relit, 0),
		"vae":     comfy.Link(photon, 2),
	})
	transferred := wf.Node(id+11, "DetailTransfer", map[string]interface{}{
		"mode":         "add",
		"blur_sigma":   1,
		"blend_factor": 0.8,
		"target":       comfy.Link(relitImage, 0),
		"source":       comfy.Link(foreground, 0),
	})
	lightingSave := wf.Node(id+12, "SaveImage", map[string]interface{}{
		"images":          comfy.Link(transferred, 0),
		"filename_prefix": "lighting",
	})

	// Expression variants from the raw input face.
	editors := make([]int, len(ExpressionPresets))
	eid := id + 13
	for i, preset := range ExpressionPresets {
		editors[i] = wf.Node(eid, "ExpressionEditor", map[string]interface{}{
			"rotate_pitch": preset.Pitch,
			"rotate_yaw":   preset.Yaw,
			"rotate_roll":  preset.Roll,
			"blink":        preset.Blink,
			"eyebrow":      preset.Eyebrow,
			"wink":         preset.Wink,
			"pupil_x":      0,
			"pupil_y":      0,
			"aaa":          preset.Aaa,
			"eee":          preset.Eee,
			"woo":          preset.Woo,
			"smile":        preset.Smile,
			"src_ratio":    1,
			"sample_ratio": 1,
			"crop_factor":  expressionCropScale,
			"src_image":    comfy.Link(input, 0),
		})
		eid++
	}
	emotionsBatch := wf.Node(eid, "ImageBatchMulti", map[string]interface{}{
		"inputcount": 4,
		"image_1":    comfy.Link(editors[0], 0),
		"image_2":    comfy.Link(editors[1], 0),
		"image_3":    comfy.Link(editors[2], 0),
		"image_4":    comfy.Link(editors[3], 0),
	})
	emotionsSave := wf.Node(eid+1, "SaveImage", map[string]interface{}{
		"images":          comfy.Link(emotionsBatch, 0),
		"filename_prefix": "emotions",
	})

	return EmotionLightingGraph{
		Workflow:     wf,
		LightingSave: lightingSave,
		EmotionsSave: emotionsSave,
	}
}
