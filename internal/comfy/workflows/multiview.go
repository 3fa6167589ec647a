package workflows

import (
	"strconv"
	"strings"

	"CharForge/pipeline/internal/comfy"
	"CharForge/pipeline/internal/weights"
)

// MultiviewAzimuths are the camera angles rendered for the view sheet.
var MultiviewAzimuths = [6]int{0, 45, 90, 180, 270, 315}

// DefaultMultiviewNegative is the negative prompt for view synthesis.
const DefaultMultiviewNegative = "watermark, disfigured, noisy, blurry, low resolution, low contrast"

const (
	multiviewVAE     = "madebyollin/sdxl-vae-fp16-fix"
	multiviewAdapter = "huanngzh/mv-adapter"
)

// MultiviewParams configures consistent multi-view synthesis from one
// reference image.
type MultiviewParams struct {
	// InputImage is the engine filename of the squared reference.
	InputImage     string
	Caption        string
	NegativePrompt string
	Seed           int64
	RemoveBG       bool
}

// MultiviewGraph is the built workflow with its save nodes.
type MultiviewGraph struct {
	Workflow comfy.Workflow
	// ViewsSave emits the six views in azimuth order.
	ViewsSave int
	// ReferenceSave emits the background-removed reference.
	ReferenceSave int
}

// Multiview builds the view-adapter graph: SDXL checkpoint with the MV
// adapter mounted, reference preprocessed with background removal, six
// azimuths sampled in one batch.
func Multiview(p MultiviewParams) MultiviewGraph {
	if p.NegativePrompt == "" {
		p.NegativePrompt = DefaultMultiviewNegative
	}

	azimuths := make([]string, len(MultiviewAzimuths))
	for i, a := range MultiviewAzimuths {
		azimuths[i] = strconv.Itoa(a)
	}

	wf := make(comfy.Workflow)

	pipeline := wf.Node(1, "LdmPipelineLoader", map[string]interface{}{
		"ckpt_name":     weights.JuggernautXL,
		"pipeline_name": "MVAdapterI2MVSDXLPipeline",
	})
	vae := wf.Node(2, "LdmVaeLoader", map[string]interface{}{
		"vae_name":    multiviewVAE,
		"upcast_fp32": true,
	})
	scheduler := wf.Node(3, "DiffusersMVSchedulerLoader", map[string]interface{}{
		"scheduler_name": "ddpm",
	})
	model := wf.Node(4, "DiffusersMVModelMakeup", map[string]interface{}{
		"pipeline":       comfy.Link(pipeline, 0),
		"scheduler":      comfy.Link(scheduler, 0),
		"autoencoder":    comfy.Link(vae, 0),
		"load_mvadapter": true,
		"adapter_path":   multiviewAdapter,
		"adapter_name":   "mvadapter_i2mv_sdxl.safetensors",
		"num_views":      len(MultiviewAzimuths),
	})

	input := wf.Node(5, "LoadImage", map[string]interface{}{
		"image": p.InputImage,
	})
	reference := wf.Node(6, "ImagePreprocessor", map[string]interface{}{
		"image":     comfy.Link(input, 0),
		"height":    1024,
		"width":     1024,
		"remove_bg": p.RemoveBG,
	})

	sampled := wf.Node(7, "DiffusersMVSampler", map[string]interface{}{
		"pipeline":        comfy.Link(model, 0),
		"reference_image": comfy.Link(reference, 0),
		"prompt":          p.Caption,
		"negative_prompt": p.NegativePrompt,
		"num_views":       len(MultiviewAzimuths),
		"steps":           50,
		"guidance_scale":  3.0,
		"seed":            pickSeed(p.Seed),
		"height":          768,
		"width":           768,
		"azimuth_degrees": strings.Join(azimuths, ","),
	})

	viewsSave := wf.Node(8, "SaveImage", map[string]interface{}{
		"images":          comfy.Link(sampled, 0),
		"filename_prefix": "multiview",
	})
	referenceSave := wf.Node(9, "SaveImage", map[string]interface{}{
		"images":          comfy.Link(reference, 0),
		"filename_prefix": "cleaned_reference",
	})

	return MultiviewGraph{
		Workflow:      wf,
		ViewsSave:     viewsSave,
		ReferenceSave: referenceSave,
	}
}
