package weights

// Engine-side filenames for the model weights the workflows reference.
const (
	FluxCheckpoint      = "flux1-dev-fp8.safetensors"
	PulidFlux           = "pulid_flux_v0.9.1.safetensors"
	FluxControlNetUnion = "Flux_Dev_ControlNet_Union_Pro_ShakkerLabs.safetensors"
	ClearRealityUpscale = "4x-ClearRealityV1.pth"
	ICLightUnet         = "iclight_sd15_fbc.safetensors"
	JuggernautXL        = "juggernaut-xl.safetensors"
	PhotonCheckpoint    = "photon.safetensors"

	// FaceDetector is addressed with its subfolder prefix by the detector
	// provider node.
	FaceDetector = "bbox/face_yolov8m.pt"
)
