package models

// Detection is one face returned by the detector service.
type Detection struct {
	Box        [4]float64   `json:"box"`
	Landmarks  [][2]float64 `json:"landmarks"`
	Confidence float64      `json:"confidence"`
}

// FaceCropOutcome says how a crop request was resolved.
type FaceCropOutcome int

const (
	// FaceCropNone means the detector saw no faces; the caller must fall
	// back to the uncropped source.
	FaceCropNone FaceCropOutcome = iota
	// FaceCropSingle means exactly one face was found and cropped.
	FaceCropSingle
	// FaceCropMultipleResolved means several faces were found and the
	// highest-confidence one was cropped; the rest were discarded.
	FaceCropMultipleResolved
)

func (o FaceCropOutcome) String() string {
	switch o {
	case FaceCropSingle:
		return "single"
	case FaceCropMultipleResolved:
		return "multiple_resolved"
	default:
		return "none"
	}
}

// FaceCrop is the result of cropping a face out of an image. Path is empty
// when Outcome is FaceCropNone.
type FaceCrop struct {
	Outcome    FaceCropOutcome
	Path       string
	Confidence float64
	// Discarded counts lower-confidence detections that were dropped when
	// several faces were present.
	Discarded int
}
