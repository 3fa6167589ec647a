package sheet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	trashDirName = "trash"
	infoFileName = "image_info.json"
)

// SheetEmotionIndices are the expression variants that join the final
// sheet. The other variants stay in the work directory until gathering
// moves them to trash.
var SheetEmotionIndices = [2]int{1, 3}

// SelectedImages is the canonical sheet selection, in documented order.
// The frontal view is covered by the face anchor, so only views 1..5
// are kept.
var SelectedImages = [13]string{
	"upscaled_multiview_1.png",
	"upscaled_multiview_2.png",
	"upscaled_multiview_3.png",
	"upscaled_multiview_4.png",
	"upscaled_multiview_5.png",
	"face_upscaled.png",
	"original.png",
	"upscaled_lighting_0.png",
	"upscaled_lighting_1.png",
	"upscaled_lighting_2.png",
	"upscaled_lighting_3.png",
	"upscaled_emotions_1.png",
	"upscaled_emotions_3.png",
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp"}

func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// GatherSheetImages enforces the canonical selection over the work
// directory: every image file that is neither allow-listed nor named in
// extra is moved into trash, kept for inspection rather than deleted.
// Returns the selected paths that exist, in selection order, without
// duplicates.
func GatherSheetImages(workDir string, extra []string) ([]string, error) {
	selected := make([]string, 0, len(SelectedImages)+len(extra))
	selected = append(selected, SelectedImages[:]...)
	for _, path := range extra {
		selected = append(selected, filepath.Base(path))
	}
	keep := make(map[string]bool, len(selected))
	for _, name := range selected {
		keep[name] = true
	}

	trashDir := filepath.Join(workDir, trashDirName)
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return nil, fmt.Errorf("create trash dir: %w", err)
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("read work dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isImageFile(name) || keep[name] {
			continue
		}
		if err := os.Rename(filepath.Join(workDir, name), filepath.Join(trashDir, name)); err != nil {
			return nil, fmt.Errorf("move %s to trash: %w", name, err)
		}
	}

	paths := make([]string, 0, len(selected))
	seen := make(map[string]bool, len(selected))
	for _, name := range selected {
		if seen[name] {
			continue
		}
		seen[name] = true
		path := filepath.Join(workDir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ImageDescription is one entry in the image info manifest.
type ImageDescription struct {
	Description string `json:"description"`
}

// Descriptions is the fixed semantic description for each canonical sheet
// image, keyed by filename.
var Descriptions = map[string]string{
	"upscaled_multiview_1.png": "photorealistic, Three-quarters view from the left side of the character, showing facial features and profile with a slight angle.",
	"upscaled_multiview_2.png": "photorealistic, Direct left profile view, displaying the complete side silhouette of the character's face and head.",
	"upscaled_multiview_3.png": "photorealistic, Rear view of the character, showing the back of the head and hair details.",
	"upscaled_multiview_4.png": "photorealistic, Direct right profile view, displaying the complete side silhouette of the character's face and head.",
	"upscaled_multiview_5.png": "photorealistic, Three-quarters view from the right side of the character, showing facial features and profile with a slight angle.",
	"face_upscaled.png":        "photorealistic, High-resolution frontal portrait of the character ",
	"original.png":             "photorealistic, Original source image used as the foundation for character generation.",
	"upscaled_lighting_0.png":  "photorealistic, Character in dramatic natural lighting resembling overcast weather, with soft diffused light typical of cloudy conditions.",
	"upscaled_lighting_1.png":  "photorealistic, Character illuminated by warm sunset lighting with golden hues, creating soft shadows and warm highlights across facial features.",
	"upscaled_lighting_2.png":  "photorealistic, Character in vibrant nightclub lighting with contrasting red and blue/purple color gels creating a dramatic atmospheric effect.",
	"upscaled_lighting_3.png":  "photorealistic, Character in alternative lighting scenario showing different mood and atmosphere.",
	"upscaled_emotions_1.png":  "photorealistic, Character with eyes closed, showing a peaceful or contemplative expression.",
	"upscaled_emotions_3.png":  "photorealistic, Character laughing heartily, displaying joy with an open mouth smile and animated facial features.",
}

const syntheticDescription = "photorealistic, Synthetic portrait of the character in a generated scenario."

// WriteImageInfo writes the image info manifest covering exactly the
// gathered sheet images. Canonical files carry their fixed description;
// synthetic images carry the prompt that generated them. Returns the
// manifest path.
func WriteImageInfo(workDir string, images []string, prompts map[string]string) (string, error) {
	info := make(map[string]ImageDescription, len(images))
	for _, path := range images {
		name := filepath.Base(path)
		if desc, ok := Descriptions[name]; ok {
			info[name] = ImageDescription{Description: desc}
			continue
		}
		desc := syntheticDescription
		if prompt := prompts[name]; prompt != "" {
			desc = "photorealistic, " + prompt
		}
		info[name] = ImageDescription{Description: desc}
	}

	data, err := json.MarshalIndent(info, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode image info: %w", err)
	}
	path := filepath.Join(workDir, infoFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image info: %w", err)
	}
	return path, nil
}

// ReadImageInfo loads the manifest written by WriteImageInfo. A missing
// file yields an empty map, not an error.
func ReadImageInfo(workDir string) (map[string]ImageDescription, error) {
	data, err := os.ReadFile(filepath.Join(workDir, infoFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ImageDescription{}, nil
		}
		return nil, fmt.Errorf("read image info: %w", err)
	}
	info := make(map[string]ImageDescription)
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode image info: %w", err)
	}
	return info, nil
}
