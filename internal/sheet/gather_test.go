package sheet

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGatherSheetImagesKeepsSelectionMovesRest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range SelectedImages {
		touch(t, filepath.Join(dir, name))
	}
	extras := []string{
		"input.png",
		"multiview_grid.png",
		"upscaled_multiview_grid.png",
		"upscaled_multiview_0.png",
		"emotions_2.png",
		"face_reference.PNG",
	}
	for _, name := range extras {
		touch(t, filepath.Join(dir, name))
	}
	touch(t, filepath.Join(dir, "pulid_0.jpg"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "multiview", "multiview_0.png"))

	got, err := GatherSheetImages(dir, []string{filepath.Join(dir, "pulid_0.jpg")})
	if err != nil {
		t.Fatalf("GatherSheetImages: %v", err)
	}

	want := make([]string, 0, len(SelectedImages)+1)
	for _, name := range SelectedImages {
		want = append(want, filepath.Join(dir, name))
	}
	want = append(want, filepath.Join(dir, "pulid_0.jpg"))
	if len(got) != len(want) {
		t.Fatalf("got %d paths, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path %d = %s, want %s", i, got[i], want[i])
		}
	}

	for _, name := range extras {
		if _, err := os.Stat(filepath.Join(dir, trashDirName, name)); err != nil {
			t.Errorf("%s was not moved to trash: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still in work dir", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("non-image file was moved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "multiview", "multiview_0.png")); err != nil {
		t.Errorf("subdirectory contents were moved: %v", err)
	}
}

func TestGatherSheetImagesSkipsMissingAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "face_upscaled.png"))
	touch(t, filepath.Join(dir, "original.png"))

	// original.png is both allow-listed and passed as an extra.
	got, err := GatherSheetImages(dir, []string{filepath.Join(dir, "original.png")})
	if err != nil {
		t.Fatalf("GatherSheetImages: %v", err)
	}
	want := []string{
		filepath.Join(dir, "face_upscaled.png"),
		filepath.Join(dir, "original.png"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestWriteImageInfoCanonicalOnly(t *testing.T) {
	dir := t.TempDir()
	images := make([]string, 0, len(SelectedImages))
	for _, name := range SelectedImages {
		images = append(images, filepath.Join(dir, name))
	}

	path, err := WriteImageInfo(dir, images, nil)
	if err != nil {
		t.Fatalf("WriteImageInfo: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var info map[string]ImageDescription
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(info) != len(SelectedImages) {
		t.Fatalf("got %d entries, want %d", len(info), len(SelectedImages))
	}
	for _, name := range SelectedImages {
		if info[name].Description != Descriptions[name] {
			t.Errorf("%s description = %q, want %q", name, info[name].Description, Descriptions[name])
		}
	}
	if !strings.Contains(string(data), "\n    \"") {
		t.Errorf("manifest is not indented:\n%s", data)
	}
}

func TestWriteImageInfoSyntheticEntries(t *testing.T) {
	dir := t.TempDir()
	images := []string{
		filepath.Join(dir, "face_upscaled.png"),
		filepath.Join(dir, "pulid_0.jpg"),
		filepath.Join(dir, "pulid_2.jpg"),
	}
	prompts := map[string]string{"pulid_0.jpg": "the character hiking a mountain trail"}

	if _, err := WriteImageInfo(dir, images, prompts); err != nil {
		t.Fatalf("WriteImageInfo: %v", err)
	}
	info, err := ReadImageInfo(dir)
	if err != nil {
		t.Fatalf("ReadImageInfo: %v", err)
	}
	if len(info) != 3 {
		t.Fatalf("got %d entries, want 3", len(info))
	}
	if got := info["pulid_0.jpg"].Description; got != "photorealistic, the character hiking a mountain trail" {
		t.Errorf("prompt-backed description = %q", got)
	}
	if got := info["pulid_2.jpg"].Description; got != syntheticDescription {
		t.Errorf("fallback description = %q", got)
	}
	if got := info["face_upscaled.png"].Description; got != "photorealistic, High-resolution frontal portrait of the character " {
		t.Errorf("canonical description = %q", got)
	}
}

func TestReadImageInfoMissingFile(t *testing.T) {
	info, err := ReadImageInfo(t.TempDir())
	if err != nil {
		t.Fatalf("ReadImageInfo: %v", err)
	}
	if len(info) != 0 {
		t.Errorf("got %d entries, want none", len(info))
	}
}

func TestIsImageFile(t *testing.T) {
	for name, want := range map[string]bool{
		"a.png":      true,
		"B.JPG":      true,
		"c.jpeg":     true,
		"anim.gif":   true,
		"d.webp":     true,
		"e.bmp":      true,
		"notes.txt":  false,
		"info.json":  false,
		"noext":      false,
		"weird.tiff": false,
	} {
		if got := isImageFile(name); got != want {
			t.Errorf("isImageFile(%q) = %v, want %v", name, got, want)
		}
	}
}
