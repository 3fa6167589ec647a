package dataset

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/sheet"
)

type fakeCaptioner struct {
	caption string
	err     error
	calls   int
}

func (f *fakeCaptioner) Caption(ctx context.Context, img image.Image) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.caption, nil
}

func savePNG(t *testing.T, path string, width, height int) {
	t.Helper()
	if err := imaging.SavePNG(image.NewRGBA(image.Rect(0, 0, width, height)), path); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureSize(t *testing.T) {
	dir := t.TempDir()
	savePNG(t, filepath.Join(dir, "wide.png"), 1200, 800)
	savePNG(t, filepath.Join(dir, "exact.png"), 1024, 1024)
	savePNG(t, filepath.Join(dir, "small.jpg"), 300, 200)
	if err := os.WriteFile(filepath.Join(dir, "caption.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := EnsureSize(dir)
	if err != nil {
		t.Fatalf("EnsureSize: %v", err)
	}
	if changed != 2 {
		t.Errorf("changed = %d, want 2", changed)
	}

	for _, name := range []string{"wide.png", "exact.png", "small.jpg"} {
		img, err := imaging.Load(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if b := img.Bounds(); b.Dx() != 1024 || b.Dy() != 1024 {
			t.Errorf("%s is %dx%d, want 1024x1024", name, b.Dx(), b.Dy())
		}
	}

	// A second pass finds nothing to do.
	changed, err = EnsureSize(dir)
	if err != nil {
		t.Fatalf("EnsureSize again: %v", err)
	}
	if changed != 0 {
		t.Errorf("second pass changed = %d, want 0", changed)
	}
}

func TestEnsureCaptionsSeedsFromManifest(t *testing.T) {
	dir := t.TempDir()
	savePNG(t, filepath.Join(dir, "face_upscaled.png"), 64, 64)
	savePNG(t, filepath.Join(dir, "pulid_0.jpg"), 64, 64)
	savePNG(t, filepath.Join(dir, "captioned.png"), 64, 64)
	if err := os.WriteFile(filepath.Join(dir, "captioned.txt"), []byte("already here"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := sheet.WriteImageInfo(dir, []string{filepath.Join(dir, "face_upscaled.png")}, nil); err != nil {
		t.Fatal(err)
	}

	captioner := &fakeCaptioner{caption: "a person reading outdoors"}
	generated, err := EnsureCaptions(context.Background(), dir, captioner)
	if err != nil {
		t.Fatalf("EnsureCaptions: %v", err)
	}
	if generated != 2 {
		t.Errorf("generated = %d, want 2", generated)
	}
	// Only the image without a manifest entry needed the captioner.
	if captioner.calls != 1 {
		t.Errorf("captioner calls = %d, want 1", captioner.calls)
	}

	seeded, err := os.ReadFile(filepath.Join(dir, "face_upscaled.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(seeded); got != sheet.Descriptions["face_upscaled.png"] {
		t.Errorf("seeded caption = %q", got)
	}
	fresh, err := os.ReadFile(filepath.Join(dir, "pulid_0.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(fresh); got != "a person reading outdoors" {
		t.Errorf("generated caption = %q", got)
	}
	existing, err := os.ReadFile(filepath.Join(dir, "captioned.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(existing); got != "already here" {
		t.Errorf("existing caption rewritten to %q", got)
	}

	// A second pass has nothing left to caption.
	generated, err = EnsureCaptions(context.Background(), dir, captioner)
	if err != nil {
		t.Fatalf("EnsureCaptions again: %v", err)
	}
	if generated != 0 || captioner.calls != 1 {
		t.Errorf("second pass generated %d captions with %d calls", generated, captioner.calls)
	}
}

func TestEnsureCaptionsSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	savePNG(t, filepath.Join(dir, "a.png"), 64, 64)
	savePNG(t, filepath.Join(dir, "b.png"), 64, 64)

	captioner := &fakeCaptioner{err: errors.New("quota exhausted")}
	generated, err := EnsureCaptions(context.Background(), dir, captioner)
	if err != nil {
		t.Fatalf("EnsureCaptions: %v", err)
	}
	if generated != 0 {
		t.Errorf("generated = %d, want 0", generated)
	}
	if captioner.calls != 2 {
		t.Errorf("captioner calls = %d, want 2", captioner.calls)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.txt")); !os.IsNotExist(err) {
		t.Errorf("caption file written despite failure")
	}
}

func TestPreprocess(t *testing.T) {
	dir := t.TempDir()
	savePNG(t, filepath.Join(dir, "img.png"), 500, 700)

	res, err := Preprocess(context.Background(), dir, &fakeCaptioner{caption: "portrait"})
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if res.Resized != 1 || res.Captioned != 1 {
		t.Errorf("result = %+v, want 1 resized and 1 captioned", res)
	}
}
