package training

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"CharForge/pipeline/internal/config"
	"CharForge/pipeline/internal/gpu"
	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/session"
	"CharForge/pipeline/internal/sheet"
)

type fakeSheet struct {
	names   []string
	prompts map[string]string
	// ghosts are returned as sheet paths without being written.
	ghosts []string

	req sheet.Request
}

func (f *fakeSheet) Generate(_ context.Context, req sheet.Request) ([]string, error) {
	f.req = req
	paths := make([]string, 0, len(f.names))
	for _, name := range f.names {
		path := filepath.Join(req.WorkDir, name)
		img := image.NewRGBA(image.Rect(0, 0, 96, 64))
		for i := range img.Pix {
			img.Pix[i] = 0x7f
		}
		img.Set(0, 0, color.White)
		out, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		if err := png.Encode(out, img); err != nil {
			out.Close()
			return nil, err
		}
		out.Close()
		paths = append(paths, path)
	}
	if _, err := sheet.WriteImageInfo(req.WorkDir, paths, f.prompts); err != nil {
		return nil, err
	}
	for _, ghost := range f.ghosts {
		paths = append(paths, filepath.Join(req.WorkDir, ghost))
	}
	return paths, nil
}

type fakeTrainCaptioner struct {
	calls int
}

func (f *fakeTrainCaptioner) Caption(_ context.Context, _ image.Image) (string, error) {
	f.calls++
	return "a person", nil
}

type fakeTrainSessions struct {
	cleanups int
}

func (f *fakeTrainSessions) Ensure(_ context.Context, _ session.Workflow) (*session.Session, error) {
	return nil, nil
}

func (f *fakeTrainSessions) CleanupAll(_ context.Context) {
	f.cleanups++
}

type trainFixture struct {
	workflow  *Workflow
	sheets    *fakeSheet
	captioner *fakeTrainCaptioner
	sessions  *fakeTrainSessions
	lock      *gpu.Lock
	workDir   string
}

func newTrainFixture(t *testing.T, trainerScript string) *trainFixture {
	t.Helper()
	fx := &trainFixture{
		sheets: &fakeSheet{
			names:   []string{"original.png", "face_upscaled.png", "pulid_0.jpg"},
			prompts: map[string]string{"pulid_0.jpg": "the character surfing"},
		},
		captioner: &fakeTrainCaptioner{},
		sessions:  &fakeTrainSessions{},
		lock:      gpu.NewLock(nil),
		workDir:   t.TempDir(),
	}
	cfg := config.TrainingConfig{
		TemplatePath: writeTemplate(t, testTemplate),
		RunnerScript: trainerScript,
	}
	fx.workflow = NewWorkflow(cfg, Deps{
		Sheets:    fx.sheets,
		Captioner: fx.captioner,
		Sessions:  fx.sessions,
		GPU:       fx.lock,
	})
	return fx
}

func (fx *trainFixture) characterConfig() *models.CharacterConfig {
	return &models.CharacterConfig{
		Name:            "hero",
		InputImage:      "hero.png",
		WorkDir:         fx.workDir,
		Steps:           800,
		BatchSize:       1,
		LearningRate:    8e-4,
		TrainDim:        512,
		RankDim:         8,
		PulidFluxImages: 2,
	}
}

func timingLines(t *testing.T, workDir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(workDir, "timing.log"))
	if err != nil {
		t.Fatalf("read timing log: %v", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestBuildCharacter(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
dir=$(dirname "$1")
mkdir -p "$dir/char"
: > "$dir/char/char.safetensors"
`)
	fx := newTrainFixture(t, script)

	workDir, err := fx.workflow.BuildCharacter(context.Background(), fx.characterConfig())
	if err != nil {
		t.Fatalf("BuildCharacter: %v", err)
	}
	if workDir != fx.workDir {
		t.Errorf("work dir = %s, want %s", workDir, fx.workDir)
	}

	if fx.sheets.req.WorkDir != fx.workDir || fx.sheets.req.InputImage != "hero.png" {
		t.Errorf("sheet request = %+v", fx.sheets.req)
	}
	if fx.sheets.req.PulidImages != 2 {
		t.Errorf("sheet augmentation count = %d, want 2", fx.sheets.req.PulidImages)
	}
	if fx.sheets.req.LogFile != filepath.Join(fx.workDir, "timing.log") {
		t.Errorf("sheet log file = %s", fx.sheets.req.LogFile)
	}

	if _, err := os.Stat(models.LoRAPath(workDir)); err != nil {
		t.Errorf("LoRA weight missing: %v", err)
	}

	// Captions were seeded from the manifest, so the caption model stayed idle.
	if fx.captioner.calls != 0 {
		t.Errorf("captioner calls = %d, want 0", fx.captioner.calls)
	}
	caption, err := os.ReadFile(filepath.Join(workDir, "face_upscaled.txt"))
	if err != nil {
		t.Fatalf("face caption missing: %v", err)
	}
	if string(caption) != sheet.Descriptions["face_upscaled.png"] {
		t.Errorf("face caption = %q", caption)
	}
	caption, err = os.ReadFile(filepath.Join(workDir, "pulid_0.txt"))
	if err != nil {
		t.Fatalf("augmentation caption missing: %v", err)
	}
	if string(caption) != "photorealistic, the character surfing" {
		t.Errorf("augmentation caption = %q", caption)
	}

	img, err := imaging.Load(filepath.Join(workDir, "original.png"))
	if err != nil {
		t.Fatalf("load preprocessed image: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 1024 || b.Dy() != 1024 {
		t.Errorf("preprocessed size = %dx%d, want 1024x1024", b.Dx(), b.Dy())
	}

	if fx.sessions.cleanups != 1 {
		t.Errorf("session cleanups = %d, want 1", fx.sessions.cleanups)
	}

	wantStages := []string{"Character sheet", "Image captioning", "memory cleanup", "Dataset preprocessing", "LoRA training", "Total workflow"}
	lines := timingLines(t, workDir)
	if len(lines) != len(wantStages) {
		t.Fatalf("timing lines = %v, want %d stages", lines, len(wantStages))
	}
	for i, stage := range wantStages {
		if !strings.HasPrefix(lines[i], stage+": ") {
			t.Errorf("timing line %d = %q, want %q entry", i, lines[i], stage)
		}
	}

	// Both GPU holds were released.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := fx.lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("GPU lock still held: %v", err)
	}
	release()
}

func TestBuildCharacterTrainerFails(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho boom\nexit 1\n")
	fx := newTrainFixture(t, script)

	_, err := fx.workflow.BuildCharacter(context.Background(), fx.characterConfig())
	if err == nil {
		t.Fatal("expected trainer failure to propagate")
	}
	if _, statErr := os.Stat(models.LoRAPath(fx.workDir)); !os.IsNotExist(statErr) {
		t.Error("weight file present after failed training")
	}

	// Stage durations are recorded even for failed stages.
	lines := strings.Join(timingLines(t, fx.workDir), "\n")
	for _, stage := range []string{"LoRA training: ", "Total workflow: "} {
		if !strings.Contains(lines, stage) {
			t.Errorf("timing log missing %q after failure:\n%s", stage, lines)
		}
	}
}

func TestBuildCharacterMissingWeight(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexit 0\n")
	fx := newTrainFixture(t, script)

	_, err := fx.workflow.BuildCharacter(context.Background(), fx.characterConfig())
	var missing *models.MissingAssetError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingAssetError", err)
	}
	if missing.Stage != "training" || missing.Path != models.LoRAPath(fx.workDir) {
		t.Errorf("missing asset = %+v", missing)
	}
}

func TestBuildCharacterStopsOnMissingSheetFile(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\n: > \"$(dirname \"$1\")/trainer_ran\"\n")
	fx := newTrainFixture(t, script)
	fx.sheets.ghosts = []string{"ghost.png"}

	_, err := fx.workflow.BuildCharacter(context.Background(), fx.characterConfig())
	var missing *models.MissingAssetError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingAssetError", err)
	}
	if filepath.Base(missing.Path) != "ghost.png" {
		t.Errorf("missing path = %s, want ghost.png", missing.Path)
	}
	if _, err := os.Stat(filepath.Join(fx.workDir, "trainer_ran")); !os.IsNotExist(err) {
		t.Error("trainer ran despite a missing sheet file")
	}
	if _, err := os.Stat(filepath.Join(fx.workDir, "config.yaml")); !os.IsNotExist(err) {
		t.Error("trainer config written despite a missing sheet file")
	}
}

func TestBuildSheetOnly(t *testing.T) {
	fx := newTrainFixture(t, "")

	workDir, err := fx.workflow.BuildSheet(context.Background(), fx.characterConfig())
	if err != nil {
		t.Fatalf("BuildSheet: %v", err)
	}
	if workDir != fx.workDir {
		t.Errorf("work dir = %s, want %s", workDir, fx.workDir)
	}

	if _, err := os.Stat(filepath.Join(workDir, "config.yaml")); !os.IsNotExist(err) {
		t.Error("sheet-only run materialized a trainer config")
	}
	if _, err := os.Stat(filepath.Join(workDir, "original.txt")); err != nil {
		t.Errorf("caption missing after sheet run: %v", err)
	}
	if fx.sessions.cleanups != 1 {
		t.Errorf("session cleanups = %d, want 1", fx.sessions.cleanups)
	}

	lines := timingLines(t, workDir)
	joined := strings.Join(lines, "\n")
	if strings.Contains(joined, "Total workflow") {
		t.Errorf("sheet-only run recorded the full-workflow stage:\n%s", joined)
	}
	for _, stage := range []string{"Character sheet: ", "Image captioning: ", "memory cleanup: "} {
		if !strings.Contains(joined, stage) {
			t.Errorf("timing log missing %q:\n%s", stage, joined)
		}
	}
}

func TestBuildCharacterRequiresNameOrWorkDir(t *testing.T) {
	fx := newTrainFixture(t, "")
	cfg := &models.CharacterConfig{InputImage: "hero.png"}
	if _, err := fx.workflow.BuildCharacter(context.Background(), cfg); err == nil {
		t.Fatal("expected an error without name and work dir")
	}
}
