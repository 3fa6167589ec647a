package training

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v2"

	"CharForge/pipeline/internal/models"
)

const testTemplate = `job: extension
config:
  name: "char"
  process:
    - type: sd_trainer
      training_folder: "TRAINING_DIR"
      network:
        type: lora
        linear: RANK_DIM
        linear_alpha: RANK_DIM
      datasets:
        - folder_path: "DATASET_DIR"
          caption_ext: txt
          resolution: [ TRAIN_DIM ]
      train:
        batch_size: BATCH_SIZE
        steps: STEPS
        lr: LEARNING_RATE
`

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "character_lora.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return path
}

func TestMaterializeConfig(t *testing.T) {
	templatePath := writeTemplate(t, testTemplate)
	workDir := t.TempDir()

	cfg := &models.CharacterConfig{
		Name:         "hero",
		Steps:        800,
		BatchSize:    1,
		LearningRate: 8e-4,
		TrainDim:     512,
		RankDim:      8,
	}
	configPath, err := MaterializeConfig(templatePath, workDir, cfg)
	if err != nil {
		t.Fatalf("MaterializeConfig: %v", err)
	}
	if configPath != filepath.Join(workDir, "config.yaml") {
		t.Errorf("config path = %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read rendered config: %v", err)
	}
	for _, placeholder := range []string{"TRAINING_DIR", "DATASET_DIR", "TRAIN_DIM", "BATCH_SIZE", "STEPS", "LEARNING_RATE", "RANK_DIM"} {
		if strings.Contains(string(data), placeholder) {
			t.Errorf("placeholder %s survived substitution", placeholder)
		}
	}

	var doc struct {
		Config struct {
			Process []struct {
				TrainingFolder string `yaml:"training_folder"`
				Network        struct {
					Linear      int `yaml:"linear"`
					LinearAlpha int `yaml:"linear_alpha"`
				} `yaml:"network"`
				Datasets []struct {
					FolderPath string `yaml:"folder_path"`
					Resolution []int  `yaml:"resolution"`
				} `yaml:"datasets"`
				Train struct {
					BatchSize int     `yaml:"batch_size"`
					Steps     int     `yaml:"steps"`
					LR        float64 `yaml:"lr"`
				} `yaml:"train"`
			} `yaml:"process"`
		} `yaml:"config"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("rendered config does not parse: %v", err)
	}
	if len(doc.Config.Process) != 1 {
		t.Fatalf("process entries = %d, want 1", len(doc.Config.Process))
	}
	proc := doc.Config.Process[0]
	if !filepath.IsAbs(proc.TrainingFolder) {
		t.Errorf("training folder %q is not absolute", proc.TrainingFolder)
	}
	if proc.TrainingFolder != proc.Datasets[0].FolderPath {
		t.Errorf("training folder %q and dataset folder %q differ", proc.TrainingFolder, proc.Datasets[0].FolderPath)
	}
	if _, err := os.Stat(proc.Datasets[0].FolderPath); err != nil {
		t.Errorf("dataset folder does not exist: %v", err)
	}
	if proc.Network.Linear != 8 || proc.Network.LinearAlpha != 8 {
		t.Errorf("rank = %d/%d, want 8/8", proc.Network.Linear, proc.Network.LinearAlpha)
	}
	if got := proc.Datasets[0].Resolution; len(got) != 1 || got[0] != 512 {
		t.Errorf("resolution = %v, want [512]", got)
	}
	if proc.Train.BatchSize != 1 || proc.Train.Steps != 800 {
		t.Errorf("batch/steps = %d/%d, want 1/800", proc.Train.BatchSize, proc.Train.Steps)
	}
	if proc.Train.LR != 8e-4 {
		t.Errorf("lr = %v, want 0.0008", proc.Train.LR)
	}
}

func TestMaterializeConfigMissingTemplate(t *testing.T) {
	workDir := t.TempDir()
	templatePath := filepath.Join(t.TempDir(), "nope.yaml")

	cfg := &models.CharacterConfig{Steps: 800, BatchSize: 1, LearningRate: 8e-4, TrainDim: 512, RankDim: 8}
	_, err := MaterializeConfig(templatePath, workDir, cfg)
	var missing *models.MissingAssetError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingAssetError", err)
	}
	if missing.Path != templatePath {
		t.Errorf("missing path = %s, want %s", missing.Path, templatePath)
	}
}

func TestMaterializeConfigMissingWorkDir(t *testing.T) {
	templatePath := writeTemplate(t, testTemplate)
	workDir := filepath.Join(t.TempDir(), "absent")

	cfg := &models.CharacterConfig{Steps: 800, BatchSize: 1, LearningRate: 8e-4, TrainDim: 512, RankDim: 8}
	_, err := MaterializeConfig(templatePath, workDir, cfg)
	var missing *models.MissingAssetError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingAssetError", err)
	}
	if missing.Path != workDir {
		t.Errorf("missing path = %s, want %s", missing.Path, workDir)
	}
}

func TestMaterializeConfigRejectsUnparseableRender(t *testing.T) {
	templatePath := writeTemplate(t, "train:\n  steps: STEPS\n  broken: [oops\n")
	workDir := t.TempDir()

	cfg := &models.CharacterConfig{Steps: 800, BatchSize: 1, LearningRate: 8e-4, TrainDim: 512, RankDim: 8}
	if _, err := MaterializeConfig(templatePath, workDir, cfg); err == nil {
		t.Fatal("expected a parse error")
	}
	if _, err := os.Stat(filepath.Join(workDir, "config.yaml")); !os.IsNotExist(err) {
		t.Error("an unparseable config was written anyway")
	}
}
