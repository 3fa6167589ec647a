package models

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Training hyperparameter defaults.
const (
	DefaultTrainSteps     = 800
	DefaultTrainBatchSize = 1
	DefaultLearningRate   = 8e-4
	DefaultTrainDim       = 512
	DefaultRankDim        = 8
)

// Inference defaults.
const (
	DefaultLoRAWeight     = 0.73
	DefaultTestDim        = 1024
	DefaultInferenceSteps = 30
)

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// CharacterConfig identifies one character-training job. It is constructed
// once per request and not mutated afterwards; every derived artifact lives
// under WorkDir.
type CharacterConfig struct {
	Name       string `json:"name" yaml:"name"`
	InputImage string `json:"input_image" yaml:"input_image"`
	WorkDir    string `json:"work_dir" yaml:"work_dir"`

	Steps        int     `json:"steps" yaml:"steps"`
	BatchSize    int     `json:"batch_size" yaml:"batch_size"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	TrainDim     int     `json:"train_dim" yaml:"train_dim"`
	RankDim      int     `json:"rank_dim" yaml:"rank_dim"`

	// PulidFluxImages is the synthetic-augmentation image count; zero skips
	// the augmentation stage entirely.
	PulidFluxImages int `json:"pulidflux_images" yaml:"pulidflux_images"`

	// Optional overrides for the multiview base pipeline.
	BaseModel string `json:"base_model,omitempty" yaml:"base_model"`
	Scheduler string `json:"scheduler,omitempty" yaml:"scheduler"`
}

// NewCharacterConfig fills in defaults and resolves the work directory.
func NewCharacterConfig(name, inputImage string) (*CharacterConfig, error) {
	if !safeNamePattern.MatchString(name) {
		return nil, fmt.Errorf("character name %q is not filesystem-safe", name)
	}
	cfg := &CharacterConfig{
		Name:         name,
		InputImage:   inputImage,
		WorkDir:      DefaultWorkDir(name),
		Steps:        DefaultTrainSteps,
		BatchSize:    DefaultTrainBatchSize,
		LearningRate: DefaultLearningRate,
		TrainDim:     DefaultTrainDim,
		RankDim:      DefaultRankDim,
	}
	return cfg, nil
}

// DefaultWorkDir resolves the per-character scratch directory under APP_PATH.
func DefaultWorkDir(name string) string {
	appPath := os.Getenv("APP_PATH")
	if appPath == "" {
		appPath, _ = os.Getwd()
	}
	return filepath.Join(appPath, "scratch", name)
}

// LoRAPath is where the external trainer deposits the character's weight file.
func LoRAPath(workDir string) string {
	return filepath.Join(workDir, "char", "char.safetensors")
}

// InferenceConfig identifies one generation request against a trained
// character.
type InferenceConfig struct {
	CharacterName string `json:"character_name"`
	Prompt        string `json:"prompt"`
	WorkDir       string `json:"work_dir,omitempty"`

	LoRAWeight float64 `json:"lora_weight"`
	TestDim    int     `json:"test_dim"`
	BatchSize  int     `json:"batch_size"`
	Steps      int     `json:"num_inference_steps"`

	OptimizePrompt bool `json:"do_optimize_prompt"`
	FixOutfit      bool `json:"fix_outfit"`
	SafetyCheck    bool `json:"safety_check"`
	FaceEnhance    bool `json:"face_enhance"`

	OutputFilenames []string `json:"output_filenames,omitempty"`
}

// NewInferenceConfig returns a request with the stock defaults applied.
func NewInferenceConfig(name, prompt string) *InferenceConfig {
	return &InferenceConfig{
		CharacterName:  name,
		Prompt:         prompt,
		LoRAWeight:     DefaultLoRAWeight,
		TestDim:        DefaultTestDim,
		BatchSize:      1,
		Steps:          DefaultInferenceSteps,
		OptimizePrompt: true,
		SafetyCheck:    true,
	}
}

// ResolveWorkDir fills WorkDir from the character name when unset.
func (c *InferenceConfig) ResolveWorkDir() string {
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir(c.CharacterName)
	}
	return c.WorkDir
}

// OutputNames returns the output filenames, generating the timestamped
// default set when the caller supplied none.
func (c *InferenceConfig) OutputNames(now time.Time) []string {
	if len(c.OutputFilenames) > 0 {
		return c.OutputFilenames
	}
	names := make([]string, c.BatchSize)
	ts := now.Unix()
	for i := range names {
		names[i] = fmt.Sprintf("%s_%d_%d.jpg", c.CharacterName, ts, i)
	}
	return names
}
