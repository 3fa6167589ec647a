package training

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"CharForge/pipeline/internal/models"
)

const configFileName = "config.yaml"

// Placeholders the trainer template carries. Directory placeholders receive
// absolute paths, the rest stringified hyperparameters.
const (
	placeholderTrainingDir  = "TRAINING_DIR"
	placeholderDatasetDir   = "DATASET_DIR"
	placeholderTrainDim     = "TRAIN_DIM"
	placeholderBatchSize    = "BATCH_SIZE"
	placeholderSteps        = "STEPS"
	placeholderLearningRate = "LEARNING_RATE"
	placeholderRankDim      = "RANK_DIM"
)

// MaterializeConfig renders the trainer template for one character and
// writes it to {workDir}/config.yaml. The rendered document must parse as
// YAML and reference the existing work directory by absolute path; nothing
// is written otherwise. Returns the absolute config path.
func MaterializeConfig(templatePath, workDir string, cfg *models.CharacterConfig) (string, error) {
	if _, err := os.Stat(workDir); err != nil {
		return "", &models.MissingAssetError{Stage: "training", Path: workDir}
	}
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &models.MissingAssetError{Stage: "training", Path: templatePath}
		}
		return "", fmt.Errorf("read trainer template: %w", err)
	}

	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("resolve work dir: %w", err)
	}

	// The dataset lives directly in the work directory, so both directory
	// placeholders resolve to the same path.
	content := strings.NewReplacer(
		placeholderTrainingDir, absWorkDir,
		placeholderDatasetDir, absWorkDir,
		placeholderTrainDim, strconv.Itoa(cfg.TrainDim),
		placeholderBatchSize, strconv.Itoa(cfg.BatchSize),
		placeholderSteps, strconv.Itoa(cfg.Steps),
		placeholderLearningRate, strconv.FormatFloat(cfg.LearningRate, 'g', -1, 64),
		placeholderRankDim, strconv.Itoa(cfg.RankDim),
	).Replace(string(raw))

	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return "", fmt.Errorf("rendered trainer config does not parse: %w", err)
	}

	configPath := filepath.Join(absWorkDir, configFileName)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write trainer config: %w", err)
	}
	return configPath, nil
}
