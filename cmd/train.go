package main

import (
	"log"

	"github.com/spf13/cobra"

	"CharForge/pipeline/internal/models"
)

var trainOpts struct {
	name        string
	input       string
	workDir     string
	steps       int
	batchSize   int
	lr          float64
	trainDim    int
	rankDim     int
	pulidImages int
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a character LoRA from a single reference image",
	RunE:  runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainOpts.name, "name", "", "character name")
	f.StringVar(&trainOpts.input, "input", "", "path to the reference image")
	f.StringVar(&trainOpts.workDir, "work_dir", "", "working directory (defaults to scratch/<name>)")
	f.IntVar(&trainOpts.steps, "steps", models.DefaultTrainSteps, "training steps")
	f.IntVar(&trainOpts.batchSize, "batch_size", models.DefaultTrainBatchSize, "training batch size")
	f.Float64Var(&trainOpts.lr, "lr", models.DefaultLearningRate, "learning rate")
	f.IntVar(&trainOpts.trainDim, "train_dim", models.DefaultTrainDim, "training image dimension")
	f.IntVar(&trainOpts.rankDim, "rank_dim", models.DefaultRankDim, "LoRA rank")
	f.IntVar(&trainOpts.pulidImages, "pulidflux_images", 0, "number of synthetic portraits to mix into the dataset")
	trainCmd.MarkFlagRequired("name")
	trainCmd.MarkFlagRequired("input")
}

func runTrain(cmd *cobra.Command, args []string) error {
	charCfg, err := models.NewCharacterConfig(trainOpts.name, trainOpts.input)
	if err != nil {
		return err
	}
	if trainOpts.workDir != "" {
		charCfg.WorkDir = trainOpts.workDir
	}
	charCfg.Steps = trainOpts.steps
	charCfg.BatchSize = trainOpts.batchSize
	charCfg.LearningRate = trainOpts.lr
	charCfg.TrainDim = trainOpts.trainDim
	charCfg.RankDim = trainOpts.rankDim
	charCfg.PulidFluxImages = trainOpts.pulidImages

	p, err := buildPipeline(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer p.close()

	workDir, err := p.trainWorkflow().BuildCharacter(cmd.Context(), charCfg)
	if err != nil {
		return err
	}
	log.Printf("Character %s trained, weights at %s", charCfg.Name, models.LoRAPath(workDir))
	return nil
}
