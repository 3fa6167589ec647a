package main

import (
	"errors"
	"log"

	"github.com/spf13/cobra"

	"CharForge/pipeline/internal/config"
	"CharForge/pipeline/internal/weights"
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Download the model weights the engine workflows require",
	RunE:  runWeights,
}

func runWeights(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if cfg.ComfyUI.ModelsDir == "" {
		return errors.New("comfyui.models_dir is not configured")
	}
	if err := weights.NewDownloader(cfg.ComfyUI.ModelsDir).Ensure(cmd.Context()); err != nil {
		return err
	}
	log.Println("All model weights present")
	return nil
}
