package main

import (
	"log"

	"github.com/spf13/cobra"

	"CharForge/pipeline/internal/models"
)

var sheetOpts struct {
	name        string
	input       string
	workDir     string
	pulidImages int
}

var sheetCmd = &cobra.Command{
	Use:   "sheet",
	Short: "Build the multi-view character sheet and captions for a reference image",
	RunE:  runSheet,
}

func init() {
	f := sheetCmd.Flags()
	f.StringVar(&sheetOpts.name, "name", "", "character name")
	f.StringVar(&sheetOpts.input, "input", "", "path to the reference image")
	f.StringVar(&sheetOpts.workDir, "work_dir", "", "working directory (defaults to scratch/<name>)")
	f.IntVar(&sheetOpts.pulidImages, "pulidflux_images", 0, "number of synthetic portraits to mix into the dataset")
	sheetCmd.MarkFlagRequired("name")
	sheetCmd.MarkFlagRequired("input")
}

func runSheet(cmd *cobra.Command, args []string) error {
	charCfg, err := models.NewCharacterConfig(sheetOpts.name, sheetOpts.input)
	if err != nil {
		return err
	}
	if sheetOpts.workDir != "" {
		charCfg.WorkDir = sheetOpts.workDir
	}
	charCfg.PulidFluxImages = sheetOpts.pulidImages

	p, err := buildPipeline(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer p.close()

	workDir, err := p.trainWorkflow().BuildSheet(cmd.Context(), charCfg)
	if err != nil {
		return err
	}
	log.Printf("Character sheet for %s ready in %s", charCfg.Name, workDir)
	return nil
}
