package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"CharForge/pipeline/internal/inference"
	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/safety"
)

var generateOpts struct {
	character        string
	prompt           string
	workDir          string
	loraWeight       float64
	testDim          int
	batchSize        int
	steps            int
	outputFilenames  []string
	fixOutfit        bool
	noOptimizePrompt bool
	noSafetyCheck    bool
	faceEnhance      bool
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate images with a trained character LoRA",
	RunE:  runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&generateOpts.character, "character_name", "", "name of the trained character")
	f.StringVar(&generateOpts.prompt, "prompt", "", "scene prompt")
	f.StringVar(&generateOpts.workDir, "work_dir", "", "working directory (defaults to scratch/<name>)")
	f.Float64Var(&generateOpts.loraWeight, "lora_weight", models.DefaultLoRAWeight, "LoRA strength")
	f.IntVar(&generateOpts.testDim, "test_dim", models.DefaultTestDim, "output image dimension")
	f.IntVar(&generateOpts.batchSize, "batch_size", 4, "number of images to generate")
	f.IntVar(&generateOpts.steps, "num_inference_steps", models.DefaultInferenceSteps, "sampler steps")
	f.StringArrayVar(&generateOpts.outputFilenames, "output_filenames", nil, "file names for the generated images")
	f.BoolVar(&generateOpts.fixOutfit, "fix_outfit", false, "describe scenes in the reference outfit")
	f.BoolVar(&generateOpts.noOptimizePrompt, "no_optimize_prompt", false, "skip LLM prompt optimization")
	f.BoolVar(&generateOpts.noSafetyCheck, "no_safety_check", false, "skip the content safety check")
	f.BoolVar(&generateOpts.faceEnhance, "face_enhance", false, "run the face refinement pass on results")
	generateCmd.MarkFlagRequired("character_name")
	generateCmd.MarkFlagRequired("prompt")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	infCfg := models.NewInferenceConfig(generateOpts.character, generateOpts.prompt)
	infCfg.WorkDir = generateOpts.workDir
	infCfg.LoRAWeight = generateOpts.loraWeight
	infCfg.TestDim = generateOpts.testDim
	infCfg.BatchSize = generateOpts.batchSize
	infCfg.Steps = generateOpts.steps
	infCfg.OutputFilenames = generateOpts.outputFilenames
	infCfg.FixOutfit = generateOpts.fixOutfit
	infCfg.OptimizePrompt = !generateOpts.noOptimizePrompt
	infCfg.SafetyCheck = !generateOpts.noSafetyCheck
	infCfg.FaceEnhance = generateOpts.faceEnhance

	p, err := buildPipeline(ctx, configPath)
	if err != nil {
		return err
	}
	defer p.close()
	defer p.sessions.CleanupAll(context.Background())

	gen := inference.NewGenerator(inference.Deps{
		Engine:   p.engine,
		Sessions: p.sessions,
		Language: p.language,
		Safety:   safety.NewChecker(p.safety),
		GPU:      p.gpu,
	}, inference.Options{
		ModelsDir:   p.cfg.ComfyUI.ModelsDir,
		FaceEnhance: generateOpts.faceEnhance,
	})

	files, err := gen.Generate(ctx, infCfg)
	if err != nil {
		return err
	}

	var flagged []bool
	if infCfg.SafetyCheck {
		flagged = gen.CheckSafety(ctx, files, infCfg.TestDim)
	}
	for i, file := range files {
		if i < len(flagged) && flagged[i] {
			log.Printf("Generated %s (replaced by the safety check)", file)
			continue
		}
		log.Printf("Generated %s", file)
	}
	return nil
}
