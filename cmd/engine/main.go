// Command engine generates images from text prompts using safetensors
// checkpoints, and can serve the pipeline over HTTP for subprocess use.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"imageflow/engine"
	"imageflow/memory"
	"imageflow/model"
	"imageflow/runner"
	"imageflow/safetensors"
	"imageflow/tensor"
)

func main() {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "FP8-aware image generation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	root.AddCommand(generateCmd(), serveCmd(), inspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func generateCmd() *cobra.Command {
	var (
		transformerPath string
		textEncoderPath string
		decoderPath     string
		modelConfigPath string

		negativePrompt string
		guidanceScale  float32
		width, height  int32
		steps          int
		seed           int64
		output         string
		initImage      string
		strength       float32

		totalGB    int
		reservedGB int
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate an image from a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if seed <= 0 {
				seed = time.Now().UnixNano()
			}

			var modelConfig *model.Config
			if modelConfigPath != "" {
				var err error
				if modelConfig, err = model.LoadConfig(modelConfigPath); err != nil {
					return err
				}
			}

			e := engine.New(engine.Options{
				TotalMemory:    uint64(totalGB) * memory.GB,
				ReservedMemory: uint64(reservedGB) * memory.GB,
				ModelConfig:    modelConfig,
				Logger:         slog.Default(),
			})
			defer e.Close()

			if err := e.Load(cmd.Context(), engine.Paths{
				Transformer: transformerPath,
				TextEncoder: textEncoderPath,
				Decoder:     decoderPath,
			}); err != nil {
				return err
			}

			var bar *progressbar.ProgressBar
			res, err := e.Generate(cmd.Context(), &engine.GenerateRequest{
				Prompt:         args[0],
				NegativePrompt: negativePrompt,
				GuidanceScale:  guidanceScale,
				Width:          width,
				Height:         height,
				Steps:          steps,
				Seed:           seed,
				InitImagePath:  initImage,
				Strength:       strength,
				OnStep: func(step, total int, latents *tensor.Tensor) {
					if bar == nil {
						bar = progressbar.NewOptions(total,
							progressbar.OptionSetDescription("denoising"),
							progressbar.OptionSetWriter(os.Stderr),
							progressbar.OptionClearOnFinish())
					}
					bar.Set(step)
				},
			})
			if err != nil {
				return err
			}
			if bar != nil {
				bar.Finish()
			}

			if err := engine.SaveImage(res.Image, output); err != nil {
				return err
			}
			fmt.Printf("Saved %dx%d image to %s (seed %d)\n", res.Width, res.Height, output, res.Seed)
			return nil
		},
	}

	cmd.Flags().StringVar(&transformerPath, "transformer", "", "transformer checkpoint")
	cmd.Flags().StringVar(&textEncoderPath, "text-encoder", "", "text encoder checkpoint")
	cmd.Flags().StringVar(&decoderPath, "decoder", "", "latent decoder checkpoint")
	cmd.Flags().StringVar(&modelConfigPath, "model-config", "", "transformer config.json (derived from the checkpoint when omitted)")
	cmd.MarkFlagRequired("transformer")
	cmd.MarkFlagRequired("text-encoder")
	cmd.MarkFlagRequired("decoder")

	cmd.Flags().StringVar(&negativePrompt, "negative-prompt", "", "negative prompt for guidance")
	cmd.Flags().Float32Var(&guidanceScale, "cfg-scale", 1, "guidance scale")
	cmd.Flags().Int32Var(&width, "width", 1024, "image width")
	cmd.Flags().Int32Var(&height, "height", 1024, "image height")
	cmd.Flags().IntVar(&steps, "steps", 9, "denoising steps")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 = time-based)")
	cmd.Flags().StringVar(&output, "output", "output.png", "output path")
	cmd.Flags().StringVar(&initImage, "init-image", "", "image to condition on")
	cmd.Flags().Float32Var(&strength, "strength", 0.6, "conditioning strength in (0, 1]")
	cmd.Flags().IntVar(&totalGB, "memory", 0, "memory budget in GB (0 = unplanned)")
	cmd.Flags().IntVar(&reservedGB, "reserved", 1, "reserved memory in GB")

	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "serve",
		Short:              "Run the HTTP runner subprocess",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runner.Execute(args)
		},
	}
	return cmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [checkpoint]",
		Short: "List the tensors in a checkpoint without loading payloads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := safetensors.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			for _, name := range src.Names() {
				info, _ := src.Info(name)
				size := uint64(info.DataOffsets[1] - info.DataOffsets[0])
				fmt.Printf("%-60s %-8s %-16v %s\n", name, info.Dtype, info.Shape, humanize.IBytes(size))
			}
			fmt.Printf("\n%d tensors, %s total", len(src.Names()),
				humanize.IBytes(memory.EstimateCheckpointBytes(src)))
			if memory.CheckpointQuantized(src) {
				fmt.Print(" (FP8 quantized)")
			}
			fmt.Println()
			return nil
		},
	}
	return cmd
}
