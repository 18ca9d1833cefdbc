package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Global flags
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "lipsync",
	Short: "Diffusion-based audio-driven lip synchronization",
	Long: `lipsync - regenerate the mouth region of a talking-head video so it
matches a driving audio track.

The pipeline crops the mouth region of every frame, denoises it window by
window with an audio-conditioned diffusion model, blends overlapping
windows, and muxes the synthesized frames back over the driving audio.

Model weights are loaded from a checkpoint bundle; the network
architecture is described by a YAML config file.

Examples:
  # Default settings: 20 steps, guidance 1.0, fixed seed
  lipsync infer --unet_config_path configs/unet.yaml \
    --inference_ckpt_path checkpoints/lipsync.bundle \
    --video_path in.mp4 --audio_path speech.wav --video_out_path out.mp4

  # Stronger conditioning, fresh random seed
  lipsync infer --guidance_scale 1.5 --seed -1 ...`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}
