package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/visage-ai/lipsync/pkg/media"
	"github.com/visage-ai/lipsync/pkg/model"
	"github.com/visage-ai/lipsync/pkg/onnx"
	"github.com/visage-ai/lipsync/pkg/pipeline"
)

var (
	flagUNetConfigPath string
	flagCkptPath       string
	flagInferenceSteps int
	flagGuidanceScale  float64
	flagVideoPath      string
	flagAudioPath      string
	flagVideoOutPath   string
	flagSeed           int64
	flagJobs           int
	flagCacheDir       string
	flagThreads        int
	flagFFmpeg         string
	flagFFprobe        string
)

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Run lip-sync inference over a video and an audio track",
	Long: `Synthesize a lip-synced video.

The mouth region of every input frame is regenerated to match the driving
audio. A negative seed draws a fresh random seed per run; any other value
makes the output fully reproducible.

The embedding cache (--cache-dir) persists per-clip audio embeddings
between runs; without it the run keeps no state on disk.`,
	RunE: runInfer,
}

func init() {
	f := inferCmd.Flags()
	f.StringVar(&flagUNetConfigPath, "unet_config_path", "", "network architecture YAML (required)")
	f.StringVar(&flagCkptPath, "inference_ckpt_path", "", "checkpoint bundle path (required)")
	f.IntVar(&flagInferenceSteps, "inference_steps", 20, "denoising steps per window")
	f.Float64Var(&flagGuidanceScale, "guidance_scale", 1.0, "classifier-free guidance scale")
	f.StringVar(&flagVideoPath, "video_path", "", "input video (required)")
	f.StringVar(&flagAudioPath, "audio_path", "", "driving audio (required)")
	f.StringVar(&flagVideoOutPath, "video_out_path", "", "output video (required)")
	f.Int64Var(&flagSeed, "seed", 1247, "noise seed, -1 for random")
	f.IntVar(&flagJobs, "jobs", 0, "parallel windows, 0 for GOMAXPROCS")
	f.StringVar(&flagCacheDir, "cache-dir", "", "audio embedding cache directory")
	f.IntVar(&flagThreads, "threads", 0, "intra-op threads per session, 0 for runtime default")
	f.StringVar(&flagFFmpeg, "ffmpeg", "", "ffmpeg binary path")
	f.StringVar(&flagFFprobe, "ffprobe", "", "ffprobe binary path")

	for _, name := range []string{"unet_config_path", "inference_ckpt_path", "video_path", "audio_path", "video_out_path"} {
		cobra.CheckErr(inferCmd.MarkFlagRequired(name))
	}

	rootCmd.AddCommand(inferCmd)
}

func runInfer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		slog.Info("interrupted, finishing in-flight windows")
		cancel()
	}()

	netCfg, err := model.LoadNetworkConfig(flagUNetConfigPath)
	if err != nil {
		return err
	}

	rt, err := model.LoadRuntime(flagCkptPath, netCfg, onnx.SessionOptions{IntraOpThreads: flagThreads})
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := pipeline.Config{
		GuidanceScale:  flagGuidanceScale,
		InferenceSteps: flagInferenceSteps,
		Seed:           flagSeed,
		Jobs:           flagJobs,
		CacheDir:       flagCacheDir,
		Tools:          media.Tools{FFmpeg: flagFFmpeg, FFprobe: flagFFprobe},
	}
	orch, err := pipeline.New(cfg, netCfg, pipeline.Models{
		Predictor: rt.NoisePredictor(),
		Codec:     rt.LatentCodec(),
		Encoder:   rt.AudioEncoder(),
		EncoderID: fmt.Sprintf("whisper-%d", netCfg.CrossAttentionDim),
	}, slog.Default())
	if err != nil {
		return err
	}

	return orch.Run(ctx, flagVideoPath, flagAudioPath, flagVideoOutPath)
}
