// Package pipeline orchestrates a full lip-sync inference run: probe the
// inputs, extract frames and audio, compute frame-aligned conditioning
// embeddings, sample every temporal window through the diffusion core,
// blend the overlaps, and mux the synthesized frames back into a video.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime"

	"github.com/visage-ai/lipsync/pkg/audio/features"
	"github.com/visage-ai/lipsync/pkg/audio/wave"
	"github.com/visage-ai/lipsync/pkg/diffusion"
	"github.com/visage-ai/lipsync/pkg/featcache"
	"github.com/visage-ai/lipsync/pkg/media"
	"github.com/visage-ai/lipsync/pkg/model"
	"github.com/visage-ai/lipsync/pkg/window"
)

// ConfigError reports an invalid run configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline: config %s: %s", e.Field, e.Reason)
}

// Config is the immutable per-run configuration. It is validated once and
// then only read.
type Config struct {
	// GuidanceScale blends conditional and unconditional noise estimates.
	GuidanceScale float64

	// InferenceSteps is the denoising step count per window.
	InferenceSteps int

	// Seed drives all noise generation. Negative means a fresh random
	// seed per run.
	Seed int64

	// Jobs bounds concurrently sampled windows. Zero means GOMAXPROCS.
	Jobs int

	// CacheDir enables the on-disk audio embedding cache when non-empty.
	CacheDir string

	// Workdir is the parent directory for the temporary frame workspace.
	// Empty means the system temp directory.
	Workdir string

	// Tools performs container probing, extraction and muxing. Nil means
	// ffmpeg/ffprobe from PATH.
	Tools MediaTools
}

// MediaTools is the slice of pkg/media the orchestrator drives.
// [media.Tools] implements it with ffmpeg/ffprobe subprocesses.
type MediaTools interface {
	Probe(ctx context.Context, path string) (media.Info, error)
	ExtractFrames(ctx context.Context, videoPath, dir string) ([]string, error)
	ExtractAudio(ctx context.Context, srcPath, outPath string) error
	Mux(ctx context.Context, framesDir string, fps float64, audioPath, outPath string) error
}

// Validate checks the configuration against the loaded network.
func (c *Config) Validate(net model.NetworkConfig) error {
	if c.GuidanceScale < 0 {
		return &ConfigError{"guidance_scale", fmt.Sprintf("%g must be >= 0", c.GuidanceScale)}
	}
	if c.InferenceSteps < 1 {
		return &ConfigError{"inference_steps", fmt.Sprintf("%d must be at least 1", c.InferenceSteps)}
	}
	if c.InferenceSteps > net.Schedule.TrainTimesteps {
		return &ConfigError{"inference_steps",
			fmt.Sprintf("%d exceeds the schedule's %d timesteps", c.InferenceSteps, net.Schedule.TrainTimesteps)}
	}
	if c.Jobs < 0 {
		return &ConfigError{"jobs", fmt.Sprintf("%d must be >= 0", c.Jobs)}
	}
	return nil
}

// Models bundles the loaded network surfaces the run needs.
type Models struct {
	Predictor model.NoisePredictor
	Codec     model.LatentCodec
	Encoder   model.AudioEncoder

	// EncoderID names the conditioning encoder for cache keying, e.g.
	// "whisper-384".
	EncoderID string
}

// Orchestrator runs lip-sync inference end to end. Construct one per run
// configuration; Run may be called for multiple clips.
type Orchestrator struct {
	cfg    Config
	net    model.NetworkConfig
	models Models
	sched  *diffusion.Schedule
	log    *slog.Logger
}

// New validates the configuration and precomputes the noise schedule.
func New(cfg Config, net model.NetworkConfig, models Models, log *slog.Logger) (*Orchestrator, error) {
	if err := net.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: network config: %w", err)
	}
	if err := cfg.Validate(net); err != nil {
		return nil, err
	}
	if models.Predictor == nil || models.Codec == nil || models.Encoder == nil {
		return nil, fmt.Errorf("pipeline: all three models are required")
	}
	sched, err := diffusion.NewSchedule(diffusion.ScheduleConfig{
		TrainTimesteps: net.Schedule.TrainTimesteps,
		BetaStart:      net.Schedule.BetaStart,
		BetaEnd:        net.Schedule.BetaEnd,
		ScaledLinear:   net.Schedule.BetaKind == "scaled_linear",
	}, cfg.InferenceSteps)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Tools == nil {
		cfg.Tools = media.Tools{}
	}
	return &Orchestrator{cfg: cfg, net: net, models: models, sched: sched, log: log}, nil
}

func (o *Orchestrator) jobs() int {
	if o.cfg.Jobs > 0 {
		return o.cfg.Jobs
	}
	return runtime.GOMAXPROCS(0)
}

func (o *Orchestrator) seed() uint64 {
	if o.cfg.Seed < 0 {
		return rand.Uint64()
	}
	return uint64(o.cfg.Seed)
}

// Run synthesizes a lip-synced video: videoPath supplies the frames,
// audioPath the driving speech, outPath receives the muxed result. No
// partial output file is left behind on failure.
func (o *Orchestrator) Run(ctx context.Context, videoPath, audioPath, outPath string) error {
	info, err := o.cfg.Tools.Probe(ctx, videoPath)
	if err != nil {
		return err
	}
	o.log.Info("probed input",
		"video", videoPath,
		"resolution", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"fps", info.FPS, "frames", info.FrameCount)

	ws, err := media.NewWorkspace(o.cfg.Workdir)
	if err != nil {
		return err
	}
	defer ws.Close()

	framePaths, err := o.cfg.Tools.ExtractFrames(ctx, videoPath, ws.FramesDir())
	if err != nil {
		return err
	}
	if err := o.cfg.Tools.ExtractAudio(ctx, audioPath, ws.AudioPath()); err != nil {
		return err
	}

	seg, err := o.extractFeatures(ws.AudioPath(), info.FPS, len(framePaths))
	if err != nil {
		return err
	}

	spans, err := window.Partition(len(framePaths), o.net.NumFrames, o.net.Overlap)
	if err != nil {
		return err
	}
	seed := o.seed()
	o.log.Info("sampling windows",
		"windows", len(spans), "steps", o.cfg.InferenceSteps,
		"guidance", o.cfg.GuidanceScale, "seed", seed, "jobs", o.jobs())

	rect := regionRect(info.Width, info.Height, o.net.MouthRegion)
	regions, err := o.renderWindows(ctx, framePaths, seg, spans, rect, seed)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(ws.OutFramesDir(), 0o755); err != nil {
		return fmt.Errorf("pipeline: create output frames dir: %w", err)
	}
	if err := compositeFrames(framePaths, regions, rect, ws.OutFramesDir()); err != nil {
		return err
	}

	if err := o.cfg.Tools.Mux(ctx, ws.OutFramesDir(), info.FPS, ws.AudioPath(), outPath); err != nil {
		return err
	}
	o.log.Info("wrote output", "path", outPath, "frames", len(framePaths))
	return nil
}

// extractFeatures computes frame-aligned audio embeddings, consulting the
// cache when one is configured. The alignment tolerance is one window's
// duration.
func (o *Orchestrator) extractFeatures(audioPath string, fps float64, frameCount int) (*features.Segment, error) {
	raw, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read audio: %w", err)
	}

	var cache *featcache.Cache
	var key featcache.Key
	if o.cfg.CacheDir != "" {
		if cache, err = featcache.Open(o.cfg.CacheDir); err != nil {
			return nil, err
		}
		defer cache.Close()
		key = featcache.Key{
			AudioDigest:  featcache.DigestAudio(raw),
			EncoderID:    o.models.EncoderID,
			TargetFrames: frameCount,
		}
		if seg, err := cache.Get(key); err == nil {
			o.log.Info("audio embeddings from cache", "frames", frameCount)
			return seg, nil
		}
	}

	audio, err := wave.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	ext, err := features.New(o.models.Encoder, features.Config{
		ToleranceSeconds: float64(o.net.NumFrames) / fps,
	})
	if err != nil {
		return nil, err
	}
	seg, err := ext.Extract(audio, fps, frameCount)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		if err := cache.Put(key, seg); err != nil {
			o.log.Warn("embedding cache write failed", "error", err)
		}
	}
	return seg, nil
}
