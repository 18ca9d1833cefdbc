package model

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// NetworkConfig describes the architecture of the networks in a checkpoint
// bundle. It is loaded from the YAML file passed as --unet_config_path and
// must match what the bundle's graphs were exported with.
type NetworkConfig struct {
	// Resolution is the pixel size of the square mouth region fed to the
	// codec (e.g. 256).
	Resolution int `yaml:"resolution"`

	// NumFrames is the temporal window size the UNet was trained on.
	NumFrames int `yaml:"num_frames"`

	// Overlap is the number of frames adjacent windows share.
	Overlap int `yaml:"overlap"`

	// CrossAttentionDim is the audio embedding dimension. Only 384
	// (tiny-sized encoder) and 768 (small-sized encoder) are supported.
	CrossAttentionDim int `yaml:"cross_attention_dim"`

	// LatentChannels is the VAE latent channel count (e.g. 4).
	LatentChannels int `yaml:"latent_channels"`

	// ScalingFactor scales VAE latents into the diffusion value range.
	ScalingFactor float64 `yaml:"scaling_factor"`

	// Schedule holds the training-time noise schedule parameters.
	Schedule ScheduleParams `yaml:"schedule"`

	// MouthRegion positions the crop box within the full frame, as
	// fractions of frame width/height. Zero value means the lower-half
	// center default.
	MouthRegion RegionParams `yaml:"mouth_region"`
}

// ScheduleParams are the beta-schedule constants the checkpoint was
// trained with.
type ScheduleParams struct {
	TrainTimesteps int     `yaml:"num_train_timesteps"`
	BetaStart      float64 `yaml:"beta_start"`
	BetaEnd        float64 `yaml:"beta_end"`
	// BetaKind is "linear" or "scaled_linear".
	BetaKind string `yaml:"beta_schedule"`
}

// RegionParams is a fractional crop box.
type RegionParams struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	W float64 `yaml:"w"`
	H float64 `yaml:"h"`
}

// DefaultNetworkConfig returns the config matching the published
// checkpoint bundles.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Resolution:        256,
		NumFrames:         16,
		Overlap:           4,
		CrossAttentionDim: 384,
		LatentChannels:    4,
		ScalingFactor:     0.18215,
		Schedule: ScheduleParams{
			TrainTimesteps: 1000,
			BetaStart:      0.00085,
			BetaEnd:        0.012,
			BetaKind:       "scaled_linear",
		},
		MouthRegion: RegionParams{X: 0.25, Y: 0.5, W: 0.5, H: 0.5},
	}
}

// LoadNetworkConfig reads a NetworkConfig from a YAML file, applying
// defaults for absent fields and validating the result.
func LoadNetworkConfig(path string) (NetworkConfig, error) {
	cfg := DefaultNetworkConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("model: read network config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("model: parse network config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("model: network config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for values the runtime cannot serve.
func (c *NetworkConfig) Validate() error {
	if c.Resolution <= 0 || c.Resolution%8 != 0 {
		return fmt.Errorf("resolution %d must be a positive multiple of 8", c.Resolution)
	}
	if c.NumFrames < 2 {
		return fmt.Errorf("num_frames %d must be at least 2", c.NumFrames)
	}
	if c.Overlap < 0 || c.Overlap >= c.NumFrames {
		return fmt.Errorf("overlap %d must be in [0, num_frames)", c.Overlap)
	}
	if c.CrossAttentionDim != 384 && c.CrossAttentionDim != 768 {
		return fmt.Errorf("cross_attention_dim must be 384 or 768, got %d", c.CrossAttentionDim)
	}
	if c.LatentChannels <= 0 {
		return fmt.Errorf("latent_channels %d must be positive", c.LatentChannels)
	}
	if c.ScalingFactor <= 0 {
		return fmt.Errorf("scaling_factor %f must be positive", c.ScalingFactor)
	}
	s := c.Schedule
	if s.TrainTimesteps < 1 {
		return fmt.Errorf("num_train_timesteps %d must be positive", s.TrainTimesteps)
	}
	if s.BetaStart <= 0 || s.BetaEnd <= s.BetaStart {
		return fmt.Errorf("invalid beta range [%f, %f]", s.BetaStart, s.BetaEnd)
	}
	if s.BetaKind != "linear" && s.BetaKind != "scaled_linear" {
		return fmt.Errorf("beta_schedule must be linear or scaled_linear, got %q", s.BetaKind)
	}
	r := c.MouthRegion
	if r.X < 0 || r.Y < 0 || r.W <= 0 || r.H <= 0 || r.X+r.W > 1 || r.Y+r.H > 1 {
		return fmt.Errorf("mouth_region %+v must be a box within the unit square", r)
	}
	return nil
}
