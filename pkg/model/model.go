// Package model defines the pretrained-network surface of the lip-sync
// pipeline: the denoising noise predictor, the pixel/latent codec, and the
// audio conditioning encoder.
//
// The interfaces here are what the diffusion sampler and the feature
// extractor program against. The production implementations run ONNX
// graphs loaded from a checkpoint bundle (see [LoadRuntime]); tests
// substitute cheap deterministic fakes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent calls: the loaded weights
// are immutable after load, and independently sampled frame windows share
// one instance.
package model

import (
	"fmt"

	"github.com/visage-ai/lipsync/pkg/tensor"
)

// NoisePredictor estimates the noise present in a latent at a given
// diffusion timestep under audio and source-frame conditioning.
type NoisePredictor interface {
	// Predict returns the predicted noise for a window latent of shape
	// [C, F, h, w] at the given schedule timestep. ref holds the encoded
	// source-frame latents with the same shape; the network consumes it
	// alongside the noisy latent so the synthesized region keeps the
	// source appearance. cond is the window's audio embedding [F, D].
	// When uncond is true the condition is replaced by the network's
	// null embedding, which is what the unconditional branch of
	// classifier-free guidance runs on.
	Predict(noisy, ref *tensor.Tensor, timestep int, cond *tensor.Tensor, uncond bool) (*tensor.Tensor, error)
}

// LatentCodec converts a pixel-space mouth region to and from the compact
// latent space the diffusion process operates in.
//
// Encode and Decode are deterministic given fixed weights, and
// Decode(Encode(x)) approximates x within the VAE's reconstruction error.
type LatentCodec interface {
	// Encode maps a pixel region [3, S, S] (values in [-1, 1]) to a
	// latent [C, s, s].
	Encode(region *tensor.Tensor) (*tensor.Tensor, error)

	// Decode maps a latent [C, s, s] back to a pixel region [3, S, S].
	Decode(latent *tensor.Tensor) (*tensor.Tensor, error)

	// SpatialSize returns S, the expected pixel resolution.
	SpatialSize() int

	// LatentSize returns s, the latent spatial resolution.
	LatentSize() int

	// LatentChannels returns C.
	LatentChannels() int
}

// AudioEncoder maps a log-mel spectrogram to a sequence of conditioning
// embedding vectors.
type AudioEncoder interface {
	// Embed returns one embedding vector per encoder output frame for a
	// mel matrix [T, numMels]. The output timeline covers the same audio
	// span as the input; the caller aligns it to video frames.
	Embed(mel [][]float32) ([][]float32, error)

	// Dimension returns the embedding vector length.
	Dimension() int
}

// InputError reports a tensor whose shape does not match what the loaded
// network expects.
type InputError struct {
	Op   string // operation, e.g. "unet predict"
	Want []int
	Got  []int
}

func (e *InputError) Error() string {
	return fmt.Sprintf("model: %s: input shape %v, want %v", e.Op, e.Got, e.Want)
}

// ShapeError reports a pixel region whose resolution does not match the
// codec's expected input size. The caller is responsible for resizing or
// cropping beforehand.
type ShapeError struct {
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("model: codec input shape %v, want %v", e.Got, e.Want)
}
