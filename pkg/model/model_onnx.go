package model

import (
	"fmt"

	"github.com/visage-ai/lipsync/pkg/ckpt"
	"github.com/visage-ai/lipsync/pkg/onnx"
	"github.com/visage-ai/lipsync/pkg/tensor"
)

// Bundle entry names the runtime expects.
const (
	graphUNet         = "unet"
	graphVAEEncoder   = "vae_encoder"
	graphVAEDecoder   = "vae_decoder"
	graphAudioEncoder = "audio_encoder"
	tensorNullAudio   = "null_audio_embedding"
)

// Runtime holds the loaded networks for one inference run. All sessions
// are read-only after load and shared across parallel windows.
type Runtime struct {
	cfg NetworkConfig

	env      *onnx.Env
	unet     *onnx.Session
	vaeEnc   *onnx.Session
	vaeDec   *onnx.Session
	audioEnc *onnx.Session

	nullEmb *tensor.Tensor // [1, D]
}

// LoadRuntime opens a checkpoint bundle and loads every network the
// pipeline needs. The bundle's null audio embedding must match the
// config's cross-attention dimension.
func LoadRuntime(bundlePath string, cfg NetworkConfig, opts onnx.SessionOptions) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	bundle, err := ckpt.Open(bundlePath)
	if err != nil {
		return nil, err
	}

	env, err := onnx.NewEnv("lipsync")
	if err != nil {
		return nil, err
	}

	r := &Runtime{cfg: cfg, env: env}
	load := func(name string) (*onnx.Session, error) {
		data, err := bundle.Model(name)
		if err != nil {
			return nil, err
		}
		return env.NewSession(data, opts)
	}
	if r.unet, err = load(graphUNet); err != nil {
		r.Close()
		return nil, err
	}
	if r.vaeEnc, err = load(graphVAEEncoder); err != nil {
		r.Close()
		return nil, err
	}
	if r.vaeDec, err = load(graphVAEDecoder); err != nil {
		r.Close()
		return nil, err
	}
	if r.audioEnc, err = load(graphAudioEncoder); err != nil {
		r.Close()
		return nil, err
	}

	r.nullEmb, err = bundle.Tensor(tensorNullAudio)
	if err != nil {
		r.Close()
		return nil, err
	}
	if s := r.nullEmb.Shape(); len(s) != 2 || s[0] != 1 || s[1] != cfg.CrossAttentionDim {
		r.Close()
		return nil, fmt.Errorf("model: null audio embedding shape %v, want [1 %d]", s, cfg.CrossAttentionDim)
	}
	return r, nil
}

// Close releases every session. Safe to call on a partially loaded runtime.
func (r *Runtime) Close() error {
	for _, s := range []*onnx.Session{r.unet, r.vaeEnc, r.vaeDec, r.audioEnc} {
		if s != nil {
			s.Close()
		}
	}
	if r.env != nil {
		r.env.Close()
	}
	return nil
}

// NoisePredictor returns the UNet-backed predictor.
func (r *Runtime) NoisePredictor() NoisePredictor { return (*unetPredictor)(r) }

// LatentCodec returns the VAE-backed codec.
func (r *Runtime) LatentCodec() LatentCodec { return (*vaeCodec)(r) }

// AudioEncoder returns the conditioning encoder.
func (r *Runtime) AudioEncoder() AudioEncoder { return (*whisperEncoder)(r) }

// unetPredictor runs the denoising UNet graph.
type unetPredictor Runtime

func (p *unetPredictor) Predict(noisy, ref *tensor.Tensor, timestep int, cond *tensor.Tensor, uncond bool) (*tensor.Tensor, error) {
	cfg := p.cfg
	latentSize := cfg.Resolution / 8
	shape := noisy.Shape()
	if len(shape) != 4 || shape[0] != cfg.LatentChannels || shape[2] != latentSize || shape[3] != latentSize {
		return nil, &InputError{
			Op:   "unet predict",
			Want: []int{cfg.LatentChannels, shape[1], latentSize, latentSize},
			Got:  shape,
		}
	}
	if ref == nil || !ref.SameShape(noisy) {
		got := []int(nil)
		if ref != nil {
			got = ref.Shape()
		}
		return nil, &InputError{Op: "unet predict reference", Want: shape, Got: got}
	}
	frames := shape[1]

	condData := cond.Data()
	condFrames := frames
	if uncond {
		// Replicate the null embedding across the window's frames.
		null := p.nullEmb.Data()
		condData = make([]float32, frames*cfg.CrossAttentionDim)
		for f := 0; f < frames; f++ {
			copy(condData[f*cfg.CrossAttentionDim:], null)
		}
	} else {
		cs := cond.Shape()
		if len(cs) != 2 || cs[0] != frames || cs[1] != cfg.CrossAttentionDim {
			return nil, &InputError{
				Op:   "unet predict condition",
				Want: []int{frames, cfg.CrossAttentionDim},
				Got:  cs,
			}
		}
		condFrames = cs[0]
	}

	// The graph's sample input is the noisy latent concatenated with the
	// reference latents on the channel axis: [1, 2C, F, h, w]. Channel is
	// the outermost latent axis, so the concatenation is a plain append.
	sampleData := make([]float32, 0, 2*noisy.NumElems())
	sampleData = append(sampleData, noisy.Data()...)
	sampleData = append(sampleData, ref.Data()...)
	sample, err := onnx.NewFloatValue(
		[]int64{1, int64(2 * cfg.LatentChannels), int64(frames), int64(latentSize), int64(latentSize)},
		sampleData,
	)
	if err != nil {
		return nil, err
	}
	defer sample.Close()

	step, err := onnx.NewInt64Value([]int64{1}, []int64{int64(timestep)})
	if err != nil {
		return nil, err
	}
	defer step.Close()

	hidden, err := onnx.NewFloatValue(
		[]int64{1, int64(condFrames), int64(cfg.CrossAttentionDim)},
		condData,
	)
	if err != nil {
		return nil, err
	}
	defer hidden.Close()

	outs, err := ((*Runtime)(p)).unet.Run(
		[]string{"sample", "timestep", "encoder_hidden_states"},
		[]*onnx.Value{sample, step, hidden},
		[]string{"out_sample"},
	)
	if err != nil {
		return nil, fmt.Errorf("model: unet predict: %w", err)
	}
	defer outs[0].Close()

	data, err := outs[0].FloatData()
	if err != nil {
		return nil, err
	}
	return tensor.FromData(data, shape...)
}

// vaeCodec runs the VAE encoder/decoder graphs with latent scaling.
type vaeCodec Runtime

func (c *vaeCodec) SpatialSize() int    { return c.cfg.Resolution }
func (c *vaeCodec) LatentSize() int     { return c.cfg.Resolution / 8 }
func (c *vaeCodec) LatentChannels() int { return c.cfg.LatentChannels }

func (c *vaeCodec) Encode(region *tensor.Tensor) (*tensor.Tensor, error) {
	s := c.cfg.Resolution
	shape := region.Shape()
	if len(shape) != 3 || shape[0] != 3 || shape[1] != s || shape[2] != s {
		return nil, &ShapeError{Want: []int{3, s, s}, Got: shape}
	}

	in, err := onnx.NewFloatValue([]int64{1, 3, int64(s), int64(s)}, region.Data())
	if err != nil {
		return nil, err
	}
	defer in.Close()

	outs, err := ((*Runtime)(c)).vaeEnc.Run([]string{"pixels"}, []*onnx.Value{in}, []string{"latent"})
	if err != nil {
		return nil, fmt.Errorf("model: vae encode: %w", err)
	}
	defer outs[0].Close()

	data, err := outs[0].FloatData()
	if err != nil {
		return nil, err
	}
	latent, err := tensor.FromData(data, c.cfg.LatentChannels, s/8, s/8)
	if err != nil {
		return nil, err
	}
	latent.Scale(float32(c.cfg.ScalingFactor))
	return latent, nil
}

func (c *vaeCodec) Decode(latent *tensor.Tensor) (*tensor.Tensor, error) {
	s := c.cfg.Resolution
	ls := s / 8
	shape := latent.Shape()
	if len(shape) != 3 || shape[0] != c.cfg.LatentChannels || shape[1] != ls || shape[2] != ls {
		return nil, &ShapeError{Want: []int{c.cfg.LatentChannels, ls, ls}, Got: shape}
	}

	scaled := latent.Clone()
	scaled.Scale(float32(1 / c.cfg.ScalingFactor))

	in, err := onnx.NewFloatValue([]int64{1, int64(c.cfg.LatentChannels), int64(ls), int64(ls)}, scaled.Data())
	if err != nil {
		return nil, err
	}
	defer in.Close()

	outs, err := ((*Runtime)(c)).vaeDec.Run([]string{"latent"}, []*onnx.Value{in}, []string{"pixels"})
	if err != nil {
		return nil, fmt.Errorf("model: vae decode: %w", err)
	}
	defer outs[0].Close()

	data, err := outs[0].FloatData()
	if err != nil {
		return nil, err
	}
	return tensor.FromData(data, 3, s, s)
}

// whisperEncoder runs the audio conditioning graph.
type whisperEncoder Runtime

func (e *whisperEncoder) Dimension() int { return e.cfg.CrossAttentionDim }

func (e *whisperEncoder) Embed(mel [][]float32) ([][]float32, error) {
	if len(mel) == 0 {
		return nil, fmt.Errorf("model: audio embed: empty mel input")
	}
	numMels := len(mel[0])

	// Transpose [T, numMels] to the graph's [1, numMels, T] layout.
	t := len(mel)
	flat := make([]float32, numMels*t)
	for i, frame := range mel {
		if len(frame) != numMels {
			return nil, &InputError{Op: "audio embed", Want: []int{t, numMels}, Got: []int{t, len(frame)}}
		}
		for m, v := range frame {
			flat[m*t+i] = v
		}
	}

	in, err := onnx.NewFloatValue([]int64{1, int64(numMels), int64(t)}, flat)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	outs, err := ((*Runtime)(e)).audioEnc.Run([]string{"mel"}, []*onnx.Value{in}, []string{"embedding"})
	if err != nil {
		return nil, fmt.Errorf("model: audio embed: %w", err)
	}
	defer outs[0].Close()

	shape, err := outs[0].Shape()
	if err != nil {
		return nil, err
	}
	if len(shape) != 3 || shape[0] != 1 || shape[2] != int64(e.cfg.CrossAttentionDim) {
		return nil, fmt.Errorf("model: audio embed: output shape %v, want [1 T %d]", shape, e.cfg.CrossAttentionDim)
	}
	data, err := outs[0].FloatData()
	if err != nil {
		return nil, err
	}

	frames := int(shape[1])
	dim := int(shape[2])
	out := make([][]float32, frames)
	for f := 0; f < frames; f++ {
		out[f] = data[f*dim : (f+1)*dim]
	}
	return out, nil
}
