// Package features turns a raw waveform into per-video-frame audio
// conditioning embeddings.
//
// The extraction chain is resample → log-mel spectrogram → conditioning
// encoder → frame alignment. The encoder produces embeddings on its own
// timeline (typically 50 per second); alignment interpolates that timeline
// down to exactly one vector per video frame, padding at the tail when the
// audio runs slightly short and failing when the mismatch exceeds the
// configured tolerance.
package features

import (
	"fmt"
	"math"

	"github.com/visage-ai/lipsync/pkg/audio/melspec"
	"github.com/visage-ai/lipsync/pkg/audio/wave"
	"github.com/visage-ai/lipsync/pkg/model"
)

// AlignmentError reports audio whose duration is too far from the video's
// to be aligned by interpolation and tail padding.
type AlignmentError struct {
	AudioSeconds     float64
	VideoSeconds     float64
	ToleranceSeconds float64
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("features: audio duration %.2fs differs from video duration %.2fs by more than %.2fs",
		e.AudioSeconds, e.VideoSeconds, e.ToleranceSeconds)
}

// Segment is a frame-aligned embedding sequence: exactly one vector per
// video frame.
type Segment struct {
	Embeddings [][]float32
	Dim        int
}

// Frames returns the segment length in video frames.
func (s *Segment) Frames() int { return len(s.Embeddings) }

// Config controls extraction.
type Config struct {
	// Mel configures the spectrogram front end. Zero value means
	// [melspec.DefaultConfig].
	Mel melspec.Config

	// ToleranceSeconds bounds the allowed |audio - video| duration
	// mismatch. The orchestrator sets this to one window's duration.
	ToleranceSeconds float64
}

// Extractor computes frame-aligned audio embeddings. Stateless across
// calls; safe for concurrent use if the encoder is.
type Extractor struct {
	enc model.AudioEncoder
	mel *melspec.Extractor
	cfg Config
}

// New creates an Extractor over the given conditioning encoder.
func New(enc model.AudioEncoder, cfg Config) (*Extractor, error) {
	if cfg.Mel.SampleRate == 0 {
		cfg.Mel = melspec.DefaultConfig()
	}
	mel, err := melspec.New(cfg.Mel)
	if err != nil {
		return nil, err
	}
	return &Extractor{enc: enc, mel: mel, cfg: cfg}, nil
}

// Extract computes one embedding per video frame for a clip of
// targetFrames frames at the given fps. The input waveform may be at any
// sample rate; it is resampled to the front end's rate first.
func (e *Extractor) Extract(a *wave.Audio, fps float64, targetFrames int) (*Segment, error) {
	if targetFrames <= 0 {
		return nil, fmt.Errorf("features: target frame count %d must be positive", targetFrames)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("features: fps %g must be positive", fps)
	}

	videoSec := float64(targetFrames) / fps
	audioSec := a.Duration()
	if math.Abs(audioSec-videoSec) > e.cfg.ToleranceSeconds {
		return nil, &AlignmentError{
			AudioSeconds:     audioSec,
			VideoSeconds:     videoSec,
			ToleranceSeconds: e.cfg.ToleranceSeconds,
		}
	}

	resampled, err := wave.Resample(a, e.cfg.Mel.SampleRate)
	if err != nil {
		return nil, err
	}

	mel := e.mel.Extract(resampled.Samples)
	if len(mel) == 0 {
		return nil, fmt.Errorf("features: audio too short for a single mel frame")
	}

	emb, err := e.enc.Embed(mel)
	if err != nil {
		return nil, err
	}
	if len(emb) == 0 {
		return nil, fmt.Errorf("features: encoder produced no embeddings")
	}

	return alignToFrames(emb, audioSec, fps, targetFrames), nil
}

// alignToFrames interpolates the encoder timeline to one vector per video
// frame. Frames past the end of the audio receive the last embedding
// (tail padding).
func alignToFrames(emb [][]float32, audioSec, fps float64, targetFrames int) *Segment {
	dim := len(emb[0])
	embPerSec := float64(len(emb)) / audioSec

	out := make([][]float32, targetFrames)
	for f := 0; f < targetFrames; f++ {
		// Center-of-frame time mapped onto the embedding timeline.
		u := (float64(f)+0.5)/fps*embPerSec - 0.5
		if u <= 0 {
			out[f] = cloneVec(emb[0])
			continue
		}
		if u >= float64(len(emb)-1) {
			out[f] = cloneVec(emb[len(emb)-1])
			continue
		}
		lo := int(u)
		w := float32(u - float64(lo))
		v := make([]float32, dim)
		a, b := emb[lo], emb[lo+1]
		for i := 0; i < dim; i++ {
			v[i] = (1-w)*a[i] + w*b[i]
		}
		out[f] = v
	}
	return &Segment{Embeddings: out, Dim: dim}
}

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
