// Package melspec computes Whisper-style log-mel spectrograms from PCM audio.
//
// This is the front end for the audio conditioning encoder: raw 16 kHz mono
// audio goes in, a [T, numMels] float32 matrix comes out, at a fixed 100
// frames per second. The normalization follows the Whisper convention
// (log10 power, dynamic-range clamp at max-8, then (x+4)/4 scaling) so the
// output can be fed directly to an encoder trained on those features.
//
// Default parameters:
//
//	SampleRate: 16000
//	WindowSize: 400 (25 ms)
//	HopSize:    160 (10 ms)
//	FFTSize:    512
//	NumMels:    80
package melspec

import (
	"fmt"
	"math"
	"math/bits"
)

// Config controls log-mel extraction parameters.
type Config struct {
	SampleRate int     // audio sample rate in Hz (default 16000)
	WindowSize int     // analysis window in samples (default 400 = 25ms)
	HopSize    int     // hop length in samples (default 160 = 10ms)
	FFTSize    int     // FFT size, power of two >= WindowSize (default 512)
	NumMels    int     // number of mel bins (default 80)
	LowFreq    float64 // lowest mel frequency (default 0)
	HighFreq   float64 // highest mel frequency (default 8000)
}

// DefaultConfig returns the standard Whisper-compatible config.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		WindowSize: 400,
		HopSize:    160,
		FFTSize:    512,
		NumMels:    80,
		LowFreq:    0,
		HighFreq:   8000,
	}
}

// Extractor computes log-mel spectrogram frames from PCM samples.
type Extractor struct {
	cfg     Config
	window  []float64 // Hann window
	melBank [][]float64
}

// New creates an Extractor with the given config.
func New(cfg Config) (*Extractor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Extractor{
		cfg:     cfg,
		window:  hannWindow(cfg.WindowSize),
		melBank: melBank(cfg.NumMels, cfg.FFTSize, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq),
	}, nil
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("melspec: sample rate %d must be positive", c.SampleRate)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("melspec: window size %d must be positive", c.WindowSize)
	}
	if c.HopSize <= 0 {
		return fmt.Errorf("melspec: hop size %d must be positive", c.HopSize)
	}
	if c.FFTSize < c.WindowSize || bits.OnesCount(uint(c.FFTSize)) != 1 {
		return fmt.Errorf("melspec: fft size %d must be a power of two >= window size %d", c.FFTSize, c.WindowSize)
	}
	if c.NumMels <= 0 {
		return fmt.Errorf("melspec: mel bin count %d must be positive", c.NumMels)
	}
	if c.LowFreq < 0 || c.HighFreq <= c.LowFreq {
		return fmt.Errorf("melspec: mel frequency range [%g, %g] is invalid", c.LowFreq, c.HighFreq)
	}
	if c.HighFreq > float64(c.SampleRate)/2 {
		return fmt.Errorf("melspec: high frequency %g exceeds nyquist %d", c.HighFreq, c.SampleRate/2)
	}
	return nil
}

// FramesPerSecond returns the mel frame rate implied by the config.
func (e *Extractor) FramesPerSecond() float64 {
	return float64(e.cfg.SampleRate) / float64(e.cfg.HopSize)
}

// Extract computes log-mel frames from normalized float32 samples in [-1, 1].
// The signal is reflect-padded by half a window on each side, so the output
// has len(pcm)/HopSize + 1 frames centered on the original samples.
// Returns nil for signals shorter than one hop.
func (e *Extractor) Extract(pcm []float32) [][]float32 {
	cfg := e.cfg
	if len(pcm) < cfg.HopSize {
		return nil
	}

	padded := reflectPad(pcm, cfg.WindowSize/2)
	numFrames := (len(padded)-cfg.WindowSize)/cfg.HopSize + 1
	nfft := cfg.FFTSize
	halfFFT := nfft/2 + 1

	frames := make([][]float32, numFrames)

	frame := make([]float64, nfft)
	power := make([]float64, halfFFT)

	maxLog := math.Inf(-1)
	for t := 0; t < numFrames; t++ {
		start := t * cfg.HopSize
		for i := 0; i < cfg.WindowSize; i++ {
			frame[i] = float64(padded[start+i]) * e.window[i]
		}
		for i := cfg.WindowSize; i < nfft; i++ {
			frame[i] = 0
		}
		spec := spectrum(frame)

		for i := 0; i < halfFFT; i++ {
			power[i] = real(spec[i])*real(spec[i]) + imag(spec[i])*imag(spec[i])
		}

		mel := make([]float32, cfg.NumMels)
		for m := 0; m < cfg.NumMels; m++ {
			sum := 0.0
			for k, w := range e.melBank[m] {
				sum += w * power[k]
			}
			if sum < 1e-10 {
				sum = 1e-10
			}
			lg := math.Log10(sum)
			if lg > maxLog {
				maxLog = lg
			}
			mel[m] = float32(lg)
		}
		frames[t] = mel
	}

	// Whisper dynamic-range compression: clamp at max-8, then (x+4)/4.
	floor := float32(maxLog - 8)
	for _, mel := range frames {
		for i, v := range mel {
			if v < floor {
				v = floor
			}
			mel[i] = (v + 4) / 4
		}
	}
	return frames
}

// reflectPad pads the signal by n samples of reflection on each side.
func reflectPad(pcm []float32, n int) []float32 {
	if n <= 0 {
		return pcm
	}
	if n >= len(pcm) {
		n = len(pcm) - 1
	}
	out := make([]float32, n+len(pcm)+n)
	for i := 0; i < n; i++ {
		out[i] = pcm[n-i]
	}
	copy(out[n:], pcm)
	for i := 0; i < n; i++ {
		out[n+len(pcm)+i] = pcm[len(pcm)-2-i]
	}
	return out
}
