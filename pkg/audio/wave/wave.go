// Package wave reads RIFF/WAV PCM16 audio into normalized float32 samples
// and converts sample rates for the audio feature front end.
//
// The pipeline's media layer always produces 16 kHz mono s16le WAV, so the
// decoder only supports PCM16; stereo input is downmixed to mono by
// averaging channels.
package wave

import (
	"encoding/binary"
	"fmt"
	"io"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Audio is a decoded mono waveform with normalized samples in [-1, 1].
type Audio struct {
	SampleRate int
	Samples    []float32
}

// Duration returns the waveform duration in seconds.
func (a *Audio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// Decode reads a RIFF/WAV stream holding PCM16 audio. Stereo is downmixed
// to mono. Chunks other than fmt and data are skipped.
func Decode(r io.Reader) (*Audio, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("wave: read header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("wave: not a RIFF/WAVE stream")
	}

	var (
		sampleRate int
		channels   int
		haveFmt    bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("wave: no data chunk")
			}
			return nil, fmt.Errorf("wave: read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("wave: read fmt chunk: %w", err)
			}
			if len(buf) < 16 {
				return nil, fmt.Errorf("wave: fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(buf[0:2])
			if format != 1 { // PCM
				return nil, fmt.Errorf("wave: unsupported format code %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			bits := binary.LittleEndian.Uint16(buf[14:16])
			if bits != 16 {
				return nil, fmt.Errorf("wave: unsupported bit depth %d (want 16)", bits)
			}
			if channels != 1 && channels != 2 {
				return nil, fmt.Errorf("wave: unsupported channel count %d", channels)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("wave: data chunk before fmt chunk")
			}
			raw := make([]byte, size)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, fmt.Errorf("wave: read data chunk: %w", err)
			}
			return &Audio{
				SampleRate: sampleRate,
				Samples:    pcm16ToMono(raw, channels),
			}, nil
		default:
			// Pad byte for odd-sized chunks per RIFF spec.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("wave: skip chunk %q: %w", id, err)
			}
		}
	}
}

// pcm16ToMono converts little-endian int16 PCM bytes to normalized mono
// float32 samples, averaging channels for stereo input.
func pcm16ToMono(raw []byte, channels int) []float32 {
	frames := len(raw) / (2 * channels)
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		sum := int32(0)
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			sum += int32(int16(raw[off]) | int16(raw[off+1])<<8)
		}
		out[i] = float32(sum/int32(channels)) / 32768.0
	}
	return out
}

// Resample converts the waveform to the target sample rate. Returns the
// input unchanged when the rates already match.
func Resample(a *Audio, targetRate int) (*Audio, error) {
	if targetRate <= 0 {
		return nil, fmt.Errorf("wave: invalid target rate %d", targetRate)
	}
	if a.SampleRate == targetRate {
		return a, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(a.SampleRate),
		OutputRate: float64(targetRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("wave: create resampler: %w", err)
	}

	// The resampler holds back a filter's worth of latency; pad the tail
	// with silence and trim to the expected output length afterwards.
	const tailPad = 4096
	input := make([]float64, len(a.Samples)+tailPad)
	for i, s := range a.Samples {
		input[i] = float64(s)
	}

	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("wave: resample: %w", err)
	}

	want := int(float64(len(a.Samples)) * float64(targetRate) / float64(a.SampleRate))
	if len(output) > want {
		output = output[:want]
	}
	samples := make([]float32, len(output))
	for i, s := range output {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		samples[i] = float32(s)
	}
	return &Audio{SampleRate: targetRate, Samples: samples}, nil
}
