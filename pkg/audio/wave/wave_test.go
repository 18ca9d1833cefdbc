package wave

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// buildWAV assembles a minimal RIFF/WAV file holding PCM16 samples.
func buildWAV(sampleRate, channels int, samples []int16) []byte {
	var buf bytes.Buffer
	dataLen := len(samples) * 2
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	for _, s := range samples {
		binary.Write(&buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}

func TestDecodeMono(t *testing.T) {
	wav := buildWAV(16000, 1, []int16{0, 16384, -16384, 32767})
	a, err := Decode(bytes.NewReader(wav))
	if err != nil {
		t.Fatal(err)
	}
	if a.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", a.SampleRate)
	}
	if len(a.Samples) != 4 {
		t.Fatalf("len(Samples) = %d, want 4", len(a.Samples))
	}
	if math.Abs(float64(a.Samples[1])-0.5) > 1e-3 {
		t.Errorf("Samples[1] = %f, want ~0.5", a.Samples[1])
	}
	if math.Abs(float64(a.Samples[2])+0.5) > 1e-3 {
		t.Errorf("Samples[2] = %f, want ~-0.5", a.Samples[2])
	}
}

func TestDecodeStereoDownmix(t *testing.T) {
	// L=16384, R=0 should average to 8192 (= 0.25).
	wav := buildWAV(8000, 2, []int16{16384, 0, -16384, 0})
	a, err := Decode(bytes.NewReader(wav))
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Samples) != 2 {
		t.Fatalf("len(Samples) = %d, want 2", len(a.Samples))
	}
	if math.Abs(float64(a.Samples[0])-0.25) > 1e-3 {
		t.Errorf("Samples[0] = %f, want ~0.25", a.Samples[0])
	}
}

func TestDecodeRejectsNonWAV(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Error("expected error for non-WAV input")
	}
}

func TestDecodeSkipsUnknownChunks(t *testing.T) {
	wav := buildWAV(16000, 1, []int16{1, 2, 3})
	// Splice a LIST chunk between fmt and data.
	fmtEnd := 12 + 8 + 16
	var buf bytes.Buffer
	buf.Write(wav[:fmtEnd])
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	buf.WriteString("INFO")
	buf.Write(wav[fmtEnd:])

	a, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Samples) != 3 {
		t.Errorf("len(Samples) = %d, want 3", len(a.Samples))
	}
}

func TestResampleIdentity(t *testing.T) {
	a := &Audio{SampleRate: 16000, Samples: []float32{0.1, 0.2}}
	out, err := Resample(a, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if out != a {
		t.Error("expected identity resample to return input")
	}
}

func TestResampleHalvesLength(t *testing.T) {
	// One second of a 200 Hz tone at 32 kHz down to 16 kHz.
	in := make([]float32, 32000)
	for i := range in {
		in[i] = float32(0.5 * math.Sin(2*math.Pi*200*float64(i)/32000))
	}
	a := &Audio{SampleRate: 32000, Samples: in}
	out, err := Resample(a, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if out.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", out.SampleRate)
	}
	// Allow some slack for resampler latency trimming.
	if len(out.Samples) < 15500 || len(out.Samples) > 16000 {
		t.Errorf("len(Samples) = %d, want ~16000", len(out.Samples))
	}
}

func TestDuration(t *testing.T) {
	a := &Audio{SampleRate: 16000, Samples: make([]float32, 8000)}
	if d := a.Duration(); math.Abs(d-0.5) > 1e-9 {
		t.Errorf("Duration = %f, want 0.5", d)
	}
}
