package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/visage-ai/lipsync/pkg/audio/features"
	"github.com/visage-ai/lipsync/pkg/media"
	"github.com/visage-ai/lipsync/pkg/model"
	"github.com/visage-ai/lipsync/pkg/tensor"
	"github.com/visage-ai/lipsync/pkg/window"
)

// fakeCodec maps regions to latents by average pooling and back by
// nearest upsampling. Deterministic and shape-faithful.
type fakeCodec struct {
	resolution int
	channels   int
}

func (c *fakeCodec) SpatialSize() int    { return c.resolution }
func (c *fakeCodec) LatentSize() int     { return c.resolution / 8 }
func (c *fakeCodec) LatentChannels() int { return c.channels }

func (c *fakeCodec) Encode(region *tensor.Tensor) (*tensor.Tensor, error) {
	s := region.Shape()
	if len(s) != 3 || s[0] != 3 || s[1] != c.resolution || s[2] != c.resolution {
		return nil, &model.ShapeError{Want: []int{3, c.resolution, c.resolution}, Got: s}
	}
	ls := c.LatentSize()
	latent, err := tensor.New(c.channels, ls, ls)
	if err != nil {
		return nil, err
	}
	src := region.Data()
	dst := latent.Data()
	for ch := 0; ch < c.channels; ch++ {
		for y := 0; y < ls; y++ {
			for x := 0; x < ls; x++ {
				// Pool the 8x8 block of the matching pixel channel.
				pc := ch % 3
				var sum float32
				for dy := 0; dy < 8; dy++ {
					for dx := 0; dx < 8; dx++ {
						sum += src[pc*c.resolution*c.resolution+(y*8+dy)*c.resolution+x*8+dx]
					}
				}
				dst[(ch*ls+y)*ls+x] = sum / 64
			}
		}
	}
	return latent, nil
}

func (c *fakeCodec) Decode(latent *tensor.Tensor) (*tensor.Tensor, error) {
	ls := c.LatentSize()
	s := latent.Shape()
	if len(s) != 3 || s[0] != c.channels || s[1] != ls || s[2] != ls {
		return nil, &model.ShapeError{Want: []int{c.channels, ls, ls}, Got: s}
	}
	region, err := tensor.New(3, c.resolution, c.resolution)
	if err != nil {
		return nil, err
	}
	src := latent.Data()
	dst := region.Data()
	for pc := 0; pc < 3; pc++ {
		for y := 0; y < c.resolution; y++ {
			for x := 0; x < c.resolution; x++ {
				dst[(pc*c.resolution+y)*c.resolution+x] = src[(pc%c.channels*ls+y/8)*ls+x/8]
			}
		}
	}
	return region, nil
}

// fakePredictor mixes a fixed fraction of the noisy latent with the
// reference latents, so sampling is deterministic, convergent, and
// observably dependent on the source frames.
type fakePredictor struct{}

func (fakePredictor) Predict(noisy, ref *tensor.Tensor, timestep int, cond *tensor.Tensor, uncond bool) (*tensor.Tensor, error) {
	out := noisy.Clone()
	out.Scale(0.05)
	if err := out.AddScaled(0.1, ref); err != nil {
		return nil, err
	}
	return out, nil
}

func testNetConfig() model.NetworkConfig {
	cfg := model.DefaultNetworkConfig()
	cfg.Resolution = 16
	return cfg
}

type constEncoder struct{ dim int }

func (e constEncoder) Dimension() int { return e.dim }
func (e constEncoder) Embed(mel [][]float32) ([][]float32, error) {
	out := make([][]float32, len(mel))
	for i := range out {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func testConfig() Config {
	return Config{GuidanceScale: 1, InferenceSteps: 4, Seed: 1247, Jobs: 2}
}

func testModels() Models {
	return Models{
		Predictor: fakePredictor{},
		Codec:     &fakeCodec{resolution: 16, channels: 4},
		Encoder:   constEncoder{dim: 384},
		EncoderID: "fake-384",
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestConfigValidate(t *testing.T) {
	net := testNetConfig()
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative guidance", func(c *Config) { c.GuidanceScale = -1 }, "guidance_scale"},
		{"zero steps", func(c *Config) { c.InferenceSteps = 0 }, "inference_steps"},
		{"too many steps", func(c *Config) { c.InferenceSteps = 1001 }, "inference_steps"},
		{"negative jobs", func(c *Config) { c.Jobs = -1 }, "jobs"},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mutate(&cfg)
		var cerr *ConfigError
		err := cfg.Validate(net)
		if !errors.As(err, &cerr) {
			t.Errorf("%s: error = %v, want ConfigError", tc.name, err)
			continue
		}
		if cerr.Field != tc.field {
			t.Errorf("%s: field = %s, want %s", tc.name, cerr.Field, tc.field)
		}
	}
	cfg := testConfig()
	if err := cfg.Validate(net); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestStackUnstackRoundTrip(t *testing.T) {
	latents := make([]*tensor.Tensor, 3)
	for f := range latents {
		l, err := tensor.New(2, 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		for i := range l.Data() {
			l.Data()[i] = float32(f*10 + i)
		}
		latents[f] = l
	}

	batch, err := stackWindow(latents)
	if err != nil {
		t.Fatal(err)
	}
	s := batch.Shape()
	if len(s) != 4 || s[0] != 2 || s[1] != 3 || s[2] != 2 || s[3] != 2 {
		t.Fatalf("batch shape = %v, want [2 3 2 2]", s)
	}

	back, err := unstackWindow(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 3 {
		t.Fatalf("got %d frames, want 3", len(back))
	}
	for f := range back {
		d, err := back[f].MeanAbsDiff(latents[f])
		if err != nil {
			t.Fatal(err)
		}
		if d != 0 {
			t.Errorf("frame %d differs after round trip by %f", f, d)
		}
	}
}

func TestCondTensor(t *testing.T) {
	seg := &features.Segment{Dim: 2}
	for f := 0; f < 5; f++ {
		seg.Embeddings = append(seg.Embeddings, []float32{float32(f), float32(f) + 0.5})
	}

	cond, err := condTensor(seg, window.Span{Index: 0, Start: 1, End: 4})
	if err != nil {
		t.Fatal(err)
	}
	s := cond.Shape()
	if len(s) != 2 || s[0] != 3 || s[1] != 2 {
		t.Fatalf("cond shape = %v, want [3 2]", s)
	}
	want := []float32{1, 1.5, 2, 2.5, 3, 3.5}
	for i, v := range cond.Data() {
		if v != want[i] {
			t.Errorf("cond[%d] = %f, want %f", i, v, want[i])
		}
	}

	if _, err := condTensor(seg, window.Span{Start: 0, End: 6}); err == nil {
		t.Error("expected error for span past the segment")
	}
}

func writeTestFrames(t *testing.T, dir string, count, w, h int) []string {
	t.Helper()
	paths := make([]string, count)
	for i := 0; i < count; i++ {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetRGBA(x, y, color.RGBA{
					R: uint8((x + i) % 256),
					G: uint8((y + i) % 256),
					B: uint8(i % 256),
					A: 0xff,
				})
			}
		}
		paths[i] = media.FramePath(dir, i)
		if err := saveFrame(paths[i], img); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func constSegment(frames, dim int) *features.Segment {
	emb := make([][]float32, frames)
	for f := range emb {
		emb[f] = make([]float32, dim)
		emb[f][0] = float32(f)
	}
	return &features.Segment{Embeddings: emb, Dim: dim}
}

func TestRenderWindows(t *testing.T) {
	net := testNetConfig()
	o, err := New(testConfig(), net, testModels(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	framePaths := writeTestFrames(t, dir, 26, 64, 48)
	seg := constSegment(26, 384)
	spans, err := window.Partition(26, net.NumFrames, net.Overlap)
	if err != nil {
		t.Fatal(err)
	}
	rect := regionRect(64, 48, net.MouthRegion)

	regions, err := o.renderWindows(context.Background(), framePaths, seg, spans, rect, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 26 {
		t.Fatalf("got %d regions, want 26", len(regions))
	}
	for i, r := range regions {
		s := r.Shape()
		if len(s) != 3 || s[0] != 3 || s[1] != 16 || s[2] != 16 {
			t.Fatalf("region %d shape = %v, want [3 16 16]", i, s)
		}
		if !r.Finite() {
			t.Fatalf("region %d is not finite", i)
		}
	}

	// Same seed, same output.
	again, err := o.renderWindows(context.Background(), framePaths, seg, spans, rect, 7)
	if err != nil {
		t.Fatal(err)
	}
	for i := range regions {
		d, err := regions[i].MeanAbsDiff(again[i])
		if err != nil {
			t.Fatal(err)
		}
		if d != 0 {
			t.Errorf("region %d differs across identical runs by %f", i, d)
		}
	}

	// Different seed, different output.
	other, err := o.renderWindows(context.Background(), framePaths, seg, spans, rect, 8)
	if err != nil {
		t.Fatal(err)
	}
	var total float64
	for i := range regions {
		d, err := regions[i].MeanAbsDiff(other[i])
		if err != nil {
			t.Fatal(err)
		}
		total += d
	}
	if total == 0 {
		t.Error("different seeds produced identical output")
	}
}

func writeFlatFrames(t *testing.T, dir string, count, w, h int, shade uint8) []string {
	t.Helper()
	paths := make([]string, count)
	for i := 0; i < count; i++ {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetRGBA(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 0xff})
			}
		}
		paths[i] = media.FramePath(dir, i)
		if err := saveFrame(paths[i], img); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func TestRenderWindowsUseSourceFrames(t *testing.T) {
	net := testNetConfig()
	o, err := New(testConfig(), net, testModels(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	seg := constSegment(26, 384)
	spans, err := window.Partition(26, net.NumFrames, net.Overlap)
	if err != nil {
		t.Fatal(err)
	}
	rect := regionRect(64, 48, net.MouthRegion)

	render := func(shade uint8) []*tensor.Tensor {
		paths := writeFlatFrames(t, t.TempDir(), 26, 64, 48, shade)
		regions, err := o.renderWindows(context.Background(), paths, seg, spans, rect, 7)
		if err != nil {
			t.Fatal(err)
		}
		return regions
	}

	// Same seed, different source pixels: the synthesized regions must
	// differ, since the encoded source latents condition every step.
	dark, bright := render(40), render(200)
	var total float64
	for i := range dark {
		d, err := dark[i].MeanAbsDiff(bright[i])
		if err != nil {
			t.Fatal(err)
		}
		total += d
	}
	if total == 0 {
		t.Error("output is independent of the source frames")
	}
}

func TestRenderWindowsCancelled(t *testing.T) {
	net := testNetConfig()
	o, err := New(testConfig(), net, testModels(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	framePaths := writeTestFrames(t, dir, 26, 64, 48)
	spans, err := window.Partition(26, net.NumFrames, net.Overlap)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.renderWindows(ctx, framePaths, constSegment(26, 384), spans,
		regionRect(64, 48, net.MouthRegion), 7)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestCompositeFrames(t *testing.T) {
	dir := t.TempDir()
	framePaths := writeTestFrames(t, dir, 2, 32, 32)
	rect := image.Rect(8, 16, 24, 32)

	regions := make([]*tensor.Tensor, 2)
	for i := range regions {
		r, err := tensor.New(3, 16, 16)
		if err != nil {
			t.Fatal(err)
		}
		r.Fill(1) // white
		regions[i] = r
	}

	outDir := t.TempDir()
	if err := compositeFrames(framePaths, regions, rect, outDir); err != nil {
		t.Fatal(err)
	}

	for i := range framePaths {
		img, err := loadFrame(media.FramePath(outDir, i))
		if err != nil {
			t.Fatal(err)
		}
		if c := img.RGBAAt(16, 24); c.R != 255 || c.G != 255 || c.B != 255 {
			t.Errorf("frame %d: pixel inside region = %v, want white", i, c)
		}
		orig, err := loadFrame(framePaths[i])
		if err != nil {
			t.Fatal(err)
		}
		if got, want := img.RGBAAt(2, 2), orig.RGBAAt(2, 2); got != want {
			t.Errorf("frame %d: pixel outside region changed: %v != %v", i, got, want)
		}
	}
}

// testWAV assembles a RIFF/WAV file holding a PCM16 sine tone.
func testWAV(seconds float64, rate int) []byte {
	n := int(seconds * float64(rate))
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+n*2))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(n*2))
	for i := 0; i < n; i++ {
		s := int16(12000 * math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
		binary.Write(&buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}

// fakeMedia stands in for the ffmpeg tools: it materializes synthetic
// frames and audio into the workspace and records the call sequence.
type fakeMedia struct {
	t      *testing.T
	frames int
	w, h   int

	calls       []string
	muxedFrames int
	audioErr    error
}

func (m *fakeMedia) Probe(ctx context.Context, path string) (media.Info, error) {
	m.calls = append(m.calls, "probe")
	return media.Info{
		Width: m.w, Height: m.h,
		FPS:        25,
		FrameCount: m.frames,
		Duration:   float64(m.frames) / 25,
		HasAudio:   true,
	}, nil
}

func (m *fakeMedia) ExtractFrames(ctx context.Context, videoPath, dir string) ([]string, error) {
	m.calls = append(m.calls, "frames")
	return writeTestFrames(m.t, dir, m.frames, m.w, m.h), nil
}

func (m *fakeMedia) ExtractAudio(ctx context.Context, srcPath, outPath string) error {
	m.calls = append(m.calls, "audio")
	if m.audioErr != nil {
		return m.audioErr
	}
	return os.WriteFile(outPath, testWAV(1.0, 16000), 0o644)
}

func (m *fakeMedia) Mux(ctx context.Context, framesDir string, fps float64, audioPath, outPath string) error {
	m.calls = append(m.calls, "mux")
	paths, err := media.ListFrames(framesDir)
	if err != nil {
		return err
	}
	m.muxedFrames = len(paths)
	return os.WriteFile(outPath, []byte("mp4"), 0o644)
}

func TestRunEndToEnd(t *testing.T) {
	fm := &fakeMedia{t: t, frames: 26, w: 64, h: 48}
	cfg := testConfig()
	cfg.Workdir = t.TempDir()
	cfg.Tools = fm
	o, err := New(cfg, testNetConfig(), testModels(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	outPath := filepath.Join(t.TempDir(), "out.mp4")
	if err := o.Run(context.Background(), "in.mp4", "in.wav", outPath); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(outPath); err != nil {
		t.Errorf("output not written: %v", err)
	}
	if fm.muxedFrames != 26 {
		t.Errorf("muxed %d frames, want 26", fm.muxedFrames)
	}
	want := []string{"probe", "frames", "audio", "mux"}
	if len(fm.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fm.calls, want)
	}
	for i := range want {
		if fm.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", fm.calls, want)
		}
	}
}

func TestRunNoPartialOutputOnFailure(t *testing.T) {
	fm := &fakeMedia{t: t, frames: 26, w: 64, h: 48, audioErr: errors.New("no audio track")}
	cfg := testConfig()
	cfg.Workdir = t.TempDir()
	cfg.Tools = fm
	o, err := New(cfg, testNetConfig(), testModels(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	outPath := filepath.Join(t.TempDir(), "out.mp4")
	if err := o.Run(context.Background(), "in.mp4", "in.wav", outPath); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Error("partial output left behind on failure")
	}
	for _, c := range fm.calls {
		if c == "mux" {
			t.Error("mux ran after an upstream failure")
		}
	}
}

func TestNewRejectsMissingModels(t *testing.T) {
	m := testModels()
	m.Codec = nil
	if _, err := New(testConfig(), testNetConfig(), m, testLogger()); err == nil {
		t.Error("expected error for nil codec")
	}
}
