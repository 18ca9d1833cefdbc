// Package media shells out to ffmpeg and ffprobe for container probing,
// frame and audio extraction, and final muxing. Containers are never
// demuxed in-process.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const framePattern = "%08d.png"

// Tools locates the external binaries. Zero value uses PATH lookup.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

func (t Tools) ffmpeg() string {
	if t.FFmpeg != "" {
		return t.FFmpeg
	}
	return "ffmpeg"
}

func (t Tools) ffprobe() string {
	if t.FFprobe != "" {
		return t.FFprobe
	}
	return "ffprobe"
}

// Info describes the video stream of a probed container.
type Info struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int
	Duration   float64
	HasAudio   bool
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NBFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects the container at path and returns video stream metadata.
func (t Tools) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, t.ffprobe(),
		"-v", "error", "-hide_banner",
		"-show_format", "-show_streams", "-of", "json", "--", path)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("media: probe %s: %w: %s", path, err, exitDetail(err))
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (Info, error) {
	var po probeOutput
	if err := json.Unmarshal(data, &po); err != nil {
		return Info{}, fmt.Errorf("media: parse probe output: %w", err)
	}
	var info Info
	found := false
	for _, s := range po.Streams {
		switch s.CodecType {
		case "audio":
			info.HasAudio = true
		case "video":
			if found {
				continue
			}
			found = true
			info.Width = s.Width
			info.Height = s.Height
			fps, err := parseRate(s.AvgFrameRate)
			if err != nil {
				return Info{}, err
			}
			info.FPS = fps
			if n, err := strconv.Atoi(s.NBFrames); err == nil {
				info.FrameCount = n
			}
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
				info.Duration = d
			}
		}
	}
	if !found {
		return Info{}, fmt.Errorf("media: no video stream")
	}
	if info.Duration == 0 {
		if d, err := strconv.ParseFloat(po.Format.Duration, 64); err == nil {
			info.Duration = d
		}
	}
	// Some containers omit nb_frames; estimate from duration.
	if info.FrameCount == 0 && info.Duration > 0 && info.FPS > 0 {
		info.FrameCount = int(math.Round(info.Duration * info.FPS))
	}
	if info.FrameCount <= 0 {
		return Info{}, fmt.Errorf("media: cannot determine frame count")
	}
	if info.FPS <= 0 {
		return Info{}, fmt.Errorf("media: cannot determine frame rate")
	}
	return info, nil
}

func parseRate(s string) (float64, error) {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("media: parse frame rate %q: %w", s, err)
		}
		return f, nil
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("media: parse frame rate %q: %w", s, err)
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("media: parse frame rate %q: zero or bad denominator", s)
	}
	return n / d, nil
}

// Workspace is a temporary directory holding extracted frames and audio
// for one run. Remove it with Close when the run finishes.
type Workspace struct {
	root string
}

// NewWorkspace creates a uniquely named directory under parent, or under
// the system temp directory when parent is empty.
func NewWorkspace(parent string) (*Workspace, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	root := filepath.Join(parent, "lipsync-"+uuid.NewString())
	if err := os.MkdirAll(filepath.Join(root, "frames"), 0o755); err != nil {
		return nil, fmt.Errorf("media: create workspace: %w", err)
	}
	return &Workspace{root: root}, nil
}

func (w *Workspace) Root() string      { return w.root }
func (w *Workspace) FramesDir() string { return filepath.Join(w.root, "frames") }
func (w *Workspace) AudioPath() string { return filepath.Join(w.root, "audio.wav") }

// OutFramesDir holds synthesized frames awaiting muxing.
func (w *Workspace) OutFramesDir() string { return filepath.Join(w.root, "out") }

func (w *Workspace) Close() error {
	return os.RemoveAll(w.root)
}

// ExtractFrames decodes every frame of the video into a numbered png
// sequence under dir and returns the sorted frame paths.
func (t Tools) ExtractFrames(ctx context.Context, videoPath, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, t.ffmpeg(),
		"-v", "error", "-hide_banner", "-y",
		"-i", videoPath,
		"-fps_mode", "passthrough",
		filepath.Join(dir, framePattern))
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("media: extract frames from %s: %w: %s",
			videoPath, err, strings.TrimSpace(string(out)))
	}
	return ListFrames(dir)
}

// ListFrames returns the png files under dir in sequence order.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("media: list frames: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".png" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("media: no frames in %s", dir)
	}
	return paths, nil
}

// ExtractAudio writes the audio track as 16 kHz mono PCM16 WAV.
func (t Tools) ExtractAudio(ctx context.Context, srcPath, outPath string) error {
	cmd := exec.CommandContext(ctx, t.ffmpeg(),
		"-v", "error", "-hide_banner", "-y",
		"-i", srcPath,
		"-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1",
		outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("media: extract audio from %s: %w: %s",
			srcPath, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Mux encodes the frame sequence in framesDir together with the audio
// track into an H.264 mp4 at outPath. The file is written to a temporary
// name and renamed into place only on success, so a failed run never
// leaves a partial output behind.
func (t Tools) Mux(ctx context.Context, framesDir string, fps float64, audioPath, outPath string) error {
	tmp := filepath.Join(filepath.Dir(outPath), "."+filepath.Base(outPath)+".tmp")
	args := []string{
		"-v", "error", "-hide_banner", "-y",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", filepath.Join(framesDir, framePattern),
	}
	if audioPath != "" {
		args = append(args, "-i", audioPath, "-c:a", "aac", "-shortest")
	}
	args = append(args,
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-f", "mp4", tmp)
	cmd := exec.CommandContext(ctx, t.ffmpeg(), args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("media: mux %s: %w: %s", outPath, err, strings.TrimSpace(string(out)))
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("media: mux %s: %w", outPath, err)
	}
	return nil
}

// FramePath returns the sequence file name for a zero-based frame index.
func FramePath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf(framePattern, index+1))
}

func exitDetail(err error) string {
	if ee, ok := err.(*exec.ExitError); ok {
		return strings.TrimSpace(string(ee.Stderr))
	}
	return ""
}
