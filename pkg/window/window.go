// Package window partitions a clip into overlapping frame windows for
// batched diffusion and blends the independently sampled results back into
// one consistent sequence.
//
// Partitioning and blending are the two halves of the temporal-consistency
// mechanism: windows give the network local temporal context while bounding
// peak memory, and the cross-fade over each overlap region hides the seam
// between windows that were denoised from independent noise.
package window

import (
	"fmt"

	"github.com/visage-ai/lipsync/pkg/tensor"
)

// ConfigError reports an unusable window configuration.
type ConfigError struct {
	WindowSize int
	Overlap    int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("window: overlap %d must be in [0, window size %d)", e.Overlap, e.WindowSize)
}

// Span is one window's frame range [Start, End) in the clip.
type Span struct {
	Index int
	Start int
	End   int
}

// Len returns the span length in frames.
func (s Span) Len() int { return s.End - s.Start }

// Partition splits frameCount frames into spans of windowSize frames where
// consecutive spans share exactly overlap frames. The tail span may be
// shorter than windowSize but always covers at least overlap+1 frames.
func Partition(frameCount, windowSize, overlap int) ([]Span, error) {
	if windowSize < 2 {
		return nil, &ConfigError{WindowSize: windowSize, Overlap: overlap}
	}
	if overlap < 0 || overlap >= windowSize {
		return nil, &ConfigError{WindowSize: windowSize, Overlap: overlap}
	}
	if frameCount <= 0 {
		return nil, fmt.Errorf("window: frame count %d must be positive", frameCount)
	}

	if frameCount <= windowSize {
		return []Span{{Index: 0, Start: 0, End: frameCount}}, nil
	}

	// The loop bound keeps every tail span at least overlap+1 frames
	// long: a start of frameCount-overlap or later would leave a span
	// fully contained in its predecessor's overlap region.
	stride := windowSize - overlap
	var spans []Span
	for start := 0; start < frameCount-overlap; start += stride {
		end := start + windowSize
		if end > frameCount {
			end = frameCount
		}
		spans = append(spans, Span{Index: len(spans), Start: start, End: end})
		if end == frameCount {
			break
		}
	}
	return spans, nil
}

// Result carries one window's decoded frames to the compositor.
type Result struct {
	Span   Span
	Frames []*tensor.Tensor
}

// Compositor is the join point for parallel window sampling: it consumes
// completed windows in any order, waits for every span, and cross-fades
// the overlaps into the final frame sequence.
type Compositor struct {
	spans   []Span
	overlap int
}

// NewCompositor prepares a compositor for the given partition.
func NewCompositor(spans []Span, overlap int) *Compositor {
	return &Compositor{spans: spans, overlap: overlap}
}

// Collect drains results until every span has arrived, then blends. The
// channel closing before all spans have landed is an error, as are
// duplicate or unknown spans.
func (c *Compositor) Collect(results <-chan Result) ([]*tensor.Tensor, error) {
	got := make([]*Result, len(c.spans))
	remaining := len(c.spans)
	for remaining > 0 {
		r, ok := <-results
		if !ok {
			return nil, fmt.Errorf("window: results channel closed with %d windows outstanding", remaining)
		}
		if r.Span.Index < 0 || r.Span.Index >= len(c.spans) {
			return nil, fmt.Errorf("window: unknown span index %d", r.Span.Index)
		}
		if got[r.Span.Index] != nil {
			return nil, fmt.Errorf("window: duplicate result for span %d", r.Span.Index)
		}
		if len(r.Frames) != r.Span.Len() {
			return nil, fmt.Errorf("window: span %d delivered %d frames, want %d", r.Span.Index, len(r.Frames), r.Span.Len())
		}
		rr := r
		got[r.Span.Index] = &rr
		remaining--
	}
	return c.blend(got)
}

// blend assembles the output sequence, cross-fading each overlap region
// with linear weights so the incoming window ramps from 0 to full weight
// across the shared frames.
func (c *Compositor) blend(results []*Result) ([]*tensor.Tensor, error) {
	frameCount := c.spans[len(c.spans)-1].End
	out := make([]*tensor.Tensor, frameCount)

	for i, r := range results {
		for f := r.Span.Start; f < r.Span.End; f++ {
			frame := r.Frames[f-r.Span.Start]
			if out[f] == nil {
				out[f] = frame.Clone()
				continue
			}
			// Frame already written by the previous span: cross-fade.
			// Position within the overlap sets the incoming weight.
			pos := f - r.Span.Start
			w := float32(pos+1) / float32(c.overlap+1)
			if err := out[f].Lerp(frame, w); err != nil {
				return nil, fmt.Errorf("window: blend span %d frame %d: %w", i, f, err)
			}
		}
	}
	return out, nil
}
