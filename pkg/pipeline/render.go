package pipeline

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/visage-ai/lipsync/pkg/audio/features"
	"github.com/visage-ai/lipsync/pkg/diffusion"
	"github.com/visage-ai/lipsync/pkg/media"
	"github.com/visage-ai/lipsync/pkg/tensor"
	"github.com/visage-ai/lipsync/pkg/window"
)

// renderWindows runs the diffusion sampler over every frame window in
// parallel and returns one blended mouth-region tensor per frame.
// Cancellation is checked at window granularity; a window that has
// started always runs to completion.
func (o *Orchestrator) renderWindows(
	ctx context.Context,
	framePaths []string,
	seg *features.Segment,
	spans []window.Span,
	rect image.Rectangle,
	seed uint64,
) ([]*tensor.Tensor, error) {
	sampler, err := diffusion.NewSampler(o.models.Predictor, o.sched, nil, o.cfg.GuidanceScale)
	if err != nil {
		return nil, err
	}

	results := make(chan window.Result, len(spans))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.jobs())
	for _, sp := range spans {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := o.renderWindow(sampler, framePaths, seg, sp, rect, seed)
			if err != nil {
				return err
			}
			o.log.Info("window sampled",
				"window", sp.Index, "start", sp.Start, "frames", sp.Len())
			results <- res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	return window.NewCompositor(spans, o.net.Overlap).Collect(results)
}

// renderWindow samples one window: encode the mouth regions to latents,
// denoise under the window's audio conditioning with the encoded source
// latents as reference, decode back to pixels.
func (o *Orchestrator) renderWindow(
	sampler *diffusion.Sampler,
	framePaths []string,
	seg *features.Segment,
	sp window.Span,
	rect image.Rectangle,
	seed uint64,
) (window.Result, error) {
	codec := o.models.Codec
	frames := sp.Len()

	latents := make([]*tensor.Tensor, frames)
	for f := 0; f < frames; f++ {
		img, err := loadFrame(framePaths[sp.Start+f])
		if err != nil {
			return window.Result{}, err
		}
		region, err := frameRegion(img, rect, codec.SpatialSize())
		if err != nil {
			return window.Result{}, err
		}
		if latents[f], err = codec.Encode(region); err != nil {
			return window.Result{}, fmt.Errorf("pipeline: encode frame %d: %w", sp.Start+f, err)
		}
	}

	batch, err := stackWindow(latents)
	if err != nil {
		return window.Result{}, err
	}
	cond, err := condTensor(seg, sp)
	if err != nil {
		return window.Result{}, err
	}

	sampled, err := sampler.Sample(sp.Index, batch, cond, seed)
	if err != nil {
		return window.Result{}, err
	}

	out, err := unstackWindow(sampled)
	if err != nil {
		return window.Result{}, err
	}
	regions := make([]*tensor.Tensor, frames)
	for f, latent := range out {
		if regions[f], err = codec.Decode(latent); err != nil {
			return window.Result{}, fmt.Errorf("pipeline: decode frame %d: %w", sp.Start+f, err)
		}
	}
	return window.Result{Span: sp, Frames: regions}, nil
}

// stackWindow joins per-frame latents [C, h, w] into the UNet's window
// layout [C, F, h, w].
func stackWindow(latents []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(latents) == 0 {
		return nil, fmt.Errorf("pipeline: empty latent window")
	}
	shape := latents[0].Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("pipeline: latent shape %v, want rank 3", shape)
	}
	ch, h, w := shape[0], shape[1], shape[2]
	frames := len(latents)
	out, err := tensor.New(ch, frames, h, w)
	if err != nil {
		return nil, err
	}
	plane := h * w
	dst := out.Data()
	for f, l := range latents {
		if !l.SameShape(latents[0]) {
			return nil, fmt.Errorf("pipeline: latent %d shape %v, want %v", f, l.Shape(), shape)
		}
		src := l.Data()
		for c := 0; c < ch; c++ {
			copy(dst[(c*frames+f)*plane:(c*frames+f+1)*plane], src[c*plane:(c+1)*plane])
		}
	}
	return out, nil
}

// unstackWindow splits a [C, F, h, w] window back into per-frame latents.
func unstackWindow(batch *tensor.Tensor) ([]*tensor.Tensor, error) {
	shape := batch.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("pipeline: window shape %v, want rank 4", shape)
	}
	ch, frames, h, w := shape[0], shape[1], shape[2], shape[3]
	plane := h * w
	src := batch.Data()
	out := make([]*tensor.Tensor, frames)
	for f := 0; f < frames; f++ {
		l, err := tensor.New(ch, h, w)
		if err != nil {
			return nil, err
		}
		dst := l.Data()
		for c := 0; c < ch; c++ {
			copy(dst[c*plane:(c+1)*plane], src[(c*frames+f)*plane:(c*frames+f+1)*plane])
		}
		out[f] = l
	}
	return out, nil
}

// condTensor packs the span's per-frame embeddings into a [F, D] tensor.
func condTensor(seg *features.Segment, sp window.Span) (*tensor.Tensor, error) {
	if sp.End > seg.Frames() {
		return nil, fmt.Errorf("pipeline: span [%d,%d) exceeds %d embedding frames",
			sp.Start, sp.End, seg.Frames())
	}
	flat := make([]float32, 0, sp.Len()*seg.Dim)
	for f := sp.Start; f < sp.End; f++ {
		if len(seg.Embeddings[f]) != seg.Dim {
			return nil, fmt.Errorf("pipeline: embedding %d has %d values, want %d",
				f, len(seg.Embeddings[f]), seg.Dim)
		}
		flat = append(flat, seg.Embeddings[f]...)
	}
	return tensor.FromData(flat, sp.Len(), seg.Dim)
}

// compositeFrames pastes each blended region back into its source frame
// and writes the result as a new numbered sequence in outDir.
func compositeFrames(framePaths []string, regions []*tensor.Tensor, rect image.Rectangle, outDir string) error {
	if len(regions) != len(framePaths) {
		return fmt.Errorf("pipeline: %d regions for %d frames", len(regions), len(framePaths))
	}
	for i, path := range framePaths {
		img, err := loadFrame(path)
		if err != nil {
			return err
		}
		if err := writeRegion(img, regions[i], rect); err != nil {
			return err
		}
		if err := saveFrame(media.FramePath(outDir, i), img); err != nil {
			return err
		}
	}
	return nil
}
