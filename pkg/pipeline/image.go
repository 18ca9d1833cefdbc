package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	"github.com/visage-ai/lipsync/pkg/model"
	"github.com/visage-ai/lipsync/pkg/tensor"
)

// regionRect maps a fractional crop box onto a frame of the given size.
func regionRect(width, height int, r model.RegionParams) image.Rectangle {
	x0 := int(r.X * float64(width))
	y0 := int(r.Y * float64(height))
	x1 := x0 + int(r.W*float64(width))
	y1 := y0 + int(r.H*float64(height))
	if x1 > width {
		x1 = width
	}
	if y1 > height {
		y1 = height
	}
	return image.Rect(x0, y0, x1, y1)
}

func loadFrame(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open frame: %w", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode frame %s: %w", path, err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

func saveFrame(path string, img *image.RGBA) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pipeline: write frame: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("pipeline: encode frame %s: %w", path, err)
	}
	return f.Close()
}

// frameRegion crops rect out of img, resizes it to size x size, and
// returns it as a [3, size, size] tensor with values in [-1, 1].
func frameRegion(img *image.RGBA, rect image.Rectangle, size int) (*tensor.Tensor, error) {
	w, h := rect.Dx(), rect.Dy()
	crop, err := tensor.New(3, h, w)
	if err != nil {
		return nil, err
	}
	data := crop.Data()
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(rect.Min.X+x, rect.Min.Y+y)
			i := y*w + x
			data[i] = float32(c.R)/127.5 - 1
			data[plane+i] = float32(c.G)/127.5 - 1
			data[2*plane+i] = float32(c.B)/127.5 - 1
		}
	}
	return resizeCHW(crop, size, size)
}

// writeRegion resizes the [3, S, S] region back to rect and pastes it
// into img, mapping [-1, 1] to [0, 255].
func writeRegion(img *image.RGBA, region *tensor.Tensor, rect image.Rectangle) error {
	w, h := rect.Dx(), rect.Dy()
	scaled, err := resizeCHW(region, h, w)
	if err != nil {
		return err
	}
	data := scaled.Data()
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetRGBA(rect.Min.X+x, rect.Min.Y+y, color.RGBA{
				R: clamp8(data[i]),
				G: clamp8(data[plane+i]),
				B: clamp8(data[2*plane+i]),
				A: 0xff,
			})
		}
	}
	return nil
}

func clamp8(v float32) uint8 {
	p := (v + 1) * 127.5
	if p <= 0 {
		return 0
	}
	if p >= 255 {
		return 255
	}
	return uint8(p + 0.5)
}

// resizeCHW bilinearly resizes a [C, h, w] tensor to [C, outH, outW].
func resizeCHW(t *tensor.Tensor, outH, outW int) (*tensor.Tensor, error) {
	shape := t.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("pipeline: resize input shape %v, want rank 3", shape)
	}
	ch, h, w := shape[0], shape[1], shape[2]
	if h == outH && w == outW {
		return t.Clone(), nil
	}
	out, err := tensor.New(ch, outH, outW)
	if err != nil {
		return nil, err
	}
	src := t.Data()
	dst := out.Data()
	sy := float64(h) / float64(outH)
	sx := float64(w) / float64(outW)
	for c := 0; c < ch; c++ {
		sp := src[c*h*w : (c+1)*h*w]
		dp := dst[c*outH*outW : (c+1)*outH*outW]
		for y := 0; y < outH; y++ {
			fy := (float64(y)+0.5)*sy - 0.5
			y0 := int(fy)
			if fy < 0 {
				fy, y0 = 0, 0
			}
			if y0 >= h-1 {
				y0 = h - 1
			}
			y1 := y0 + 1
			if y1 >= h {
				y1 = h - 1
			}
			wy := float32(fy - float64(y0))
			for x := 0; x < outW; x++ {
				fx := (float64(x)+0.5)*sx - 0.5
				x0 := int(fx)
				if fx < 0 {
					fx, x0 = 0, 0
				}
				if x0 >= w-1 {
					x0 = w - 1
				}
				x1 := x0 + 1
				if x1 >= w {
					x1 = w - 1
				}
				wx := float32(fx - float64(x0))
				top := (1-wx)*sp[y0*w+x0] + wx*sp[y0*w+x1]
				bot := (1-wx)*sp[y1*w+x0] + wx*sp[y1*w+x1]
				dp[y*outW+x] = (1-wy)*top + wy*bot
			}
		}
	}
	return out, nil
}
