package melspec

import (
	"math"
	"math/cmplx"
)

// spectrum returns the non-redundant half (n/2+1 bins) of the DFT of a
// real frame, computed with an iterative decimation-in-time radix-2 FFT.
// len(frame) must be a power of two.
func spectrum(frame []float64) []complex128 {
	n := len(frame)
	buf := make([]complex128, n)
	for i, v := range frame {
		buf[i] = complex(v, 0)
	}

	// Reorder into bit-reversed index order.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}

	for span := 2; span <= n; span <<= 1 {
		root := cmplx.Exp(complex(0, -2*math.Pi/float64(span)))
		for block := 0; block < n; block += span {
			w := complex(1, 0)
			for off := block; off < block+span/2; off++ {
				a := buf[off]
				b := buf[off+span/2] * w
				buf[off] = a + b
				buf[off+span/2] = a - b
				w *= root
			}
		}
	}
	return buf[:n/2+1]
}
