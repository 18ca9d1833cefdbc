package melspec

import "math"

// hannWindow generates a periodic Hann window of the given length.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// hzToMel converts frequency in Hz to the HTK mel scale.
func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

// melToHz converts mel scale frequency back to Hz.
func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// melBank builds numMels triangular filters over the fftSize/2+1 spectrum
// bins. Filter edges sit on an even grid in mel space; each bin's weight
// is the triangle's height at the bin's continuous frequency, so adjacent
// filters overlap by construction and no rounding to bin indices occurs.
// Returns [numMels][fftSize/2+1].
func melBank(numMels, fftSize, sampleRate int, lowHz, highHz float64) [][]float64 {
	bins := fftSize/2 + 1
	binHz := float64(sampleRate) / float64(fftSize)

	// numMels filters need numMels+2 edge frequencies.
	edges := make([]float64, numMels+2)
	lo, hi := hzToMel(lowHz), hzToMel(highHz)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(numMels+1))
	}

	bank := make([][]float64, numMels)
	for m := range bank {
		filter := make([]float64, bins)
		left, center, right := edges[m], edges[m+1], edges[m+2]
		for k := 0; k < bins; k++ {
			hz := float64(k) * binHz
			switch {
			case hz <= left || hz >= right:
			case hz <= center:
				filter[k] = (hz - left) / (center - left)
			default:
				filter[k] = (right - hz) / (right - center)
			}
		}
		bank[m] = filter
	}
	return bank
}
