package audio

import "math"

const filterTaps = 31

// Resample converts samples from srcRate to dstRate by linear interpolation,
// band-limited with a Blackman-windowed sinc filter on the lower-rate side.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 || srcRate <= 0 || dstRate <= 0 {
		return samples
	}

	nyquist := float64(min(srcRate, dstRate)) / 2
	if srcRate > dstRate {
		samples = fir(samples, lowPassKernel(nyquist/float64(srcRate)))
	}

	step := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/step))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}

	if dstRate > srcRate {
		out = fir(out, lowPassKernel(nyquist/float64(dstRate)))
	}
	return out
}

// fir convolves samples with kernel, treating out-of-range input as zero.
func fir(samples, kernel []float32) []float32 {
	half := len(kernel) / 2
	out := make([]float32, len(samples))
	for i := range samples {
		var acc float32
		for k, w := range kernel {
			j := i + k - half
			if j < 0 || j >= len(samples) {
				continue
			}
			acc += samples[j] * w
		}
		out[i] = acc
	}
	return out
}

// lowPassKernel builds a unity-gain windowed-sinc kernel; fc is the cutoff as
// a fraction of the sample rate.
func lowPassKernel(fc float64) []float32 {
	kernel := make([]float32, filterTaps)
	half := filterTaps / 2
	span := float64(filterTaps - 1)

	var sum float64
	weights := make([]float64, filterTaps)
	for i := range weights {
		n := float64(i - half)
		h := 2 * fc
		if n != 0 {
			h = math.Sin(2*math.Pi*fc*n) / (math.Pi * n)
		}
		blackman := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/span) + 0.08*math.Cos(4*math.Pi*float64(i)/span)
		weights[i] = h * blackman
		sum += weights[i]
	}
	for i, w := range weights {
		kernel[i] = float32(w / sum)
	}
	return kernel
}
