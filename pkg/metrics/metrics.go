// Package metrics scores how well two aligned volumes agree.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomoalign/pkg/fft"
	"tomoalign/pkg/volume"
)

// Report holds the agreement metrics between a reference volume and an
// aligned one.
type Report struct {
	// NCC is the (optionally weighted) Pearson correlation of voxel values.
	NCC float64

	// SNR is NCC / (1 - NCC), the signal-to-noise estimate for two
	// realisations of the same noisy object.
	SNR float64

	// RMSE is the root mean square voxel difference.
	RMSE float64

	// SSIM is the structural similarity computed over the whole volume.
	SSIM float64

	// MI is the Gaussian approximation of mutual information.
	MI float64

	// EntropyDiff is the absolute difference of the value histograms'
	// Shannon entropies, in bits.
	EntropyDiff float64
}

// Compare computes every metric between a and b. w weights NCC and may be nil.
func Compare(a, b, w *volume.Volume) (Report, error) {
	if err := volume.CheckShapes(a, b, w); err != nil {
		return Report{}, err
	}
	ncc := NCC(a, b, w)
	return Report{
		NCC:         ncc,
		SNR:         snrFromCorrelation(ncc),
		RMSE:        RMSE(a, b),
		SSIM:        SSIM(a, b),
		MI:          MutualInformation(a, b),
		EntropyDiff: math.Abs(Entropy(a) - Entropy(b)),
	}, nil
}

// NCC returns the Pearson correlation between a and b, each voxel weighted by
// w (nil for uniform weights). It is 0 when either side has no weighted
// variance and NaN when the data contain NaN.
func NCC(a, b, w *volume.Volume) float64 {
	if a.Len() == 0 || a.Len() != b.Len() {
		return 0
	}
	var weights []float64
	if w != nil {
		weights = w.Data
		if floats.Sum(weights) == 0 {
			return 0
		}
	}
	if a.HasNaN() || b.HasNaN() {
		return math.NaN()
	}
	if stat.Variance(a.Data, weights) <= 0 || stat.Variance(b.Data, weights) <= 0 {
		return 0
	}
	return stat.Correlation(a.Data, b.Data, weights)
}

// SNR estimates the signal-to-noise ratio from two realisations of the same
// object as corr / (1 - corr).
func SNR(a, b *volume.Volume) float64 {
	return snrFromCorrelation(NCC(a, b, nil))
}

func snrFromCorrelation(c float64) float64 {
	if c >= 1 {
		return math.Inf(1)
	}
	return c / (1 - c)
}

// RMSE returns the root mean square difference of a and b.
func RMSE(a, b *volume.Volume) float64 {
	n := a.Len()
	if n == 0 || n != b.Len() {
		return 0
	}
	return floats.Distance(a.Data, b.Data, 2) / math.Sqrt(float64(n))
}

// SSIM returns the global structural similarity index, with the dynamic
// range taken from a.
func SSIM(a, b *volume.Volume) float64 {
	const k1, k2 = 0.01, 0.03

	n := a.Len()
	if n == 0 || n != b.Len() {
		return 0
	}
	lo, hi := a.Range()
	dr := hi - lo
	if dr == 0 {
		dr = 1
	}
	c1 := (k1 * dr) * (k1 * dr)
	c2 := (k2 * dr) * (k2 * dr)

	muX := stat.Mean(a.Data, nil)
	muY := stat.Mean(b.Data, nil)
	sigmaX := stat.Variance(a.Data, nil)
	sigmaY := stat.Variance(b.Data, nil)
	sigmaXY := stat.Covariance(a.Data, b.Data, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// MutualInformation approximates I(a; b) for jointly Gaussian values as
// 0.5 log(var(a) var(b) / (var(a) var(b) - cov(a, b)^2)).
func MutualInformation(a, b *volume.Volume) float64 {
	if a.Len() < 2 || a.Len() != b.Len() {
		return 0
	}
	va := stat.Variance(a.Data, nil)
	vb := stat.Variance(b.Data, nil)
	cov := stat.Covariance(a.Data, b.Data, nil)
	if va > 0 && vb > 0 {
		if det := va*vb - cov*cov; det > 0 {
			return 0.5 * math.Log(va*vb/det)
		}
	}
	return 0
}

// Entropy returns the Shannon entropy in bits of a 256-bin histogram of v.
func Entropy(v *volume.Volume) float64 {
	const numBins = 256

	if v.Len() == 0 {
		return 0
	}
	lo, hi := v.Range()
	if hi <= lo {
		return 0
	}

	hist := make([]float64, numBins)
	width := (hi - lo) / numBins
	for _, x := range v.Data {
		bin := int((x - lo) / width)
		if bin >= numBins {
			bin = numBins - 1
		} else if bin < 0 {
			bin = 0
		}
		hist[bin]++
	}
	floats.Scale(1/float64(v.Len()), hist)
	return stat.Entropy(hist) / math.Ln2
}

// FSC returns the Fourier shell correlation of a and b. Element i covers the
// frequencies whose distance from the zero frequency is within 0.5 of i+1;
// min(dim)/2 shells are returned. Shells with no energy are NaN.
func FSC(a, b *volume.Volume) ([]float64, error) {
	if err := volume.CheckShapes(a, b); err != nil {
		return nil, err
	}
	if a.Empty() {
		return nil, volume.ErrEmpty
	}

	fa := fft.Forward(fft.FromVolume(a))
	fb := fft.Forward(fft.FromVolume(b))

	n := min(a.Nx, a.Ny, a.Nz) / 2
	cross := make([]float64, n)
	pa := make([]float64, n)
	pb := make([]float64, n)

	freq := func(i, size int) float64 {
		return float64(fft.Frequency(i, size))
	}
	for z := 0; z < a.Nz; z++ {
		kz := freq(z, a.Nz)
		for y := 0; y < a.Ny; y++ {
			ky := freq(y, a.Ny)
			for x := 0; x < a.Nx; x++ {
				kx := freq(x, a.Nx)
				r := math.Sqrt(kx*kx + ky*ky + kz*kz)
				shell := int(math.Round(r)) - 1
				if shell < 0 || shell >= n || math.Abs(r-float64(shell+1)) >= 0.5 {
					continue
				}
				i := fa.Index(x, y, z)
				u, v := fa.Data[i], fb.Data[i]
				cross[shell] += real(u)*real(v) + imag(u)*imag(v)
				pa[shell] += real(u)*real(u) + imag(u)*imag(u)
				pb[shell] += real(v)*real(v) + imag(v)*imag(v)
			}
		}
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = cross[i] / math.Sqrt(pa[i]*pb[i])
	}
	return out, nil
}

// Resolution returns the first shell index, counting from 1, at which fsc
// drops below threshold, or len(fsc) if it never does.
func Resolution(fsc []float64, threshold float64) int {
	for i, c := range fsc {
		if !(c >= threshold) {
			return i + 1
		}
	}
	return len(fsc)
}
