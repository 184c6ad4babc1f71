// Package sht implements the forward spherical-harmonic transform of
// functions sampled on concentric shells of a volume.
//
// Harmonics are orthonormal with the Condon-Shortley phase,
// Y_lm(theta, phi) = P_lm(cos theta) exp(i m phi), where P_lm already
// carries the normalisation. A shell function is sampled on L Gauss-Legendre
// colatitudes and 2L equispaced longitudes, which integrates products of
// band-limited (l < L) functions exactly.
package sht

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/integrate/quad"

	"tomoalign/pkg/geometry"
	"tomoalign/pkg/volume"
)

// Grid is the sampling of the sphere for bandwidth L.
type Grid struct {
	L int

	// CosTheta, SinTheta and Weights describe the Gauss-Legendre colatitudes.
	CosTheta []float64
	SinTheta []float64
	Weights  []float64

	// NPhi is the number of equispaced longitudes, phi_k = 2 pi k / NPhi.
	NPhi int

	// legendre[i] holds P_lm(CosTheta[i]) packed by LegendreIndex.
	legendre [][]float64
}

// NewGrid builds the sampling grid for bandwidth L (L >= 1).
func NewGrid(L int) *Grid {
	g := &Grid{
		L:        L,
		CosTheta: make([]float64, L),
		SinTheta: make([]float64, L),
		Weights:  make([]float64, L),
		NPhi:     2 * L,
		legendre: make([][]float64, L),
	}
	quad.Legendre{}.FixedLocations(g.CosTheta, g.Weights, -1, 1)
	for i, x := range g.CosTheta {
		g.SinTheta[i] = math.Sqrt(math.Max(0, 1-x*x))
		g.legendre[i] = Legendre(L, x)
	}
	return g
}

// Size returns the number of sample points on one shell.
func (g *Grid) Size() int {
	return len(g.CosTheta) * g.NPhi
}

// Phi returns the k-th longitude.
func (g *Grid) Phi(k int) float64 {
	return 2 * math.Pi * float64(k) / float64(g.NPhi)
}

// LegendreIndex is the offset of P_lm (0 <= m <= l) in a packed table.
func LegendreIndex(l, m int) int {
	return l*(l+1)/2 + m
}

// Legendre returns the normalised associated Legendre values P_lm(x) for
// 0 <= m <= l < L, packed by LegendreIndex, with
// Y_lm = P_lm(cos theta) exp(i m phi).
func Legendre(L int, x float64) []float64 {
	p := make([]float64, L*(L+1)/2)
	if L == 0 {
		return p
	}
	s := math.Sqrt(math.Max(0, 1-x*x))

	pmm := math.Sqrt(1 / (4 * math.Pi))
	for m := 0; m < L; m++ {
		if m > 0 {
			pmm *= -math.Sqrt(float64(2*m+1)/float64(2*m)) * s
		}
		p[LegendreIndex(m, m)] = pmm
		if m+1 < L {
			p[LegendreIndex(m+1, m)] = math.Sqrt(float64(2*m+3)) * x * pmm
		}
		for l := m + 2; l < L; l++ {
			fl, fm := float64(l), float64(m)
			a := math.Sqrt((4*fl*fl - 1) / (fl*fl - fm*fm))
			b := math.Sqrt(((fl-1)*(fl-1) - fm*fm) / (4*(fl-1)*(fl-1) - 1))
			p[LegendreIndex(l, m)] = a * (x*p[LegendreIndex(l-1, m)] - b*p[LegendreIndex(l-2, m)])
		}
	}
	return p
}

// Coeffs holds spherical-harmonic coefficients f_lm for l < L and
// -l <= m <= l.
type Coeffs struct {
	L    int
	Data []complex128
}

// NewCoeffs allocates zero coefficients for bandwidth L.
func NewCoeffs(L int) *Coeffs {
	return &Coeffs{L: L, Data: make([]complex128, L*L)}
}

// index of (l, m) in Data.
func (c *Coeffs) index(l, m int) int {
	return l*l + l + m
}

// At returns f_lm.
func (c *Coeffs) At(l, m int) complex128 {
	return c.Data[c.index(l, m)]
}

// Set assigns f_lm.
func (c *Coeffs) Set(l, m int, v complex128) {
	c.Data[c.index(l, m)] = v
}

// SampleShell samples v by trilinear interpolation on the sphere of radius r
// around center. Points outside the volume contribute zero. Samples are
// ordered theta-major: sample (i, k) is at offset i*NPhi + k.
func SampleShell(v *volume.Volume, center geometry.Vec3, r float64, g *Grid) []float64 {
	out := make([]float64, g.Size())
	for i := range g.CosTheta {
		ct, st := g.CosTheta[i], g.SinTheta[i]
		for k := 0; k < g.NPhi; k++ {
			sp, cp := math.Sincos(g.Phi(k))
			p := geometry.Vec3{
				center[0] + r*st*cp,
				center[1] + r*st*sp,
				center[2] + r*ct,
			}
			out[i*g.NPhi+k], _ = v.Sample(p)
		}
	}
	return out
}

// Transform computes f_lm = integral of f conj(Y_lm) over the sphere for a
// real function sampled on g.
func Transform(samples []float64, g *Grid) *Coeffs {
	c := NewCoeffs(g.L)
	fft := fourier.NewFFT(g.NPhi)
	row := make([]complex128, g.NPhi/2+1)
	scale := 2 * math.Pi / float64(g.NPhi)

	for i := range g.CosTheta {
		fft.Coefficients(row, samples[i*g.NPhi:(i+1)*g.NPhi])
		w := g.Weights[i] * scale
		p := g.legendre[i]
		for m := 0; m < g.L; m++ {
			fm := row[m]
			for l := m; l < g.L; l++ {
				idx := c.index(l, m)
				c.Data[idx] += complex(w*p[LegendreIndex(l, m)], 0) * fm
			}
		}
	}

	// Real input: f_l,-m = (-1)^m conj(f_lm).
	for l := 1; l < g.L; l++ {
		for m := 1; m <= l; m++ {
			v := cmplx.Conj(c.At(l, m))
			if m%2 == 1 {
				v = -v
			}
			c.Set(l, -m, v)
		}
	}
	return c
}

// Synthesize evaluates sum f_lm Y_lm on the grid and returns the real part,
// ordered like SampleShell.
func Synthesize(c *Coeffs, g *Grid) []float64 {
	out := make([]float64, g.Size())
	for i := range g.CosTheta {
		p := g.legendre[i]
		for k := 0; k < g.NPhi; k++ {
			phi := g.Phi(k)
			var sum complex128
			for l := 0; l < c.L; l++ {
				for m := -l; m <= l; m++ {
					sum += c.At(l, m) * Y(p, l, m, phi)
				}
			}
			out[i*g.NPhi+k] = real(sum)
		}
	}
	return out
}

// Y evaluates Y_lm at longitude phi from a packed Legendre table computed at
// the point's colatitude.
func Y(p []float64, l, m int, phi float64) complex128 {
	am := m
	if am < 0 {
		am = -am
	}
	y := complex(p[LegendreIndex(l, am)], 0) * cmplx.Exp(complex(0, float64(am)*phi))
	if m < 0 {
		// Y_l,-m = (-1)^m conj(Y_lm)
		y = cmplx.Conj(y)
		if am%2 == 1 {
			y = -y
		}
	}
	return y
}
