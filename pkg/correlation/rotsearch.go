// Package correlation computes the rotational correlation between two
// volumes in the spherical-harmonic domain.
//
// Each volume is decomposed into shells about a common centre and every
// shell is expanded in spherical harmonics up to bandwidth L. Writing
// R = Rz(alpha) Ry(beta) Rz(gamma) as
//
//	Rz(alpha - pi/2) Ry(-pi/2) Rz(beta) Ry(pi/2) Rz(gamma + pi/2)
//
// turns the correlation C(R) = sum_r r^2 <f_r, Lambda(R) g_r> into a 3-D
// Fourier series in (xi, eta, omega) = (alpha - pi/2, beta, gamma + pi/2)
// whose coefficients need only the Wigner matrices d^l(pi/2). One inverse
// FFT then evaluates C on an N x N x N grid of rotations, instead of
// resampling a volume for every candidate rotation.
package correlation

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"tomoalign/pkg/fft"
	"tomoalign/pkg/geometry"
	"tomoalign/pkg/sht"
	"tomoalign/pkg/volume"
	"tomoalign/pkg/wigner"
)

var (
	// ErrBandwidth is returned for a non-positive bandwidth or a Wigner
	// table that does not cover it.
	ErrBandwidth = errors.New("invalid angular bandwidth")

	// ErrRadius is returned for shell radii outside (0, min(dim)/2].
	ErrRadius = errors.New("shell radius out of range")
)

// Options tunes the sampling and execution of a rotation search.
type Options struct {
	// Oversample multiplies the 2L samples per angular axis. The default
	// of 2 gives N = 4L, a step of 90/L degrees.
	Oversample int

	// Workers bounds the goroutines expanding shells in parallel.
	// Zero means runtime.NumCPU().
	Workers int
}

func (o Options) withDefaults() Options {
	if o.Oversample <= 0 {
		o.Oversample = 2
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	return o
}

// Samples returns the number of samples N per angular axis of the field for
// bandwidth L and the given oversampling factor.
func Samples(L, oversample int) int {
	if oversample <= 0 {
		oversample = 2
	}
	return 2 * L * oversample
}

// Field is the real part of the rotational correlation sampled on an
// N x N x N grid. Element (a, b, c) is the score of the rotation with
// xi = 2 pi a/N, eta = 2 pi b/N, omega = 2 pi c/N, stored at a + N*(b + N*c).
type Field struct {
	N    int
	Data []float64
}

// NewField allocates a zero field of side n.
func NewField(n int) *Field {
	return &Field{N: n, Data: make([]float64, n*n*n)}
}

// Index returns the offset of (a, b, c).
func (f *Field) Index(a, b, c int) int {
	return a + f.N*(b+f.N*c)
}

// Coords inverts Index.
func (f *Field) Coords(i int) (a, b, c int) {
	return i % f.N, (i / f.N) % f.N, i / (f.N * f.N)
}

// At returns the score at (a, b, c).
func (f *Field) At(a, b, c int) float64 {
	return f.Data[f.Index(a, b, c)]
}

// Len returns the number of grid rotations.
func (f *Field) Len() int {
	return len(f.Data)
}

// Angle maps grid index i to canonical ZYZ Euler angles.
func (f *Field) Angle(i int) geometry.EulerAngle {
	a, b, c := f.Coords(i)
	step := 2 * math.Pi / float64(f.N)
	return geometry.Canonical(geometry.EulerAngle{
		float64(a)*step + math.Pi/2,
		float64(b) * step,
		float64(c)*step - math.Pi/2,
	})
}

// Max returns the index and value of the largest score. The first index
// wins ties. An empty field returns -1.
func (f *Field) Max() (int, float64) {
	best := -1
	val := math.Inf(-1)
	for i, x := range f.Data {
		if best < 0 || x > val {
			best, val = i, x
		}
	}
	return best, val
}

// NearestIndex returns the grid index closest to ea in the field's
// parametrisation. It is exact for angles produced by Angle.
func (f *Field) NearestIndex(ea geometry.EulerAngle) int {
	ea = geometry.Canonical(ea)
	step := 2 * math.Pi / float64(f.N)
	q := func(x float64) int {
		i := int(math.Round(x/step)) % f.N
		if i < 0 {
			i += f.N
		}
		return i
	}
	return f.Index(q(ea[0]-math.Pi/2), q(ea[1]), q(ea[2]+math.Pi/2))
}

// DefaultRadii returns the integer shells 1 ... min(dim)/2 - 1.
func DefaultRadii(v *volume.Volume) []float64 {
	n := min(v.Nx, v.Ny, v.Nz) / 2
	radii := make([]float64, 0, n)
	for r := 1; r < n; r++ {
		radii = append(radii, float64(r))
	}
	return radii
}

// RotationSearch computes the rotational correlation field between v1 and v2.
// The maximum of the field is at the rotation R for which v2 rotated by R
// (volume.Rotate) best matches v1. Shell contributions are weighted by r^2.
//
// table must hold d^l(pi/2) for at least L degrees; nil selects the shared
// cache. The complex correlation is reduced to its real part.
func RotationSearch(v1, v2 *volume.Volume, L int, radii []float64, table *wigner.Table, center geometry.Vec3, opts Options) (*Field, error) {
	shells, table, err := expandShells(v1, v2, L, radii, table, center, opts)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	// Shells share the rotation, so sum the per-degree cross terms first.
	cross := make([][]complex128, L)
	for l := 0; l < L; l++ {
		cross[l] = make([]complex128, (2*l+1)*(2*l+1))
	}
	for s, sh := range shells {
		w := radii[s] * radii[s]
		accumulateCross(cross, sh.f, sh.g, w)
	}
	return evaluate(cross, table, L, Samples(L, opts.Oversample)), nil
}

// RotationSearchShells returns one field per radius, unweighted. Summing
// them with r^2 weights gives RotationSearch.
func RotationSearchShells(v1, v2 *volume.Volume, L int, radii []float64, table *wigner.Table, center geometry.Vec3, opts Options) ([]*Field, error) {
	shells, table, err := expandShells(v1, v2, L, radii, table, center, opts)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	n := Samples(L, opts.Oversample)

	fields := make([]*Field, len(shells))
	for s, sh := range shells {
		cross := make([][]complex128, L)
		for l := 0; l < L; l++ {
			cross[l] = make([]complex128, (2*l+1)*(2*l+1))
		}
		accumulateCross(cross, sh.f, sh.g, 1)
		fields[s] = evaluate(cross, table, L, n)
	}
	return fields, nil
}

type shellPair struct {
	f, g *sht.Coeffs
}

func validate(v1, v2 *volume.Volume, L int, radii []float64, table *wigner.Table) (*wigner.Table, error) {
	if L <= 0 {
		return nil, fmt.Errorf("%w: L = %d", ErrBandwidth, L)
	}
	if err := volume.CheckShapes(v1, v2); err != nil {
		return nil, err
	}
	if v1.Empty() {
		return nil, volume.ErrEmpty
	}
	limit := float64(min(v1.Nx, v1.Ny, v1.Nz)) / 2
	for _, r := range radii {
		if !(r > 0 && r <= limit) {
			return nil, fmt.Errorf("%w: %v not in (0, %v]", ErrRadius, r, limit)
		}
	}
	if table == nil {
		table = wigner.Get(math.Pi/2, L)
	}
	if table.L() < L || table.Beta != math.Pi/2 {
		return nil, fmt.Errorf("%w: table covers L = %d at beta = %v, need L = %d at pi/2",
			ErrBandwidth, table.L(), table.Beta, L)
	}
	return table, nil
}

// expandShells computes the spherical-harmonic coefficients of both volumes
// on every shell. Shells are independent and are spread over opts.Workers
// goroutines.
func expandShells(v1, v2 *volume.Volume, L int, radii []float64, table *wigner.Table, center geometry.Vec3, opts Options) ([]shellPair, *wigner.Table, error) {
	table, err := validate(v1, v2, L, radii, table)
	if err != nil {
		return nil, nil, err
	}
	opts = opts.withDefaults()

	grid := sht.NewGrid(L)
	shells := make([]shellPair, len(radii))

	jobs := make(chan int, len(radii))
	for s := range radii {
		jobs <- s
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < min(opts.Workers, len(radii)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				r := radii[s]
				shells[s] = shellPair{
					f: sht.Transform(sht.SampleShell(v1, center, r, grid), grid),
					g: sht.Transform(sht.SampleShell(v2, center, r, grid), grid),
				}
			}
		}()
	}
	wg.Wait()

	return shells, table, nil
}

// accumulateCross adds w * f_lm' conj(g_lm) into cross[l] at (m'+l)*(2l+1) + m+l.
func accumulateCross(cross [][]complex128, f, g *sht.Coeffs, w float64) {
	for l := range cross {
		n := 2*l + 1
		for m1 := -l; m1 <= l; m1++ {
			fv := f.At(l, m1) * complex(w, 0)
			row := cross[l][(m1+l)*n:]
			for m2 := -l; m2 <= l; m2++ {
				gv := g.At(l, m2)
				row[m2+l] += fv * complex(real(gv), -imag(gv))
			}
		}
	}
}

// evaluate forms T(m', h, m) = sum_l S^l_{m'm} d^l_{hm'} d^l_{hm} and sums the
// Fourier series exp(i (m' xi + h eta + m omega)) on an n^3 grid.
func evaluate(cross [][]complex128, table *wigner.Table, L, n int) *Field {
	coeff := fft.NewCube(n, n, n)
	wrap := func(m int) int {
		return ((m % n) + n) % n
	}

	for l := 0; l < L; l++ {
		size := 2*l + 1
		d := table.D[l]
		s := cross[l]
		for h := -l; h <= l; h++ {
			for m1 := -l; m1 <= l; m1++ {
				d1 := d.At(h+l, m1+l)
				if d1 == 0 {
					continue
				}
				row := s[(m1+l)*size:]
				for m2 := -l; m2 <= l; m2++ {
					idx := coeff.Index(wrap(m1), wrap(h), wrap(m2))
					coeff.Data[idx] += row[m2+l] * complex(d1*d.At(h+l, m2+l), 0)
				}
			}
		}
	}

	fft.InverseUnnormalized(coeff)

	field := NewField(n)
	for i, x := range coeff.Data {
		field.Data[i] = real(x)
	}
	return field
}
