// Package fft provides the 3-D discrete Fourier transforms used by the
// correlation engine, the translation search and the Fourier-space filters.
// One-dimensional transforms come from Gonum; this package applies them
// along each axis of a cube.
package fft

import (
	"gonum.org/v1/gonum/dsp/fourier"

	"tomoalign/pkg/volume"
)

// Cube is a complex 3-D array laid out like volume.Volume, with the first
// axis varying fastest.
type Cube struct {
	Data       []complex128
	Nx, Ny, Nz int
}

// NewCube allocates a zero-valued cube.
func NewCube(nx, ny, nz int) *Cube {
	return &Cube{Data: make([]complex128, nx*ny*nz), Nx: nx, Ny: ny, Nz: nz}
}

// FromVolume copies a real volume into a complex cube.
func FromVolume(v *volume.Volume) *Cube {
	c := NewCube(v.Nx, v.Ny, v.Nz)
	for i, x := range v.Data {
		c.Data[i] = complex(x, 0)
	}
	return c
}

// Index returns the offset of element (x, y, z) in Data.
func (c *Cube) Index(x, y, z int) int {
	return x + c.Nx*(y+c.Ny*z)
}

// Real returns the real part of c as a volume.
func (c *Cube) Real() *volume.Volume {
	v := volume.New(c.Nx, c.Ny, c.Nz)
	for i, x := range c.Data {
		v.Data[i] = real(x)
	}
	return v
}

// Forward applies the unnormalized forward transform, sum x exp(-2 pi i k n / N),
// in place and returns c.
func Forward(c *Cube) *Cube {
	transform(c, func(t *fourier.CmplxFFT, dst, src []complex128) {
		t.Coefficients(dst, src)
	})
	return c
}

// Inverse applies the inverse transform in place, normalized so that
// Inverse(Forward(c)) reproduces c, and returns c.
func Inverse(c *Cube) *Cube {
	InverseUnnormalized(c)
	if n := len(c.Data); n > 0 {
		s := complex(1/float64(n), 0)
		for i := range c.Data {
			c.Data[i] *= s
		}
	}
	return c
}

// InverseUnnormalized applies sum X exp(+2 pi i k n / N) along each axis
// without the 1/N factor. The correlation engine evaluates Fourier series
// this way.
func InverseUnnormalized(c *Cube) *Cube {
	transform(c, func(t *fourier.CmplxFFT, dst, src []complex128) {
		t.Sequence(dst, src)
	})
	return c
}

// transform runs op over every line of c along each of the three axes.
func transform(c *Cube, op func(t *fourier.CmplxFFT, dst, src []complex128)) {
	if len(c.Data) == 0 {
		return
	}

	dims := [3]int{c.Nx, c.Ny, c.Nz}
	strides := [3]int{1, c.Nx, c.Nx * c.Ny}

	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		if n == 1 {
			continue
		}
		t := fourier.NewCmplxFFT(n)
		line := make([]complex128, n)
		out := make([]complex128, n)
		stride := strides[axis]

		// Walk every line along this axis by iterating the other two.
		a, b := (axis+1)%3, (axis+2)%3
		for j := 0; j < dims[b]; j++ {
			for i := 0; i < dims[a]; i++ {
				base := i*strides[a] + j*strides[b]
				for k := 0; k < n; k++ {
					line[k] = c.Data[base+k*stride]
				}
				op(t, out, line)
				for k := 0; k < n; k++ {
					c.Data[base+k*stride] = out[k]
				}
			}
		}
	}
}

// Frequency returns the signed frequency of index i along an axis of length
// n: 0, 1, ..., then negative frequencies from -(n/2) upward.
func Frequency(i, n int) int {
	if i > (n-1)/2 {
		return i - n
	}
	return i
}

// Shift moves the zero-frequency element to the centre, like numpy's
// fftshift: element i along an axis of length n lands at (i + n/2) mod n.
func Shift(v *volume.Volume) *volume.Volume {
	return circShift(v, v.Nx/2, v.Ny/2, v.Nz/2)
}

// Unshift inverts Shift.
func Unshift(v *volume.Volume) *volume.Volume {
	return circShift(v, v.Nx-v.Nx/2, v.Ny-v.Ny/2, v.Nz-v.Nz/2)
}

func circShift(v *volume.Volume, sx, sy, sz int) *volume.Volume {
	out := volume.New(v.Nx, v.Ny, v.Nz)
	for z := 0; z < v.Nz; z++ {
		for y := 0; y < v.Ny; y++ {
			for x := 0; x < v.Nx; x++ {
				out.Set((x+sx)%v.Nx, (y+sy)%v.Ny, (z+sz)%v.Nz, v.At(x, y, z))
			}
		}
	}
	return out
}

// CrossCorrelate returns the circular cross-correlation
// c(t) = sum_x a(x) b(x - t), computed through the Fourier domain. Its
// maximum is at the shift t for which b moved by t best matches a.
func CrossCorrelate(a, b *volume.Volume) *volume.Volume {
	fa := Forward(FromVolume(a))
	fb := Forward(FromVolume(b))
	for i := range fa.Data {
		x := fb.Data[i]
		fa.Data[i] *= complex(real(x), -imag(x))
	}
	return Inverse(fa).Real()
}
