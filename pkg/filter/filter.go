// Package filter implements smoothing and masking of volumes, in real space
// and in the Fourier domain.
package filter

import (
	"fmt"
	"math"

	"tomoalign/pkg/fft"
	"tomoalign/pkg/volume"
)

// Gaussian convolves v with an isotropic, unit-sum Gaussian of standard
// deviation sigma voxels. Boundaries are periodic. A non-positive sigma
// returns a copy of v.
func Gaussian(v *volume.Volume, sigma float64) *volume.Volume {
	if sigma <= 0 || v.Empty() {
		return v.Clone()
	}

	kernel := volume.New(v.Nx, v.Ny, v.Nz)
	c := v.Center()
	var sum float64
	for z := 0; z < v.Nz; z++ {
		for y := 0; y < v.Ny; y++ {
			for x := 0; x < v.Nx; x++ {
				dx, dy, dz := float64(x)-c[0], float64(y)-c[1], float64(z)-c[2]
				g := math.Exp(-(dx*dx + dy*dy + dz*dz) / (2 * sigma * sigma))
				kernel.Set(x, y, z, g)
				sum += g
			}
		}
	}
	kernel.Scale(1 / sum)

	fv := fft.Forward(fft.FromVolume(v))
	fk := fft.Forward(fft.FromVolume(fft.Unshift(kernel)))
	for i := range fv.Data {
		fv.Data[i] *= fk.Data[i]
	}
	return fft.Inverse(fv).Real()
}

// Lowpass removes every frequency farther than high (in cycles per volume)
// from the origin. With sigma > 0 the cutoff is softened: frequencies beyond
// high are attenuated by exp(-((r - high)/sigma)^2) down to exp(-2).
func Lowpass(v *volume.Volume, high, sigma float64) (*volume.Volume, error) {
	if high < 0 || sigma < 0 {
		return nil, fmt.Errorf("lowpass: negative cutoff %v or sigma %v", high, sigma)
	}
	if v.Empty() {
		return v.Clone(), nil
	}

	fv := fft.Forward(fft.FromVolume(v))
	for z := 0; z < v.Nz; z++ {
		kz := float64(fft.Frequency(z, v.Nz))
		for y := 0; y < v.Ny; y++ {
			ky := float64(fft.Frequency(y, v.Ny))
			for x := 0; x < v.Nx; x++ {
				kx := float64(fft.Frequency(x, v.Nx))
				r := math.Sqrt(kx*kx + ky*ky + kz*kz)
				i := fv.Index(x, y, z)
				fv.Data[i] *= complex(falloff(r, high, sigma), 0)
			}
		}
	}
	return fft.Inverse(fv).Real(), nil
}

// falloff is 1 within radius, a Gaussian decay truncated at exp(-2) beyond
// it when sigma > 0, and 0 otherwise.
func falloff(r, radius, sigma float64) float64 {
	if r <= radius {
		return 1
	}
	if sigma <= 0 {
		return 0
	}
	d := (r - radius) / sigma
	g := math.Exp(-d * d)
	if g < math.Exp(-2) {
		return 0
	}
	return g
}

// SphereMask returns a mask that is 1 within radius of the volume centre,
// softened like Lowpass when sigma > 0.
func SphereMask(nx, ny, nz int, radius, sigma float64) *volume.Volume {
	m := volume.New(nx, ny, nz)
	c := m.Center()
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				dx, dy, dz := float64(x)-c[0], float64(y)-c[1], float64(z)-c[2]
				m.Set(x, y, z, falloff(math.Sqrt(dx*dx+dy*dy+dz*dz), radius, sigma))
			}
		}
	}
	return m
}

// ApplySphereMask multiplies v by SphereMask of the same size.
func ApplySphereMask(v *volume.Volume, radius, sigma float64) *volume.Volume {
	return v.Mul(SphereMask(v.Nx, v.Ny, v.Nz, radius, sigma))
}
