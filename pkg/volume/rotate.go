package volume

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"tomoalign/pkg/geometry"
)

// Fill selects the value given to output voxels whose source lies outside
// the input grid.
type Fill int

const (
	// FillMean pads with the global mean of the source volume.
	FillMean Fill = iota
	// FillZero pads with zero.
	FillZero
)

func (f Fill) String() string {
	switch f {
	case FillMean:
		return "mean"
	case FillZero:
		return "zero"
	default:
		return fmt.Sprintf("Fill(%d)", int(f))
	}
}

// ParseFill converts "mean" or "zero" to a Fill.
func ParseFill(s string) (Fill, error) {
	switch strings.ToLower(s) {
	case "mean", "":
		return FillMean, nil
	case "zero":
		return FillZero, nil
	default:
		return FillMean, fmt.Errorf("unknown fill mode %q", s)
	}
}

// Rotate resamples v under the rigid transform x -> R(x - c) + c + shift,
// where c is the FFT-shift centre. Each output voxel x takes the trilinear
// interpolation of v at R^T(x - c - shift) + c. Voxels whose source falls
// outside v receive the fill value. The result has the dimensions of v.
func Rotate(v *Volume, r geometry.Matrix3, shift geometry.Vec3, fill Fill) *Volume {
	pad := 0.0
	if fill == FillMean {
		pad = v.Mean()
	}
	return resample(v, r, shift, func(p geometry.Vec3) float64 {
		if val, ok := v.Sample(p); ok {
			return val
		}
		return pad
	})
}

// RotateMask rotates a mask about its centre. Values are taken from the
// nearest source voxel so a binary mask stays binary, and voxels mapping
// outside the grid are always zero.
func RotateMask(m *Volume, r geometry.Matrix3) *Volume {
	return RotateMaskShift(m, r, geometry.Vec3{})
}

// RotateMaskShift is RotateMask followed by a translation.
func RotateMaskShift(m *Volume, r geometry.Matrix3, shift geometry.Vec3) *Volume {
	return resample(m, r, shift, func(p geometry.Vec3) float64 {
		val, _ := m.Nearest(p)
		return val
	})
}

// resample evaluates sample at the source coordinate of every output voxel.
// Work is split across z slices; each slice is written by one goroutine.
func resample(v *Volume, r geometry.Matrix3, shift geometry.Vec3, sample func(geometry.Vec3) float64) *Volume {
	out := New(v.Nx, v.Ny, v.Nz)
	if out.Empty() {
		return out
	}

	inv := r.Transpose()
	c := v.Center()

	numWorkers := min(runtime.NumCPU(), v.Nz)
	slices := make(chan int, v.Nz)
	for z := 0; z < v.Nz; z++ {
		slices <- z
	}
	close(slices)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for z := range slices {
				for y := 0; y < v.Ny; y++ {
					for x := 0; x < v.Nx; x++ {
						d := geometry.Vec3{
							float64(x) - c[0] - shift[0],
							float64(y) - c[1] - shift[1],
							float64(z) - c[2] - shift[2],
						}
						src := inv.Apply(d)
						src[0] += c[0]
						src[1] += c[1]
						src[2] += c[2]
						out.Data[out.Index(x, y, z)] = sample(src)
					}
				}
			}
		}()
	}
	wg.Wait()

	return out
}
