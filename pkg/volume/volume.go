// Package volume holds the 3-D scalar field used for subtomograms and
// their masks, together with the resampling primitives needed to evaluate
// a rigid-body hypothesis.
package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomoalign/pkg/geometry"
)

var (
	// ErrShapeMismatch is returned when paired volumes or masks differ in size.
	ErrShapeMismatch = errors.New("volume shapes differ")

	// ErrEmpty is returned when a volume has no voxels where some are needed.
	ErrEmpty = errors.New("volume has no voxels")
)

// Volume represents a real-valued 3-D voxel grid. Data is stored with the
// first axis varying fastest, index = x + Nx*(y + Ny*z), which is the order
// used on disk by MRC files.
type Volume struct {
	// Data holds the Nx*Ny*Nz samples
	Data []float64

	// Nx, Ny, Nz are the dimensions of the volume in voxels
	Nx, Ny, Nz int
}

// New allocates a zero-valued volume.
func New(nx, ny, nz int) *Volume {
	if nx < 0 || ny < 0 || nz < 0 {
		nx, ny, nz = 0, 0, 0
	}
	return &Volume{Data: make([]float64, nx*ny*nz), Nx: nx, Ny: ny, Nz: nz}
}

// FromData wraps data as a volume. The slice is not copied.
func FromData(data []float64, nx, ny, nz int) (*Volume, error) {
	if nx < 0 || ny < 0 || nz < 0 {
		return nil, fmt.Errorf("negative dimensions %dx%dx%d", nx, ny, nz)
	}
	if len(data) != nx*ny*nz {
		return nil, fmt.Errorf("%w: %d samples for %dx%dx%d", ErrShapeMismatch, len(data), nx, ny, nz)
	}
	return &Volume{Data: data, Nx: nx, Ny: ny, Nz: nz}, nil
}

// Ones returns a volume with every voxel set to one. It is the mask that
// stands in for an absent mask.
func Ones(nx, ny, nz int) *Volume {
	v := New(nx, ny, nz)
	for i := range v.Data {
		v.Data[i] = 1
	}
	return v
}

// Index returns the offset of voxel (x, y, z) in Data.
func (v *Volume) Index(x, y, z int) int {
	return x + v.Nx*(y+v.Ny*z)
}

// At returns the value of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the value of voxel (x, y, z).
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[v.Index(x, y, z)] = val
}

// Dims returns the dimensions as a triple.
func (v *Volume) Dims() [3]int {
	return [3]int{v.Nx, v.Ny, v.Nz}
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return len(v.Data)
}

// Empty reports whether the volume has no voxels.
func (v *Volume) Empty() bool {
	return v == nil || len(v.Data) == 0
}

// SameShape reports whether v and o have identical dimensions.
func (v *Volume) SameShape(o *Volume) bool {
	return v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz
}

// CheckShapes returns ErrShapeMismatch unless every volume has the
// dimensions of the first. Nil volumes are skipped.
func CheckShapes(vols ...*Volume) error {
	var ref *Volume
	for i, v := range vols {
		if v == nil {
			continue
		}
		if len(v.Data) != v.Nx*v.Ny*v.Nz {
			return fmt.Errorf("%w: volume %d holds %d samples for %dx%dx%d", ErrShapeMismatch, i, len(v.Data), v.Nx, v.Ny, v.Nz)
		}
		if ref == nil {
			ref = v
			continue
		}
		if !ref.SameShape(v) {
			return fmt.Errorf("%w: %dx%dx%d vs %dx%dx%d", ErrShapeMismatch,
				ref.Nx, ref.Ny, ref.Nz, v.Nx, v.Ny, v.Nz)
		}
	}
	return nil
}

// Clone returns a deep copy of v.
func (v *Volume) Clone() *Volume {
	c := &Volume{Data: make([]float64, len(v.Data)), Nx: v.Nx, Ny: v.Ny, Nz: v.Nz}
	copy(c.Data, v.Data)
	return c
}

// Mean returns the mean voxel value. An empty volume has mean zero.
func (v *Volume) Mean() float64 {
	if v.Empty() {
		return 0
	}
	return stat.Mean(v.Data, nil)
}

// WeightedMean returns the mean of v weighted by w. It returns zero when the
// weights sum to zero.
func (v *Volume) WeightedMean(w *Volume) float64 {
	if w == nil {
		return v.Mean()
	}
	if floats.Sum(w.Data) == 0 {
		return 0
	}
	return stat.Mean(v.Data, w.Data)
}

// Centred returns (v - the m-weighted mean of v) * m. A nil mask weights
// every voxel equally.
func (v *Volume) Centred(m *Volume) *Volume {
	out := v.Clone()
	mean := v.WeightedMean(m)
	for i := range out.Data {
		out.Data[i] -= mean
		if m != nil {
			out.Data[i] *= m.Data[i]
		}
	}
	return out
}

// Center returns the FFT-shift centre of the grid, floor(n/2) along each
// axis. Rotations pivot about this point.
func (v *Volume) Center() geometry.Vec3 {
	return geometry.Vec3{float64(v.Nx / 2), float64(v.Ny / 2), float64(v.Nz / 2)}
}

// Mul returns the voxel-wise product of v and o.
func (v *Volume) Mul(o *Volume) *Volume {
	out := v.Clone()
	floats.Mul(out.Data, o.Data)
	return out
}

// Scale multiplies every voxel by s in place.
func (v *Volume) Scale(s float64) {
	floats.Scale(s, v.Data)
}

// IsZero reports whether every voxel is exactly zero.
func (v *Volume) IsZero() bool {
	for _, x := range v.Data {
		if x != 0 {
			return false
		}
	}
	return true
}

// HasNaN reports whether any voxel is NaN.
func (v *Volume) HasNaN() bool {
	return floats.HasNaN(v.Data)
}

// Range returns the minimum and maximum voxel values.
func (v *Volume) Range() (min, max float64) {
	if v.Empty() {
		return 0, 0
	}
	return floats.Min(v.Data), floats.Max(v.Data)
}

// edgeTolerance absorbs rounding in rotated coordinates that land a hair
// outside the grid.
const edgeTolerance = 1e-9

// Sample returns the trilinear interpolation of v at p. The second result is
// false when p lies outside the grid, in which case the value is zero.
func (v *Volume) Sample(p geometry.Vec3) (float64, bool) {
	x, y, z := p[0], p[1], p[2]
	if !(x >= -edgeTolerance && y >= -edgeTolerance && z >= -edgeTolerance) ||
		x > float64(v.Nx-1)+edgeTolerance || y > float64(v.Ny-1)+edgeTolerance || z > float64(v.Nz-1)+edgeTolerance {
		return 0, false
	}
	x = math.Max(0, math.Min(x, float64(v.Nx-1)))
	y = math.Max(0, math.Min(y, float64(v.Ny-1)))
	z = math.Max(0, math.Min(z, float64(v.Nz-1)))

	x0, y0, z0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
	fx, fy, fz := x-float64(x0), y-float64(y0), z-float64(z0)
	x1, y1, z1 := min(x0+1, v.Nx-1), min(y0+1, v.Ny-1), min(z0+1, v.Nz-1)

	c00 := v.At(x0, y0, z0)*(1-fx) + v.At(x1, y0, z0)*fx
	c10 := v.At(x0, y1, z0)*(1-fx) + v.At(x1, y1, z0)*fx
	c01 := v.At(x0, y0, z1)*(1-fx) + v.At(x1, y0, z1)*fx
	c11 := v.At(x0, y1, z1)*(1-fx) + v.At(x1, y1, z1)*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz, true
}

// Nearest returns the value of the voxel closest to p, or false when that
// voxel lies outside the grid.
func (v *Volume) Nearest(p geometry.Vec3) (float64, bool) {
	x, y, z := int(math.Round(p[0])), int(math.Round(p[1])), int(math.Round(p[2]))
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsNaN(p[2]) ||
		x < 0 || y < 0 || z < 0 || x >= v.Nx || y >= v.Ny || z >= v.Nz {
		return 0, false
	}
	return v.At(x, y, z), true
}
