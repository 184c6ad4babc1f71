// Package peaks extracts candidate orientations from a rotational
// correlation field and collapses near-duplicates on SO(3).
package peaks

import (
	"errors"
	"fmt"
	"math"

	"tomoalign/pkg/correlation"
	"tomoalign/pkg/geometry"
)

var (
	// ErrSpacing is returned for a negative neighbourhood radius.
	ErrSpacing = errors.New("negative peak spacing")

	// ErrTolerance is returned for a negative or NaN angular tolerance.
	ErrTolerance = errors.New("invalid angular tolerance")

	// ErrLengthMismatch is returned when angles and scores differ in length.
	ErrLengthMismatch = errors.New("angles and scores differ in length")
)

// LocalMaxima returns, in scan order, the indices of f whose score is not
// exceeded anywhere in the periodic cube of half-width spacing around them.
// Of equal scores within a neighbourhood only the lowest index survives.
// A spacing of 0 returns every index. Otherwise NaN scores are never
// maxima, and a spacing of N/2 or more covers the whole periodic field.
func LocalMaxima(f *correlation.Field, spacing int) ([]int, error) {
	if spacing < 0 {
		return nil, fmt.Errorf("%w: %d", ErrSpacing, spacing)
	}
	if f == nil || f.Len() == 0 {
		return nil, nil
	}
	if spacing == 0 {
		all := make([]int, f.Len())
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	n := f.N
	spacing = min(spacing, n/2)
	wrap := func(i int) int {
		return ((i % n) + n) % n
	}

	var out []int
	for i, v := range f.Data {
		if math.IsNaN(v) {
			continue
		}
		a, b, c := f.Coords(i)
		if isMax(f, i, v, a, b, c, spacing, wrap) {
			out = append(out, i)
		}
	}
	return out, nil
}

func isMax(f *correlation.Field, i int, v float64, a, b, c, spacing int, wrap func(int) int) bool {
	for dc := -spacing; dc <= spacing; dc++ {
		zc := wrap(c + dc)
		for db := -spacing; db <= spacing; db++ {
			yb := wrap(b + db)
			for da := -spacing; da <= spacing; da++ {
				j := f.Index(wrap(a+da), yb, zc)
				if j == i {
					continue
				}
				w := f.Data[j]
				if w > v || (w == v && j < i) {
					return false
				}
			}
		}
	}
	return true
}

// FindLocalMaxima converts the local maxima of f into Euler angles and their
// scores, in scan order.
func FindLocalMaxima(f *correlation.Field, spacing int) ([]geometry.EulerAngle, []float64, error) {
	idx, err := LocalMaxima(f, spacing)
	if err != nil {
		return nil, nil, err
	}
	angles := make([]geometry.EulerAngle, len(idx))
	scores := make([]float64, len(idx))
	for k, i := range idx {
		angles[k] = f.Angle(i)
		scores[k] = f.Data[i]
	}
	return angles, scores, nil
}
