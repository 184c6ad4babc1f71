package peaks

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"tomoalign/pkg/geometry"
)

// DefaultTolerance is the angular distance, in radians, below which two
// orientations are treated as the same.
const DefaultTolerance = 0.01

// orientation is a rotation embedded in R^9 through its matrix entries. The
// Frobenius distance between embeddings of rotations theta apart is
// 2 sqrt(2) sin(theta/2), so angular balls map to Euclidean balls.
type orientation struct {
	m   geometry.Matrix3
	idx int
}

// Compare implements kdtree.Comparable.
func (o orientation) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return o.m[d] - c.(orientation).m[d]
}

// Dims implements kdtree.Comparable.
func (o orientation) Dims() int { return 9 }

// Distance returns the squared Frobenius distance.
func (o orientation) Distance(c kdtree.Comparable) float64 {
	q := c.(orientation)
	var sum float64
	for i := range o.m {
		d := o.m[i] - q.m[i]
		sum += d * d
	}
	return sum
}

type orientations []orientation

func (p orientations) Index(i int) kdtree.Comparable         { return p[i] }
func (p orientations) Len() int                              { return len(p) }
func (p orientations) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p orientations) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{orientations: p, Dim: d}, kdtree.MedianOfRandoms(plane{orientations: p, Dim: d}, 100))
}

// plane sorts orientations along one embedding axis.
type plane struct {
	orientations
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.orientations[i].m[p.Dim] < p.orientations[j].m[p.Dim]
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{orientations: p.orientations[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.orientations[i], p.orientations[j] = p.orientations[j], p.orientations[i]
}

// RemoveRedundant drops every angle lying within tol (radians) of a
// higher-ranked one and returns the survivors by descending score.
//
// Candidates are ranked by score, then lexicographically by angle, so the
// result depends only on the set of (angle, score) pairs and not on their
// input order. NaN scores rank last. Angles with NaN components are never
// considered redundant.
func RemoveRedundant(angles []geometry.EulerAngle, scores []float64, tol float64) ([]geometry.EulerAngle, []float64, error) {
	if len(angles) != len(scores) {
		return nil, nil, fmt.Errorf("%w: %d angles, %d scores", ErrLengthMismatch, len(angles), len(scores))
	}
	if !(tol >= 0) {
		return nil, nil, fmt.Errorf("%w: %v", ErrTolerance, tol)
	}

	order := make([]int, len(angles))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ranksBefore(angles[order[a]], scores[order[a]], angles[order[b]], scores[order[b]])
	})

	pts := make(orientations, 0, len(angles))
	for i, ea := range angles {
		if hasNaN(ea) {
			continue
		}
		pts = append(pts, orientation{m: geometry.RotationMatrix(ea), idx: i})
	}

	suppressed := make([]bool, len(angles))
	var tree *kdtree.Tree
	if len(pts) > 0 && tol > 0 {
		tree = kdtree.New(pts, false)
	}
	// Search a slightly larger chordal ball and confirm with the exact
	// quaternion distance.
	chord := 2 * math.Sqrt2 * math.Sin(math.Min(tol, math.Pi)/2)
	radius := chord*chord*(1+1e-9) + 1e-12

	var outA []geometry.EulerAngle
	var outS []float64
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		outA = append(outA, angles[i])
		outS = append(outS, scores[i])
		if tree == nil || hasNaN(angles[i]) {
			continue
		}

		keeper := kdtree.NewDistKeeper(radius)
		tree.NearestSet(keeper, orientation{m: geometry.RotationMatrix(angles[i]), idx: i})
		for _, item := range keeper.Heap {
			// Skip the sentinel value
			if item.Comparable == nil {
				continue
			}
			j := item.Comparable.(orientation).idx
			if j != i && !suppressed[j] && geometry.Distance(angles[i], angles[j]) < tol {
				suppressed[j] = true
			}
		}
	}
	return outA, outS, nil
}

func ranksBefore(a geometry.EulerAngle, sa float64, b geometry.EulerAngle, sb float64) bool {
	na, nb := math.IsNaN(sa), math.IsNaN(sb)
	switch {
	case na != nb:
		return nb
	case !na && sa != sb:
		return sa > sb
	}
	for k := range a {
		if a[k] != b[k] {
			return a[k] < b[k]
		}
	}
	return false
}

func hasNaN(ea geometry.EulerAngle) bool {
	return math.IsNaN(ea[0]) || math.IsNaN(ea[1]) || math.IsNaN(ea[2])
}
