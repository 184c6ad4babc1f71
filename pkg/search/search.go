// Package search aligns one masked volume against another. It combines the
// spherical-harmonic rotation search with a Fourier translation search and
// prioritises the resulting hypotheses by masked correlation.
package search

import (
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"tomoalign/pkg/correlation"
	"tomoalign/pkg/fft"
	"tomoalign/pkg/geometry"
	"tomoalign/pkg/metrics"
	"tomoalign/pkg/peaks"
	"tomoalign/pkg/volume"
	"tomoalign/pkg/wigner"
)

// Candidate is one alignment hypothesis: moving the second volume by
// Rotation and then Translation maps it onto the first with the given score.
type Candidate struct {
	Score       float64
	Translation geometry.Vec3
	Rotation    geometry.EulerAngle

	// source and peak locate the correlation field maximum the candidate
	// came from.
	source Space
	peak   int
}

// Transform applies the candidate to v.
func (c Candidate) Transform(v *volume.Volume, fill volume.Fill) *volume.Volume {
	return volume.Rotate(v, geometry.RotationMatrix(c.Rotation), c.Translation, fill)
}

// Space selects what the rotation search correlates.
type Space int

const (
	// SpaceAuto searches both real space and the amplitude spectra and
	// ranks the refined candidates of the two together.
	SpaceAuto Space = iota
	// SpaceReal correlates the masked volumes about the grid centre. The
	// rotation is only found when the volumes are concentric.
	SpaceReal
	// SpaceAmplitude correlates the centred Fourier amplitude spectra,
	// which translations leave unchanged.
	SpaceAmplitude
)

func (s Space) String() string {
	switch s {
	case SpaceAuto:
		return "auto"
	case SpaceReal:
		return "real"
	case SpaceAmplitude:
		return "amplitude"
	default:
		return fmt.Sprintf("Space(%d)", int(s))
	}
}

// ParseSpace converts "auto", "real" or "amplitude" to a Space.
func ParseSpace(s string) (Space, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return SpaceAuto, nil
	case "real":
		return SpaceReal, nil
	case "amplitude":
		return SpaceAmplitude, nil
	default:
		return SpaceAuto, fmt.Errorf("unknown search space %q", s)
	}
}

// sources lists the searches s runs, real space first.
func (s Space) sources() []Space {
	switch s {
	case SpaceReal, SpaceAmplitude:
		return []Space{s}
	default:
		return []Space{SpaceReal, SpaceAmplitude}
	}
}

// ProgressCallback reports how many candidates have been refined.
type ProgressCallback func(completed, total int, message string)

// Options configures CombinedSearch.
type Options struct {
	// L is the angular bandwidth. The rotation grid step is 90/L degrees at
	// the default oversampling.
	L int

	// PeakSpacing is the half-width of the neighbourhood a correlation peak
	// must dominate.
	PeakSpacing int

	// Tolerance is the rotation distance in radians below which two peaks
	// are merged.
	Tolerance float64

	// Oversample multiplies the angular sampling of the correlation field.
	Oversample int

	// MaxCandidates bounds the number of peaks refined; 0 keeps them all.
	// With SpaceAuto the bound covers both searches, which contribute
	// peaks alternately.
	MaxCandidates int

	// Space selects the rotation search. The zero value, SpaceAuto, finds
	// the rotation whether or not the volumes are concentric.
	Space Space

	// Workers bounds the goroutines used per stage; 0 means runtime.NumCPU().
	Workers int

	// Logger receives stage timings. Nil discards them.
	Logger *slog.Logger

	// Progress, when set, is called after each refined candidate.
	Progress ProgressCallback
}

// Default search parameters.
const (
	DefaultL           = 8
	DefaultPeakSpacing = 2
	DefaultOversample  = 2
)

// DefaultOptions returns the standard search parameters.
func DefaultOptions() Options {
	return Options{
		L:           DefaultL,
		PeakSpacing: DefaultPeakSpacing,
		Tolerance:   peaks.DefaultTolerance,
		Oversample:  DefaultOversample,
		Workers:     runtime.NumCPU(),
	}
}

func (o Options) validate() error {
	if o.L <= 0 {
		return fmt.Errorf("%w: L = %d", correlation.ErrBandwidth, o.L)
	}
	if o.PeakSpacing < 0 {
		return fmt.Errorf("%w: %d", peaks.ErrSpacing, o.PeakSpacing)
	}
	if !(o.Tolerance >= 0) {
		return fmt.Errorf("%w: %v", peaks.ErrTolerance, o.Tolerance)
	}
	if o.MaxCandidates < 0 {
		return fmt.Errorf("negative candidate limit %d", o.MaxCandidates)
	}
	if o.Space < SpaceAuto || o.Space > SpaceAmplitude {
		return fmt.Errorf("unknown search space %v", o.Space)
	}
	return nil
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// CombinedSearch returns the alignments of (v2, m2) onto (v1, m1), best
// first. Masks weight voxels in [0, 1]; nil means all ones.
//
// Degenerate input (zero-sized or NaN-containing volumes, all-zero volumes
// or all-zero masks) yields an empty result and no error. Errors are
// reserved for mismatched shapes and invalid options.
func CombinedSearch(v1, m1, v2, m2 *volume.Volume, opts Options) ([]Candidate, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if v1 == nil || v2 == nil {
		return nil, nil
	}
	if err := volume.CheckShapes(v1, m1, v2, m2); err != nil {
		return nil, err
	}
	m1 = orOnes(m1, v1)
	m2 = orOnes(m2, v2)

	log := opts.logger()
	if degenerate(v1, m1) || degenerate(v2, m2) {
		log.Debug("degenerate input, nothing to align", "dims", v1.Dims())
		return nil, nil
	}

	radii := correlation.DefaultRadii(v1)
	if len(radii) == 0 {
		log.Debug("volume too small for a shell decomposition", "dims", v1.Dims())
		return nil, nil
	}

	f := v1.Centred(m1)
	g := v2.Centred(m2)
	table := wigner.Get(math.Pi/2, opts.L)
	sources := opts.Space.sources()
	lists := make([][]hypothesis, len(sources))
	for k, src := range sources {
		a, b := f, g
		if src == SpaceAmplitude {
			a, b = Amplitude(f), Amplitude(g)
		}
		hyps, err := rotationPeaks(a, b, v1.Center(), radii, table, src, opts)
		if err != nil {
			return nil, err
		}
		lists[k] = hyps
	}
	hyps := interleave(lists)
	if opts.MaxCandidates > 0 && len(hyps) > opts.MaxCandidates {
		hyps = hyps[:opts.MaxCandidates]
	}

	start := time.Now()
	out := refine(v1, m1, v2, m2, hyps, opts)
	sortCandidates(out)
	if len(sources) > 1 {
		out = dedupe(out, opts.Tolerance)
	}
	log.Debug("candidates scored", "count", len(out), "elapsed", time.Since(start))
	return out, nil
}

// rotationPeaks runs the rotation search of g against f and returns its
// distinct peaks by descending correlation.
func rotationPeaks(f, g *volume.Volume, centre geometry.Vec3, radii []float64, table *wigner.Table, src Space, opts Options) ([]hypothesis, error) {
	log := opts.logger()
	start := time.Now()
	field, err := correlation.RotationSearch(f, g, opts.L, radii, table, centre, correlation.Options{
		Oversample: opts.Oversample,
		Workers:    opts.workers(),
	})
	if err != nil {
		return nil, err
	}
	log.Debug("rotation search done", "space", src, "L", opts.L, "shells", len(radii), "samples", field.N, "elapsed", time.Since(start))

	idx, err := peaks.LocalMaxima(field, opts.PeakSpacing)
	if err != nil {
		return nil, err
	}
	hyps, err := collapse(field, idx, opts.Tolerance, src)
	if err != nil {
		return nil, err
	}
	log.Debug("peaks extracted", "space", src, "maxima", len(idx), "distinct", len(hyps))
	return hyps, nil
}

// interleave merges ranked lists by taking one entry of each in turn, so
// that a candidate limit shares out evenly between them.
func interleave(lists [][]hypothesis) []hypothesis {
	if len(lists) == 1 {
		return lists[0]
	}
	var out []hypothesis
	for k := 0; ; k++ {
		added := false
		for _, l := range lists {
			if k < len(l) {
				out = append(out, l[k])
				added = true
			}
		}
		if !added {
			return out
		}
	}
}

// sortCandidates orders c by descending score with NaN scores last. Equal
// scores keep real-space candidates first, then the lower field index.
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		na, nb := math.IsNaN(a.Score), math.IsNaN(b.Score)
		switch {
		case na != nb:
			return nb
		case !na && a.Score != b.Score:
			return a.Score > b.Score
		case a.source != b.source:
			return a.source < b.source
		}
		return a.peak < b.peak
	})
}

// dedupe drops every candidate whose rotation equals, or lies within tol of,
// an earlier one. c must be sorted.
func dedupe(c []Candidate, tol float64) []Candidate {
	kept := c[:0]
	for _, x := range c {
		redundant := false
		for _, k := range kept {
			if k.Rotation == x.Rotation || geometry.Distance(k.Rotation, x.Rotation) < tol {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, x)
		}
	}
	return kept
}

// Align returns the best candidate of CombinedSearch. When the search finds
// nothing it returns the zero Candidate, a score-0 identity alignment.
func Align(v1, m1, v2, m2 *volume.Volume, opts Options) (Candidate, error) {
	res, err := CombinedSearch(v1, m1, v2, m2, opts)
	if err != nil || len(res) == 0 {
		return Candidate{}, err
	}
	return res[0], nil
}

// Template is a named reference volume with its mask.
type Template struct {
	Name   string
	Volume *volume.Volume
	Mask   *volume.Volume
}

// AlignToTemplates aligns (v, m) against every template and returns the
// index of the best-scoring one with its alignment, which moves v onto the
// template. It returns -1 when no template scores above zero.
func AlignToTemplates(v, m *volume.Volume, templates []Template, opts Options) (int, Candidate, error) {
	best := -1
	var bestMatch Candidate
	for i, t := range templates {
		c, err := Align(t.Volume, t.Mask, v, m, opts)
		if err != nil {
			return -1, Candidate{}, fmt.Errorf("template %q: %w", t.Name, err)
		}
		opts.logger().Debug("template aligned", "template", t.Name, "score", c.Score)
		if c.Score > bestMatch.Score {
			best, bestMatch = i, c
		}
	}
	return best, bestMatch, nil
}

// hypothesis is a distinct rotation peak awaiting translation refinement.
type hypothesis struct {
	source Space
	peak   int
	angle  geometry.EulerAngle
}

// collapse merges peaks closer than tol, keeping the highest of each cluster,
// and returns them by descending correlation.
func collapse(field *correlation.Field, idx []int, tol float64, src Space) ([]hypothesis, error) {
	angles := make([]geometry.EulerAngle, len(idx))
	scores := make([]float64, len(idx))
	byAngle := make(map[geometry.EulerAngle]int, len(idx))
	for k, i := range idx {
		angles[k] = field.Angle(i)
		scores[k] = field.Data[i]
		if _, ok := byAngle[angles[k]]; !ok {
			byAngle[angles[k]] = i
		}
	}
	kept, _, err := peaks.RemoveRedundant(angles, scores, tol)
	if err != nil {
		return nil, err
	}
	out := make([]hypothesis, len(kept))
	for k, ea := range kept {
		out[k] = hypothesis{source: src, peak: byAngle[ea], angle: ea}
	}
	return out, nil
}

// refine estimates the translation and the final score of every hypothesis.
// Hypotheses are independent and are spread over opts.Workers goroutines.
func refine(v1, m1, v2, m2 *volume.Volume, hyps []hypothesis, opts Options) []Candidate {
	out := make([]Candidate, len(hyps))
	jobs := make(chan int, len(hyps))
	for i := range hyps {
		jobs <- i
	}
	close(jobs)

	f := v1.Centred(m1)

	var mu sync.Mutex
	completed := 0

	var wg sync.WaitGroup
	for w := 0; w < min(opts.workers(), len(hyps)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				h := hyps[i]
				r := geometry.RotationMatrix(h.angle)
				v2r := volume.Rotate(v2, r, geometry.Vec3{}, volume.FillMean)
				m2r := volume.RotateMask(m2, r)
				t := estimateTranslation(f, v2r.Centred(m2r))
				out[i] = Candidate{
					Score:       Score(v1, m1, v2, m2, h.angle, t),
					Translation: t,
					Rotation:    h.angle,
					source:      h.source,
					peak:        h.peak,
				}

				if opts.Progress != nil {
					mu.Lock()
					completed++
					opts.Progress(completed, len(hyps), "refining candidates")
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return out
}

// Score is the masked correlation between v1 and v2 moved by (ea, t), over
// voxels weighted by m1 and the correspondingly moved m2.
func Score(v1, m1, v2, m2 *volume.Volume, ea geometry.EulerAngle, t geometry.Vec3) float64 {
	m1 = orOnes(m1, v1)
	m2 = orOnes(m2, v2)
	r := geometry.RotationMatrix(ea)
	moved := volume.Rotate(v2, r, t, volume.FillMean)
	w := m1.Mul(volume.RotateMaskShift(m2, r, t))
	return metrics.NCC(v1, moved, w)
}

// EstimateTranslation returns the shift t for which b moved by t best
// matches a, to sub-voxel precision. Masks weight the volumes and may be nil.
func EstimateTranslation(a, ma, b, mb *volume.Volume) (geometry.Vec3, error) {
	if err := volume.CheckShapes(a, ma, b, mb); err != nil {
		return geometry.Vec3{}, err
	}
	if a.Empty() {
		return geometry.Vec3{}, volume.ErrEmpty
	}
	return estimateTranslation(a.Centred(ma), b.Centred(mb)), nil
}

func estimateTranslation(a, b *volume.Volume) geometry.Vec3 {
	cc := fft.CrossCorrelate(a, b)
	best := 0
	for i, x := range cc.Data {
		if x > cc.Data[best] {
			best = i
		}
	}
	x := best % cc.Nx
	y := (best / cc.Nx) % cc.Ny
	z := best / (cc.Nx * cc.Ny)

	at := func(x, y, z int) float64 {
		return cc.At((x+cc.Nx)%cc.Nx, (y+cc.Ny)%cc.Ny, (z+cc.Nz)%cc.Nz)
	}
	c := at(x, y, z)
	return geometry.Vec3{
		signed(x, cc.Nx) + parabolic(at(x-1, y, z), c, at(x+1, y, z)),
		signed(y, cc.Ny) + parabolic(at(x, y-1, z), c, at(x, y+1, z)),
		signed(z, cc.Nz) + parabolic(at(x, y, z-1), c, at(x, y, z+1)),
	}
}

// signed maps a circular index to a shift in (-n/2, n/2].
func signed(i, n int) float64 {
	if i > n/2 {
		return float64(i - n)
	}
	return float64(i)
}

// parabolic returns the vertex offset of the parabola through three equally
// spaced samples around a maximum, clamped to half a voxel.
func parabolic(l, c, r float64) float64 {
	den := l - 2*c + r
	if !(den < 0) {
		return 0
	}
	d := 0.5 * (l - r) / den
	return math.Max(-0.5, math.Min(0.5, d))
}

// Amplitude returns |FFT(v)| with the zero frequency moved to the centre and
// the mean removed.
func Amplitude(v *volume.Volume) *volume.Volume {
	c := fft.Forward(fft.FromVolume(v))
	a := volume.New(v.Nx, v.Ny, v.Nz)
	for i, x := range c.Data {
		a.Data[i] = cmplx.Abs(x)
	}
	a = fft.Shift(a)
	mean := a.Mean()
	for i := range a.Data {
		a.Data[i] -= mean
	}
	return a
}

func orOnes(m, like *volume.Volume) *volume.Volume {
	if m != nil {
		return m
	}
	return volume.Ones(like.Nx, like.Ny, like.Nz)
}

func degenerate(v, m *volume.Volume) bool {
	return v.Empty() || v.IsZero() || m.IsZero() || v.HasNaN() || m.HasNaN()
}
