package search

import (
	"errors"
	"math"
	"testing"

	"tomoalign/pkg/correlation"
	"tomoalign/pkg/geometry"
	"tomoalign/pkg/metrics"
	"tomoalign/pkg/peaks"
	"tomoalign/pkg/volume"
)

type blob struct {
	offset geometry.Vec3
	amp    float64
	sigma  float64
}

// phantom places Gaussian blobs around the grid centre. The default layout
// has no rotational symmetry.
func phantom(n int, parts ...blob) *volume.Volume {
	if len(parts) == 0 {
		parts = []blob{
			{geometry.Vec3{3, 1, -1}, 1, 1.6},
			{geometry.Vec3{-2, 2, 3}, 0.7, 1.3},
			{geometry.Vec3{0, -3, 0}, 0.4, 1.2},
		}
	}
	v := volume.New(n, n, n)
	c := v.Center()
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				var sum float64
				for _, b := range parts {
					dx := float64(x) - c[0] - b.offset[0]
					dy := float64(y) - c[1] - b.offset[1]
					dz := float64(z) - c[2] - b.offset[2]
					sum += b.amp * math.Exp(-(dx*dx+dy*dy+dz*dz)/(2*b.sigma*b.sigma))
				}
				v.Set(x, y, z, sum)
			}
		}
	}
	return v
}

func TestCombinedSearchIdentical(t *testing.T) {
	v := phantom(16)
	opts := DefaultOptions()
	opts.L = 4

	res, err := CombinedSearch(v, nil, v, volume.Ones(16, 16, 16), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) == 0 {
		t.Fatal("no candidates")
	}
	top := res[0]
	if d := geometry.Distance(top.Rotation, geometry.EulerAngle{}); d > 1e-6 {
		t.Errorf("top rotation %v is %v rad from identity", top.Rotation.Degrees(), d)
	}
	for i, x := range top.Translation {
		if math.Abs(x) > 1e-6 {
			t.Errorf("translation[%d] = %v", i, x)
		}
	}
	if top.Score < 0.999 {
		t.Errorf("score = %v, want about 1", top.Score)
	}
	for i := 1; i < len(res); i++ {
		if res[i].Score > res[i-1].Score {
			t.Fatalf("candidates not sorted at %d", i)
		}
	}
}

func TestCombinedSearchRecoversRotation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping L=8 search in short mode")
	}
	v1 := phantom(16)
	r := geometry.RotationMatrix(geometry.Radians([3]float64{30, 0, 0}))
	v2 := volume.Rotate(v1, r, geometry.Vec3{}, volume.FillMean)

	opts := DefaultOptions()
	opts.L = 8
	res, err := CombinedSearch(v1, nil, v2, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) == 0 {
		t.Fatal("no candidates")
	}
	top := res[0]

	back := top.Transform(v2, volume.FillMean)
	if ncc := metrics.NCC(v1, back, nil); ncc <= 0.9 {
		t.Errorf("aligned NCC = %v, want > 0.9 (candidate %+v)", ncc, top)
	}
	want := geometry.Radians([3]float64{-30, 0, 0})
	if d := geometry.Distance(top.Rotation, want); d > 0.2 {
		t.Errorf("top rotation %v, %v rad from Rz(-30)", top.Rotation.Degrees(), d)
	}
}

func TestCombinedSearchTranslatedRotated(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping search in short mode")
	}
	quarter := geometry.EulerAngle{math.Pi / 2, math.Pi / 2, 0}
	tests := []struct {
		name  string
		n, L  int
		angle geometry.EulerAngle
		shift geometry.Vec3
		space Space
		tol   float64
	}{
		{"amplitude quarter turn", 16, 4, quarter, geometry.Vec3{1, -2, 1}, SpaceAmplitude, 1e-6},
		{"default quarter turn", 16, 4, quarter, geometry.Vec3{1, -2, 1}, SpaceAuto, 1e-6},
		{"default off-grid", 24, 8, geometry.Radians([3]float64{30, 0, 0}), geometry.Vec3{1.5, -2, 1}, SpaceAuto, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v1 := phantom(tt.n)
			r := geometry.RotationMatrix(tt.angle)
			v2 := volume.Rotate(v1, r, tt.shift, volume.FillMean)

			opts := DefaultOptions()
			opts.L = tt.L
			opts.Space = tt.space
			top, err := Align(v1, nil, v2, nil, opts)
			if err != nil {
				t.Fatal(err)
			}
			if ncc := metrics.NCC(v1, top.Transform(v2, volume.FillMean), nil); ncc <= 0.9 {
				t.Errorf("aligned NCC = %v, want > 0.9 (candidate %+v)", ncc, top)
			}
			if d := geometry.Distance(top.Rotation, geometry.EulerFromMatrix(r.Transpose())); d > tt.tol {
				t.Errorf("rotation %v is %v rad from the inverse of the applied one", top.Rotation.Degrees(), d)
			}
		})
	}
}

func TestCombinedSearchDegenerate(t *testing.T) {
	v := phantom(8)
	zero := volume.New(8, 8, 8)
	nan := v.Clone()
	nan.Data[5] = math.NaN()
	empty := volume.New(0, 0, 0)

	tests := []struct {
		name           string
		v1, m1, v2, m2 *volume.Volume
	}{
		{"zero volume", zero, nil, v, nil},
		{"zero second volume", v, nil, zero, nil},
		{"zero mask", v, zero, v, nil},
		{"zero second mask", v, nil, v, zero},
		{"empty volumes", empty, nil, empty, nil},
		{"nil volume", nil, nil, v, nil},
		{"nan volume", nan, nil, v, nil},
		{"too small for shells", volume.Ones(2, 2, 2), nil, volume.Ones(2, 2, 2), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := CombinedSearch(tt.v1, tt.m1, tt.v2, tt.m2, DefaultOptions())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res) != 0 {
				t.Errorf("got %d candidates, want none", len(res))
			}
		})
	}

	c, err := Align(zero, nil, v, nil, DefaultOptions())
	if err != nil || c != (Candidate{}) {
		t.Errorf("Align on zero input = %+v, %v; want the zero candidate", c, err)
	}
}

func TestCombinedSearchErrors(t *testing.T) {
	v := phantom(8)
	bad := func(f func(*Options)) Options {
		o := DefaultOptions()
		f(&o)
		return o
	}
	tests := []struct {
		name string
		v2   *volume.Volume
		opts Options
		want error
	}{
		{"shape mismatch", volume.New(8, 8, 6), DefaultOptions(), volume.ErrShapeMismatch},
		{"zero bandwidth", v, bad(func(o *Options) { o.L = 0 }), correlation.ErrBandwidth},
		{"negative spacing", v, bad(func(o *Options) { o.PeakSpacing = -1 }), peaks.ErrSpacing},
		{"negative tolerance", v, bad(func(o *Options) { o.Tolerance = -1 }), peaks.ErrTolerance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CombinedSearch(v, nil, tt.v2, nil, tt.opts); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := CombinedSearch(v, nil, v, nil, bad(func(o *Options) { o.MaxCandidates = -1 })); err == nil {
		t.Error("negative candidate limit should fail")
	}
	if _, err := CombinedSearch(v, nil, v, nil, bad(func(o *Options) { o.Space = Space(7) })); err == nil {
		t.Error("unknown search space should fail")
	}
}

func TestMaxCandidatesAndProgress(t *testing.T) {
	v := phantom(12)
	tests := []struct {
		space    Space
		min, max int
	}{
		{SpaceReal, 2, 2},
		// Both searches find the identity, which is reported once.
		{SpaceAuto, 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.space.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.L = 3
			opts.MaxCandidates = 2
			opts.Space = tt.space

			calls := 0
			last := 0
			opts.Progress = func(completed, total int, message string) {
				calls++
				last = completed
				if total != 2 {
					t.Errorf("total = %d, want 2", total)
				}
			}
			res, err := CombinedSearch(v, nil, v, nil, opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(res) < tt.min || len(res) > tt.max {
				t.Fatalf("got %d candidates, want %d to %d", len(res), tt.min, tt.max)
			}
			if calls != 2 || last != 2 {
				t.Errorf("progress called %d times, last %d", calls, last)
			}
		})
	}
}

func TestSortCandidatesNaNLast(t *testing.T) {
	nan := math.NaN()
	c := []Candidate{
		{Score: nan, peak: 0},
		{Score: 0.5, source: SpaceAmplitude, peak: 1},
		{Score: nan, peak: 2},
		{Score: 0.9, peak: 3},
		{Score: 0.5, source: SpaceReal, peak: 4},
		{Score: 0.5, source: SpaceReal, peak: 2},
	}
	sortCandidates(c)
	want := []int{3, 2, 4, 1, 0, 2}
	for i, x := range c {
		if x.peak != want[i] {
			t.Fatalf("order %v, want peaks %v", c, want)
		}
	}
	if !math.IsNaN(c[4].Score) || !math.IsNaN(c[5].Score) {
		t.Errorf("NaN scores not last: %v", c)
	}
}

func TestDedupe(t *testing.T) {
	a := geometry.EulerAngle{0.3, 0.4, 0.5}
	near := geometry.EulerAngle{0.3, 0.4, 0.505}
	far := geometry.EulerAngle{1.3, 0.4, 0.5}
	c := []Candidate{
		{Score: 0.9, Rotation: a, source: SpaceReal},
		{Score: 0.8, Rotation: a, source: SpaceAmplitude},
		{Score: 0.7, Rotation: near, source: SpaceAmplitude},
		{Score: 0.6, Rotation: far, source: SpaceReal},
	}
	tests := []struct {
		tol  float64
		want []float64
	}{
		{0, []float64{0.9, 0.7, 0.6}},
		{0.01, []float64{0.9, 0.6}},
		{math.Pi, []float64{0.9}},
	}
	for _, tt := range tests {
		got := dedupe(append([]Candidate(nil), c...), tt.tol)
		if len(got) != len(tt.want) {
			t.Errorf("tol %v: kept %d candidates, want %d", tt.tol, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].Score != tt.want[i] {
				t.Errorf("tol %v: candidate %d has score %v, want %v", tt.tol, i, got[i].Score, tt.want[i])
			}
		}
	}
}

func TestInterleave(t *testing.T) {
	h := func(src Space, peaks ...int) []hypothesis {
		out := make([]hypothesis, len(peaks))
		for i, p := range peaks {
			out[i] = hypothesis{source: src, peak: p}
		}
		return out
	}
	got := interleave([][]hypothesis{h(SpaceReal, 1, 2, 3), h(SpaceAmplitude, 7)})
	want := []hypothesis{{source: SpaceReal, peak: 1}, {source: SpaceAmplitude, peak: 7}, {source: SpaceReal, peak: 2}, {source: SpaceReal, peak: 3}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseSpace(t *testing.T) {
	tests := []struct {
		in      string
		want    Space
		wantErr bool
	}{
		{"", SpaceAuto, false},
		{"auto", SpaceAuto, false},
		{"Real", SpaceReal, false},
		{"amplitude", SpaceAmplitude, false},
		{"fourier", SpaceAuto, true},
	}
	for _, tt := range tests {
		got, err := ParseSpace(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSpace(%q) = %v, %v", tt.in, got, err)
		}
		if err == nil && tt.in != "" {
			if back, _ := ParseSpace(got.String()); back != got {
				t.Errorf("%v does not round-trip through String", got)
			}
		}
	}
}

func TestEstimateTranslation(t *testing.T) {
	v1 := phantom(16)
	tests := []geometry.Vec3{
		{0, 0, 0},
		{2, -1, 1},
		{-3, 2, 0},
		{0.5, 0, -0.5},
	}
	for _, s := range tests {
		v2 := volume.Rotate(v1, geometry.Identity, s, volume.FillMean)
		got, err := EstimateTranslation(v1, nil, v2, nil)
		if err != nil {
			t.Fatal(err)
		}
		for i := range got {
			if math.Abs(got[i]+s[i]) > 0.25 {
				t.Errorf("shift %v: estimate %v, want %v", s, got, geometry.Vec3{-s[0], -s[1], -s[2]})
				break
			}
		}
	}

	if _, err := EstimateTranslation(v1, nil, volume.New(4, 4, 4), nil); !errors.Is(err, volume.ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestParabolic(t *testing.T) {
	tests := []struct {
		l, c, r, want float64
	}{
		{1, 2, 1, 0},
		{0, 1, 0.5, 0.5 * -0.5 / -1.5},
		{1, 1, 1, 0},      // flat
		{0, 1, 3, 0},      // not a maximum along this axis
		{0, 1, 1.9, 0.5},  // clamped
		{1.9, 1, 0, -0.5}, // mirror
	}
	for _, tt := range tests {
		if got := parabolic(tt.l, tt.c, tt.r); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("parabolic(%v, %v, %v) = %v, want %v", tt.l, tt.c, tt.r, got, tt.want)
		}
	}
}

func TestAlignToTemplates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping template search in short mode")
	}
	target := phantom(12)
	other := phantom(12, blob{geometry.Vec3{0, 0, 0}, 1, 2.5})
	templates := []Template{
		{Name: "sphere", Volume: other},
		{Name: "match", Volume: target},
	}
	opts := DefaultOptions()
	opts.L = 3

	best, c, err := AlignToTemplates(target, nil, templates, opts)
	if err != nil {
		t.Fatal(err)
	}
	if best != 1 || c.Score < 0.99 {
		t.Errorf("best = %d (score %v), want template 1", best, c.Score)
	}

	best, _, err = AlignToTemplates(target, nil, nil, opts)
	if err != nil || best != -1 {
		t.Errorf("no templates: best = %d, err = %v", best, err)
	}
}

func TestScoreIdentity(t *testing.T) {
	v := phantom(10)
	if s := Score(v, nil, v, nil, geometry.EulerAngle{}, geometry.Vec3{}); math.Abs(s-1) > 1e-12 {
		t.Errorf("Score = %v, want 1", s)
	}
}
