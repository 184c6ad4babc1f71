package filter

import (
	"math"
	"testing"

	"tomoalign/pkg/volume"
)

func cosineVolume(n, k int) *volume.Volume {
	v := volume.New(n, n, n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				v.Set(x, y, z, 2+math.Cos(2*math.Pi*float64(k*x)/float64(n)))
			}
		}
	}
	return v
}

func TestGaussian(t *testing.T) {
	n := 12
	delta := volume.New(n, n, n)
	delta.Set(3, 5, 7, 1)

	out := Gaussian(delta, 1.5)
	var sum float64
	for _, x := range out.Data {
		sum += x
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("smoothing changed the total from 1 to %v", sum)
	}
	if got := out.At(3, 5, 7); got <= out.At(4, 5, 7) || got <= out.At(3, 5, 6) {
		t.Error("peak should stay at the impulse")
	}
	if l, r := out.At(2, 5, 7), out.At(4, 5, 7); math.Abs(l-r) > 1e-12 {
		t.Errorf("kernel not symmetric: %v vs %v", l, r)
	}
	want := math.Exp(-1 / (2 * 1.5 * 1.5))
	if ratio := out.At(4, 5, 7) / out.At(3, 5, 7); math.Abs(ratio-want) > 1e-6 {
		t.Errorf("neighbour ratio %v, want %v", ratio, want)
	}

	c := volume.Ones(n, n, n)
	for i, x := range Gaussian(c, 2).Data {
		if math.Abs(x-1) > 1e-12 {
			t.Fatalf("constant volume changed at %d: %v", i, x)
		}
	}

	same := Gaussian(delta, 0)
	if same == delta || same.At(3, 5, 7) != 1 {
		t.Error("sigma 0 should return a copy")
	}
}

func TestLowpass(t *testing.T) {
	n := 16
	v := cosineVolume(n, 3)

	tests := []struct {
		name string
		high float64
		keep bool
	}{
		{"below", 2.5, false},
		{"at", 3, true},
		{"above", 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Lowpass(v, tt.high, 0)
			if err != nil {
				t.Fatal(err)
			}
			for i := range out.Data {
				want := 2.0
				if tt.keep {
					want = v.Data[i]
				}
				if math.Abs(out.Data[i]-want) > 1e-9 {
					t.Fatalf("voxel %d = %v, want %v", i, out.Data[i], want)
				}
			}
		})
	}

	// A soft edge attenuates a component just beyond the cutoff.
	out, err := Lowpass(v, 2.5, 1)
	if err != nil {
		t.Fatal(err)
	}
	amp := out.At(0, 0, 0) - 2
	if want := math.Exp(-0.25); math.Abs(amp-want) > 1e-9 {
		t.Errorf("attenuated amplitude %v, want %v", amp, want)
	}

	if _, err := Lowpass(v, -1, 0); err == nil {
		t.Error("negative cutoff should fail")
	}
}

func TestSphereMask(t *testing.T) {
	m := SphereMask(11, 11, 11, 3, 0)
	if m.At(5, 5, 5) != 1 || m.At(8, 5, 5) != 1 || m.At(9, 5, 5) != 0 || m.At(0, 0, 0) != 0 {
		t.Error("hard mask boundary misplaced")
	}

	soft := SphereMask(11, 11, 11, 3, 1)
	if got := soft.At(9, 5, 5); math.Abs(got-math.Exp(-1)) > 1e-12 {
		t.Errorf("soft edge at r=4: %v", got)
	}
	if got := soft.At(10, 5, 5); got != 0 {
		t.Errorf("soft mask should be truncated below exp(-2), got %v", got)
	}

	v := volume.Ones(11, 11, 11)
	if got := ApplySphereMask(v, 3, 0); got.At(5, 5, 5) != 1 || got.At(0, 0, 0) != 0 {
		t.Error("ApplySphereMask")
	}
}
