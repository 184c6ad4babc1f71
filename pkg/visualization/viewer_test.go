package visualization

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"tomoalign/pkg/volume"
)

// gradientVolume fills each voxel with x + 10y + 100z
func gradientVolume(nx, ny, nz int) *volume.Volume {
	v := volume.New(nx, ny, nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v.Set(x, y, z, float64(x+10*y+100*z))
			}
		}
	}
	return v
}

// TestNewViewer verifies that the display window spans the volume range
func TestNewViewer(t *testing.T) {
	v := gradientVolume(4, 3, 2)
	viewer := NewViewer(v)

	low, high := viewer.Window()
	if low != 0 {
		t.Errorf("Expected window low 0, got %f", low)
	}
	if high != 123 {
		t.Errorf("Expected window high 123, got %f", high)
	}

	viewer.SetWindow(-1, 1)
	if low, high = viewer.Window(); low != -1 || high != 1 {
		t.Errorf("Expected window [-1, 1], got [%f, %f]", low, high)
	}
}

// TestExtractSlice verifies slice dimensions and intensity mapping
func TestExtractSlice(t *testing.T) {
	width, height, depth := 6, 5, 4
	v := volume.New(width, height, depth)
	// Each slice along Z has a unique value
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(x, y, z, float64(z))
			}
		}
	}
	viewer := NewViewer(v)

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}
		expected := uint16(float64(z)/float64(depth-1)*65535 + 0.5)
		if got := img.Gray16At(width/2, height/2).Y; got != expected {
			t.Errorf("Expected Z slice value %d at center, got %d", expected, got)
		}
	}

	tests := []struct {
		axis   string
		dx, dy int
	}{
		{"x", depth, height},
		{"Y", width, depth},
		{"z", width, height},
	}
	for _, tt := range tests {
		t.Run(tt.axis, func(t *testing.T) {
			img, err := viewer.ExtractSlice(tt.axis, 1)
			if err != nil {
				t.Fatalf("Failed to extract slice: %v", err)
			}
			if b := img.Bounds(); b.Dx() != tt.dx || b.Dy() != tt.dy {
				t.Errorf("Expected dimensions %dx%d, got %dx%d", tt.dx, tt.dy, b.Dx(), b.Dy())
			}
		})
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("x", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestExtractSliceOrientation checks which volume axis runs along each image axis
func TestExtractSliceOrientation(t *testing.T) {
	v := gradientVolume(4, 3, 2)
	viewer := NewViewer(v)

	// x slice: image column is z, row is y
	img, err := viewer.ExtractSlice("x", 0)
	if err != nil {
		t.Fatal(err)
	}
	if img.Gray16At(1, 0).Y != viewer.gray(v.At(0, 0, 1)).Y {
		t.Error("x slice column should follow z")
	}
	if img.Gray16At(0, 2).Y != viewer.gray(v.At(0, 2, 0)).Y {
		t.Error("x slice row should follow y")
	}

	// y slice: image column is x, row is z
	img, err = viewer.ExtractSlice("y", 1)
	if err != nil {
		t.Fatal(err)
	}
	if img.Gray16At(3, 1).Y != viewer.gray(v.At(3, 1, 1)).Y {
		t.Error("y slice pixel does not match voxel")
	}
}

// TestFlatVolume verifies that a constant volume renders black instead of dividing by zero
func TestFlatVolume(t *testing.T) {
	v := volume.Ones(3, 3, 3)
	img, err := NewViewer(v).ExtractSlice("z", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.Gray16At(1, 1).Y; got != 0 {
		t.Errorf("Expected 0 for a flat volume, got %d", got)
	}
}

// TestExtractRegion verifies that 3D regions are correctly extracted
func TestExtractRegion(t *testing.T) {
	v := gradientVolume(10, 10, 5)
	viewer := NewViewer(v)

	startX, startY, startZ := 2, 3, 1
	sizeX, sizeY, sizeZ := 4, 3, 2
	region, err := viewer.ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if region.Nx != sizeX || region.Ny != sizeY || region.Nz != sizeZ {
		t.Fatalf("Expected region %dx%dx%d, got %v", sizeX, sizeY, sizeZ, region.Dims())
	}
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				want := v.At(startX+x, startY+y, startZ+z)
				if got := region.At(x, y, z); got != want {
					t.Errorf("Region value mismatch at (%d,%d,%d): expected %f, got %f", x, y, z, want, got)
				}
			}
		}
	}

	invalid := []struct {
		name string
		args [6]int
	}{
		{"negative start", [6]int{-1, 0, 0, 1, 1, 1}},
		{"zero size", [6]int{0, 0, 0, 0, 1, 1}},
		{"beyond boundary", [6]int{9, 0, 0, 2, 1, 1}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.args
			if _, err := viewer.ExtractRegion(a[0], a[1], a[2], a[3], a[4], a[5]); err == nil {
				t.Error("Expected an error, got nil")
			}
		})
	}
}

// TestSaveSlice verifies that slices are written as decodable PNG and JPEG files
func TestSaveSlice(t *testing.T) {
	tempDir := t.TempDir()
	viewer := NewViewer(gradientVolume(5, 4, 3))
	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	pngPath := filepath.Join(tempDir, "slice.png")
	if err := SaveSlice(img, pngPath); err != nil {
		t.Fatalf("Failed to save slice: %v", err)
	}
	f, err := os.Open(pngPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("Saved PNG does not decode: %v", err)
	}
	if decoded.Bounds() != img.Bounds() {
		t.Errorf("Expected bounds %v, got %v", img.Bounds(), decoded.Bounds())
	}

	jpgPath := filepath.Join(tempDir, "slice.jpg")
	if err := SaveSlice(img, jpgPath); err != nil {
		t.Fatalf("Failed to save JPEG slice: %v", err)
	}
	if _, err := os.Stat(jpgPath); err != nil {
		t.Errorf("Saved file does not exist: %s", jpgPath)
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	depth := 3
	viewer := NewViewer(gradientVolume(5, 5, depth))

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}

// TestSaveOrthogonal verifies that the three central slices are written
func TestSaveOrthogonal(t *testing.T) {
	outputDir := t.TempDir()
	paths, err := NewViewer(gradientVolume(4, 4, 4)).SaveOrthogonal(outputDir, "aligned")
	if err != nil {
		t.Fatalf("SaveOrthogonal failed: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(paths))
	}
	for _, axis := range []string{"x", "y", "z"} {
		want := filepath.Join(outputDir, "aligned_"+axis+".png")
		if _, err := os.Stat(want); err != nil {
			t.Errorf("Expected %s to exist", want)
		}
	}

	if _, err := NewViewer(volume.New(0, 0, 0)).SaveOrthogonal(outputDir, "empty"); err == nil {
		t.Error("Expected error for empty volume")
	}
}
