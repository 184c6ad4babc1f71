// Package visualization renders 2-D previews of volumes so that an
// alignment can be inspected without a dedicated viewer.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"tomoalign/pkg/volume"
)

// Viewer extracts grey-scale slices and subregions from a volume. Intensities
// are mapped linearly from the display window [low, high] onto the full
// 16-bit range.
type Viewer struct {
	// vol holds the volume being inspected
	vol *volume.Volume

	// display window
	low  float64
	high float64
}

// NewViewer creates a viewer whose display window spans the value range of v.
func NewViewer(v *volume.Volume) *Viewer {
	low, high := v.Range()
	return &Viewer{vol: v, low: low, high: high}
}

// SetWindow fixes the display window, so that several volumes can be shown
// on the same intensity scale.
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

// Window returns the current display window.
func (v *Viewer) Window() (low, high float64) {
	return v.low, v.high
}

func (v *Viewer) gray(value float64) color.Gray16 {
	span := v.high - v.low
	if !(span > 0) || math.IsNaN(value) {
		return color.Gray16{}
	}
	t := (value - v.low) / span
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, t)) * 65535))}
}

// axisLength returns the number of slices along axis.
func (v *Viewer) axisLength(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.vol.Nx, nil
	case "y":
		return v.vol.Ny, nil
	case "z":
		return v.vol.Nz, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts a 2D slice perpendicular to the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	n, err := v.axisLength(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	var img *image.Gray16
	switch strings.ToLower(axis) {
	case "x":
		// YZ plane, z across
		img = image.NewGray16(image.Rect(0, 0, v.vol.Nz, v.vol.Ny))
		for y := 0; y < v.vol.Ny; y++ {
			for z := 0; z < v.vol.Nz; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}
	case "y":
		// XZ plane, z down
		img = image.NewGray16(image.Rect(0, 0, v.vol.Nx, v.vol.Nz))
		for z := 0; z < v.vol.Nz; z++ {
			for x := 0; x < v.vol.Nx; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, v.vol.Nx, v.vol.Ny))
		for y := 0; y < v.vol.Ny; y++ {
			for x := 0; x < v.vol.Nx; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}
	}
	return img, nil
}

// ExtractRegion copies a box of the volume starting at the given corner
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*volume.Volume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > v.vol.Nx || startY+sizeY > v.vol.Ny || startZ+sizeZ > v.vol.Nz {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := volume.New(sizeX, sizeY, sizeZ)
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := v.vol.Index(startX, startY+y, startZ+z)
			copy(region.Data[region.Index(0, y, z):region.Index(0, y, z)+sizeX], v.vol.Data[src:src+sizeX])
		}
	}
	return region, nil
}

// SaveSlice writes img to filename, as JPEG for .jpg and .jpeg names and as
// PNG otherwise.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filename, err)
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	n, err := v.axisLength(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", strings.ToLower(axis), pos))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// SaveOrthogonal writes the three central slices of the volume as
// <prefix>_x.png, <prefix>_y.png and <prefix>_z.png and returns their paths.
func (v *Viewer) SaveOrthogonal(outputDir, prefix string) ([]string, error) {
	if v.vol.Empty() {
		return nil, volume.ErrEmpty
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	centre := [3]int{v.vol.Nx / 2, v.vol.Ny / 2, v.vol.Nz / 2}
	var paths []string
	for i, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, centre[i])
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, axis))
		if err := SaveSlice(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
