// Package mrc reads and writes volumes in the MRC2014 format used for
// electron tomography maps.
package mrc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"

	"tomoalign/pkg/volume"
)

// ErrFormat is returned for files that are not valid MRC maps.
var ErrFormat = errors.New("invalid MRC file")

// Supported data modes.
const (
	ModeInt8    = 0
	ModeInt16   = 1
	ModeFloat32 = 2
	ModeUint16  = 6
)

// HeaderSize is the size of the fixed MRC header in bytes.
const HeaderSize = 1024

// MaxVoxels bounds the grid a header may declare.
const MaxVoxels = 1 << 30

// chunkVoxels is the number of voxels decoded per read.
const chunkVoxels = 1 << 16

// Header is the fixed 1024-byte MRC2014 header.
type Header struct {
	Nx, Ny, Nz                int32
	Mode                      int32
	NxStart, NyStart, NzStart int32
	Mx, My, Mz                int32
	CellLengths               [3]float32
	CellAngles                [3]float32
	MapC, MapR, MapS          int32
	DMin, DMax, DMean         float32
	ISpg                      int32
	NSymBT                    int32
	Extra1                    [8]byte
	ExtType                   [4]byte
	NVersion                  int32
	Extra2                    [84]byte
	Origin                    [3]float32
	Map                       [4]byte
	MachSt                    [4]byte
	RMS                       float32
	NLabl                     int32
	Labels                    [10][80]byte
}

// VoxelSize returns the cell length divided by the sampling along each axis,
// or 1 where the header leaves it undefined.
func (h *Header) VoxelSize() [3]float64 {
	m := [3]int32{h.Mx, h.My, h.Mz}
	var out [3]float64
	for i := range out {
		out[i] = 1
		if m[i] > 0 && h.CellLengths[i] > 0 {
			out[i] = float64(h.CellLengths[i]) / float64(m[i])
		}
	}
	return out
}

func byteOrder(machst [4]byte) binary.ByteOrder {
	if machst[0] == 0x11 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// axisOrder returns, for file columns, rows and sections, the volume axis
// (0 = x) each one runs along.
func (h *Header) axisOrder() ([3]int, error) {
	m := [3]int32{h.MapC, h.MapR, h.MapS}
	if m == [3]int32{} {
		return [3]int{0, 1, 2}, nil
	}
	var seen [3]bool
	var out [3]int
	for i, a := range m {
		if a < 1 || a > 3 || seen[a-1] {
			return out, fmt.Errorf("%w: axis mapping %v", ErrFormat, m)
		}
		seen[a-1] = true
		out[i] = int(a - 1)
	}
	return out, nil
}

// Read decodes an MRC map. The volume's x axis is the header's X axis
// regardless of the file's storage order.
//
// Headers declaring more than MaxVoxels voxels are rejected. When r is an
// io.Seeker the declared size is also checked against the bytes left in r
// before any voxel is read.
func Read(r io.Reader) (*volume.Volume, *Header, error) {
	avail := remaining(r)
	br := bufio.NewReader(r)
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: reading header: %v", ErrFormat, err)
	}

	var machst [4]byte
	copy(machst[:], raw[212:216])
	order := byteOrder(machst)

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw), order, h); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding header: %v", ErrFormat, err)
	}
	n, err := h.voxels()
	if err != nil {
		return nil, nil, err
	}
	size, err := modeSize(h.Mode)
	if err != nil {
		return nil, nil, err
	}
	axes, err := h.axisOrder()
	if err != nil {
		return nil, nil, err
	}
	if need := HeaderSize + int64(max(h.NSymBT, 0)) + n*int64(size); avail >= 0 && avail < need {
		return nil, nil, fmt.Errorf("%w: header declares %d bytes, file holds %d", ErrFormat, need, avail)
	}
	if h.NSymBT > 0 {
		if _, err := io.CopyN(io.Discard, br, int64(h.NSymBT)); err != nil {
			return nil, nil, fmt.Errorf("%w: skipping extended header: %v", ErrFormat, err)
		}
	}

	values, err := readValues(br, order, h.Mode, int(n))
	if err != nil {
		return nil, nil, err
	}

	// Nx, Ny, Nz count columns, rows and sections.
	stored := [3]int{int(h.Nx), int(h.Ny), int(h.Nz)}
	var dims [3]int
	for i, a := range axes {
		dims[a] = stored[i]
	}
	v := volume.New(dims[0], dims[1], dims[2])

	var p [3]int
	k := 0
	for p[2] = 0; p[2] < stored[2]; p[2]++ {
		for p[1] = 0; p[1] < stored[1]; p[1]++ {
			for p[0] = 0; p[0] < stored[0]; p[0]++ {
				var xyz [3]int
				for i, a := range axes {
					xyz[a] = p[i]
				}
				v.Set(xyz[0], xyz[1], xyz[2], values[k])
				k++
			}
		}
	}
	return v, h, nil
}

// voxels returns Nx*Ny*Nz, rejecting negative or oversized grids.
func (h *Header) voxels() (int64, error) {
	n := int64(1)
	for _, d := range [3]int32{h.Nx, h.Ny, h.Nz} {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimensions %d x %d x %d", ErrFormat, h.Nx, h.Ny, h.Nz)
		}
		if d > 0 && n > MaxVoxels/int64(d) {
			return 0, fmt.Errorf("%w: %d x %d x %d grid exceeds %d voxels", ErrFormat, h.Nx, h.Ny, h.Nz, MaxVoxels)
		}
		n *= int64(d)
	}
	return n, nil
}

// remaining returns the number of bytes left in r, or -1 when r cannot seek.
func remaining(r io.Reader) int64 {
	s, ok := r.(io.Seeker)
	if !ok {
		return -1
	}
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		return -1
	}
	return end - cur
}

func modeSize(mode int32) (int, error) {
	switch mode {
	case ModeInt8:
		return 1, nil
	case ModeInt16, ModeUint16:
		return 2, nil
	case ModeFloat32:
		return 4, nil
	default:
		return 0, fmt.Errorf("%w: unsupported mode %d", ErrFormat, mode)
	}
}

// readValues decodes n voxels in chunks, so that a stream shorter than its
// header claims fails before the whole grid is allocated.
func readValues(r io.Reader, order binary.ByteOrder, mode int32, n int) ([]float64, error) {
	size, err := modeSize(mode)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, min(n, chunkVoxels))
	buf := make([]byte, min(n, chunkVoxels)*size)
	for len(out) < n {
		k := min(n-len(out), chunkVoxels)
		b := buf[:k*size]
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("%w: reading %d voxels: %v", ErrFormat, n, err)
		}
		for i := 0; i < len(b); i += size {
			out = append(out, decode(order, mode, b[i:i+size]))
		}
	}
	return out, nil
}

func decode(order binary.ByteOrder, mode int32, b []byte) float64 {
	switch mode {
	case ModeInt8:
		return float64(int8(b[0]))
	case ModeInt16:
		return float64(int16(order.Uint16(b)))
	case ModeUint16:
		return float64(order.Uint16(b))
	default:
		return float64(math.Float32frombits(order.Uint32(b)))
	}
}

// NewHeader returns a little-endian mode 2 header describing v with unit
// voxel size.
func NewHeader(v *volume.Volume) *Header {
	h := &Header{
		Nx:          int32(v.Nx),
		Ny:          int32(v.Ny),
		Nz:          int32(v.Nz),
		Mode:        ModeFloat32,
		Mx:          int32(v.Nx),
		My:          int32(v.Ny),
		Mz:          int32(v.Nz),
		CellLengths: [3]float32{float32(v.Nx), float32(v.Ny), float32(v.Nz)},
		CellAngles:  [3]float32{90, 90, 90},
		MapC:        1,
		MapR:        2,
		MapS:        3,
		ISpg:        1,
		NVersion:    20140,
		Map:         [4]byte{'M', 'A', 'P', ' '},
		MachSt:      [4]byte{0x44, 0x44, 0, 0},
		NLabl:       1,
	}
	copy(h.Labels[0][:], "tomoalign")

	if !v.Empty() {
		lo, hi := v.Range()
		mean := stat.Mean(v.Data, nil)
		h.DMin, h.DMax, h.DMean = float32(lo), float32(hi), float32(mean)
		h.RMS = float32(stat.PopStdDev(v.Data, nil))
	} else {
		// No statistics: DMAX < DMIN.
		h.DMin, h.DMax, h.DMean, h.RMS = 0, -1, -2, -1
	}
	return h
}

// Write encodes v as a little-endian float32 MRC map.
func Write(w io.Writer, v *volume.Volume) error {
	if v.HasNaN() {
		return fmt.Errorf("mrc: volume contains NaN")
	}
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, NewHeader(v)); err != nil {
		return fmt.Errorf("mrc: writing header: %w", err)
	}
	buf := make([]float32, v.Len())
	for i, x := range v.Data {
		buf[i] = float32(x)
	}
	if err := binary.Write(bw, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("mrc: writing data: %w", err)
	}
	return bw.Flush()
}

// ReadFile reads an MRC map from disk.
func ReadFile(path string) (*volume.Volume, *Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open map: %w", err)
	}
	defer f.Close()

	v, h, err := Read(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, h, nil
}

// WriteFile writes v to path, replacing any existing file.
func WriteFile(path string, v *volume.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create map: %w", err)
	}
	if err := Write(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
