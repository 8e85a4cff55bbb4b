// Package framestore reads and writes the files of a capture run: RAW10 and
// RAW16 frame buffers, JSON metadata records, ROI sets and FITS exports.
package framestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrFrameSize is returned when a file does not hold width*height samples
	ErrFrameSize = errors.New("RAW16 file size does not match frame geometry")

	// ErrPatchBounds is returned when a patch extends outside the frame
	ErrPatchBounds = errors.New("patch extends outside frame")
)

// Frame is a row-major buffer of 16-bit samples.  Frames read from the store
// are never mutated by this package.
type Frame struct {
	Width  int
	Height int
	Pix    []uint16
}

// NewFrame allocates a zeroed frame
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]uint16, width*height)}
}

// At returns the sample at (row, col)
func (f Frame) At(row, col int) uint16 {
	return f.Pix[row*f.Width+col]
}

// PatchMean returns the arithmetic mean of the square patch of side
// 2*halfWidth+1 centred on (row, col)
func (f Frame) PatchMean(row, col, halfWidth int) (float64, error) {
	r0, r1 := row-halfWidth, row+halfWidth
	c0, c1 := col-halfWidth, col+halfWidth
	if halfWidth < 0 || r0 < 0 || c0 < 0 || r1 >= f.Height || c1 >= f.Width {
		return 0, fmt.Errorf("%w: centre (%d,%d) half width %d in %dx%d", ErrPatchBounds, row, col, halfWidth, f.Width, f.Height)
	}
	var sum uint64
	for r := r0; r <= r1; r++ {
		line := f.Pix[r*f.Width+c0 : r*f.Width+c1+1]
		for _, v := range line {
			sum += uint64(v)
		}
	}
	side := uint64(2*halfWidth + 1)
	return float64(sum) / float64(side*side), nil
}

// EncodeRaw16 serializes samples as little-endian uint16, the layout the
// converter and numpy's tofile produce
func EncodeRaw16(pix []uint16) []byte {
	buf := make([]byte, 2*len(pix))
	for i, v := range pix {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return buf
}

// DecodeRaw16 is the inverse of EncodeRaw16
func DecodeRaw16(b []byte, width, height int) (Frame, error) {
	if width <= 0 || height <= 0 || len(b) != 2*width*height {
		return Frame{}, fmt.Errorf("%w: %d bytes for %dx%d", ErrFrameSize, len(b), width, height)
	}
	f := NewFrame(width, height)
	for i := range f.Pix {
		f.Pix[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return f, nil
}

// WriteRaw16 writes a frame to path, creating parent directories
func WriteRaw16(path string, f Frame) error {
	if len(f.Pix) != f.Width*f.Height {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrFrameSize, len(f.Pix), f.Width, f.Height)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, EncodeRaw16(f.Pix), 0o644)
}

// ReadRaw16 reads a frame of known geometry from path
func ReadRaw16(path string, width, height int) (Frame, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, err
	}
	f, err := DecodeRaw16(b, width, height)
	if err != nil {
		return Frame{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// rawExts are the suffixes recognized as frame files
var rawExts = map[string]bool{".raw": true, ".raw16": true, ".bin": true}

// ListRaw lists frame files in dir, sorted by name.  A missing directory
// yields an empty list.
func ListRaw(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !rawExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
