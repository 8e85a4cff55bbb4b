/*Package raw10 unpacks MIPI CSI-2 RAW10 frames into 16-bit samples.

RAW10 packs four 10-bit pixels into five bytes: the first four bytes hold the
upper eight bits of pixels 0..3, and the fifth byte holds their two low bits,
pixel 0 in bits 1:0 through pixel 3 in bits 7:6.  Rows may be padded out to a
stride that is a multiple of the bus width.
*/
package raw10

import (
	"errors"
	"fmt"
)

// MaxValue is the largest value a 10-bit sample can hold
const MaxValue = 1023

var (
	// ErrGeometry is returned for non-positive or inconsistent frame geometry
	ErrGeometry = errors.New("invalid RAW10 geometry")

	// ErrShortBuffer is returned when the input holds fewer bytes than the geometry needs
	ErrShortBuffer = errors.New("RAW10 buffer too small for geometry")
)

// Geometry describes a packed frame
type Geometry struct {
	Width  int
	Height int

	// Stride is the number of bytes per packed row.  0 means tightly packed,
	// i.e. Width*5/4 bytes per row.
	Stride int

	// Header is the number of bytes to skip at the start of the buffer
	Header int
}

// RowBytes returns the number of bytes per packed row
func (g Geometry) RowBytes() int {
	if g.Stride > 0 {
		return g.Stride
	}
	return packedLen(g.Width)
}

// FrameBytes returns the number of bytes a full frame occupies, header included
func (g Geometry) FrameBytes() int {
	return g.Header + g.RowBytes()*g.Height
}

// packedLen is the number of bytes n pixels occupy, rounded up to whole groups
func packedLen(n int) int {
	return (n + 3) / 4 * 5
}

// Validate checks that the geometry is positive and that the stride can hold
// a full row of pixels
func (g Geometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 || g.Header < 0 || g.Stride < 0 {
		return fmt.Errorf("%w: %dx%d stride %d header %d", ErrGeometry, g.Width, g.Height, g.Stride, g.Header)
	}
	if g.Stride > 0 && g.Stride/5*4 < g.Width {
		return fmt.Errorf("%w: stride %d cannot hold %d pixels", ErrGeometry, g.Stride, g.Width)
	}
	return nil
}

// Converter turns one RAW10 buffer into one RAW16 buffer
type Converter interface {
	Convert(raw []byte, g Geometry) ([]uint16, error)
}

// Unpacker is the native Converter
type Unpacker struct{}

// Convert satisfies Converter
func (Unpacker) Convert(raw []byte, g Geometry) ([]uint16, error) {
	return Unpack(raw, g)
}

// Unpack converts a packed RAW10 buffer to a row-major Width*Height slice of
// samples in [0, 1023].  Padding bytes at the end of each row are dropped.
func Unpack(raw []byte, g Geometry) ([]uint16, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(raw) < g.FrameBytes() {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(raw), g.FrameBytes())
	}
	var (
		rowBytes = g.RowBytes()
		out      = make([]uint16, g.Width*g.Height)
		px       [4]uint16
	)
	for y := 0; y < g.Height; y++ {
		row := raw[g.Header+y*rowBytes : g.Header+(y+1)*rowBytes]
		dst := out[y*g.Width : (y+1)*g.Width]
		x := 0
		for i := 0; i+5 <= len(row) && x < g.Width; i += 5 {
			lo := row[i+4]
			px[0] = uint16(row[i])<<2 | uint16(lo&0x3)
			px[1] = uint16(row[i+1])<<2 | uint16(lo>>2&0x3)
			px[2] = uint16(row[i+2])<<2 | uint16(lo>>4&0x3)
			px[3] = uint16(row[i+3])<<2 | uint16(lo>>6&0x3)
			x += copy(dst[x:], px[:])
		}
	}
	return out, nil
}

// Pack is the inverse of Unpack for tightly packed frames with no header.
// Width must be a multiple of four.  Samples above MaxValue are clipped.
func Pack(pix []uint16, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 || width%4 != 0 || len(pix) != width*height {
		return nil, fmt.Errorf("%w: %d samples for %dx%d", ErrGeometry, len(pix), width, height)
	}
	out := make([]byte, 0, packedLen(len(pix)))
	for i := 0; i < len(pix); i += 4 {
		var lo byte
		for j := 0; j < 4; j++ {
			v := pix[i+j]
			if v > MaxValue {
				v = MaxValue
			}
			out = append(out, byte(v>>2))
			lo |= byte(v&0x3) << (2 * uint(j))
		}
		out = append(out, lo)
	}
	return out, nil
}
