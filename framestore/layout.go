package framestore

import (
	"encoding/binary"
	"fmt"
)

const (
	// segmentMagic marks an initialized segment ("RORS").
	segmentMagic uint32 = 0x524f5253

	// layoutVersion changes whenever offsets change.
	layoutVersion uint32 = 1

	// headerSize is the fixed control block in front of the frame data.
	headerSize = 64

	// channels per pixel (BGR).
	channels = 3
)

// Layout describes the geometry of a shared segment. Every process attaching
// to the same segment must derive the same Layout from its configuration.
//
//	[header][latest frame][pad][generation u64][flag u32][pad u32][ring N x frame][pad][cursor u64][written u64]
type Layout struct {
	Width    int // frame width in pixels
	Height   int // frame height in pixels
	Capacity int // ring slots (fps * pre-motion seconds)
}

// NewLayout validates the geometry and returns a Layout.
func NewLayout(width, height, capacity int) (Layout, error) {
	if width <= 0 || height <= 0 {
		return Layout{}, fmt.Errorf("%w: invalid frame size %dx%d", ErrLayoutMismatch, width, height)
	}
	if capacity <= 0 {
		return Layout{}, fmt.Errorf("%w: invalid ring capacity %d", ErrLayoutMismatch, capacity)
	}
	return Layout{Width: width, Height: height, Capacity: capacity}, nil
}

// FrameSize returns the size in bytes of one frame.
func (l Layout) FrameSize() int {
	return l.Width * l.Height * channels
}

func (l Layout) latestOffset() int { return headerSize }

func (l Layout) generationOffset() int { return align8(l.latestOffset() + l.FrameSize()) }

func (l Layout) flagOffset() int { return l.generationOffset() + 8 }

func (l Layout) ringOffset() int { return l.flagOffset() + 8 }

func (l Layout) cursorOffset() int { return align8(l.ringOffset() + l.Capacity*l.FrameSize()) }

func (l Layout) writtenOffset() int { return l.cursorOffset() + 8 }

// Size returns the total segment size in bytes.
func (l Layout) Size() int { return l.writtenOffset() + 8 }

func (l Layout) String() string {
	return fmt.Sprintf("%dx%d capacity=%d size=%d", l.Width, l.Height, l.Capacity, l.Size())
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// writeHeader stores the geometry fields. The magic is published separately,
// after everything else, so attachers never see a half-written header.
func (l Layout) writeHeader(b []byte) {
	binary.LittleEndian.PutUint32(b[4:], layoutVersion)
	binary.LittleEndian.PutUint32(b[8:], uint32(l.Width))
	binary.LittleEndian.PutUint32(b[12:], uint32(l.Height))
	binary.LittleEndian.PutUint64(b[16:], uint64(l.Capacity))
	binary.LittleEndian.PutUint64(b[24:], uint64(l.FrameSize()))
}

// checkHeader compares the header found in b against l.
func (l Layout) checkHeader(b []byte) error {
	version := binary.LittleEndian.Uint32(b[4:])
	width := binary.LittleEndian.Uint32(b[8:])
	height := binary.LittleEndian.Uint32(b[12:])
	capacity := binary.LittleEndian.Uint64(b[16:])
	frameSize := binary.LittleEndian.Uint64(b[24:])

	switch {
	case version != layoutVersion:
		return fmt.Errorf("%w: segment version %d, expected %d", ErrLayoutMismatch, version, layoutVersion)
	case int(width) != l.Width || int(height) != l.Height:
		return fmt.Errorf("%w: segment frames are %dx%d, configured %dx%d",
			ErrLayoutMismatch, width, height, l.Width, l.Height)
	case int(capacity) != l.Capacity:
		return fmt.Errorf("%w: segment ring capacity %d, configured %d", ErrLayoutMismatch, capacity, l.Capacity)
	case int(frameSize) != l.FrameSize():
		return fmt.Errorf("%w: segment frame size %d, configured %d", ErrLayoutMismatch, frameSize, l.FrameSize())
	}
	return nil
}
