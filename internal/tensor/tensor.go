// Package tensor holds the dense arrays that flow through cellflow: decoded
// stacks, per-channel frame sequences and motion fields.
package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrContract marks input that violates the declared stack contract
	// (channel count, sample type, index range).
	ErrContract = errors.New("stack contract violation")
	// ErrShapeMismatch marks arrays whose shapes cannot be combined.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Stack is a decoded multi-channel time-lapse, laid out (frame, channel, height, width).
type Stack struct {
	Frames   int
	Channels int
	Height   int
	Width    int
	Data     []uint16
}

// NewStack allocates a zeroed stack.
func NewStack(frames, channels, height, width int) *Stack {
	return &Stack{
		Frames:   frames,
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]uint16, frames*channels*height*width),
	}
}

// Shape returns the numpy-style shape.
func (s *Stack) Shape() []int { return []int{s.Frames, s.Channels, s.Height, s.Width} }

// Plane returns the (height, width) plane of one frame and channel. The slice
// aliases the stack data.
func (s *Stack) Plane(frame, channel int) []uint16 {
	n := s.Height * s.Width
	off := (frame*s.Channels + channel) * n
	return s.Data[off : off+n]
}

// Channel copies one channel out of the stack.
func (s *Stack) Channel(idx int) (*Channel, error) {
	if idx < 0 || idx >= s.Channels {
		return nil, fmt.Errorf("%w: channel index %d out of range [0,%d)", ErrContract, idx, s.Channels)
	}
	ch := &Channel{
		Frames: s.Frames,
		Height: s.Height,
		Width:  s.Width,
		Data:   make([]uint16, s.Frames*s.Height*s.Width),
	}
	for f := 0; f < s.Frames; f++ {
		copy(ch.Frame(f), s.Plane(f, idx))
	}
	return ch, nil
}

// Validate checks the stack against an expected channel count.
func (s *Stack) Validate(channels int) error {
	if s.Channels != channels {
		return fmt.Errorf("%w: expected %d channels, got %d", ErrContract, channels, s.Channels)
	}
	if s.Frames < 1 || s.Height < 1 || s.Width < 1 {
		return fmt.Errorf("%w: empty stack %v", ErrContract, s.Shape())
	}
	if len(s.Data) != s.Frames*s.Channels*s.Height*s.Width {
		return fmt.Errorf("%w: data length %d does not match shape %v", ErrContract, len(s.Data), s.Shape())
	}
	return nil
}

// Channel is one imaging channel of a stack, laid out (frame, height, width).
type Channel struct {
	Frames int
	Height int
	Width  int
	Data   []uint16
}

// Frame returns frame i. The slice aliases the channel data.
func (c *Channel) Frame(i int) []uint16 {
	n := c.Height * c.Width
	return c.Data[i*n : (i+1)*n]
}

// Field is a dense motion field between consecutive frames, laid out
// (pairs, height, width, 2) with (dx, dy) in the last axis.
type Field struct {
	Pairs  int
	Height int
	Width  int
	Data   []float32
}

// NewField allocates a zeroed field.
func NewField(pairs, height, width int) *Field {
	return &Field{Pairs: pairs, Height: height, Width: width, Data: make([]float32, pairs*height*width*2)}
}

func (f *Field) Shape() []int { return []int{f.Pairs, f.Height, f.Width, 2} }

// Pair returns the displacement plane for frame pair i.
func (f *Field) Pair(i int) []float32 {
	n := f.Height * f.Width * 2
	return f.Data[i*n : (i+1)*n]
}

// CombinedPlanes is the number of planes in a combined field.
const CombinedPlanes = 3

// CombinedField stacks a summed field with its two sources, laid out
// (pairs, 3, height, width, 2).
type CombinedField struct {
	Pairs  int
	Height int
	Width  int
	Data   []float32
}

func (c *CombinedField) Shape() []int {
	return []int{c.Pairs, CombinedPlanes, c.Height, c.Width, 2}
}

// Plane returns plane p of pair i.
func (c *CombinedField) Plane(i, p int) []float32 {
	n := c.Height * c.Width * 2
	off := (i*CombinedPlanes + p) * n
	return c.Data[off : off+n]
}

// Combine builds plane 0 = a+b, plane 1 = a, plane 2 = b.
func Combine(a, b *Field) (*CombinedField, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("%w: nil field", ErrShapeMismatch)
	}
	if a.Pairs != b.Pairs || a.Height != b.Height || a.Width != b.Width {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape(), b.Shape())
	}
	out := &CombinedField{
		Pairs:  a.Pairs,
		Height: a.Height,
		Width:  a.Width,
		Data:   make([]float32, a.Pairs*CombinedPlanes*a.Height*a.Width*2),
	}
	for i := 0; i < a.Pairs; i++ {
		pa, pb := a.Pair(i), b.Pair(i)
		sum := out.Plane(i, 0)
		for k := range sum {
			sum[k] = pa[k] + pb[k]
		}
		copy(out.Plane(i, 1), pa)
		copy(out.Plane(i, 2), pb)
	}
	return out, nil
}
