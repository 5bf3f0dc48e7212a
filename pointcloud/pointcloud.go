// Package pointcloud defines the splat attribute buffers produced by tile decoders and the
// bounds derived from them.
//
// An AttributeBuffer is the uniform hand-off between a decoder and the transform step: parallel
// float arrays, one entry (or tuple) per splat. Buffers are moved, not copied, into the
// transform worker, so a caller must not touch a buffer after handing it off.
package pointcloud

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrMalformedBuffer is returned when an attribute array length disagrees with the splat count.
var ErrMalformedBuffer = errors.New("malformed splat attribute buffer")

// AttributeBuffer holds the raw per-splat attributes of one tile.
type AttributeBuffer struct {
	Count int

	// Positions is xyz per splat.
	Positions []float32
	// Scales is the per-axis standard deviation per splat.
	Scales []float32
	// Rotations is a quaternion per splat stored as w, x, y, z. It need not be normalized.
	Rotations []float32
	// Colors is rgb per splat in [0, 1].
	Colors []float32
	// Opacities is one value per splat in [0, 1].
	Opacities []float32
}

// NewAttributeBuffer returns a zeroed buffer sized for count splats. Rotations are initialized
// to the identity quaternion and opacities to 1.
func NewAttributeBuffer(count int) *AttributeBuffer {
	buf := &AttributeBuffer{
		Count:     count,
		Positions: make([]float32, 3*count),
		Scales:    make([]float32, 3*count),
		Rotations: make([]float32, 4*count),
		Colors:    make([]float32, 3*count),
		Opacities: make([]float32, count),
	}
	for i := 0; i < count; i++ {
		buf.Rotations[4*i] = 1
		buf.Opacities[i] = 1
	}
	return buf
}

// Validate checks that every array agrees with Count.
func (buf *AttributeBuffer) Validate() error {
	if buf == nil {
		return errors.Wrap(ErrMalformedBuffer, "nil buffer")
	}
	if buf.Count < 0 {
		return errors.Wrapf(ErrMalformedBuffer, "negative count %d", buf.Count)
	}
	for _, check := range []struct {
		name   string
		length int
		stride int
	}{
		{"positions", len(buf.Positions), 3},
		{"scales", len(buf.Scales), 3},
		{"rotations", len(buf.Rotations), 4},
		{"colors", len(buf.Colors), 3},
		{"opacities", len(buf.Opacities), 1},
	} {
		if check.length != check.stride*buf.Count {
			return errors.Wrapf(ErrMalformedBuffer, "%s has %d values, expected %d for %d splats",
				check.name, check.length, check.stride*buf.Count, buf.Count)
		}
	}
	return nil
}

// Position returns the position of splat i.
func (buf *AttributeBuffer) Position(i int) r3.Vector {
	return r3.Vector{
		X: float64(buf.Positions[3*i]),
		Y: float64(buf.Positions[3*i+1]),
		Z: float64(buf.Positions[3*i+2]),
	}
}

// SetSplat fills every attribute of splat i. rotation is w, x, y, z.
func (buf *AttributeBuffer) SetSplat(i int, position, scale r3.Vector, rotation [4]float32, rgb [3]float32, opacity float32) {
	buf.Positions[3*i] = float32(position.X)
	buf.Positions[3*i+1] = float32(position.Y)
	buf.Positions[3*i+2] = float32(position.Z)
	buf.Scales[3*i] = float32(scale.X)
	buf.Scales[3*i+1] = float32(scale.Y)
	buf.Scales[3*i+2] = float32(scale.Z)
	copy(buf.Rotations[4*i:4*i+4], rotation[:])
	copy(buf.Colors[3*i:3*i+3], rgb[:])
	buf.Opacities[i] = opacity
}
