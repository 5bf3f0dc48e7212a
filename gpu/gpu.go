// Package gpu defines the parts of a GPU context the splat mesh draws with.
//
// Textures are backed by CPU staging arrays the caller owns. MarkNeedsUpdate schedules a full
// upload of the staging array; UpdateRows schedules an upload of some rows only and requires
// the texture to be allocated on the GPU already.
package gpu

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotAllocated is returned for partial uploads to a texture with no GPU storage yet.
var ErrNotAllocated = errors.New("texture has no GPU allocation")

// Format is a texel format.
type Format int

// Texel formats used by the splat atlas.
const (
	FormatRGBA16F Format = iota
	FormatRG16F
	FormatRGBA32F
	FormatRGBA8
)

// Channels returns the number of components per texel.
func (f Format) Channels() int {
	switch f {
	case FormatRG16F:
		return 2
	case FormatRGBA16F, FormatRGBA32F, FormatRGBA8:
		return 4
	default:
		return 0
	}
}

func (f Format) String() string {
	switch f {
	case FormatRGBA16F:
		return "rgba16f"
	case FormatRG16F:
		return "rg16f"
	case FormatRGBA32F:
		return "rgba32f"
	case FormatRGBA8:
		return "rgba8"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// TextureDesc describes a texture.
type TextureDesc struct {
	Name   string
	Width  int
	Height int
	Format Format
}

// CheckSource verifies that data is a staging array for desc: []uint16 for half floats,
// []float32 for floats and []uint8 for bytes, sized to the whole texture.
func CheckSource(desc TextureDesc, data any) error {
	var length int
	var ok bool
	switch desc.Format {
	case FormatRGBA16F, FormatRG16F:
		var src []uint16
		src, ok = data.([]uint16)
		length = len(src)
	case FormatRGBA32F:
		var src []float32
		src, ok = data.([]float32)
		length = len(src)
	case FormatRGBA8:
		var src []uint8
		src, ok = data.([]uint8)
		length = len(src)
	default:
		return errors.Errorf("texture %q has unknown format %v", desc.Name, desc.Format)
	}
	if !ok {
		return errors.Errorf("texture %q (%v) cannot use %T as source", desc.Name, desc.Format, data)
	}
	if want := desc.Width * desc.Height * desc.Format.Channels(); length != want {
		return errors.Errorf("texture %q source has %d values, expected %d", desc.Name, length, want)
	}
	return nil
}

// Texture is a 2D texture sampled by the splat shader.
type Texture interface {
	Desc() TextureDesc
	// Allocated reports whether the texture has GPU storage.
	Allocated() bool
	// MarkNeedsUpdate schedules a full upload of the staging array.
	MarkNeedsUpdate()
	// UpdateRows schedules an upload of rowCount rows starting at rowStart.
	UpdateRows(rowStart, rowCount int) error
	Dispose()
}

// Geometry is the instanced quad drawn once per entry of the splat index.
type Geometry interface {
	// SetSplatIndex binds the draw index buffer. Every entry is an atlas texel offset.
	SetSplatIndex(index []float32)
	// UpdateSplatIndexRange schedules an upload of count entries starting at start.
	UpdateSplatIndexRange(start, count int) error
	SetInstanceCount(n int)
	InstanceCount() int
	Dispose()
}

// Device creates GPU resources.
type Device interface {
	// CreateTexture creates a texture staged from data, which must satisfy CheckSource.
	CreateTexture(desc TextureDesc, data any) (Texture, error)
	CreateGeometry(name string) (Geometry, error)
}
