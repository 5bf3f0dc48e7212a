// Package fake provides a headless gpu.Device that records uploads.
package fake

import (
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/splatstream/gpu"
	"go.viam.com/splatstream/logging"
)

// RowUpload is a recorded partial upload.
type RowUpload struct {
	RowStart int
	RowCount int
}

// Device is a gpu.Device whose textures gain GPU storage on the first Frame after their first
// full upload. Frame copies every pending upload into the texture's GPU contents.
type Device struct {
	logger logging.Logger

	mu         sync.Mutex
	textures   []*Texture
	geometries []*Geometry
	frames     int
}

// NewDevice returns an empty Device.
func NewDevice(logger logging.Logger) *Device {
	return &Device{logger: logger}
}

// CreateTexture implements gpu.Device.
func (d *Device) CreateTexture(desc gpu.TextureDesc, data any) (gpu.Texture, error) {
	if err := gpu.CheckSource(desc, data); err != nil {
		return nil, err
	}
	tex := &Texture{desc: desc, source: data}
	d.mu.Lock()
	d.textures = append(d.textures, tex)
	d.mu.Unlock()
	d.logger.Debugw("created texture", "name", desc.Name, "width", desc.Width, "height", desc.Height, "format", desc.Format)
	return tex, nil
}

// CreateGeometry implements gpu.Device.
func (d *Device) CreateGeometry(name string) (gpu.Geometry, error) {
	geo := &Geometry{name: name}
	d.mu.Lock()
	d.geometries = append(d.geometries, geo)
	d.mu.Unlock()
	return geo, nil
}

// Frame applies pending uploads as a render would.
func (d *Device) Frame() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames++
	for _, tex := range d.textures {
		tex.flush()
	}
	for _, geo := range d.geometries {
		geo.flush()
	}
}

// Frames returns the number of Frame calls.
func (d *Device) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Texture returns the most recently created live texture named name.
func (d *Device) Texture(name string) (*Texture, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.textures) - 1; i >= 0; i-- {
		if tex := d.textures[i]; tex.desc.Name == name && !tex.Disposed() {
			return tex, true
		}
	}
	return nil, false
}

// Textures returns every texture created, including disposed ones.
func (d *Device) Textures() []*Texture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Texture(nil), d.textures...)
}

// Geometry returns the most recently created geometry named name.
func (d *Device) Geometry(name string) (*Geometry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.geometries) - 1; i >= 0; i-- {
		if d.geometries[i].name == name {
			return d.geometries[i], true
		}
	}
	return nil, false
}

// Texture is a recording gpu.Texture.
type Texture struct {
	desc   gpu.TextureDesc
	source any

	mu          sync.Mutex
	allocated   bool
	disposed    bool
	fullPending bool
	rowsPending []RowUpload
	fullUploads int
	rowUploads  []RowUpload
	contents    any
}

// Desc implements gpu.Texture.
func (t *Texture) Desc() gpu.TextureDesc {
	return t.desc
}

// Allocated implements gpu.Texture.
func (t *Texture) Allocated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocated
}

// MarkNeedsUpdate implements gpu.Texture.
func (t *Texture) MarkNeedsUpdate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fullPending = true
	t.rowsPending = nil
}

// UpdateRows implements gpu.Texture.
func (t *Texture) UpdateRows(rowStart, rowCount int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return errors.Errorf("texture %q is disposed", t.desc.Name)
	}
	if !t.allocated {
		return errors.Wrap(gpu.ErrNotAllocated, t.desc.Name)
	}
	if rowStart < 0 || rowCount < 0 || rowStart+rowCount > t.desc.Height {
		return errors.Errorf("rows [%d, %d) outside texture %q of height %d",
			rowStart, rowStart+rowCount, t.desc.Name, t.desc.Height)
	}
	if !t.fullPending {
		t.rowsPending = append(t.rowsPending, RowUpload{RowStart: rowStart, RowCount: rowCount})
	}
	return nil
}

// Dispose implements gpu.Texture.
func (t *Texture) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	t.allocated = false
	t.contents = nil
}

// Disposed reports whether Dispose was called.
func (t *Texture) Disposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}

// FullUploads returns the number of full uploads applied.
func (t *Texture) FullUploads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fullUploads
}

// RowUploads returns the partial uploads applied, in order.
func (t *Texture) RowUploads() []RowUpload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RowUpload(nil), t.rowUploads...)
}

// Contents returns a copy of what the GPU holds: []uint16, []float32 or []uint8 by format, nil
// before the first upload.
func (t *Texture) Contents() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch c := t.contents.(type) {
	case []uint16:
		return append([]uint16(nil), c...)
	case []float32:
		return append([]float32(nil), c...)
	case []uint8:
		return append([]uint8(nil), c...)
	default:
		return nil
	}
}

func (t *Texture) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	rowValues := t.desc.Width * t.desc.Format.Channels()
	if t.fullPending {
		t.contents = copyRows(t.contents, t.source, 0, t.desc.Height*rowValues)
		t.allocated = true
		t.fullUploads++
		t.fullPending = false
	}
	for _, up := range t.rowsPending {
		t.contents = copyRows(t.contents, t.source, up.RowStart*rowValues, (up.RowStart+up.RowCount)*rowValues)
		t.rowUploads = append(t.rowUploads, up)
	}
	t.rowsPending = nil
}

func copyRows(dst, src any, from, to int) any {
	switch s := src.(type) {
	case []uint16:
		d, ok := dst.([]uint16)
		if !ok {
			d = make([]uint16, len(s))
		}
		copy(d[from:to], s[from:to])
		return d
	case []float32:
		d, ok := dst.([]float32)
		if !ok {
			d = make([]float32, len(s))
		}
		copy(d[from:to], s[from:to])
		return d
	case []uint8:
		d, ok := dst.([]uint8)
		if !ok {
			d = make([]uint8, len(s))
		}
		copy(d[from:to], s[from:to])
		return d
	default:
		return dst
	}
}

// Geometry is a recording gpu.Geometry.
type Geometry struct {
	name string

	mu            sync.Mutex
	index         []float32
	pending       []RowUpload
	uploaded      []float32
	rangeUploads  []RowUpload
	instanceCount int
	disposed      bool
}

// SetSplatIndex implements gpu.Geometry.
func (g *Geometry) SetSplatIndex(index []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.index = index
	g.pending = nil
	g.uploaded = make([]float32, len(index))
}

// UpdateSplatIndexRange implements gpu.Geometry.
func (g *Geometry) UpdateSplatIndexRange(start, count int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if start < 0 || count < 0 || start+count > len(g.index) {
		return errors.Errorf("index range [%d, %d) outside buffer of %d", start, start+count, len(g.index))
	}
	g.pending = append(g.pending, RowUpload{RowStart: start, RowCount: count})
	return nil
}

// SetInstanceCount implements gpu.Geometry.
func (g *Geometry) SetInstanceCount(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instanceCount = n
}

// InstanceCount implements gpu.Geometry.
func (g *Geometry) InstanceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.instanceCount
}

// Dispose implements gpu.Geometry.
func (g *Geometry) Dispose() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disposed = true
}

// Disposed reports whether Dispose was called.
func (g *Geometry) Disposed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disposed
}

// Drawn returns the texel offsets a draw would visit after the last Frame.
func (g *Geometry) Drawn() []float32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := min(g.instanceCount, len(g.uploaded))
	return append([]float32(nil), g.uploaded[:n]...)
}

// RangeUploads returns the index uploads applied, in order.
func (g *Geometry) RangeUploads() []RowUpload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RowUpload(nil), g.rangeUploads...)
}

func (g *Geometry) flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, up := range g.pending {
		copy(g.uploaded[up.RowStart:up.RowStart+up.RowCount], g.index[up.RowStart:up.RowStart+up.RowCount])
		g.rangeUploads = append(g.rangeUploads, up)
	}
	g.pending = nil
}
