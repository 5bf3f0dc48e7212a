package splatmesh

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/splatstream/atlas"
	"go.viam.com/splatstream/gpu"
	"go.viam.com/splatstream/registry"
)

// Texture names as bound by the splat shader.
const (
	CovariancesATexture = "covariancesATexture"
	CovariancesBTexture = "covariancesBTexture"
	CentersTexture      = "centersTexture"
	ColorsTexture       = "colorsTexture"
)

// atlasTextures is the four atlas textures and their staging arrays.
type atlasTextures struct {
	width, height int
	covBItemSize  int

	covA    []uint16
	covB    []uint16
	centers []float32
	colors  []uint8

	covATex, covBTex, centersTex, colorsTex gpu.Texture
}

func newAtlasTextures(device gpu.Device, width, height, covBItemSize int) (atlasTextures, error) {
	texels := width * height
	t := atlasTextures{
		width:        width,
		height:       height,
		covBItemSize: covBItemSize,
		covA:         make([]uint16, 4*texels),
		covB:         make([]uint16, covBItemSize*texels),
		centers:      make([]float32, 4*texels),
		colors:       make([]uint8, 4*texels),
	}
	covBFormat := gpu.FormatRG16F
	if covBItemSize == 4 {
		covBFormat = gpu.FormatRGBA16F
	}

	var err error
	create := func(name string, format gpu.Format, data any) gpu.Texture {
		if err != nil {
			return nil
		}
		var tex gpu.Texture
		tex, err = device.CreateTexture(gpu.TextureDesc{Name: name, Width: width, Height: height, Format: format}, data)
		if err != nil {
			err = errors.Wrapf(err, "cannot create %s", name)
		}
		return tex
	}
	t.covATex = create(CovariancesATexture, gpu.FormatRGBA16F, t.covA)
	t.covBTex = create(CovariancesBTexture, covBFormat, t.covB)
	t.centersTex = create(CentersTexture, gpu.FormatRGBA32F, t.centers)
	t.colorsTex = create(ColorsTexture, gpu.FormatRGBA8, t.colors)
	if err != nil {
		t.dispose()
		return atlasTextures{}, err
	}
	return t, nil
}

func (t *atlasTextures) all() []gpu.Texture {
	return []gpu.Texture{t.covATex, t.covBTex, t.centersTex, t.colorsTex}
}

func (t *atlasTextures) dispose() {
	for _, tex := range t.all() {
		if tex != nil {
			tex.Dispose()
		}
	}
}

// copyTexels copies count texels starting at src texel from into t at texel to.
func (t *atlasTextures) copyTexels(src *atlasTextures, from, to, count int) {
	copy(t.covA[4*to:4*(to+count)], src.covA[4*from:4*(from+count)])
	copy(t.covB[t.covBItemSize*to:t.covBItemSize*(to+count)], src.covB[src.covBItemSize*from:src.covBItemSize*(from+count)])
	copy(t.centers[4*to:4*(to+count)], src.centers[4*from:4*(from+count)])
	copy(t.colors[4*to:4*(to+count)], src.colors[4*from:4*(from+count)])
}

// markRows schedules an upload of the given lines of every texture. Textures without GPU
// storage are uploaded whole.
func (t *atlasTextures) markRows(lines atlas.LineRange) error {
	var err error
	for _, tex := range t.all() {
		if !tex.Allocated() {
			tex.MarkNeedsUpdate()
			continue
		}
		if rowErr := tex.UpdateRows(lines.LineStart, lines.LineCount); rowErr != nil {
			if !errors.Is(rowErr, gpu.ErrNotAllocated) {
				err = multierr.Append(err, rowErr)
			}
			tex.MarkNeedsUpdate()
		}
	}
	return err
}

func (t *atlasTextures) markAll() {
	for _, tex := range t.all() {
		tex.MarkNeedsUpdate()
	}
}

// upload stages an Allocated tile's texture data and schedules the GPU upload of its rows.
func (m *Mesh) upload(h registry.Handle) error {
	if err := m.tiles.BeginUpload(h); err != nil {
		return err
	}
	e, _ := m.tiles.Get(h)
	if block := e.Block; e.HasRange() && block != nil {
		t := &m.textures
		start, n := e.Lines.TexelStart(), block.VertexCount
		copy(t.covA[4*start:4*(start+n)], block.CovA)
		copy(t.covB[t.covBItemSize*start:t.covBItemSize*(start+n)], block.CovB)
		copy(t.centers[4*start:4*(start+n)], block.Centers)
		copy(t.colors[4*start:4*(start+n)], block.Colors)
		if err := t.markRows(e.Lines); err != nil {
			m.logger.Warnw("partial texture upload failed, uploading whole atlas", "tile", h, "error", err)
		}
	}
	if err := m.tiles.CompleteUpload(h); err != nil {
		return err
	}
	m.stats.uploads++
	m.logger.Debugw("tile ready", "tile", h, "splats", e.VertexCount, "lines", e.Lines)
	return nil
}

type move struct {
	from, to, count int
}

// grow resizes the atlas so that vertexCount more splats fit. Every live tile is re-staged at
// its new offset and the whole atlas is uploaded again.
func (m *Mesh) grow(vertexCount int) error {
	width, height, err := m.growth.Next(m.alloc, vertexCount)
	if err != nil {
		return err
	}

	before := map[atlas.Owner]atlas.LineRange{}
	for _, e := range m.tiles.Entries() {
		if e.HasRange() {
			before[e.Handle.Owner()] = e.Lines
		}
	}
	textures, err := newAtlasTextures(m.device, width, height, m.covBItemSize())
	if err != nil {
		return err
	}
	after, err := m.alloc.Resize(width, height)
	if err != nil {
		textures.dispose()
		return err
	}
	m.tiles.ApplyRanges(after)

	moves := make([]move, 0, len(after))
	for owner, lines := range after {
		old := before[owner]
		moves = append(moves, move{from: old.TexelStart(), to: lines.TexelStart(), count: old.Capacity()})
	}
	for _, e := range m.tiles.Entries() {
		if !e.HasRange() {
			continue
		}
		old := before[e.Handle.Owner()]
		textures.copyTexels(&m.textures, old.TexelStart(), e.Lines.TexelStart(), e.VertexCount)
	}

	m.textures.dispose()
	m.textures = textures
	m.textures.markAll()
	m.remapIndex(moves, width*height)
	m.atlasGen++
	m.tiles.MarkAllNeedSort()
	m.stats.growths++
	m.logger.Infow("grew splat atlas", "width", width, "height", height, "tiles", len(after))
	return nil
}

// remapIndex rewrites the draw index for moved tiles and resizes it to capacity.
func (m *Mesh) remapIndex(moves []move, capacity int) {
	sort.Slice(moves, func(i, j int) bool { return moves[i].from < moves[j].from })
	index := make([]float32, capacity)
	kept := 0
	for _, texel := range m.splatIndex[:m.instanceCount] {
		v := int(texel)
		i := sort.Search(len(moves), func(i int) bool { return moves[i].from+moves[i].count > v })
		if i == len(moves) || v < moves[i].from {
			continue
		}
		index[kept] = float32(moves[i].to + v - moves[i].from)
		kept++
	}
	m.splatIndex = index
	m.geometry.SetSplatIndex(m.splatIndex)
	m.setInstanceCount(kept)
	if err := m.geometry.UpdateSplatIndexRange(0, kept); err != nil {
		m.logger.Warnw("cannot upload remapped draw index", "error", err)
	}
}
