package splatmesh

import (
	"context"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/splatstream/atlas"
	"go.viam.com/splatstream/registry"
	"go.viam.com/splatstream/sorter"
)

var errStaleSort = errors.New("sort computed for a previous atlas layout")

type pendingSort struct {
	seq      uint64
	scenes   []sorter.Scene
	handles  []registry.Handle
	version  uint64
	atlasGen uint64
}

type sortDone struct {
	result sorter.Result
	err    error
}

// RunSplatSort dispatches a sort of the visible tiles for cam unless one is in flight or
// neither the camera nor the tiles changed since the last sort. It reports whether a sort was
// dispatched.
func (m *Mesh) RunSplatSort(ctx context.Context, cam Camera) bool {
	if m.closed {
		return false
	}
	visible := m.tiles.VisibleReady()
	if len(visible) == 0 {
		if m.instanceCount != 0 && !m.sorts.InFlight() {
			m.drawn = nil
			m.setInstanceCount(0)
		}
		return false
	}

	anyNeedSort := m.tiles.NeedsSort() || m.tiles.Version() != m.sortedVersion
	if !m.sorts.ShouldSort(cam, anyNeedSort) {
		m.stats.sortsSkipped++
		return false
	}

	pending := &pendingSort{
		version:  m.tiles.Version(),
		atlasGen: m.atlasGen,
	}
	for _, e := range visible {
		if err := m.tiles.Acquire(e.Handle); err != nil {
			m.logger.Debugw("cannot include tile in sort", "tile", e.Handle, "error", err)
			continue
		}
		pending.handles = append(pending.handles, e.Handle)
		pending.scenes = append(pending.scenes, sorter.Scene{
			Handle:      e.Handle,
			Centers:     e.Centers,
			VertexCount: e.VertexCount,
			TexelStart:  e.Lines.TexelStart(),
			Bounds:      e.Bounds,
		})
	}

	m.pending++
	m.stats.sortsDispatched++
	m.sortInFlight = pending
	pending.seq = m.sorts.Dispatch(ctx, sorter.Request{Camera: cam, Scenes: pending.scenes}, func(result sorter.Result, err error) {
		m.post(&sortDone{result: result, err: err})
	})
	m.logger.CDebugw(ctx, "dispatched sort", "seq", pending.seq, "tiles", len(pending.handles), "camera", cam.Position)
	return true
}

func (ev *sortDone) apply(m *Mesh) {
	m.pending--
	pending := m.sortInFlight
	if pending == nil || pending.seq != ev.result.Seq {
		m.sorts.Complete(ev.result.Seq, ev.result.Camera, errStaleSort)
		return
	}
	m.sortInFlight = nil
	defer func() {
		for _, h := range pending.handles {
			m.release(h)
		}
	}()

	err := ev.err
	if err == nil && pending.atlasGen != m.atlasGen {
		err = errStaleSort
	}
	m.sorts.Complete(pending.seq, ev.result.Camera, err)
	if err != nil {
		m.stats.sortFailures++
		m.logger.Warnw("sort failed, keeping previous draw order", "seq", pending.seq, "error", err)
		return
	}

	result := ev.result
	switch {
	case result.UpdateCount > 0:
		m.writeIndex(result.UpdateStart, result.SplatIndex)
		m.setInstanceCount(result.VertexCount)
	case !sameHandles(pending.handles, m.drawn):
		// any order is correct for a degenerate view, but the drawn set changed
		m.writeIndex(0, sorter.IdentityIndex(pending.scenes))
		m.setInstanceCount(result.VertexCount)
	}
	m.drawn = pending.handles
	m.sortedVersion = pending.version
	m.tiles.ClearNeedSort(pending.handles)
	m.stats.sortsCompleted++
}

func sameHandles(a, b []registry.Handle) bool {
	return len(a) == len(b) && len(lo.Intersect(a, b)) == len(a)
}

func (m *Mesh) writeIndex(start int, values []float32) {
	copy(m.splatIndex[start:], values)
	if err := m.geometry.UpdateSplatIndexRange(start, len(values)); err != nil {
		m.logger.Warnw("cannot upload draw index", "error", err)
	}
}

func (m *Mesh) setInstanceCount(n int) {
	m.instanceCount = n
	m.geometry.SetInstanceCount(n)
}

// forget drops a removed tile's splats from the draw index.
func (m *Mesh) forget(h registry.Handle, lines atlas.LineRange, ranged bool) {
	if !ranged || !lo.Contains(m.drawn, h) {
		return
	}
	m.drawn = lo.Without(m.drawn, h)
	first, end := float32(lines.TexelStart()), float32(lines.TexelStart()+lines.Capacity())
	kept := 0
	for _, texel := range m.splatIndex[:m.instanceCount] {
		if texel < first || texel >= end {
			m.splatIndex[kept] = texel
			kept++
		}
	}
	if kept == m.instanceCount {
		return
	}
	m.setInstanceCount(kept)
	if err := m.geometry.UpdateSplatIndexRange(0, kept); err != nil {
		m.logger.Warnw("cannot upload draw index", "error", err)
	}
}
