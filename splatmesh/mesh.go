// Package splatmesh draws streamed Gaussian-splat tiles from one shared texture atlas.
//
// A Mesh owns the atlas textures, their CPU staging arrays and the draw index. Tiles are
// transformed on worker goroutines and sorted on a dedicated sort worker; the outcomes are
// queued and applied on the render goroutine inside Update and Flush, so everything the Mesh
// owns is only ever touched by the goroutine that drives it. None of its methods are safe for
// concurrent use.
package splatmesh

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/splatstream/atlas"
	"go.viam.com/splatstream/config"
	"go.viam.com/splatstream/gpu"
	"go.viam.com/splatstream/logging"
	"go.viam.com/splatstream/pointcloud"
	"go.viam.com/splatstream/registry"
	"go.viam.com/splatstream/sorter"
	"go.viam.com/splatstream/transform"
	"go.viam.com/splatstream/utils"
)

// ErrClosed is returned by a closed Mesh.
var ErrClosed = errors.New("splat mesh closed")

// Camera is the viewpoint the mesh sorts for.
type Camera = sorter.Camera

// Mesh is the instanced splat mesh.
type Mesh struct {
	cfg    config.Config
	device gpu.Device
	logger logging.Logger

	alloc      *atlas.Allocator
	growth     atlas.GrowthPolicy
	tiles      *registry.Registry
	transforms *transform.Worker
	sorts      *sorter.Scheduler
	workers    utils.StoppableWorkers

	textures atlasTextures
	geometry gpu.Geometry
	// splatIndex is the draw index; the first instanceCount entries are drawn.
	splatIndex    []float32
	instanceCount int
	// drawn lists the tiles in the draw index.
	drawn []registry.Handle
	// atlasGen counts atlas resizes; results computed against an older layout are stale.
	atlasGen uint64
	// sortedVersion is the registry version the draw index was sorted for.
	sortedVersion uint64
	sortInFlight  *pendingSort

	eventsMu sync.Mutex
	events   []event
	signal   chan struct{}
	// pending counts dispatched work whose completion has not been applied.
	pending int

	stats  counters
	closed bool
}

// New returns a mesh drawing with device. cfg is copied; unset fields take their defaults.
func New(cfg *config.Config, device gpu.Device, logger logging.Logger) (*Mesh, error) {
	var conf config.Config
	if cfg != nil {
		conf = *cfg
	}
	explicitLevel := conf.LogLevel != ""
	conf.ApplyDefaults()
	if err := conf.Validate("splat_mesh"); err != nil {
		return nil, err
	}
	logger = logger.Sublogger("splatmesh")
	if explicitLevel {
		logger.SetLevel(conf.Level())
	}

	m := &Mesh{
		cfg:    conf,
		device: device,
		logger: logger,
		alloc:  atlas.NewAllocator(conf.TextureWidth, conf.InitialTextureHeight),
		growth: atlas.GrowthPolicy{MaxWidth: conf.MaxTextureWidth, MaxHeight: conf.MaxTextureHeight},
		transforms: transform.NewWorker(
			conf.TransformWorkers,
			conf.WorkerIdleTimeout,
			transform.Options{RGBACovariants: conf.RGBACovariants, ParallelThreshold: conf.ParallelThreshold},
			nil,
			logger.Sublogger("transform"),
		),
		sorts:   sorter.NewScheduler(conf.SortTimeout, conf.SortEpsilon, logger.Sublogger("sort")),
		workers: utils.NewStoppableWorkers(),
		signal:  make(chan struct{}, 1),
	}
	m.tiles = registry.New(m.alloc)

	textures, err := newAtlasTextures(device, conf.TextureWidth, conf.InitialTextureHeight, m.covBItemSize())
	if err != nil {
		return nil, multierr.Combine(err, m.stopWorkers())
	}
	m.textures = textures
	m.geometry, err = device.CreateGeometry("splats")
	if err != nil {
		m.textures.dispose()
		return nil, multierr.Combine(errors.Wrap(err, "cannot create splat geometry"), m.stopWorkers())
	}
	m.splatIndex = make([]float32, conf.TextureWidth*conf.InitialTextureHeight)
	m.geometry.SetSplatIndex(m.splatIndex)

	logger.Debugw("created splat mesh", "width", conf.TextureWidth, "height", conf.InitialTextureHeight)
	return m, nil
}

func (m *Mesh) covBItemSize() int {
	return transform.Options{RGBACovariants: m.cfg.RGBACovariants}.CovBItemSize()
}

// LoadTile registers a tile and starts transforming it. buf belongs to the mesh afterwards.
// Malformed buffers are rejected without creating a tile.
func (m *Mesh) LoadTile(buf *pointcloud.AttributeBuffer) (registry.Handle, error) {
	if m.closed {
		return registry.Handle{}, ErrClosed
	}
	if err := buf.Validate(); err != nil {
		return registry.Handle{}, err
	}
	h := m.tiles.Create(buf)
	buf, err := m.tiles.BeginTransform(h)
	if err != nil {
		return registry.Handle{}, err
	}
	if err := m.tiles.Acquire(h); err != nil {
		return registry.Handle{}, err
	}
	m.logger.Debugw("loading tile", "tile", h, "splats", buf.Count)
	m.dispatchTransform(h, buf, 0)
	return h, nil
}

// UnloadTile removes a tile. Work still in flight for it finishes first.
func (m *Mesh) UnloadTile(h registry.Handle) error {
	e, ok := m.tiles.Get(h)
	if !ok {
		return errors.Wrap(registry.ErrUnknownHandle, h.String())
	}
	lines, ranged := e.Lines, e.HasRange()
	removed, err := m.tiles.MarkRemoving(h)
	if err != nil {
		return err
	}
	if removed {
		m.forget(h, lines, ranged)
		m.logger.Debugw("removed tile", "tile", h)
	} else {
		m.logger.Debugw("tile removal deferred", "tile", h, "refs", e.Refs())
	}
	return nil
}

// SetTileVisible shows or hides a tile.
func (m *Mesh) SetTileVisible(h registry.Handle, visible bool) error {
	return m.tiles.SetVisible(h, visible)
}

// TileState returns the state of a tile. Unknown handles report StateRemoved.
func (m *Mesh) TileState(h registry.Handle) registry.State {
	if e, ok := m.tiles.Get(h); ok {
		return e.State
	}
	return registry.StateRemoved
}

// TileError returns why a Failed tile failed.
func (m *Mesh) TileError(h registry.Handle) error {
	if e, ok := m.tiles.Get(h); ok {
		return e.Err
	}
	return nil
}

// InstanceCount returns the number of splats drawn.
func (m *Mesh) InstanceCount() int {
	return m.instanceCount
}

// SplatIndex returns the drawn part of the draw index.
func (m *Mesh) SplatIndex() []float32 {
	return m.splatIndex[:m.instanceCount]
}

// TileRange returns the atlas range of a tile.
func (m *Mesh) TileRange(h registry.Handle) (atlas.LineRange, bool) {
	e, ok := m.tiles.Get(h)
	if !ok || !e.HasRange() {
		return atlas.LineRange{}, false
	}
	return e.Lines, true
}

// Update applies finished worker output and sorts for cam. Call it once per frame before
// drawing.
func (m *Mesh) Update(ctx context.Context, cam Camera) {
	if m.closed {
		return
	}
	m.drainEvents()
	m.drainRemovals()
	m.RunSplatSort(ctx, cam)
}

// Flush applies worker output until no work is outstanding or ctx is done. It starts no sorts.
func (m *Mesh) Flush(ctx context.Context) error {
	for {
		m.drainEvents()
		m.drainRemovals()
		if m.pending == 0 {
			return nil
		}
		select {
		case <-m.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Mesh) drainRemovals() {
	var lines []atlas.LineRange
	var ranged []bool
	var handles []registry.Handle
	for _, e := range m.tiles.Entries() {
		if e.State == registry.StateRemoving && e.Refs() == 0 {
			handles = append(handles, e.Handle)
			lines = append(lines, e.Lines)
			ranged = append(ranged, e.HasRange())
		}
	}
	if len(handles) == 0 {
		return
	}
	m.tiles.DrainRemovals()
	for i, h := range handles {
		m.forget(h, lines[i], ranged[i])
		m.logger.Debugw("removed tile after in-flight work", "tile", h)
	}
}

func (m *Mesh) stopWorkers() error {
	if running := m.workers.Running(); running > 0 {
		m.logger.Debugw("waiting for transforms to stop", "running", running)
	}
	m.workers.Stop()
	return multierr.Combine(m.sorts.Close(), m.transforms.Close())
}

// Close stops every worker and releases the GPU resources.
func (m *Mesh) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.stopWorkers()
	m.textures.dispose()
	m.geometry.Dispose()
	m.logger.Debug("closed splat mesh")
	return err
}
