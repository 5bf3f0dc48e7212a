package splatmesh

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/splatstream/atlas"
	"go.viam.com/splatstream/pointcloud"
	"go.viam.com/splatstream/registry"
	"go.viam.com/splatstream/transform"
	"go.viam.com/splatstream/workerpool"
)

// event is worker output waiting to be applied on the render goroutine.
type event interface {
	apply(m *Mesh)
}

// post queues ev. It is the only Mesh method safe to call from any goroutine.
func (m *Mesh) post(ev event) {
	m.eventsMu.Lock()
	m.events = append(m.events, ev)
	m.eventsMu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Mesh) drainEvents() {
	for {
		m.eventsMu.Lock()
		events := m.events
		m.events = nil
		m.eventsMu.Unlock()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			ev.apply(m)
		}
	}
}

type transformDone struct {
	handle  registry.Handle
	buf     *pointcloud.AttributeBuffer
	attempt int
	block   *transform.Block
	err     error
}

func (m *Mesh) dispatchTransform(h registry.Handle, buf *pointcloud.AttributeBuffer, attempt int) {
	m.pending++
	m.stats.transformsDispatched++
	started := m.workers.AddWorkers(func(ctx context.Context) {
		if m.cfg.TransformTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.TransformTimeout)
			defer cancel()
		}
		block, err := m.transforms.Run(ctx, buf)
		m.post(&transformDone{handle: h, buf: buf, attempt: attempt, block: block, err: err})
	})
	if !started {
		m.post(&transformDone{handle: h, buf: buf, attempt: attempt, err: workerpool.ErrPoolClosed})
	}
}

func (ev *transformDone) apply(m *Mesh) {
	m.pending--
	h := ev.handle
	e, ok := m.tiles.Get(h)
	if !ok {
		return
	}
	if e.State != registry.StateTransforming {
		// unloaded while transforming
		m.release(h)
		return
	}

	if ev.err != nil {
		if ev.attempt < m.cfg.TransformRetries && !m.closed {
			m.logger.Warnw("retrying tile transform", "tile", h, "attempt", ev.attempt+1, "error", ev.err)
			m.dispatchTransform(h, ev.buf, ev.attempt+1)
			return
		}
		m.stats.transformFailures++
		m.fail(h, errors.Wrap(ev.err, "transform failed"))
		m.release(h)
		return
	}

	if err := m.tiles.CompleteTransform(h, ev.block); err != nil {
		m.logger.Errorw("cannot record transform output", "tile", h, "error", err)
		m.release(h)
		return
	}
	m.release(h)
	m.place(h)
}

// place allocates atlas space for a transformed tile, growing the atlas once if needed, and
// uploads it.
func (m *Mesh) place(h registry.Handle) {
	_, err := m.tiles.Allocate(h)
	if errors.Is(err, atlas.ErrNoSpace) {
		e, _ := m.tiles.Get(h)
		if growErr := m.grow(e.VertexCount); growErr != nil {
			err = errors.Wrap(growErr, err.Error())
		} else {
			_, err = m.tiles.Allocate(h)
		}
	}
	if err != nil {
		m.fail(h, err)
		return
	}
	if err := m.upload(h); err != nil {
		m.fail(h, err)
	}
}

func (m *Mesh) fail(h registry.Handle, cause error) {
	m.logger.Errorw("tile failed", "tile", h, "error", cause)
	if err := m.tiles.Fail(h, cause); err != nil {
		m.logger.Debugw("cannot fail tile", "tile", h, "error", err)
	}
}

func (m *Mesh) release(h registry.Handle) {
	if err := m.tiles.Release(h); err != nil {
		m.logger.Debugw("cannot release tile", "tile", h, "error", err)
	}
}
