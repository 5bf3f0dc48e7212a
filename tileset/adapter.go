// Package tileset connects a tileset traversal engine to a splat mesh.
//
// The engine decides which tiles to load, show and dispose; the Adapter turns those events into
// mesh operations and remembers which mesh tile each engine tile became.
package tileset

import (
	"bytes"
	"context"

	"github.com/pkg/errors"

	"go.viam.com/splatstream/logging"
	"go.viam.com/splatstream/pointcloud"
	"go.viam.com/splatstream/registry"
	"go.viam.com/splatstream/sorter"
)

// TileKey identifies a tile within the tileset.
type TileKey string

// Content is the payload of a loaded tile. Buffer, when set, is used as is; otherwise Data is
// decoded according to ContentType.
type Content struct {
	ContentType string
	Data        []byte
	Buffer      *pointcloud.AttributeBuffer
}

// EventHandler receives the traversal engine's events. All calls come from the render goroutine.
type EventHandler interface {
	OnLoadModel(key TileKey, content Content) error
	OnDisposeModel(key TileKey) error
	OnTileVisibilityChange(key TileKey, visible bool) error
	OnUpdateBefore()
	OnUpdateAfter(ctx context.Context)
}

// Mesh is the part of a splat mesh the adapter drives.
type Mesh interface {
	LoadTile(buf *pointcloud.AttributeBuffer) (registry.Handle, error)
	UnloadTile(h registry.Handle) error
	SetTileVisible(h registry.Handle, visible bool) error
	Update(ctx context.Context, cam sorter.Camera)
}

// CameraProvider supplies the camera of the frame being drawn.
type CameraProvider interface {
	Camera() sorter.Camera
}

// CameraFunc adapts a function to a CameraProvider.
type CameraFunc func() sorter.Camera

// Camera calls f.
func (f CameraFunc) Camera() sorter.Camera {
	return f()
}

// Adapter is an EventHandler feeding a Mesh.
type Adapter struct {
	mesh   Mesh
	camera CameraProvider
	logger logging.Logger

	handles map[TileKey]registry.Handle
	// visibility changes made during a traversal, applied once it ends
	inTraversal bool
	visibility  map[TileKey]bool
}

var _ EventHandler = (*Adapter)(nil)

// NewAdapter returns an Adapter loading tiles into mesh and sorting for camera.
func NewAdapter(mesh Mesh, camera CameraProvider, logger logging.Logger) *Adapter {
	return &Adapter{
		mesh:       mesh,
		camera:     camera,
		logger:     logger,
		handles:    map[TileKey]registry.Handle{},
		visibility: map[TileKey]bool{},
	}
}

// OnLoadModel decodes a tile and loads it into the mesh. Loading a key again replaces its tile.
func (a *Adapter) OnLoadModel(key TileKey, content Content) error {
	buf := content.Buffer
	if buf == nil {
		decoder, err := pointcloud.DecoderFor(content.ContentType, a.logger)
		if err != nil {
			return errors.Wrapf(err, "cannot load tile %q", key)
		}
		buf, err = decoder.Decode(bytes.NewReader(content.Data))
		if err != nil {
			return errors.Wrapf(err, "cannot decode tile %q", key)
		}
	}

	if _, ok := a.handles[key]; ok {
		a.logger.Debugw("reloading tile", "key", key)
		if err := a.OnDisposeModel(key); err != nil {
			return err
		}
	}
	h, err := a.mesh.LoadTile(buf)
	if err != nil {
		return errors.Wrapf(err, "cannot load tile %q", key)
	}
	a.handles[key] = h
	return nil
}

// OnDisposeModel unloads a tile. Unknown keys are ignored.
func (a *Adapter) OnDisposeModel(key TileKey) error {
	h, ok := a.handles[key]
	if !ok {
		return nil
	}
	delete(a.handles, key)
	delete(a.visibility, key)
	if err := a.mesh.UnloadTile(h); err != nil {
		return errors.Wrapf(err, "cannot unload tile %q", key)
	}
	return nil
}

// OnTileVisibilityChange shows or hides a tile. Changes made between OnUpdateBefore and
// OnUpdateAfter take effect together when the traversal ends.
func (a *Adapter) OnTileVisibilityChange(key TileKey, visible bool) error {
	if _, ok := a.handles[key]; !ok {
		return errors.Errorf("visibility change for unknown tile %q", key)
	}
	if a.inTraversal {
		a.visibility[key] = visible
		return nil
	}
	return a.setVisible(key, visible)
}

func (a *Adapter) setVisible(key TileKey, visible bool) error {
	if err := a.mesh.SetTileVisible(a.handles[key], visible); err != nil {
		return errors.Wrapf(err, "cannot change visibility of tile %q", key)
	}
	return nil
}

// OnUpdateBefore marks the start of a traversal.
func (a *Adapter) OnUpdateBefore() {
	a.inTraversal = true
}

// OnUpdateAfter applies the traversal's visibility changes and updates the mesh for the current
// camera.
func (a *Adapter) OnUpdateAfter(ctx context.Context) {
	a.inTraversal = false
	for key, visible := range a.visibility {
		if err := a.setVisible(key, visible); err != nil {
			a.logger.CWarnw(ctx, "cannot apply tile visibility", "key", key, "error", err)
		}
	}
	clear(a.visibility)
	a.mesh.Update(ctx, a.camera.Camera())
}

// Handle returns the mesh tile of key.
func (a *Adapter) Handle(key TileKey) (registry.Handle, bool) {
	h, ok := a.handles[key]
	return h, ok
}

// Len returns the number of loaded tiles.
func (a *Adapter) Len() int {
	return len(a.handles)
}
