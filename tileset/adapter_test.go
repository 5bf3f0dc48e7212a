package tileset

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/splatstream/atlas"
	"go.viam.com/splatstream/config"
	"go.viam.com/splatstream/gpu/fake"
	"go.viam.com/splatstream/logging"
	"go.viam.com/splatstream/pointcloud"
	"go.viam.com/splatstream/registry"
	"go.viam.com/splatstream/sorter"
	"go.viam.com/splatstream/splatmesh"
)

var lookDown = sorter.Camera{Position: r3.Vector{Z: 10}, Direction: r3.Vector{Z: -1}}

func makeTile(n int) *pointcloud.AttributeBuffer {
	buf := pointcloud.NewAttributeBuffer(n)
	for i := 0; i < n; i++ {
		buf.SetSplat(i, r3.Vector{X: float64(i), Z: float64(n - i)}, r3.Vector{X: 0.1, Y: 0.1, Z: 0.1},
			[4]float32{1, 0, 0, 0}, [3]float32{0.5, 0.5, 0.5}, 1)
	}
	return buf
}

// recordingMesh hands out handles from a registry and records calls.
type recordingMesh struct {
	tiles    *registry.Registry
	visible  map[registry.Handle]bool
	unloaded []registry.Handle
	updates  []sorter.Camera
}

func newRecordingMesh() *recordingMesh {
	return &recordingMesh{tiles: registry.New(atlas.NewAllocator(16, 16)), visible: map[registry.Handle]bool{}}
}

func (m *recordingMesh) LoadTile(buf *pointcloud.AttributeBuffer) (registry.Handle, error) {
	if err := buf.Validate(); err != nil {
		return registry.Handle{}, err
	}
	h := m.tiles.Create(buf)
	m.visible[h] = true
	return h, nil
}

func (m *recordingMesh) UnloadTile(h registry.Handle) error {
	m.unloaded = append(m.unloaded, h)
	_, err := m.tiles.MarkRemoving(h)
	return err
}

func (m *recordingMesh) SetTileVisible(h registry.Handle, visible bool) error {
	m.visible[h] = visible
	return m.tiles.SetVisible(h, visible)
}

func (m *recordingMesh) Update(ctx context.Context, cam sorter.Camera) {
	m.updates = append(m.updates, cam)
}

func TestAdapterEvents(t *testing.T) {
	mesh := newRecordingMesh()
	a := NewAdapter(mesh, CameraFunc(func() sorter.Camera { return lookDown }), logging.NewTestLogger(t))

	data, err := pointcloud.EncodeSplat(makeTile(3))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.OnLoadModel("a", Content{ContentType: "splat", Data: data}), test.ShouldBeNil)
	test.That(t, a.OnLoadModel("b", Content{Buffer: makeTile(2)}), test.ShouldBeNil)
	test.That(t, a.Len(), test.ShouldEqual, 2)

	ha, ok := a.Handle("a")
	test.That(t, ok, test.ShouldBeTrue)
	e, ok := mesh.tiles.Get(ha)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, e.State, test.ShouldEqual, registry.StateLoaded)

	// visibility changes during a traversal wait for its end
	a.OnUpdateBefore()
	test.That(t, a.OnTileVisibilityChange("a", false), test.ShouldBeNil)
	test.That(t, a.OnTileVisibilityChange("a", true), test.ShouldBeNil)
	test.That(t, a.OnTileVisibilityChange("a", false), test.ShouldBeNil)
	test.That(t, mesh.visible[ha], test.ShouldBeTrue)
	a.OnUpdateAfter(context.Background())
	test.That(t, mesh.visible[ha], test.ShouldBeFalse)
	test.That(t, mesh.updates, test.ShouldResemble, []sorter.Camera{lookDown})

	// outside a traversal they apply at once
	test.That(t, a.OnTileVisibilityChange("a", true), test.ShouldBeNil)
	test.That(t, mesh.visible[ha], test.ShouldBeTrue)
	test.That(t, a.OnTileVisibilityChange("missing", true), test.ShouldNotBeNil)

	// reloading a key replaces its tile
	test.That(t, a.OnLoadModel("a", Content{Buffer: makeTile(4)}), test.ShouldBeNil)
	test.That(t, mesh.unloaded, test.ShouldResemble, []registry.Handle{ha})
	reloaded, _ := a.Handle("a")
	test.That(t, reloaded, test.ShouldNotResemble, ha)

	test.That(t, a.OnDisposeModel("a"), test.ShouldBeNil)
	test.That(t, a.OnDisposeModel("a"), test.ShouldBeNil)
	test.That(t, a.Len(), test.ShouldEqual, 1)
	_, ok = a.Handle("a")
	test.That(t, ok, test.ShouldBeFalse)
}

func TestAdapterRejectsBadContent(t *testing.T) {
	a := NewAdapter(newRecordingMesh(), CameraFunc(func() sorter.Camera { return lookDown }), logging.NewTestLogger(t))

	err := a.OnLoadModel("a", Content{ContentType: "spz", Data: []byte{1}})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "spz")

	err = a.OnLoadModel("b", Content{ContentType: "splat", Data: make([]byte, 40)})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot decode tile")

	bad := makeTile(2)
	bad.Positions = nil
	test.That(t, a.OnLoadModel("c", Content{Buffer: bad}), test.ShouldNotBeNil)
	test.That(t, a.Len(), test.ShouldEqual, 0)
}

func TestAdapterDrivesMesh(t *testing.T) {
	logger := logging.NewTestLogger(t)
	mesh, err := splatmesh.New(&config.Config{
		TextureWidth:         16,
		InitialTextureHeight: 16,
		MaxTextureWidth:      64,
		MaxTextureHeight:     64,
		TransformWorkers:     2,
	}, fake.NewDevice(logger), logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, mesh.Close(), test.ShouldBeNil)
	}()

	a := NewAdapter(mesh, CameraFunc(func() sorter.Camera { return lookDown }), logger)
	test.That(t, a.OnLoadModel("near", Content{Buffer: makeTile(10)}), test.ShouldBeNil)
	test.That(t, a.OnLoadModel("far", Content{Buffer: makeTile(20)}), test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	test.That(t, mesh.Flush(ctx), test.ShouldBeNil)

	a.OnUpdateBefore()
	a.OnUpdateAfter(ctx)
	test.That(t, mesh.Flush(ctx), test.ShouldBeNil)
	test.That(t, mesh.InstanceCount(), test.ShouldEqual, 30)

	a.OnUpdateBefore()
	test.That(t, a.OnTileVisibilityChange("far", false), test.ShouldBeNil)
	a.OnUpdateAfter(ctx)
	test.That(t, mesh.Flush(ctx), test.ShouldBeNil)
	test.That(t, mesh.InstanceCount(), test.ShouldEqual, 10)

	test.That(t, a.OnDisposeModel("near"), test.ShouldBeNil)
	h, _ := a.Handle("far")
	test.That(t, mesh.TileState(h), test.ShouldEqual, registry.StateReady)
	a.OnUpdateBefore()
	a.OnUpdateAfter(ctx)
	test.That(t, mesh.InstanceCount(), test.ShouldEqual, 0)
}
