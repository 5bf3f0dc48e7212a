package fake

import (
	"errors"
	"testing"

	"go.viam.com/test"

	"go.viam.com/splatstream/gpu"
	"go.viam.com/splatstream/logging"
)

func TestTextureUploads(t *testing.T) {
	dev := NewDevice(logging.NewTestLogger(t))
	staging := make([]uint8, 2*3*4)
	tex, err := dev.CreateTexture(gpu.TextureDesc{Name: "colors", Width: 2, Height: 3, Format: gpu.FormatRGBA8}, staging)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tex.Allocated(), test.ShouldBeFalse)
	test.That(t, errors.Is(tex.UpdateRows(0, 1), gpu.ErrNotAllocated), test.ShouldBeTrue)

	staging[0] = 7
	tex.MarkNeedsUpdate()
	dev.Frame()
	test.That(t, tex.Allocated(), test.ShouldBeTrue)

	recorded, ok := dev.Texture("colors")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, recorded.FullUploads(), test.ShouldEqual, 1)
	test.That(t, recorded.Contents().([]uint8)[0], test.ShouldEqual, uint8(7))

	// only the named rows reach the GPU
	staging[0] = 1
	staging[8] = 2
	test.That(t, tex.UpdateRows(1, 1), test.ShouldBeNil)
	dev.Frame()
	contents := recorded.Contents().([]uint8)
	test.That(t, contents[0], test.ShouldEqual, uint8(7))
	test.That(t, contents[8], test.ShouldEqual, uint8(2))
	test.That(t, recorded.RowUploads(), test.ShouldResemble, []RowUpload{{RowStart: 1, RowCount: 1}})

	test.That(t, tex.UpdateRows(2, 2), test.ShouldNotBeNil)
	tex.Dispose()
	test.That(t, recorded.Disposed(), test.ShouldBeTrue)
	_, ok = dev.Texture("colors")
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, dev.Textures(), test.ShouldHaveLength, 1)
	test.That(t, dev.Frames(), test.ShouldEqual, 2)
}

func TestCreateTextureChecksSource(t *testing.T) {
	dev := NewDevice(logging.NewTestLogger(t))
	_, err := dev.CreateTexture(gpu.TextureDesc{Name: "centers", Width: 2, Height: 2, Format: gpu.FormatRGBA32F}, make([]uint16, 16))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = dev.CreateTexture(gpu.TextureDesc{Name: "covB", Width: 2, Height: 2, Format: gpu.FormatRG16F}, make([]uint16, 16))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = dev.CreateTexture(gpu.TextureDesc{Name: "covB", Width: 2, Height: 2, Format: gpu.FormatRG16F}, make([]uint16, 8))
	test.That(t, err, test.ShouldBeNil)
}

func TestGeometry(t *testing.T) {
	dev := NewDevice(logging.NewTestLogger(t))
	g, err := dev.CreateGeometry("splats")
	test.That(t, err, test.ShouldBeNil)

	index := []float32{3, 2, 1, 0}
	g.SetSplatIndex(index)
	g.SetInstanceCount(3)
	test.That(t, g.UpdateSplatIndexRange(0, 4), test.ShouldBeNil)
	test.That(t, g.UpdateSplatIndexRange(2, 3), test.ShouldNotBeNil)
	dev.Frame()

	recorded, ok := dev.Geometry("splats")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, recorded.Drawn(), test.ShouldResemble, []float32{3, 2, 1})
	test.That(t, g.InstanceCount(), test.ShouldEqual, 3)
	test.That(t, recorded.RangeUploads(), test.ShouldResemble, []RowUpload{{RowStart: 0, RowCount: 4}})

	g.Dispose()
	test.That(t, recorded.Disposed(), test.ShouldBeTrue)
}
