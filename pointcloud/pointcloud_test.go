package pointcloud

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/splatstream/logging"
)

func makeTestBuffer() *AttributeBuffer {
	buf := NewAttributeBuffer(3)
	buf.SetSplat(0, r3.Vector{X: -1, Y: -2, Z: 5}, r3.Vector{X: 0.5, Y: 1, Z: 2}, [4]float32{1, 0, 0, 0}, [3]float32{1, 0, 0}, 1)
	buf.SetSplat(1, r3.Vector{X: 582, Y: 12, Z: 0}, r3.Vector{X: 1, Y: 1, Z: 1}, [4]float32{0, 1, 0, 0}, [3]float32{0, 1, 0}, 0.5)
	buf.SetSplat(2, r3.Vector{X: 7, Y: 6, Z: 1.5}, r3.Vector{X: 0.25, Y: 0.25, Z: 0.25}, [4]float32{0, 0, 0, -1}, [3]float32{0, 0, 1}, 0)
	return buf
}

func TestAttributeBufferValidate(t *testing.T) {
	buf := makeTestBuffer()
	test.That(t, buf.Validate(), test.ShouldBeNil)

	buf.Scales = buf.Scales[:len(buf.Scales)-1]
	err := buf.Validate()
	test.That(t, errors.Is(err, ErrMalformedBuffer), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "scales")

	buf = makeTestBuffer()
	buf.Count = 4
	test.That(t, errors.Is(buf.Validate(), ErrMalformedBuffer), test.ShouldBeTrue)

	var nilBuf *AttributeBuffer
	test.That(t, errors.Is(nilBuf.Validate(), ErrMalformedBuffer), test.ShouldBeTrue)

	test.That(t, NewAttributeBuffer(0).Validate(), test.ShouldBeNil)
}

func TestBounds(t *testing.T) {
	b := NewBounds()
	test.That(t, b.Empty(), test.ShouldBeTrue)
	test.That(t, b.Sphere(), test.ShouldResemble, Sphere{})

	b.Merge(r3.Vector{X: -1, Y: 0, Z: 2})
	b.Merge(r3.Vector{X: 1, Y: 2, Z: 0})
	test.That(t, b.Empty(), test.ShouldBeFalse)
	test.That(t, b.Min, test.ShouldResemble, r3.Vector{X: -1, Y: 0, Z: 0})
	test.That(t, b.Max, test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 2})

	sphere := b.Sphere()
	test.That(t, sphere.Center, test.ShouldResemble, r3.Vector{X: 0, Y: 1, Z: 1})
	test.That(t, sphere.Radius, test.ShouldAlmostEqual, r3.Vector{X: 2, Y: 2, Z: 2}.Norm()/2)

	lo, hi := b.DepthRange(r3.Vector{X: 0, Y: 0, Z: -1})
	test.That(t, lo, test.ShouldEqual, -2.)
	test.That(t, hi, test.ShouldEqual, 0.)

	other := NewBounds()
	other.Merge(r3.Vector{X: 5, Y: 5, Z: 5})
	b.Union(other)
	b.Union(NewBounds())
	test.That(t, b.Max, test.ShouldResemble, r3.Vector{X: 5, Y: 5, Z: 5})
	test.That(t, b.Min, test.ShouldResemble, r3.Vector{X: -1, Y: 0, Z: 0})
}

func TestSplatRoundTrip(t *testing.T) {
	buf := makeTestBuffer()
	encoded, err := EncodeSplat(buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, encoded, test.ShouldHaveLength, 3*splatRecordSize)

	decoded, err := ReadSplat(bytes.NewReader(encoded))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.Validate(), test.ShouldBeNil)
	test.That(t, decoded.Count, test.ShouldEqual, 3)
	test.That(t, decoded.Positions, test.ShouldResemble, buf.Positions)
	test.That(t, decoded.Scales, test.ShouldResemble, buf.Scales)
	test.That(t, decoded.Colors, test.ShouldResemble, buf.Colors)
	for i := range buf.Opacities {
		test.That(t, decoded.Opacities[i], test.ShouldAlmostEqual, buf.Opacities[i], 1./255)
	}
	for i := range buf.Rotations {
		test.That(t, decoded.Rotations[i], test.ShouldAlmostEqual, buf.Rotations[i], 2./128)
	}

	_, err = ReadSplat(bytes.NewReader(encoded[:40]))
	test.That(t, errors.Is(err, ErrMalformedBuffer), test.ShouldBeTrue)
}

func TestDecoderFor(t *testing.T) {
	logger := logging.NewTestLogger(t)

	dec, err := DecoderFor(".SPLAT", logger)
	test.That(t, err, test.ShouldBeNil)
	encoded, err := EncodeSplat(makeTestBuffer())
	test.That(t, err, test.ShouldBeNil)
	decoded, err := dec.Decode(bytes.NewReader(encoded))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.Count, test.ShouldEqual, 3)

	_, err = DecoderFor("spz", logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "spz")
}

func TestLASRoundTrip(t *testing.T) {
	logger := logging.NewTestLogger(t)
	buf := makeTestBuffer()
	fn := filepath.Join(t.TempDir(), "tile.las")
	test.That(t, WriteToLASFile(buf, fn), test.ShouldBeNil)

	read, err := NewFromFile(fn, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read.Validate(), test.ShouldBeNil)
	test.That(t, read.Count, test.ShouldEqual, buf.Count)
	for i := 0; i < buf.Count; i++ {
		expected := buf.Position(i)
		actual := read.Position(i)
		test.That(t, actual.X, test.ShouldAlmostEqual, expected.X, 1e-3)
		test.That(t, actual.Y, test.ShouldAlmostEqual, expected.Y, 1e-3)
		test.That(t, actual.Z, test.ShouldAlmostEqual, expected.Z, 1e-3)
		for j := 0; j < 3; j++ {
			test.That(t, read.Scales[3*i+j], test.ShouldAlmostEqual, float32(DefaultLASPointScale))
			test.That(t, read.Colors[3*i+j], test.ShouldAlmostEqual, buf.Colors[3*i+j], 1e-3)
		}
		test.That(t, read.Rotations[4*i:4*i+4], test.ShouldResemble, []float32{1, 0, 0, 0})
	}

	raw, err := os.ReadFile(fn)
	test.That(t, err, test.ShouldBeNil)
	dec, err := DecoderFor(ContentTypeLAS, logger)
	test.That(t, err, test.ShouldBeNil)
	streamed, err := dec.Decode(bytes.NewReader(raw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, streamed.Positions, test.ShouldResemble, read.Positions)
}

func TestNewFromFileUnknownExtension(t *testing.T) {
	_, err := NewFromFile("tile.ply", logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "tile.ply")
}

func TestRegisterDecoder(t *testing.T) {
	registered := RegisteredDecoders()
	test.That(t, registered, test.ShouldContainKey, ContentTypeSplat)
	test.That(t, registered, test.ShouldContainKey, ContentTypeLAS)
	test.That(t, registered[ContentTypeSplat].RegistrarLoc, test.ShouldContainSubstring, "decoder_registry.go")

	// the returned map is a copy
	delete(registered, ContentTypeSplat)
	test.That(t, RegisteredDecoders(), test.ShouldContainKey, ContentTypeSplat)

	if _, ok := registered["empty"]; !ok {
		RegisterDecoder(".Empty", DecoderRegistration{
			Constructor: func(logging.Logger) Decoder {
				return DecoderFunc(func(r io.Reader) (*AttributeBuffer, error) {
					return NewAttributeBuffer(0), nil
				})
			},
		})
	}
	fn := filepath.Join(t.TempDir(), "tile.empty")
	test.That(t, os.WriteFile(fn, nil, 0o600), test.ShouldBeNil)
	buf, err := NewFromFile(fn, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, buf.Count, test.ShouldEqual, 0)

	test.That(t, func() {
		RegisterDecoder("empty", DecoderRegistration{Constructor: registered[ContentTypeLAS].Constructor})
	}, test.ShouldPanic)
	test.That(t, func() { RegisterDecoder("spz", DecoderRegistration{}) }, test.ShouldPanic)
}
