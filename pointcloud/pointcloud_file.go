package pointcloud

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/splatstream/logging"
)

// Content types registered by this package.
const (
	ContentTypeSplat = "splat"
	ContentTypeLAS   = "las"
)

// splatRecordSize is the size of one record in the .splat format: position (3×f32), scale
// (3×f32), rgba (4×u8) and a rotation quaternion w, x, y, z quantized to 4×u8.
const splatRecordSize = 32

// DefaultLASPointScale is the isotropic scale given to LAS points, which carry no covariance.
const DefaultLASPointScale = 0.05

// Decoder turns an encoded tile payload into an attribute buffer.
type Decoder interface {
	Decode(r io.Reader) (*AttributeBuffer, error)
}

// DecoderFunc adapts a function to a Decoder.
type DecoderFunc func(r io.Reader) (*AttributeBuffer, error)

// Decode calls f.
func (f DecoderFunc) Decode(r io.Reader) (*AttributeBuffer, error) {
	return f(r)
}

// NewFromFile returns the splats stored in the given file. Files other than LAS are streamed
// through the decoder registered for their extension.
func NewFromFile(fn string, logger logging.Logger) (*AttributeBuffer, error) {
	ext := strings.ToLower(filepath.Ext(fn))
	if ext == ".las" {
		return NewFromLASFile(fn, DefaultLASPointScale, logger)
	}
	dec, err := DecoderFor(ext, logger)
	if err != nil {
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return dec.Decode(bufio.NewReader(f))
}

// ReadSplat decodes a stream of 32-byte .splat records.
func ReadSplat(r io.Reader) (*AttributeBuffer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data)%splatRecordSize != 0 {
		return nil, errors.Wrapf(ErrMalformedBuffer, "splat payload of %d bytes is not a multiple of %d",
			len(data), splatRecordSize)
	}

	count := len(data) / splatRecordSize
	buf := NewAttributeBuffer(count)
	for i := 0; i < count; i++ {
		rec := data[i*splatRecordSize : (i+1)*splatRecordSize]
		for j := 0; j < 3; j++ {
			buf.Positions[3*i+j] = math.Float32frombits(binary.LittleEndian.Uint32(rec[4*j:]))
			buf.Scales[3*i+j] = math.Float32frombits(binary.LittleEndian.Uint32(rec[12+4*j:]))
			buf.Colors[3*i+j] = float32(rec[24+j]) / 255
		}
		buf.Opacities[i] = float32(rec[27]) / 255
		for j := 0; j < 4; j++ {
			buf.Rotations[4*i+j] = (float32(rec[28+j]) - 128) / 128
		}
	}
	return buf, nil
}

// WriteSplat encodes buf as .splat records.
func WriteSplat(w io.Writer, buf *AttributeBuffer) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	rec := make([]byte, splatRecordSize)
	for i := 0; i < buf.Count; i++ {
		for j := 0; j < 3; j++ {
			binary.LittleEndian.PutUint32(rec[4*j:], math.Float32bits(buf.Positions[3*i+j]))
			binary.LittleEndian.PutUint32(rec[12+4*j:], math.Float32bits(buf.Scales[3*i+j]))
			rec[24+j] = unitToByte(buf.Colors[3*i+j])
		}
		rec[27] = unitToByte(buf.Opacities[i])
		for j := 0; j < 4; j++ {
			q := math.Round(float64(buf.Rotations[4*i+j])*128 + 128)
			rec[28+j] = byte(math.Max(0, math.Min(255, q)))
		}
		if _, err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func unitToByte(v float32) byte {
	return byte(math.Round(math.Max(0, math.Min(1, float64(v))) * 255))
}

// NewFromLASFile returns isotropic splats for every point of a LAS file. Colors are read from
// point format 2 records; other formats are white.
func NewFromLASFile(fn string, pointScale float64, logger logging.Logger) (*AttributeBuffer, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(lf.Close)

	buf := NewAttributeBuffer(lf.Header.NumberPoints)
	scale := r3.Vector{X: pointScale, Y: pointScale, Z: pointScale}
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()

		rgb := [3]float32{1, 1, 1}
		if lf.Header.PointFormatID == 2 && p.RgbData() != nil {
			rgb = [3]float32{
				float32(p.RgbData().Red) / 65535,
				float32(p.RgbData().Green) / 65535,
				float32(p.RgbData().Blue) / 65535,
			}
		}
		buf.SetSplat(i, r3.Vector{X: data.X, Y: data.Y, Z: data.Z}, scale, [4]float32{1, 0, 0, 0}, rgb, 1)
	}
	logger.Debugw("read LAS tile", "file", fn, "points", buf.Count)
	return buf, nil
}

// lidario only reads from paths, so streamed LAS payloads are spooled to a temp file.
func readLASFromReader(r io.Reader, pointScale float64, logger logging.Logger) (buf *AttributeBuffer, err error) {
	f, err := os.CreateTemp("", "tile-*.las")
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, os.Remove(f.Name()))
	}()
	if _, err := io.Copy(f, r); err != nil {
		return nil, multierr.Combine(err, f.Close())
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return NewFromLASFile(f.Name(), pointScale, logger)
}

// WriteToLASFile writes splat centers and colors out as a point format 2 LAS file. Scale,
// rotation and opacity are not representable and are dropped.
func WriteToLASFile(buf *AttributeBuffer, fn string) (err error) {
	if err := buf.Validate(); err != nil {
		return err
	}
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return
	}
	defer func() {
		cerr := lf.Close()
		err = multierr.Combine(err, cerr)
	}()

	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: 2}); err != nil {
		return
	}

	for i := 0; i < buf.Count; i++ {
		pos := buf.Position(i)
		pr0 := &lidario.PointRecord0{
			X:         pos.X,
			Y:         pos.Y,
			Z:         pos.Z,
			Intensity: 0,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3) | (0 << 6) | (0 << 7),
			},
			ClassBitField: lidario.ClassificationBitField{
				Value: 0,
			},
			ScanAngle:     0,
			UserData:      0,
			PointSourceID: 1,
		}
		lp := &lidario.PointRecord2{
			PointRecord0: pr0,
			RGB: &lidario.RgbData{
				Red:   uint16(math.Round(float64(buf.Colors[3*i]) * 65535)),
				Green: uint16(math.Round(float64(buf.Colors[3*i+1]) * 65535)),
				Blue:  uint16(math.Round(float64(buf.Colors[3*i+2]) * 65535)),
			},
		}
		if err = lf.AddLasPoint(lp); err != nil {
			return
		}
	}
	return nil
}

// EncodeSplat is WriteSplat into a fresh byte slice.
func EncodeSplat(buf *AttributeBuffer) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(buf.Count * splatRecordSize)
	if err := WriteSplat(&out, buf); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
