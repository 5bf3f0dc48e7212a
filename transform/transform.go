// Package transform converts raw splat attributes into the texel layout of the splat atlas.
//
// For each splat the rotation and scale are folded into the six independent terms of its 3D
// covariance. The terms are divided by their largest magnitude before half-float encoding to
// keep precision, and that factor travels in the fourth channel of the center texel so the
// shader can scale the covariance back up.
package transform

import (
	"context"
	"math"
	"sync"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/splatstream/pointcloud"
	"go.viam.com/splatstream/utils"
)

// quadExtent is the half-size of the instance quad; covariances are scaled to match it.
const quadExtent = 2

// how often the serial path checks for cancellation, in splats
const cancelCheckInterval = 4096

// Options controls the output layout.
type Options struct {
	// RGBACovariants pads the second covariance texture to four channels.
	RGBACovariants bool
	// ParallelThreshold is the splat count from which a tile is split across goroutines.
	// Zero keeps every tile on one goroutine.
	ParallelThreshold int
}

// CovBItemSize is the number of channels per texel of the second covariance texture.
func (o Options) CovBItemSize() int {
	if o.RGBACovariants {
		return 4
	}
	return 2
}

// Block is the GPU-ready form of one tile.
type Block struct {
	VertexCount int
	// Centers is xyz plus the covariance factor per splat.
	Centers []float32
	// CovA holds half-float covariance terms xx, xy, xz, yy.
	CovA []uint16
	// CovB holds half-float covariance terms yz, zz, padded to CovBItemSize.
	CovB         []uint16
	CovBItemSize int
	// Colors is rgba per splat.
	Colors []uint8
	Bounds pointcloud.Bounds
	Sphere pointcloud.Sphere
}

// Transform converts buf into a Block. buf must already be valid.
func Transform(ctx context.Context, buf *pointcloud.AttributeBuffer, opts Options) (*Block, error) {
	n := buf.Count
	block := &Block{
		VertexCount:  n,
		Centers:      make([]float32, 4*n),
		CovA:         make([]uint16, 4*n),
		CovB:         make([]uint16, opts.CovBItemSize()*n),
		CovBItemSize: opts.CovBItemSize(),
		Colors:       make([]uint8, 4*n),
		Bounds:       pointcloud.NewBounds(),
	}

	if opts.ParallelThreshold > 0 && n >= opts.ParallelThreshold {
		var boundsMu sync.Mutex
		err := utils.GroupWorkParallel(ctx, n,
			func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
				groupBounds := pointcloud.NewBounds()
				return func(memberNum, workNum int) {
						writeSplat(buf, block, workNum, &groupBounds)
					}, func() {
						boundsMu.Lock()
						block.Bounds.Union(groupBounds)
						boundsMu.Unlock()
					}
			})
		if err != nil {
			return nil, err
		}
	} else {
		for i := 0; i < n; i++ {
			if i%cancelCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			writeSplat(buf, block, i, &block.Bounds)
		}
	}

	block.Sphere = block.Bounds.Sphere()
	return block, nil
}

func writeSplat(buf *pointcloud.AttributeBuffer, block *Block, i int, bounds *pointcloud.Bounds) {
	pos := buf.Position(i)
	bounds.Merge(pos)

	rotation := [4]float32{buf.Rotations[4*i], buf.Rotations[4*i+1], buf.Rotations[4*i+2], buf.Rotations[4*i+3]}
	scale := [3]float32{buf.Scales[3*i], buf.Scales[3*i+1], buf.Scales[3*i+2]}
	terms := Covariance(rotation, scale)

	factor := 0.
	for _, term := range terms {
		factor = math.Max(factor, math.Abs(term))
	}
	inv := 0.
	if factor > 0 {
		inv = 1 / factor
	}

	block.Centers[4*i] = buf.Positions[3*i]
	block.Centers[4*i+1] = buf.Positions[3*i+1]
	block.Centers[4*i+2] = buf.Positions[3*i+2]
	block.Centers[4*i+3] = float32(factor)

	for j := 0; j < 4; j++ {
		block.CovA[4*i+j] = toHalf(terms[j] * inv)
	}
	stride := block.CovBItemSize
	block.CovB[stride*i] = toHalf(terms[4] * inv)
	block.CovB[stride*i+1] = toHalf(terms[5] * inv)

	block.Colors[4*i] = unitToByte(buf.Colors[3*i])
	block.Colors[4*i+1] = unitToByte(buf.Colors[3*i+1])
	block.Colors[4*i+2] = unitToByte(buf.Colors[3*i+2])
	block.Colors[4*i+3] = unitToByte(buf.Opacities[i])
}

// Covariance returns the terms xx, xy, xz, yy, yz, zz of Mᵀ·M where M = S·Rᵀ, S is the
// diagonal of 2·scale and R the rotation of the quaternion (w, x, y, z). A zero quaternion is
// treated as the identity.
func Covariance(rotation [4]float32, scale [3]float32) [6]float64 {
	q := quat.Number{
		Real: float64(rotation[0]),
		Imag: float64(rotation[1]),
		Jmag: float64(rotation[2]),
		Kmag: float64(rotation[3]),
	}
	if norm := quat.Abs(q); norm > 0 {
		q = quat.Scale(1/norm, q)
	} else {
		q = quat.Number{Real: 1}
	}
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	r := [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}

	var m [3][3]float64
	for i := 0; i < 3; i++ {
		s := quadExtent * float64(scale[i])
		for j := 0; j < 3; j++ {
			m[i][j] = s * r[j][i]
		}
	}

	cov := func(a, b int) float64 {
		return m[0][a]*m[0][b] + m[1][a]*m[1][b] + m[2][a]*m[2][b]
	}
	return [6]float64{cov(0, 0), cov(0, 1), cov(0, 2), cov(1, 1), cov(1, 2), cov(2, 2)}
}

func toHalf(v float64) uint16 {
	return float16.Fromfloat32(float32(v)).Bits()
}

// FromHalf decodes a half float written by the transform.
func FromHalf(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

func unitToByte(v float32) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, float64(v))) * 255))
}
