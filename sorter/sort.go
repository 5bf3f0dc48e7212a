// Package sorter orders visible splats back to front for a camera.
//
// Depths along the view direction are quantized to fixed point and sorted with a four pass,
// eight bit LSD radix sort. Each pass is a stable counting sort, so splats with the same
// quantized depth keep their tile order and their order within the tile.
package sorter

import (
	"context"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/splatstream/pointcloud"
	"go.viam.com/splatstream/registry"
)

const (
	// DepthScale is the number of quantization steps per world unit.
	DepthScale = 4096
	// DegenerateDepthRange is the depth extent under which the view is not sorted.
	DegenerateDepthRange = 1e-6

	radixBits    = 8
	radixBuckets = 1 << radixBits
	radixPasses  = 32 / radixBits
)

// Camera is the viewpoint of a sort. Direction need not be normalized.
type Camera struct {
	Position  r3.Vector
	Direction r3.Vector
}

// Scene is one tile's contribution to a sort.
type Scene struct {
	Handle registry.Handle
	// Centers is xyzw per splat; w is ignored.
	Centers     []float32
	VertexCount int
	// TexelStart is the atlas texel of the tile's first splat.
	TexelStart int
	Bounds     pointcloud.Bounds
}

// Request is a sort of every splat of Scenes.
type Request struct {
	Seq    uint64
	Camera Camera
	Scenes []Scene
}

// Result is a completed sort.
type Result struct {
	Seq    uint64
	Camera Camera
	// SplatIndex holds atlas texel offsets, farthest splat first.
	SplatIndex []float32
	// UpdateStart and UpdateCount bound the part of the draw index SplatIndex replaces. A zero
	// UpdateCount means the view was degenerate and nothing was sorted.
	UpdateStart int
	UpdateCount int
	// VertexCount is the number of splats in the sorted scenes.
	VertexCount int
	Scenes      []registry.Handle
}

// Sort computes the back to front order of req.
func Sort(ctx context.Context, req Request) (Result, error) {
	result := Result{Seq: req.Seq, Camera: req.Camera}
	bounds := pointcloud.NewBounds()
	for _, scene := range req.Scenes {
		result.VertexCount += scene.VertexCount
		result.Scenes = append(result.Scenes, scene.Handle)
		bounds.Union(scene.Bounds)
	}
	if result.VertexCount == 0 || bounds.Empty() {
		return result, nil
	}

	dir := req.Camera.Direction.Normalize()
	lo, hi := bounds.DepthRange(dir)
	if hi-lo < DegenerateDepthRange {
		return result, nil
	}

	n := result.VertexCount
	texels := make([]float32, n)
	depths := make([]float64, n)
	minDepth := math.Inf(1)
	i := 0
	for _, scene := range req.Scenes {
		for j := 0; j < scene.VertexCount; j++ {
			c := scene.Centers[4*j : 4*j+3]
			d := float64(c[0])*dir.X + float64(c[1])*dir.Y + float64(c[2])*dir.Z
			depths[i] = d
			minDepth = math.Min(minDepth, d)
			texels[i] = float32(scene.TexelStart + j)
			i++
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// keys are inverted so an ascending sort puts the farthest splat first
	base := math.Floor(minDepth * DepthScale)
	keys := make([]uint32, n)
	for i, d := range depths {
		q := math.Floor(d*DepthScale) - base
		if q > math.MaxUint32 {
			q = math.MaxUint32
		}
		keys[i] = math.MaxUint32 - uint32(q)
	}

	order, err := radixSort(ctx, keys)
	if err != nil {
		return Result{}, err
	}

	result.SplatIndex = make([]float32, n)
	for i, src := range order {
		result.SplatIndex[i] = texels[src]
	}
	result.UpdateStart = 0
	result.UpdateCount = n
	return result, nil
}

// radixSort returns the permutation that stably sorts keys ascending.
func radixSort(ctx context.Context, keys []uint32) ([]uint32, error) {
	n := len(keys)
	order := make([]uint32, n)
	scratch := make([]uint32, n)
	for i := range order {
		order[i] = uint32(i)
	}

	var counts [radixBuckets]int
	for pass := 0; pass < radixPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		shift := uint(pass * radixBits)
		clear(counts[:])
		for _, idx := range order {
			counts[(keys[idx]>>shift)&(radixBuckets-1)]++
		}
		// every key shares this digit
		if counts[(keys[order[0]]>>shift)&(radixBuckets-1)] == n {
			continue
		}
		offset := 0
		for b := range counts {
			c := counts[b]
			counts[b] = offset
			offset += c
		}
		for _, idx := range order {
			b := (keys[idx] >> shift) & (radixBuckets - 1)
			scratch[counts[b]] = idx
			counts[b]++
		}
		order, scratch = scratch, order
	}
	return order, nil
}

// IdentityIndex returns the draw index of scenes in atlas order, for views that were not
// sorted.
func IdentityIndex(scenes []Scene) []float32 {
	total := 0
	for _, scene := range scenes {
		total += scene.VertexCount
	}
	index := make([]float32, 0, total)
	for _, scene := range scenes {
		for j := 0; j < scene.VertexCount; j++ {
			index = append(index, float32(scene.TexelStart+j))
		}
	}
	return index
}
