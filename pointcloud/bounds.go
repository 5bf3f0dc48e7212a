package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// Bounds is an axis-aligned bounding box grown one point at a time.
type Bounds struct {
	Min r3.Vector
	Max r3.Vector
}

// Sphere is a bounding sphere.
type Sphere struct {
	Center r3.Vector
	Radius float64
}

// NewBounds returns empty bounds that any merged point will replace.
func NewBounds() Bounds {
	return Bounds{
		Min: r3.Vector{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64},
		Max: r3.Vector{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64},
	}
}

// Empty reports whether no point has been merged.
func (b Bounds) Empty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Merge grows the bounds to include p.
func (b *Bounds) Merge(p r3.Vector) {
	b.Min = r3.Vector{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)}
	b.Max = r3.Vector{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)}
}

// Union grows the bounds to include other.
func (b *Bounds) Union(other Bounds) {
	if other.Empty() {
		return
	}
	b.Merge(other.Min)
	b.Merge(other.Max)
}

// Center returns the box center.
func (b Bounds) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Sphere returns a sphere centered on the box with half the box diagonal as its radius. It is
// conservative, not the minimal enclosing sphere.
func (b Bounds) Sphere() Sphere {
	if b.Empty() {
		return Sphere{}
	}
	return Sphere{Center: b.Center(), Radius: b.Max.Sub(b.Min).Norm() / 2}
}

// DepthRange projects the eight box corners onto dir and returns the extent along it.
func (b Bounds) DepthRange(dir r3.Vector) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i := 0; i < 8; i++ {
		corner := b.Min
		if i&1 != 0 {
			corner.X = b.Max.X
		}
		if i&2 != 0 {
			corner.Y = b.Max.Y
		}
		if i&4 != 0 {
			corner.Z = b.Max.Z
		}
		d := corner.Dot(dir)
		lo = math.Min(lo, d)
		hi = math.Max(hi, d)
	}
	return lo, hi
}
