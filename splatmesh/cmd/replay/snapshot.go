package main

import (
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/splatstream/gpu/fake"
	"go.viam.com/splatstream/sorter"
	"go.viam.com/splatstream/splatmesh"
)

// snapshot draws what the device would present for cam: every drawn splat as a disc, in draw
// order, with a 90° field of view.
func snapshot(device *fake.Device, cam sorter.Camera, size int) (*gg.Context, error) {
	centersTex, ok := device.Texture(splatmesh.CentersTexture)
	if !ok {
		return nil, errors.New("no centers texture")
	}
	colorsTex, ok := device.Texture(splatmesh.ColorsTexture)
	if !ok {
		return nil, errors.New("no colors texture")
	}
	geometry, ok := device.Geometry("splats")
	if !ok {
		return nil, errors.New("no splat geometry")
	}
	centers, _ := centersTex.Contents().([]float32)
	colors, _ := colorsTex.Contents().([]uint8)

	forward := cam.Direction.Normalize()
	up := r3.Vector{Z: 1}
	if forward.Cross(up).Norm() < 1e-6 {
		up = r3.Vector{Y: 1}
	}
	right := forward.Cross(up).Normalize()
	up = right.Cross(forward)

	half := float64(size) / 2
	dc := gg.NewContext(size, size)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	for _, texel := range geometry.Drawn() {
		i := int(texel)
		if 4*i+3 >= len(centers) || 4*i+3 >= len(colors) {
			continue
		}
		p := r3.Vector{X: float64(centers[4*i]), Y: float64(centers[4*i+1]), Z: float64(centers[4*i+2])}.Sub(cam.Position)
		depth := p.Dot(forward)
		if depth <= 0 {
			continue
		}
		// the covariance factor is the largest term of the covariance, roughly the squared extent
		radius := half * math.Sqrt(float64(centers[4*i+3])) / depth
		radius = math.Min(math.Max(radius, 1), half/8)
		dc.SetRGBA255(int(colors[4*i]), int(colors[4*i+1]), int(colors[4*i+2]), int(colors[4*i+3]))
		dc.DrawPoint(half+half*p.Dot(right)/depth, half-half*p.Dot(up)/depth, radius)
		dc.Fill()
	}
	return dc, nil
}
