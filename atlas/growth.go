package atlas

import "github.com/pkg/errors"

// ErrCapacityExhausted is returned when the atlas is already at its largest size.
var ErrCapacityExhausted = errors.New("splat atlas capacity exhausted")

// GrowthPolicy decides how the atlas grows when an allocation fails. Height doubles first, up to
// MaxHeight; after that width doubles up to MaxWidth.
type GrowthPolicy struct {
	MaxWidth  int
	MaxHeight int
}

// Next returns the smallest size on the doubling path from the allocator's current size whose
// repacked layout also fits vertexCount more splats.
func (p GrowthPolicy) Next(a *Allocator, vertexCount int) (width, height int, err error) {
	width, height = max(a.lineWidth, 1), max(a.maxLineCount, 1)
	for {
		switch {
		case height < p.MaxHeight:
			height = min(2*height, p.MaxHeight)
		case width < p.MaxWidth:
			width = min(2*width, p.MaxWidth)
		default:
			return 0, 0, errors.Wrapf(ErrCapacityExhausted, "%dx%d cannot hold %d more splats",
				a.lineWidth, a.maxLineCount, vertexCount)
		}
		if a.packedLines(width)+linesFor(vertexCount, width) <= height {
			return width, height, nil
		}
	}
}
