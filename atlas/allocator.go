// Package atlas manages texture space in the splat atlas.
//
// The atlas is a set of textures sharing one width × height layout, one splat per texel. Space
// is handed out in whole rows ("lines"): every tile owns one contiguous LineRange and no two live
// ranges overlap. Allocation is first-fit in ascending line order.
package atlas

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrNoSpace is returned when no gap in the atlas fits a request.
var ErrNoSpace = errors.New("no space left in splat atlas")

// Owner identifies the tile a range belongs to.
type Owner uint64

// LineRange is a run of whole texture rows.
type LineRange struct {
	LineStart int
	LineCount int
	LineWidth int
}

// End returns the first line after the range.
func (r LineRange) End() int {
	return r.LineStart + r.LineCount
}

// TexelStart returns the atlas texel offset of the first splat in the range.
func (r LineRange) TexelStart() int {
	return r.LineStart * r.LineWidth
}

// Capacity returns the number of splats the range can hold.
func (r LineRange) Capacity() int {
	return r.LineCount * r.LineWidth
}

// Overlaps reports whether r and other share a line.
func (r LineRange) Overlaps(other LineRange) bool {
	return r.LineStart < other.End() && other.LineStart < r.End()
}

type allocation struct {
	owner       Owner
	lines       LineRange
	vertexCount int
}

// An Allocator tracks which lines of the atlas are in use. It is not safe for concurrent use;
// the mesh only touches it from the render goroutine.
type Allocator struct {
	lineWidth    int
	maxLineCount int
	// sorted by LineStart
	allocs []allocation
}

// NewAllocator returns an empty allocator for an atlas lineWidth texels wide and maxLineCount
// lines tall.
func NewAllocator(lineWidth, maxLineCount int) *Allocator {
	return &Allocator{lineWidth: lineWidth, maxLineCount: maxLineCount}
}

// LineWidth returns the atlas width in texels.
func (a *Allocator) LineWidth() int {
	return a.lineWidth
}

// MaxLineCount returns the atlas height in lines.
func (a *Allocator) MaxLineCount() int {
	return a.maxLineCount
}

// LinesFor returns the number of lines vertexCount splats occupy.
func (a *Allocator) LinesFor(vertexCount int) int {
	return linesFor(vertexCount, a.lineWidth)
}

func linesFor(vertexCount, lineWidth int) int {
	if vertexCount <= 0 {
		return 0
	}
	return (vertexCount + lineWidth - 1) / lineWidth
}

// FindGap returns the first line of the lowest gap that fits lineCount lines.
func (a *Allocator) FindGap(lineCount int) (int, bool) {
	if lineCount <= 0 {
		return 0, false
	}
	prevEnd := 0
	for _, alloc := range a.allocs {
		if alloc.lines.LineStart-prevEnd >= lineCount {
			return prevEnd, true
		}
		prevEnd = alloc.lines.End()
	}
	if a.maxLineCount-prevEnd >= lineCount {
		return prevEnd, true
	}
	return 0, false
}

// AllocateLines reserves lineCount lines for owner.
func (a *Allocator) AllocateLines(owner Owner, lineCount int) (LineRange, error) {
	return a.allocate(owner, lineCount, lineCount*a.lineWidth)
}

// Allocate reserves enough lines for vertexCount splats.
func (a *Allocator) Allocate(owner Owner, vertexCount int) (LineRange, error) {
	return a.allocate(owner, a.LinesFor(vertexCount), vertexCount)
}

func (a *Allocator) allocate(owner Owner, lineCount, vertexCount int) (LineRange, error) {
	if lineCount <= 0 {
		return LineRange{}, errors.Errorf("cannot allocate %d lines", lineCount)
	}
	if _, ok := a.indexOf(owner); ok {
		return LineRange{}, errors.Errorf("owner %d already holds a range", owner)
	}
	start, ok := a.FindGap(lineCount)
	if !ok {
		return LineRange{}, errors.Wrapf(ErrNoSpace, "%d lines requested, %d of %d in use",
			lineCount, a.UsedLines(), a.maxLineCount)
	}
	lines := LineRange{LineStart: start, LineCount: lineCount, LineWidth: a.lineWidth}
	idx := sort.Search(len(a.allocs), func(i int) bool { return a.allocs[i].lines.LineStart >= start })
	a.allocs = append(a.allocs, allocation{})
	copy(a.allocs[idx+1:], a.allocs[idx:])
	a.allocs[idx] = allocation{owner: owner, lines: lines, vertexCount: vertexCount}
	return lines, nil
}

func (a *Allocator) indexOf(owner Owner) (int, bool) {
	for i, alloc := range a.allocs {
		if alloc.owner == owner {
			return i, true
		}
	}
	return 0, false
}

// Free releases owner's range. It reports whether owner held one.
func (a *Allocator) Free(owner Owner) bool {
	idx, ok := a.indexOf(owner)
	if !ok {
		return false
	}
	a.allocs = append(a.allocs[:idx], a.allocs[idx+1:]...)
	return true
}

// RangeOf returns owner's range.
func (a *Allocator) RangeOf(owner Owner) (LineRange, bool) {
	idx, ok := a.indexOf(owner)
	if !ok {
		return LineRange{}, false
	}
	return a.allocs[idx].lines, true
}

// Ranges returns the live ranges in ascending line order.
func (a *Allocator) Ranges() []LineRange {
	ranges := make([]LineRange, len(a.allocs))
	for i, alloc := range a.allocs {
		ranges[i] = alloc.lines
	}
	return ranges
}

// UsedLines returns the number of lines held by live ranges.
func (a *Allocator) UsedLines() int {
	used := 0
	for _, alloc := range a.allocs {
		used += alloc.lines.LineCount
	}
	return used
}

// Len returns the number of live ranges.
func (a *Allocator) Len() int {
	return len(a.allocs)
}

func (a *Allocator) packedLines(lineWidth int) int {
	total := 0
	for _, alloc := range a.allocs {
		total += linesFor(alloc.vertexCount, lineWidth)
	}
	return total
}

// Resize changes the atlas dimensions and packs every live range from line 0, keeping their
// current order. Ranges are recomputed for newWidth from the vertex count each owner allocated
// with. The returned map holds every owner's new range; the caller must re-stage and re-upload
// all of them. On ErrNoSpace the allocator is left unchanged.
func (a *Allocator) Resize(newWidth, newMaxLineCount int) (map[Owner]LineRange, error) {
	if newWidth <= 0 || newMaxLineCount <= 0 {
		return nil, errors.Errorf("invalid atlas size %dx%d", newWidth, newMaxLineCount)
	}
	if needed := a.packedLines(newWidth); needed > newMaxLineCount {
		return nil, errors.Wrapf(ErrNoSpace, "%d lines needed after repack, atlas has %d", needed, newMaxLineCount)
	}

	moved := make(map[Owner]LineRange, len(a.allocs))
	next := 0
	for i := range a.allocs {
		alloc := &a.allocs[i]
		alloc.lines = LineRange{
			LineStart: next,
			LineCount: linesFor(alloc.vertexCount, newWidth),
			LineWidth: newWidth,
		}
		next = alloc.lines.End()
		moved[alloc.owner] = alloc.lines
	}
	a.lineWidth = newWidth
	a.maxLineCount = newMaxLineCount
	return moved, nil
}
