// Package registry tracks every streamed tile from load to removal.
//
// Tiles live in an arena and are addressed by Handle, a slot index plus a generation, so a
// handle to a removed tile never aliases a newer one. The registry also owns the tiles' atlas
// ranges: a range is allocated when the tile's transform completes and goes back to the
// allocator only when the tile reaches Removed. A tile that still has in-flight work referencing
// it (see Acquire) is held in Removing until DrainRemovals runs after that work finished.
//
// A Registry is not safe for concurrent use. It belongs to the render goroutine.
package registry

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/splatstream/atlas"
	"go.viam.com/splatstream/pointcloud"
	"go.viam.com/splatstream/transform"
)

var (
	// ErrInvalidTransition is returned when an operation does not apply to a tile's state.
	ErrInvalidTransition = errors.New("invalid tile state transition")
	// ErrUnknownHandle is returned for handles of removed tiles or handles never issued.
	ErrUnknownHandle = errors.New("unknown tile handle")
)

// Handle refers to one tile. The zero Handle is never issued.
type Handle struct {
	index      uint32
	generation uint32
}

// Owner returns the atlas owner id of the tile.
func (h Handle) Owner() atlas.Owner {
	return atlas.Owner(uint64(h.generation)<<32 | uint64(h.index))
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.generation == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("tile(%d/%d)", h.index, h.generation)
}

// Entry is the registry's record of one tile.
type Entry struct {
	Handle Handle
	State  State
	// Err is the reason a Failed tile failed.
	Err error

	VertexCount int
	Lines       atlas.LineRange
	// Centers is the transform's center texels, retained for sorting and atlas growth.
	Centers []float32
	Bounds  pointcloud.Bounds
	Sphere  pointcloud.Sphere

	// Block holds the texture data until the upload completes.
	Block *transform.Block

	Visible  bool
	NeedSort bool

	buffer *pointcloud.AttributeBuffer
	refs   int
	ranged bool
}

// Refs returns the number of in-flight operations referencing the tile.
func (e *Entry) Refs() int {
	return e.refs
}

// HasRange reports whether the tile holds an atlas range.
func (e *Entry) HasRange() bool {
	return e.ranged
}

type slot struct {
	entry      *Entry
	generation uint32
}

// Registry holds every tile that has not been removed.
type Registry struct {
	alloc *atlas.Allocator
	slots []slot
	free  []uint32
	// version counts changes to the drawable set that no tile flag records.
	version uint64
}

// New returns an empty registry allocating from alloc.
func New(alloc *atlas.Allocator) *Registry {
	return &Registry{alloc: alloc}
}

// Allocator returns the atlas allocator the registry allocates from.
func (r *Registry) Allocator() *atlas.Allocator {
	return r.alloc
}

// Create registers a loaded tile holding buf. New tiles are visible.
func (r *Registry) Create(buf *pointcloud.AttributeBuffer) Handle {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}
	s := &r.slots[idx]
	s.generation++
	h := Handle{index: idx, generation: s.generation}
	s.entry = &Entry{Handle: h, State: StateLoaded, Visible: true, buffer: buf}
	return h
}

// Get returns the entry for h. The entry must not be modified outside the registry.
func (r *Registry) Get(h Handle) (*Entry, bool) {
	if h.IsZero() || int(h.index) >= len(r.slots) {
		return nil, false
	}
	s := r.slots[h.index]
	if s.generation != h.generation || s.entry == nil {
		return nil, false
	}
	return s.entry, true
}

func (r *Registry) lookup(h Handle, from ...State) (*Entry, error) {
	e, ok := r.Get(h)
	if !ok {
		return nil, errors.Wrap(ErrUnknownHandle, h.String())
	}
	if len(from) > 0 && !lo.Contains(from, e.State) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s is %s, expected one of %v", h, e.State, from)
	}
	return e, nil
}

// BeginTransform moves a Loaded tile to Transforming and hands over its attribute buffer.
func (r *Registry) BeginTransform(h Handle) (*pointcloud.AttributeBuffer, error) {
	e, err := r.lookup(h, StateLoaded)
	if err != nil {
		return nil, err
	}
	buf := e.buffer
	e.buffer = nil
	e.State = StateTransforming
	return buf, nil
}

// CompleteTransform records the transform output of a Transforming tile. The tile stays
// Transforming until Allocate succeeds.
func (r *Registry) CompleteTransform(h Handle, block *transform.Block) error {
	e, err := r.lookup(h, StateTransforming)
	if err != nil {
		return err
	}
	e.Block = block
	e.VertexCount = block.VertexCount
	e.Centers = block.Centers
	e.Bounds = block.Bounds
	e.Sphere = block.Sphere
	return nil
}

// Allocate reserves atlas space for a transformed tile and moves it to Allocated. Errors from
// the allocator, including atlas.ErrNoSpace, leave the tile unchanged.
func (r *Registry) Allocate(h Handle) (atlas.LineRange, error) {
	e, err := r.lookup(h, StateTransforming)
	if err != nil {
		return atlas.LineRange{}, err
	}
	if e.Block == nil {
		return atlas.LineRange{}, errors.Wrapf(ErrInvalidTransition, "%s has no transform output", h)
	}
	// empty tiles take no space
	if e.VertexCount > 0 {
		lines, err := r.alloc.Allocate(h.Owner(), e.VertexCount)
		if err != nil {
			return atlas.LineRange{}, err
		}
		e.Lines = lines
		e.ranged = true
	}
	e.State = StateAllocated
	e.NeedSort = true
	return e.Lines, nil
}

// BeginUpload moves an Allocated tile to Uploading.
func (r *Registry) BeginUpload(h Handle) error {
	e, err := r.lookup(h, StateAllocated)
	if err != nil {
		return err
	}
	e.State = StateUploading
	return nil
}

// CompleteUpload moves an Uploading tile to Ready and drops its texture data. Centers are kept.
func (r *Registry) CompleteUpload(h Handle) error {
	e, err := r.lookup(h, StateUploading)
	if err != nil {
		return err
	}
	e.Block = nil
	e.State = StateReady
	e.NeedSort = true
	return nil
}

// Fail moves a tile that has not reached Ready to Failed.
func (r *Registry) Fail(h Handle, cause error) error {
	e, err := r.lookup(h, StateLoaded, StateTransforming, StateAllocated, StateUploading)
	if err != nil {
		return err
	}
	// failed tiles never draw; their lines go back to the allocator
	if e.ranged {
		r.alloc.Free(h.Owner())
		e.ranged = false
		e.Lines = atlas.LineRange{}
	}
	e.buffer = nil
	e.Block = nil
	e.Err = cause
	e.State = StateFailed
	return nil
}

// SetVisible changes whether a tile is drawn once Ready.
func (r *Registry) SetVisible(h Handle, visible bool) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	if e.Visible == visible {
		return nil
	}
	e.Visible = visible
	if e.State == StateReady {
		e.NeedSort = true
		r.version++
	}
	return nil
}

// Acquire records an in-flight operation referencing h.
func (r *Registry) Acquire(h Handle) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	e.refs++
	return nil
}

// Release ends an in-flight operation started with Acquire. A tile waiting for removal is
// removed by the next DrainRemovals.
func (r *Registry) Release(h Handle) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	if e.refs == 0 {
		return errors.Errorf("%s released more often than acquired", h)
	}
	e.refs--
	return nil
}

// MarkRemoving starts removing a tile. It reports whether the tile was removed right away; when
// in-flight work still references it, removal waits for DrainRemovals.
func (r *Registry) MarkRemoving(h Handle) (bool, error) {
	e, err := r.lookup(h)
	if err != nil {
		return false, err
	}
	if e.State == StateRemoving {
		return false, nil
	}
	if e.State == StateReady && e.Visible {
		r.version++
	}
	e.State = StateRemoving
	e.buffer = nil
	e.Block = nil
	if e.refs > 0 {
		return false, nil
	}
	r.finalize(e)
	return true, nil
}

func (r *Registry) finalize(e *Entry) {
	if e.ranged {
		r.alloc.Free(e.Handle.Owner())
		e.ranged = false
	}
	e.State = StateRemoved
	e.Centers = nil
	r.slots[e.Handle.index].entry = nil
	r.free = append(r.free, e.Handle.index)
}

// DrainRemovals removes every Removing tile no longer referenced and returns their handles.
func (r *Registry) DrainRemovals() []Handle {
	var removed []Handle
	for _, e := range r.entries() {
		if e.State == StateRemoving && e.refs == 0 {
			r.finalize(e)
			removed = append(removed, e.Handle)
		}
	}
	return removed
}

func (r *Registry) entries() []*Entry {
	live := make([]*Entry, 0, len(r.slots)-len(r.free))
	for _, s := range r.slots {
		if s.entry != nil {
			live = append(live, s.entry)
		}
	}
	return live
}

// Entries returns every tile not yet removed in atlas order, tiles without a range last.
func (r *Registry) Entries() []*Entry {
	all := r.entries()
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ranged != all[j].ranged {
			return all[i].ranged
		}
		return all[i].Lines.LineStart < all[j].Lines.LineStart
	})
	return all
}

// VisibleReady returns the tiles to draw, in atlas order.
func (r *Registry) VisibleReady() []*Entry {
	return lo.Filter(r.Entries(), func(e *Entry, _ int) bool {
		return e.State == StateReady && e.Visible
	})
}

// NeedsSort reports whether a visible Ready tile awaits a sort.
func (r *Registry) NeedsSort() bool {
	return lo.ContainsBy(r.entries(), func(e *Entry) bool {
		return e.State == StateReady && e.Visible && e.NeedSort
	})
}

// Version increases whenever a drawn tile is hidden or removed.
func (r *Registry) Version() uint64 {
	return r.version
}

// ClearNeedSort clears the sort flag of the given tiles. Removed handles are ignored.
func (r *Registry) ClearNeedSort(handles []Handle) {
	for _, h := range handles {
		if e, ok := r.Get(h); ok {
			e.NeedSort = false
		}
	}
}

// MarkAllNeedSort flags every tile for sorting, as after an atlas resize.
func (r *Registry) MarkAllNeedSort() {
	for _, e := range r.entries() {
		e.NeedSort = true
	}
}

// ApplyRanges stores the ranges returned by atlas.Allocator.Resize.
func (r *Registry) ApplyRanges(ranges map[atlas.Owner]atlas.LineRange) {
	for _, e := range r.entries() {
		if lines, ok := ranges[e.Handle.Owner()]; ok && e.ranged {
			e.Lines = lines
		}
	}
}

// Len returns the number of tiles not yet removed.
func (r *Registry) Len() int {
	return len(r.slots) - len(r.free)
}

// CountByState returns the number of tiles in each state.
func (r *Registry) CountByState() map[State]int {
	return lo.CountValuesBy(r.entries(), func(e *Entry) State { return e.State })
}
