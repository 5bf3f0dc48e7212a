package splatmesh

import "go.viam.com/splatstream/registry"

type counters struct {
	transformsDispatched int
	transformFailures    int
	uploads              int
	growths              int
	sortsDispatched      int
	sortsCompleted       int
	sortsSkipped         int
	sortFailures         int
}

// Stats is a snapshot of the mesh's bookkeeping.
type Stats struct {
	Tiles         map[registry.State]int
	AtlasWidth    int
	AtlasHeight   int
	UsedLines     int
	InstanceCount int
	// Pending is the number of worker operations whose output has not been applied.
	Pending int

	TransformsDispatched int
	TransformFailures    int
	Uploads              int
	Growths              int
	SortsDispatched      int
	SortsCompleted       int
	SortsSkipped         int
	SortFailures         int
}

// Stats returns the current statistics.
func (m *Mesh) Stats() Stats {
	return Stats{
		Tiles:                m.tiles.CountByState(),
		AtlasWidth:           m.alloc.LineWidth(),
		AtlasHeight:          m.alloc.MaxLineCount(),
		UsedLines:            m.alloc.UsedLines(),
		InstanceCount:        m.instanceCount,
		Pending:              m.pending,
		TransformsDispatched: m.stats.transformsDispatched,
		TransformFailures:    m.stats.transformFailures,
		Uploads:              m.stats.uploads,
		Growths:              m.stats.growths,
		SortsDispatched:      m.stats.sortsDispatched,
		SortsCompleted:       m.stats.sortsCompleted,
		SortsSkipped:         m.stats.sortsSkipped,
		SortFailures:         m.stats.sortFailures,
	}
}
