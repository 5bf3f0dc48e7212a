package registry

import "fmt"

// State is the lifecycle stage of a tile.
type State int

// Tiles move Loaded → Transforming → Allocated → Uploading → Ready. Any live state may move to
// Removing and then Removed. Failed tiles never render and stay until unloaded.
const (
	StateLoaded State = iota
	StateTransforming
	StateAllocated
	StateUploading
	StateReady
	StateRemoving
	StateRemoved
	StateFailed
)

var stateNames = map[State]string{
	StateLoaded:       "loaded",
	StateTransforming: "transforming",
	StateAllocated:    "allocated",
	StateUploading:    "uploading",
	StateReady:        "ready",
	StateRemoving:     "removing",
	StateRemoved:      "removed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Live reports whether the tile has not started removal.
func (s State) Live() bool {
	return s != StateRemoving && s != StateRemoved
}
