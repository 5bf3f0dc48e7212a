package utils

import (
	"context"
	"runtime"
	"sync"

	"go.viam.com/utils"
)

// ParallelFactor caps the number of groups GroupWorkParallel splits work into. Tests lower it
// to make group boundaries predictable.
var ParallelFactor = runtime.GOMAXPROCS(0)

// MinGroupSize is the smallest group worth its own goroutine.
var MinGroupSize = 1024

// members run between cancellation checks inside a group
const groupCancelInterval = 4096

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

type (
	// MemberWorkFunc runs for each work item (member) of a group.
	MemberWorkFunc func(memberNum, workNum int)
	// GroupWorkDoneFunc runs once a group finished all of its members; used to merge per-group
	// results. It is not called for a group that stopped early.
	GroupWorkDoneFunc func()
	// GroupWorkFunc prepares the work of the group covering [from, to).
	GroupWorkFunc func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc)
)

// NumGroups returns how many groups GroupWorkParallel splits totalSize items into.
func NumGroups(totalSize int) int {
	numGroups := min(ParallelFactor, totalSize/max(MinGroupSize, 1))
	return max(numGroups, 1)
}

// GroupWorkParallel splits [0, totalSize) into NumGroups contiguous groups, one goroutine each.
// The last group absorbs the remainder. Groups stop between members once ctx is done, and the
// context error is returned after every started group returned.
func GroupWorkParallel(ctx context.Context, totalSize int, groupWork GroupWorkFunc) error {
	numGroups := NumGroups(totalSize)
	groupSize := totalSize / numGroups
	extra := totalSize % numGroups

	var wait sync.WaitGroup
	for groupNum := 0; groupNum < numGroups && ctx.Err() == nil; groupNum++ {
		groupNum := groupNum
		from := groupSize * groupNum
		to := from + groupSize
		if groupNum == numGroups-1 {
			to += extra
		}
		wait.Add(1)
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			memberWork, groupWorkDone := groupWork(groupNum, to-from, from, to)
			for workNum := from; memberWork != nil && workNum < to; workNum++ {
				if (workNum-from)%groupCancelInterval == 0 && ctx.Err() != nil {
					return
				}
				memberWork(workNum-from, workNum)
			}
			if groupWorkDone != nil {
				groupWorkDone()
			}
		})
	}
	wait.Wait()
	return ctx.Err()
}
