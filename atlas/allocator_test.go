package atlas

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.viam.com/test"
)

func TestFirstFit(t *testing.T) {
	a := NewAllocator(16, 40)
	_, err := a.AllocateLines(1, 10)
	test.That(t, err, test.ShouldBeNil)
	_, err = a.AllocateLines(2, 10)
	test.That(t, err, test.ShouldBeNil)
	_, err = a.AllocateLines(3, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.Free(2), test.ShouldBeTrue)
	test.That(t, a.Free(2), test.ShouldBeFalse)
	test.That(t, a.Ranges(), test.ShouldResemble, []LineRange{
		{LineStart: 0, LineCount: 10, LineWidth: 16},
		{LineStart: 20, LineCount: 10, LineWidth: 16},
	})

	start, ok := a.FindGap(8)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, start, test.ShouldEqual, 10)

	r, err := a.AllocateLines(4, 8)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r, test.ShouldResemble, LineRange{LineStart: 10, LineCount: 8, LineWidth: 16})
	test.That(t, r.TexelStart(), test.ShouldEqual, 160)
	test.That(t, r.Capacity(), test.ShouldEqual, 128)

	// the remaining 2-line gap is skipped for the gap after the last range
	r, err = a.AllocateLines(5, 5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.LineStart, test.ShouldEqual, 30)

	_, err = a.AllocateLines(6, 6)
	test.That(t, errors.Is(err, ErrNoSpace), test.ShouldBeTrue)
	test.That(t, a.UsedLines(), test.ShouldEqual, 33)
	test.That(t, a.Len(), test.ShouldEqual, 4)

	_, err = a.AllocateLines(4, 1)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = a.AllocateLines(7, 0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAllocateVertices(t *testing.T) {
	a := NewAllocator(16, 8)
	test.That(t, a.LinesFor(0), test.ShouldEqual, 0)
	test.That(t, a.LinesFor(16), test.ShouldEqual, 1)
	test.That(t, a.LinesFor(17), test.ShouldEqual, 2)

	r, err := a.Allocate(1, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.LineCount, test.ShouldEqual, 7)
	got, ok := a.RangeOf(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldResemble, r)
	_, ok = a.RangeOf(2)
	test.That(t, ok, test.ShouldBeFalse)

	_, err = a.Allocate(2, 17)
	test.That(t, errors.Is(err, ErrNoSpace), test.ShouldBeTrue)
}

func TestNoOverlapUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := NewAllocator(8, 200)
	live := map[Owner]LineRange{}
	for step := 0; step < 5000; step++ {
		owner := Owner(rng.Intn(40))
		if _, ok := live[owner]; ok {
			test.That(t, a.Free(owner), test.ShouldBeTrue)
			delete(live, owner)
		} else {
			r, err := a.AllocateLines(owner, 1+rng.Intn(20))
			if err != nil {
				test.That(t, errors.Is(err, ErrNoSpace), test.ShouldBeTrue)
				continue
			}
			test.That(t, r.End(), test.ShouldBeLessThanOrEqualTo, 200)
			live[owner] = r
		}

		ranges := a.Ranges()
		test.That(t, ranges, test.ShouldHaveLength, len(live))
		for i := 1; i < len(ranges); i++ {
			test.That(t, ranges[i-1].End(), test.ShouldBeLessThanOrEqualTo, ranges[i].LineStart)
		}
		for o1, r1 := range live {
			for o2, r2 := range live {
				if o1 != o2 && r1.Overlaps(r2) {
					t.Fatalf("ranges of %d and %d overlap: %+v %+v", o1, o2, r1, r2)
				}
			}
		}
	}
}

func TestResize(t *testing.T) {
	a := NewAllocator(10, 20)
	_, err := a.Allocate(1, 25) // 3 lines
	test.That(t, err, test.ShouldBeNil)
	_, err = a.Allocate(2, 10) // 1 line
	test.That(t, err, test.ShouldBeNil)
	_, err = a.Allocate(3, 41) // 5 lines
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.Free(2), test.ShouldBeTrue)

	before := a.Ranges()
	_, err = a.Resize(10, 7)
	test.That(t, errors.Is(err, ErrNoSpace), test.ShouldBeTrue)
	// a failed resize leaves every range in place
	test.That(t, cmp.Diff(before, a.Ranges()), test.ShouldBeEmpty)
	test.That(t, a.LineWidth(), test.ShouldEqual, 10)
	test.That(t, a.MaxLineCount(), test.ShouldEqual, 20)

	moved, err := a.Resize(20, 40)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moved, test.ShouldResemble, map[Owner]LineRange{
		1: {LineStart: 0, LineCount: 2, LineWidth: 20},
		3: {LineStart: 2, LineCount: 3, LineWidth: 20},
	})
	test.That(t, a.LineWidth(), test.ShouldEqual, 20)
	test.That(t, a.MaxLineCount(), test.ShouldEqual, 40)
	// vertex counts survive, so capacities still cover them
	for owner, vertexCount := range map[Owner]int{1: 25, 3: 41} {
		r, ok := a.RangeOf(owner)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, r.Capacity(), test.ShouldBeGreaterThanOrEqualTo, vertexCount)
		test.That(t, r.Capacity()-vertexCount, test.ShouldBeLessThan, 20)
	}

	r, err := a.Allocate(4, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.LineStart, test.ShouldEqual, 5)

	_, err = a.Resize(0, 10)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGrowthPolicy(t *testing.T) {
	policy := GrowthPolicy{MaxWidth: 32, MaxHeight: 8}

	a := NewAllocator(8, 2)
	_, err := a.Allocate(1, 16)
	test.That(t, err, test.ShouldBeNil)

	// height doubles first
	w, h, err := policy.Next(a, 8)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldEqual, 8)
	test.That(t, h, test.ShouldEqual, 4)

	// several doublings when one is not enough
	w, h, err = policy.Next(a, 40)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldEqual, 8)
	test.That(t, h, test.ShouldEqual, 8)

	// then width
	w, h, err = policy.Next(a, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldEqual, 16)
	test.That(t, h, test.ShouldEqual, 8)

	_, _, err = policy.Next(a, 32*8)
	test.That(t, errors.Is(err, ErrCapacityExhausted), test.ShouldBeTrue)

	full := NewAllocator(32, 8)
	_, _, err = policy.Next(full, 1)
	test.That(t, errors.Is(err, ErrCapacityExhausted), test.ShouldBeTrue)
}
