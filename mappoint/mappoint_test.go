package mappoint

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/slamcore/spatialmath"
)

func TestAddObservationIdempotent(t *testing.T) {
	mpt := New(1, spatialmath.NewVec3(0, 0, 1), []byte{1, 2, 3})
	mpt.AddObservation(10, 5)
	mpt.AddObservation(10, 5)

	test.That(t, mpt.NumObservations(), test.ShouldEqual, 1)
	test.That(t, mpt.ObservedBy()[10], test.ShouldEqual, 5)
}

func TestAddObservationOverwritesKeypointIndex(t *testing.T) {
	mpt := New(1, spatialmath.NewVec3(0, 0, 1), []byte{1})
	mpt.AddObservation(10, 5)
	mpt.AddObservation(10, 9)

	test.That(t, mpt.NumObservations(), test.ShouldEqual, 1)
	test.That(t, mpt.ObservedBy()[10], test.ShouldEqual, 9)
}

func TestRemoveObservationMarksOutlierWhenEmpty(t *testing.T) {
	mpt := New(1, spatialmath.NewVec3(0, 0, 1), []byte{1})
	mpt.AddObservation(10, 5)
	test.That(t, mpt.Outlier(), test.ShouldBeFalse)

	mpt.RemoveObservation(10)
	test.That(t, mpt.NumObservations(), test.ShouldEqual, 0)
	test.That(t, mpt.Outlier(), test.ShouldBeTrue)
}

func TestRemoveObservationLeavesOthers(t *testing.T) {
	mpt := New(1, spatialmath.NewVec3(0, 0, 1), []byte{1})
	mpt.AddObservation(10, 5)
	mpt.AddObservation(11, 6)

	mpt.RemoveObservation(10)
	test.That(t, mpt.Outlier(), test.ShouldBeFalse)
	test.That(t, mpt.NumObservations(), test.ShouldEqual, 1)
}

func TestMergeObservedByFromPrefersOtherOnConflict(t *testing.T) {
	mpt := New(1, spatialmath.NewVec3(0, 0, 1), []byte{1})
	mpt.AddObservation(10, 1)
	mpt.AddObservation(20, 2)

	mpt.MergeObservedByFrom(map[int64]int{10: 99, 30: 3})

	observed := mpt.ObservedBy()
	test.That(t, observed[10], test.ShouldEqual, 99)
	test.That(t, observed[20], test.ShouldEqual, 2)
	test.That(t, observed[30], test.ShouldEqual, 3)
}

func TestReplacementRoundTrip(t *testing.T) {
	mpt := New(1, spatialmath.NewVec3(0, 0, 1), []byte{1})
	_, has := mpt.Replacement()
	test.That(t, has, test.ShouldBeFalse)

	mpt.SetReplacement(42)
	id, has := mpt.Replacement()
	test.That(t, has, test.ShouldBeTrue)
	test.That(t, id, test.ShouldEqual, int64(42))
}

func TestRecomputeDescriptorPicksMedianWithLowIDTiebreak(t *testing.T) {
	mpt := New(1, spatialmath.NewVec3(0, 0, 1), []byte{0})
	mpt.AddObservation(1, 0)
	mpt.AddObservation(2, 0)
	mpt.AddObservation(3, 0)

	// 0x00, 0x03, 0x05 are pairwise 2 bits apart, so every candidate's summed
	// distance to the other two is equal (4); the lowest keyframe id (1)
	// must win the three-way tie.
	descs := map[int64][]byte{
		1: {0x00},
		2: {0x03},
		3: {0x05},
	}
	lookup := func(kfID int64) ([]byte, bool) {
		d, ok := descs[kfID]
		return d, ok
	}

	mpt.RecomputeDescriptor(lookup)
	test.That(t, mpt.Descriptor(), test.ShouldResemble, []byte{0x00})
}

func TestRecomputeDescriptorNoResolvableDescriptorsLeavesUnchanged(t *testing.T) {
	mpt := New(1, spatialmath.NewVec3(0, 0, 1), []byte{0xAB})
	mpt.AddObservation(1, 0)

	mpt.RecomputeDescriptor(func(int64) ([]byte, bool) { return nil, false })
	test.That(t, mpt.Descriptor(), test.ShouldResemble, []byte{0xAB})
}

func TestPositionRoundTrip(t *testing.T) {
	mpt := New(1, spatialmath.NewVec3(1, 2, 3), nil)
	mpt.SetPosition(spatialmath.NewVec3(4, 5, 6))
	p := mpt.Position()
	test.That(t, p.X, test.ShouldEqual, 4.0)
	test.That(t, p.Y, test.ShouldEqual, 5.0)
	test.That(t, p.Z, test.ShouldEqual, 6.0)
}

func TestDescriptorReturnsIndependentCopy(t *testing.T) {
	original := []byte{1, 2, 3}
	mpt := New(1, spatialmath.NewVec3(0, 0, 1), original)

	got := mpt.Descriptor()
	got[0] = 0xFF
	test.That(t, mpt.Descriptor()[0], test.ShouldEqual, byte(1))
}
