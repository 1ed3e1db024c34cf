package mapmanager

import (
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/slamcore/camera"
	"go.viam.com/slamcore/keyframe"
	"go.viam.com/slamcore/mappoint"
	"go.viam.com/slamcore/spatialmath"
)

func testCamera() *camera.Model {
	return &camera.Model{
		Fx: 500, Fy: 500, Cx: 320, Cy: 240,
		DepthScale: 1000, Width: 640, Height: 480,
		MinDepth: 0.1, MaxDepth: 10,
	}
}

func TestIDAllocatorStartsAtZeroAndIncrements(t *testing.T) {
	var a IDAllocator
	test.That(t, a.Next(), test.ShouldEqual, int64(0))
	test.That(t, a.Next(), test.ShouldEqual, int64(1))
	test.That(t, a.Next(), test.ShouldEqual, int64(2))
}

func TestAddKeyframeIdempotent(t *testing.T) {
	m := New(nil)
	kf := keyframe.New(1, time.Unix(0, 0), spatialmath.Identity(), testCamera(), nil, nil, nil)
	m.AddKeyframe(kf)
	m.AddKeyframe(kf)

	test.That(t, len(m.GetAllKeyframes()), test.ShouldEqual, 1)
}

func TestAddMappointIdempotent(t *testing.T) {
	m := New(nil)
	mpt := mappoint.New(1, spatialmath.NewVec3(0, 0, 1), []byte{1})
	m.AddMappoint(mpt)
	m.AddMappoint(mpt)

	test.That(t, len(m.GetAllMappoints()), test.ShouldEqual, 1)
}

func TestGetPotentialReplacementNoChain(t *testing.T) {
	m := New(nil)
	mpt := mappoint.New(1, spatialmath.NewVec3(0, 0, 1), []byte{1})
	m.AddMappoint(mpt)

	got, ok := m.GetPotentialReplacement(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.ID(), test.ShouldEqual, int64(1))
}

func TestGetPotentialReplacementFollowsChain(t *testing.T) {
	m := New(nil)
	a := mappoint.New(1, spatialmath.NewVec3(0, 0, 1), []byte{1})
	b := mappoint.New(2, spatialmath.NewVec3(0, 0, 1), []byte{1})
	c := mappoint.New(3, spatialmath.NewVec3(0, 0, 1), []byte{1})
	m.AddMappoint(a)
	m.AddMappoint(b)
	m.AddMappoint(c)

	a.SetReplacement(2)
	b.SetReplacement(3)

	got, ok := m.GetPotentialReplacement(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.ID(), test.ShouldEqual, int64(3))

	// Path compression: a now points directly at the survivor.
	redirect, has := a.Replacement()
	test.That(t, has, test.ShouldBeTrue)
	test.That(t, redirect, test.ShouldEqual, int64(3))
}

func TestGetPotentialReplacementUnknownID(t *testing.T) {
	m := New(nil)
	_, ok := m.GetPotentialReplacement(99)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestReplaceMappointMergesObserversAndMarksOutlier(t *testing.T) {
	m := New(nil)
	cam := testCamera()
	kf1 := keyframe.New(1, time.Unix(0, 0), spatialmath.Identity(), cam, nil, nil, nil)
	kf2 := keyframe.New(2, time.Unix(0, 0), spatialmath.Identity(), cam, nil, nil, nil)
	m.AddKeyframe(kf1)
	m.AddKeyframe(kf2)

	oldMpt := mappoint.New(10, spatialmath.NewVec3(0, 0, 1), []byte{1})
	newMpt := mappoint.New(11, spatialmath.NewVec3(0, 0, 1), []byte{2})
	m.AddMappoint(oldMpt)
	m.AddMappoint(newMpt)

	kf1.AddObservingMappoint(oldMpt, 0)
	kf2.AddObservingMappoint(oldMpt, 1)

	m.ReplaceMappoint(10, 11)

	test.That(t, oldMpt.Outlier(), test.ShouldBeTrue)
	replID, has := oldMpt.Replacement()
	test.That(t, has, test.ShouldBeTrue)
	test.That(t, replID, test.ShouldEqual, int64(11))

	id1, ok := kf1.MappointAt(0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id1, test.ShouldEqual, int64(11))

	id2, ok := kf2.MappointAt(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id2, test.ShouldEqual, int64(11))

	observers := newMpt.ObservedBy()
	test.That(t, observers[1], test.ShouldEqual, 0)
	test.That(t, observers[2], test.ShouldEqual, 1)
}

func TestReplaceMappointNoOpOnUnknownIDs(t *testing.T) {
	m := New(nil)
	mpt := mappoint.New(1, spatialmath.NewVec3(0, 0, 1), []byte{1})
	m.AddMappoint(mpt)

	m.ReplaceMappoint(1, 999)
	test.That(t, mpt.Outlier(), test.ShouldBeFalse)
}

func TestRemoveObservationDropsCovisibilityBelowThreshold(t *testing.T) {
	m := New(nil)
	cam := testCamera()
	kf1 := keyframe.New(1, time.Unix(0, 0), spatialmath.Identity(), cam, nil, nil, nil)
	kf2 := keyframe.New(2, time.Unix(0, 0), spatialmath.Identity(), cam, nil, nil, nil)
	m.AddKeyframe(kf1)
	m.AddKeyframe(kf2)

	const minWeight = 15
	shared := make([]*mappoint.Mappoint, 0, minWeight)
	for i := 0; i < minWeight; i++ {
		mpt := mappoint.New(int64(i), spatialmath.NewVec3(0, 0, 1), []byte{1})
		m.AddMappoint(mpt)
		kf1.AddObservingMappoint(mpt, i)
		kf2.AddObservingMappoint(mpt, i)
		shared = append(shared, mpt)
	}

	observers := make(map[int64]map[int64]bool)
	for i, mpt := range shared {
		observers[mpt.ID()] = map[int64]bool{1: true, 2: true}
		_ = i
	}
	otherObservers := func(mptID int64) map[int64]bool { return observers[mptID] }
	w := kf1.ComputeCovisibility(otherObservers, minWeight)
	for otherID, weight := range w {
		if otherID == kf2.ID() {
			kf2.SetCovisibilityWeight(kf1.ID(), weight, minWeight)
		}
	}
	test.That(t, kf1.Covisibility()[2], test.ShouldEqual, minWeight)

	m.RemoveObservation(kf1, shared[0], minWeight)
	_, ok := kf1.Covisibility()[2]
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = kf2.Covisibility()[1]
	test.That(t, ok, test.ShouldBeFalse)
}

func TestNewMappointAllocatesFromOwnAllocator(t *testing.T) {
	m := New(nil)
	a := m.NewMappoint(spatialmath.NewVec3(0, 0, 1), []byte{1})
	b := m.NewMappoint(spatialmath.NewVec3(0, 0, 1), []byte{1})
	test.That(t, a.ID(), test.ShouldEqual, int64(0))
	test.That(t, b.ID(), test.ShouldEqual, int64(1))
}
