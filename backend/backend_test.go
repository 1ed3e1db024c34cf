package backend

import (
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/slamcore/fixtures"
	"go.viam.com/slamcore/handoff"
	"go.viam.com/slamcore/keyframe"
	"go.viam.com/slamcore/mapmanager"
	"go.viam.com/slamcore/mappoint"
	"go.viam.com/slamcore/spatialmath"
)

// syncCallback captures every Apply closure the backend publishes and lets
// the test invoke it against its own RefKeyframe/TrackingMap, mirroring how
// a real tracking frontend would.
type syncCallback struct {
	ref      handoff.RefKeyframe
	tracking handoff.TrackingMap
	applied  int
}

func (s *syncCallback) callback(apply handoff.Apply) {
	apply(&s.ref, &s.tracking)
	s.applied++
}

// submitAndWait submits input and blocks until the backend's worker has
// consumed it, polling ProcessNewKeyframe's completion via the published
// callback count (each processOnce ends with exactly one handoff.Publish
// call reaching the callback).
func submitAndWait(t *testing.T, b *Backend, cb *syncCallback, input *Input) {
	t.Helper()
	before := cb.applied
	b.ProcessNewKeyframe(input)
	deadline := time.Now().Add(2 * time.Second)
	for cb.applied == before {
		if time.Now().After(deadline) {
			t.Fatal("backend did not process submitted keyframe in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestBackend(t *testing.T, cb *syncCallback) (*Backend, *mapmanager.MapManager) {
	t.Helper()
	mm := mapmanager.New(nil)
	cam := fixtures.NewCamera()
	var callback handoff.Callback
	if cb != nil {
		callback = cb.callback
	}
	b, err := NewBackend(DefaultConfig(), mm, cam, nil, callback)
	test.That(t, err, test.ShouldBeNil)
	return b, mm
}

func newMappointsFor(mm *mapmanager.MapManager, points []spatialmath.Vec3, descriptorOffset int) []*mappoint.Mappoint {
	out := make([]*mappoint.Mappoint, len(points))
	for i, p := range points {
		out[i] = mm.NewMappoint(p, fixtures.Descriptor(descriptorOffset+i))
	}
	return out
}

// TestIdentityKeyframeConverges is scenario S1: a second keyframe submitted
// at the same pose as the first, observing the same ground-truth points,
// must converge (trivially, since it starts at the truth) to within 1e-3 of
// identity and every mappoint within 1e-3 of ground truth.
func TestIdentityKeyframeConverges(t *testing.T) {
	cb := &syncCallback{}
	b, mm := newTestBackend(t, cb)
	defer b.Stop()

	cam := fixtures.NewCamera()
	points := fixtures.GridPoints(100)
	identity := spatialmath.Identity()

	kf0 := fixtures.NewKeyframe(mm.NewKeyframeID(), identity, cam, points, 0)
	mpts := newMappointsFor(mm, points, 0)
	newMatches0 := make([]NewMappointMatch, len(kf0.Keypoints()))
	for i := range kf0.Keypoints() {
		newMatches0[i] = NewMappointMatch{Mappoint: mpts[i], KpIdx: i}
	}
	submitAndWait(t, b, cb, &Input{Keyframe: kf0, NewMatches: newMatches0})

	kf1 := fixtures.NewKeyframe(mm.NewKeyframeID(), identity, cam, points, 0)
	oldMatches1 := make(map[int64]int, len(kf1.Keypoints()))
	for i := range kf1.Keypoints() {
		oldMatches1[mpts[i].ID()] = i
	}
	submitAndWait(t, b, cb, &Input{Keyframe: kf1, OldMatches: oldMatches1})

	pose := kf1.GetPose()
	xi := pose.Log()
	for i := 0; i < 6; i++ {
		test.That(t, xi[i], test.ShouldAlmostEqual, 0.0, 1e-3)
	}

	for i, mpt := range mpts {
		pos := mpt.Position()
		test.That(t, pos.X, test.ShouldAlmostEqual, points[i].X, 1e-3)
		test.That(t, pos.Y, test.ShouldAlmostEqual, points[i].Y, 1e-3)
		test.That(t, pos.Z, test.ShouldAlmostEqual, points[i].Z, 1e-3)
	}
}

// TestOutlierEdgeFlaggedAndRemoved is scenario S2: one observation with a
// grossly offset measurement must be flagged (its observation removed) by
// the two-pass sweep, without perturbing the converged pose.
func TestOutlierEdgeFlaggedAndRemoved(t *testing.T) {
	cb := &syncCallback{}
	b, mm := newTestBackend(t, cb)
	defer b.Stop()

	cam := fixtures.NewCamera()
	points := fixtures.GridPoints(100)
	identity := spatialmath.Identity()

	kf0 := fixtures.NewKeyframe(mm.NewKeyframeID(), identity, cam, points, 0)
	mpts := newMappointsFor(mm, points, 0)
	newMatches0 := make([]NewMappointMatch, len(kf0.Keypoints()))
	for i := range kf0.Keypoints() {
		newMatches0[i] = NewMappointMatch{Mappoint: mpts[i], KpIdx: i}
	}
	submitAndWait(t, b, cb, &Input{Keyframe: kf0, NewMatches: newMatches0})

	kf1 := fixtures.NewKeyframe(mm.NewKeyframeID(), identity, cam, points, 0)
	// Corrupt one keypoint's pixel location by 50 pixels, far past what the
	// Huber kernel and the chi-square gate tolerate.
	kps := kf1.Keypoints()
	kps[0].Point.X += 50

	oldMatches1 := make(map[int64]int, len(kps))
	for i := range kps {
		oldMatches1[mpts[i].ID()] = i
	}
	submitAndWait(t, b, cb, &Input{Keyframe: kf1, OldMatches: oldMatches1})

	// The corrupted observation must have been dropped from kf1's side.
	_, stillObserved := kf1.MappointAt(0)
	test.That(t, stillObserved, test.ShouldBeFalse)

	pose := kf1.GetPose()
	xi := pose.Log()
	for i := 0; i < 6; i++ {
		test.That(t, xi[i], test.ShouldAlmostEqual, 0.0, 1e-3)
	}
}

// TestFusionMergesDuplicateLandmark is scenario S3: a new mappoint that
// re-matches an existing landmark's keypoint in covisible keyframes causes
// the old landmark to be replaced by the new one, with every observer
// carried over.
func TestFusionMergesDuplicateLandmark(t *testing.T) {
	cb := &syncCallback{}
	b, mm := newTestBackend(t, cb)
	defer b.Stop()

	cam := fixtures.NewCamera()
	points := fixtures.GridPoints(30)
	identity := spatialmath.Identity()

	// Three keyframes at (nearly) the same pose, all observing the same
	// point set, so they become mutually covisible and share m_old.
	oldPoint := points[0]
	oldMpt := mm.NewMappoint(oldPoint, fixtures.Descriptor(0))
	mm.AddMappoint(oldMpt)

	// The remaining grid points are shared, identically, by all three
	// keyframes (same mappoints and same descriptor offset) so the trio
	// clears the covisibility threshold and every keyframe's keypoint 0
	// carries oldMpt's exact descriptor.
	sharedMpts := make([]*mappoint.Mappoint, len(points))
	for i := 1; i < len(points); i++ {
		mpt := mm.NewMappoint(points[i], fixtures.Descriptor(i))
		mm.AddMappoint(mpt)
		sharedMpts[i] = mpt
	}

	kfs := make([]*keyframe.Keyframe, 0, 3)
	for i := 0; i < 3; i++ {
		kfs = append(kfs, fixtures.NewKeyframe(mm.NewKeyframeID(), identity, cam, points, 0))
	}

	for _, kf := range kfs {
		mm.AddKeyframe(kf)
		kf.AddObservingMappoint(oldMpt, 0)
		for i := 1; i < len(points); i++ {
			kf.AddObservingMappoint(sharedMpts[i], i)
		}
		mm.RecomputeCovisibility(kf, DefaultConfig().MinCovisibilityWeight)
	}

	// A fourth keyframe submits a brand-new mappoint at keypoint 0's
	// position with oldMpt's exact descriptor (guaranteed re-match), plus
	// its own share of the grid to stay covisible.
	kf3 := fixtures.NewKeyframe(mm.NewKeyframeID(), identity, cam, points, 0)
	newMpt := mm.NewMappoint(oldPoint, fixtures.Descriptor(0))
	newMatches := []NewMappointMatch{{Mappoint: newMpt, KpIdx: 0}}
	oldMatches := make(map[int64]int)
	for i := 1; i < len(points); i++ {
		// Re-use the trio's shared mappoints so kf3 becomes covisible with
		// them before the fuse step runs.
		oldMatches[sharedMpts[i].ID()] = i
	}
	submitAndWait(t, b, cb, &Input{Keyframe: kf3, OldMatches: oldMatches, NewMatches: newMatches})

	survivor, ok := mm.GetPotentialReplacement(oldMpt.ID())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, survivor.ID(), test.ShouldEqual, newMpt.ID())

	for _, kf := range kfs {
		id, observed := kf.MappointAt(0)
		test.That(t, observed, test.ShouldBeTrue)
		test.That(t, id, test.ShouldEqual, newMpt.ID())
	}

	observedBy := newMpt.ObservedBy()
	test.That(t, len(observedBy), test.ShouldEqual, 4)
	_, viaKf3 := observedBy[kf3.ID()]
	test.That(t, viaKf3, test.ShouldBeTrue)
}

// TestTrackingMapFallsBackToFullSnapshot is scenario S5: when every
// participating mappoint ends up flagged an outlier, the handoff must
// install the full Map Manager snapshot rather than an (empty) survivor
// set.
func TestTrackingMapFallsBackToFullSnapshot(t *testing.T) {
	cb := &syncCallback{}
	b, mm := newTestBackend(t, cb)
	defer b.Stop()

	cam := fixtures.NewCamera()
	points := fixtures.GridPoints(5)
	identity := spatialmath.Identity()

	kf0 := fixtures.NewKeyframe(mm.NewKeyframeID(), identity, cam, points, 0)
	mpts := newMappointsFor(mm, points, 0)
	newMatches0 := make([]NewMappointMatch, len(kf0.Keypoints()))
	for i := range kf0.Keypoints() {
		newMatches0[i] = NewMappointMatch{Mappoint: mpts[i], KpIdx: i}
	}
	submitAndWait(t, b, cb, &Input{Keyframe: kf0, NewMatches: newMatches0})

	// Every mappoint is manually marked an outlier before the next round,
	// simulating a bundle adjustment that rejected all of them.
	for _, mpt := range mpts {
		mpt.SetOutlier(true)
	}

	// Add plenty of unrelated mappoints to the map so the fallback snapshot
	// is provably larger than the (zero) survivor set.
	for i := 0; i < handoff.MinTrackingMapSize; i++ {
		mm.AddMappoint(mm.NewMappoint(spatialmath.NewVec3(float64(i), 0, 5), fixtures.Descriptor(1000+i)))
	}

	kf1 := fixtures.NewKeyframe(mm.NewKeyframeID(), identity, cam, points, 0)
	oldMatches1 := make(map[int64]int, len(kf1.Keypoints()))
	for i := range kf1.Keypoints() {
		oldMatches1[mpts[i].ID()] = i
	}
	submitAndWait(t, b, cb, &Input{Keyframe: kf1, OldMatches: oldMatches1})

	test.That(t, len(cb.tracking.Points), test.ShouldBeGreaterThan, handoff.MinTrackingMapSize-1)
}

// TestStopJoinsWorkerPromptly is scenario S6: stop() must return once the
// worker has finished its current iteration, and a post-stop submission
// must not panic.
func TestStopJoinsWorkerPromptly(t *testing.T) {
	cb := &syncCallback{}
	b, mm := newTestBackend(t, cb)

	cam := fixtures.NewCamera()
	points := fixtures.GridPoints(10)
	kf0 := fixtures.NewKeyframe(mm.NewKeyframeID(), spatialmath.Identity(), cam, points, 0)
	mpts := newMappointsFor(mm, points, 0)
	newMatches := make([]NewMappointMatch, len(kf0.Keypoints()))
	for i := range kf0.Keypoints() {
		newMatches[i] = NewMappointMatch{Mappoint: mpts[i], KpIdx: i}
	}

	b.ProcessNewKeyframe(&Input{Keyframe: kf0, NewMatches: newMatches})

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}

	test.That(t, func() { b.ProcessNewKeyframe(&Input{Keyframe: kf0}) }, test.ShouldNotPanic)
}

func TestNewBackendRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chi2Threshold = 0
	mm := mapmanager.New(nil)
	_, err := NewBackend(cfg, mm, fixtures.NewCamera(), nil, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewBackendRejectsNilCamera(t *testing.T) {
	mm := mapmanager.New(nil)
	_, err := NewBackend(DefaultConfig(), mm, nil, nil, nil)
	test.That(t, err, test.ShouldNotBeNil)
}
