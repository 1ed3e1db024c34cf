// Package keyframe implements the Keyframe entity: a selected frame's pose,
// image payload, observed-mappoint set, and covisibility weights.
package keyframe

import (
	"image"
	"sync"
	"time"

	"go.viam.com/slamcore/camera"
	"go.viam.com/slamcore/mappoint"
	"go.viam.com/slamcore/spatialmath"
)

// DepthMap is a width x height grid of raw depth samples, in the units the
// owning camera.Model's DepthScale converts to meters. Immutable once built.
type DepthMap struct {
	width, height int
	data          [][]float64 // data[x][y]
}

// NewDepthMap constructs a DepthMap from data indexed as data[x][y].
func NewDepthMap(width, height int, data [][]float64) *DepthMap {
	return &DepthMap{width: width, height: height, data: data}
}

// Width returns the depth map's pixel width.
func (d *DepthMap) Width() int { return d.width }

// Height returns the depth map's pixel height.
func (d *DepthMap) Height() int { return d.height }

// At returns the raw depth sample at (x, y), or 0 if out of bounds.
func (d *DepthMap) At(x, y int) float64 {
	if x < 0 || x >= d.width || y < 0 || y >= d.height {
		return 0
	}
	return d.data[x][y]
}

// Keypoint is a detected 2D feature with its binary descriptor. Frontend
// collaborators (feature extraction, descriptor matching) produce these;
// this module only consumes them.
type Keypoint struct {
	Point      spatialmath.Vec2
	Descriptor []byte
}

// Keyframe is a frame selected for inclusion in the map. Pose is the only
// mutable field besides observed_mappoints/covisibility; image payload and
// keypoints are fixed at construction.
type Keyframe struct {
	id        int64
	timestamp time.Time
	camera    *camera.Model
	color     image.Image
	depth     *DepthMap
	keypoints []Keypoint

	mu                sync.Mutex
	pose              spatialmath.Pose
	observedMappoints map[int]int64 // keypoint index -> mappoint id
	mptToKp           map[int64]int // inverse index, kept consistent with observedMappoints
	covisibility      map[int64]int // other keyframe id -> weight
	covisValid        bool
}

// New constructs a Keyframe. It carries no observations yet; the backend
// registers them via AddObservingMappoint after AddKeyframe.
func New(id int64, timestamp time.Time, pose spatialmath.Pose, cam *camera.Model, color image.Image, depth *DepthMap, keypoints []Keypoint) *Keyframe {
	return &Keyframe{
		id:                id,
		timestamp:         timestamp,
		camera:            cam,
		color:             color,
		depth:             depth,
		keypoints:         append([]Keypoint(nil), keypoints...),
		pose:              pose,
		observedMappoints: make(map[int]int64),
		mptToKp:           make(map[int64]int),
		covisibility:      make(map[int64]int),
	}
}

// ID returns the keyframe's immutable identifier.
func (k *Keyframe) ID() int64 { return k.id }

// Timestamp returns the keyframe's capture time.
func (k *Keyframe) Timestamp() time.Time { return k.timestamp }

// Camera returns the shared camera model this keyframe was captured with.
func (k *Keyframe) Camera() *camera.Model { return k.camera }

// Keypoints returns the keyframe's immutable keypoint set.
func (k *Keyframe) Keypoints() []Keypoint { return k.keypoints }

// Lock acquires the per-keyframe lock. Exposed for MapManager's
// ascending-id multi-entity locking discipline.
func (k *Keyframe) Lock() { k.mu.Lock() }

// Unlock releases the per-keyframe lock.
func (k *Keyframe) Unlock() { k.mu.Unlock() }

// GetPose returns the current world-to-camera pose.
func (k *Keyframe) GetPose() spatialmath.Pose {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pose
}

// SetPose updates the world-to-camera pose. Returns nothing, matching the
// pose setter's no-return-value contract.
func (k *Keyframe) SetPose(pose spatialmath.Pose) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pose = pose
}

// DepthAt bilinearly samples the depth image at a keypoint's pixel location.
// Returns (0, false) if the sample is non-positive or out of the camera's
// configured valid range.
func (k *Keyframe) DepthAt(kp Keypoint) (float64, bool) {
	if k.depth == nil {
		return 0, false
	}
	x, y := kp.Point.X, kp.Point.Y
	x0, y0 := int(x), int(y)
	if x0 < 0 || y0 < 0 || x0 >= k.depth.Width()-1 || y0 >= k.depth.Height()-1 {
		// fall back to nearest sample at the boundary
		x0 = clampInt(int(x+0.5), 0, k.depth.Width()-1)
		y0 = clampInt(int(y+0.5), 0, k.depth.Height()-1)
		raw := k.depth.At(x0, y0)
		return k.checkDepth(raw)
	}
	fx, fy := x-float64(x0), y-float64(y0)
	d00 := k.depth.At(x0, y0)
	d10 := k.depth.At(x0+1, y0)
	d01 := k.depth.At(x0, y0+1)
	d11 := k.depth.At(x0+1, y0+1)
	raw := d00*(1-fx)*(1-fy) + d10*fx*(1-fy) + d01*(1-fx)*fy + d11*fx*fy
	return k.checkDepth(raw)
}

func (k *Keyframe) checkDepth(raw float64) (float64, bool) {
	meters := k.camera.RawDepthToMeters(raw)
	if !k.camera.DepthInRange(meters) {
		return 0, false
	}
	return meters, true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IsInView projects a world point with the current pose and reports whether
// it lands within the image bounds with positive depth.
func (k *Keyframe) IsInView(pWorld spatialmath.Vec3) bool {
	pose := k.GetPose()
	pCam := camera.WorldToCamera(pWorld, pose)
	if pCam.Z <= 0 {
		return false
	}
	px := k.camera.CameraToPixel(pCam)
	return k.camera.InBounds(px)
}

// ObservedMappoints returns a snapshot of the keypoint index -> mappoint id
// map.
func (k *Keyframe) ObservedMappoints() map[int]int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[int]int64, len(k.observedMappoints))
	for kp, id := range k.observedMappoints {
		out[kp] = id
	}
	return out
}

// MappointAt returns the mappoint id observed at the given keypoint index,
// if any.
func (k *Keyframe) MappointAt(kpIdx int) (int64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id, ok := k.observedMappoints[kpIdx]
	return id, ok
}

// Covisibility returns a snapshot of the other-keyframe-id -> weight map.
func (k *Keyframe) Covisibility() map[int64]int {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[int64]int, len(k.covisibility))
	for id, w := range k.covisibility {
		out[id] = w
	}
	return out
}

// addObservationLocked records both maps' sides of an observation. Caller
// must hold k.mu.
func (k *Keyframe) addObservationLocked(mpt *mappoint.Mappoint, kpIdx int) {
	if prevID, ok := k.observedMappoints[kpIdx]; ok {
		delete(k.mptToKp, prevID)
	}
	k.observedMappoints[kpIdx] = mpt.ID()
	k.mptToKp[mpt.ID()] = kpIdx
	k.covisValid = false
}

// AddObservingMappoint records both sides of the observation — this
// keyframe's keypoint-index-to-mappoint-id map and, via mpt.AddObservation,
// the mappoint's inverse map — and invalidates the cached covisibility for
// this keyframe. Idempotent on the same (mappoint, keypoint index) pair.
func (k *Keyframe) AddObservingMappoint(mpt *mappoint.Mappoint, kpIdx int) {
	mpt.AddObservation(k.id, kpIdx)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.addObservationLocked(mpt, kpIdx)
}

// RemoveObservingMappoint removes both sides of the observation for mpt —
// this keyframe's record and, via mpt.RemoveObservation, the mappoint's
// inverse map. The caller (MapManager) is responsible for invoking
// DecrementCovisibility on this keyframe's covisible partners under the
// ascending-id locking discipline; RemoveObservingMappoint itself only
// invalidates this keyframe's own cache.
func (k *Keyframe) RemoveObservingMappoint(mpt *mappoint.Mappoint) (removedKpIdx int, removed bool) {
	mpt.RemoveObservation(k.id)
	k.mu.Lock()
	defer k.mu.Unlock()
	kpIdx, ok := k.mptToKp[mpt.ID()]
	if !ok {
		return 0, false
	}
	delete(k.mptToKp, mpt.ID())
	delete(k.observedMappoints, kpIdx)
	k.covisValid = false
	return kpIdx, true
}

// DecrementCovisibility lowers the recorded weight toward otherID by one,
// dropping this keyframe's side of the link when it falls below minWeight
// (the caller decrements the partner's side). Returns true if the link was
// dropped.
func (k *Keyframe) DecrementCovisibility(otherID int64, minWeight int) (dropped bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	w, ok := k.covisibility[otherID]
	if !ok {
		return false
	}
	w--
	if w < minWeight {
		delete(k.covisibility, otherID)
		return true
	}
	k.covisibility[otherID] = w
	return false
}

// setCovisibilityWeightLocked sets (or removes, if w < minWeight) the
// recorded weight toward otherID. Caller must hold k.mu.
func (k *Keyframe) setCovisibilityWeightLocked(otherID int64, w int, minWeight int) {
	if w < minWeight {
		delete(k.covisibility, otherID)
		return
	}
	k.covisibility[otherID] = w
}

// ComputeCovisibility rebuilds this keyframe's covisibility map: for every
// other keyframe sharing at least minWeight observed mappoints with this
// one, records the shared-observation count. otherObservers resolves, for a
// mappoint id, the set of (keyframe id -> true) currently observing it;
// this keyframe's own id in that set is skipped. Returns the computed histogram so the
// caller can write the symmetric half into each partner keyframe.
func (k *Keyframe) ComputeCovisibility(otherObservers func(mptID int64) map[int64]bool, minWeight int) map[int64]int {
	k.mu.Lock()
	mptIDs := make([]int64, 0, len(k.observedMappoints))
	for _, id := range k.observedMappoints {
		mptIDs = append(mptIDs, id)
	}
	k.mu.Unlock()

	counts := make(map[int64]int)
	for _, mptID := range mptIDs {
		for otherID := range otherObservers(mptID) {
			if otherID == k.id {
				continue
			}
			counts[otherID]++
		}
	}

	result := make(map[int64]int)
	for otherID, count := range counts {
		if count >= minWeight {
			result[otherID] = count
		}
	}

	k.mu.Lock()
	k.covisibility = result
	k.covisValid = true
	k.mu.Unlock()
	return result
}

// CovisibilityValid reports whether the cached covisibility map reflects
// the current observation set.
func (k *Keyframe) CovisibilityValid() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.covisValid
}

// SetCovisibilityWeight installs the symmetric half of a covisibility link
// computed by a partner keyframe's ComputeCovisibility.
func (k *Keyframe) SetCovisibilityWeight(otherID int64, weight int, minWeight int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.setCovisibilityWeightLocked(otherID, weight, minWeight)
}

// MatchResult is the outcome of GetMatchedKeypoint.
type MatchResult struct {
	Found      bool
	KpIdx      int
	Distance   int
	MayObserve bool
}

// searchWindow bounds the pixel radius GetMatchedKeypoint searches around a
// mappoint's projection.
const searchWindow = 15.0

// GetMatchedKeypoint searches this keyframe's keypoints for the nearest
// descriptor to mpt's descriptor among keypoints whose pixel location falls
// within searchWindow of mpt's projection under this keyframe's current
// pose. MayObserve reports whether the projection landed in view at all,
// independent of whether a descriptor match was found.
func (k *Keyframe) GetMatchedKeypoint(mpt *mappoint.Mappoint) MatchResult {
	pose := k.GetPose()
	pCam := camera.WorldToCamera(mpt.Position(), pose)
	if pCam.Z <= 0 {
		return MatchResult{}
	}
	proj := k.camera.CameraToPixel(pCam)
	mayObserve := k.camera.InBounds(proj)

	target := mpt.Descriptor()
	bestIdx := -1
	bestDist := -1
	for i, kp := range k.keypoints {
		dx := kp.Point.X - proj.X
		dy := kp.Point.Y - proj.Y
		if dx*dx+dy*dy > searchWindow*searchWindow {
			continue
		}
		dist := hammingDistance(kp.Descriptor, target)
		if bestDist == -1 || dist < bestDist {
			bestDist = dist
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return MatchResult{MayObserve: mayObserve}
	}
	return MatchResult{Found: true, KpIdx: bestIdx, Distance: bestDist, MayObserve: mayObserve}
}

func hammingDistance(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	for i := 0; i < n; i++ {
		diff := a[i] ^ b[i]
		for diff != 0 {
			dist++
			diff &= diff - 1
		}
	}
	return dist
}
