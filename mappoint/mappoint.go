// Package mappoint implements the 3D landmark entity: position, descriptor,
// and the set of keyframes that observe it. A Mappoint never references a
// Keyframe directly — only by id — so the Map Manager remains the single
// source of truth for existence and soft-deletion (replacement).
package mappoint

import (
	"math/bits"
	"sort"
	"sync"

	"go.viam.com/slamcore/spatialmath"
)

// DescriptorLookup resolves the descriptor a given observing keyframe has
// at the keypoint index it matched this mappoint to. It returns false if
// the keyframe (or its match) is no longer available.
type DescriptorLookup func(keyframeID int64) ([]byte, bool)

// Mappoint is a 3D landmark. All mutable fields are guarded by an internal
// mutex; callers never need their own lock, but the Map Manager locks
// mappoints in ascending id order when an operation touches more than one
// entity, so Lock/Unlock/ID are exposed for that purpose.
type Mappoint struct {
	id int64

	mu           sync.Mutex
	position     spatialmath.Vec3
	descriptor   []byte
	observedBy   map[int64]int // keyframe id -> keypoint index
	outlier      bool
	triangulated bool
	optimized    bool
	replacement  int64 // meaningful only when hasReplacement is set; 0 is a valid id
	hasReplacement bool
}

// New constructs a Mappoint with the given id, initial position, and
// representative descriptor. id is expected to come from a MapManager's
// IDAllocator.
func New(id int64, position spatialmath.Vec3, descriptor []byte) *Mappoint {
	return &Mappoint{
		id:         id,
		position:   position,
		descriptor: append([]byte(nil), descriptor...),
		observedBy: make(map[int64]int),
	}
}

// ID returns the mappoint's immutable identifier.
func (m *Mappoint) ID() int64 { return m.id }

// Lock acquires the per-mappoint lock. Exposed for MapManager's
// ascending-id multi-entity locking discipline.
func (m *Mappoint) Lock() { m.mu.Lock() }

// Unlock releases the per-mappoint lock.
func (m *Mappoint) Unlock() { m.mu.Unlock() }

// Position returns the current world-frame position.
func (m *Mappoint) Position() spatialmath.Vec3 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// SetPosition updates the world-frame position.
func (m *Mappoint) SetPosition(p spatialmath.Vec3) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = p
}

// Descriptor returns a copy of the current representative descriptor.
func (m *Mappoint) Descriptor() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.descriptor...)
}

// Outlier reports whether the mappoint is currently flagged an outlier.
func (m *Mappoint) Outlier() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outlier
}

// SetOutlier sets the outlier flag.
func (m *Mappoint) SetOutlier(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outlier = v
}

// Triangulated reports whether a depth-consistent 3D position has been set.
func (m *Mappoint) Triangulated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triangulated
}

// SetTriangulated sets the triangulated flag.
func (m *Mappoint) SetTriangulated(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triangulated = v
}

// Optimized reports whether this mappoint's vertex participated in the most
// recent bundle adjustment.
func (m *Mappoint) Optimized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optimized
}

// SetOptimized sets the optimized flag.
func (m *Mappoint) SetOptimized(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optimized = v
}

// Replacement returns the id of the mappoint that has subsumed this one, if
// any.
func (m *Mappoint) Replacement() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replacement, m.hasReplacement
}

// SetReplacement marks this mappoint as replaced by newID. Callers (the Map
// Manager) are responsible for also setting the outlier flag per the
// replace_mappoint contract.
func (m *Mappoint) SetReplacement(newID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replacement = newID
	m.hasReplacement = true
}

// ObservedBy returns a snapshot of the keyframe id -> keypoint index map.
func (m *Mappoint) ObservedBy() map[int64]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]int, len(m.observedBy))
	for k, v := range m.observedBy {
		out[k] = v
	}
	return out
}

// NumObservations returns the number of observing keyframes.
func (m *Mappoint) NumObservations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observedBy)
}

// AddObservation registers the inverse side of an observation: keyframe
// kfID observes this mappoint at keypoint index kpIdx. Idempotent: calling
// twice with the same arguments leaves the map unchanged.
func (m *Mappoint) AddObservation(kfID int64, kpIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observedBy[kfID] = kpIdx
}

// RemoveObservation removes the observation for kfID, if present. If no
// observations remain afterward, the mappoint is marked an outlier so the
// optimizer skips it.
func (m *Mappoint) RemoveObservation(kfID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observedBy, kfID)
	if len(m.observedBy) == 0 {
		m.outlier = true
	}
}

// MergeObservedByFrom merges other's observations into this mappoint's,
// preferring other's keypoint index on a conflicting keyframe id
// (MapManager.ReplaceMappoint removes such conflicts before calling, so the
// surviving mappoint's index is kept). This method takes the receiver's own
// lock internally, so it must not be called while m.mu is already held by
// the same goroutine.
func (m *Mappoint) MergeObservedByFrom(other map[int64]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for kfID, kpIdx := range other {
		m.observedBy[kfID] = kpIdx
	}
}

// hammingDistance returns the Hamming distance between two equal-length
// binary descriptors.
func hammingDistance(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// RecomputeDescriptor selects, among the descriptors supplied by lookup for
// every currently-observing keyframe, the one minimizing the sum of
// Hamming distances to all the others (the median descriptor). Ties break
// deterministically toward the lowest keyframe id. A mappoint with no
// resolvable descriptors is left unchanged.
func (m *Mappoint) RecomputeDescriptor(lookup DescriptorLookup) {
	m.mu.Lock()
	kfIDs := make([]int64, 0, len(m.observedBy))
	for kfID := range m.observedBy {
		kfIDs = append(kfIDs, kfID)
	}
	m.mu.Unlock()

	sort.Slice(kfIDs, func(i, j int) bool { return kfIDs[i] < kfIDs[j] })

	type candidate struct {
		kfID int64
		desc []byte
	}
	candidates := make([]candidate, 0, len(kfIDs))
	for _, kfID := range kfIDs {
		if desc, ok := lookup(kfID); ok {
			candidates = append(candidates, candidate{kfID, desc})
		}
	}
	if len(candidates) == 0 {
		return
	}

	bestIdx := 0
	bestCost := -1
	for i, c := range candidates {
		cost := 0
		for j, other := range candidates {
			if i == j {
				continue
			}
			cost += hammingDistance(c.desc, other.desc)
		}
		// candidates are already sorted by ascending keyframe id, so the
		// first strictly-lower cost wins and equal cost never overwrites.
		if bestCost == -1 || cost < bestCost {
			bestCost = cost
			bestIdx = i
		}
	}

	m.mu.Lock()
	m.descriptor = append([]byte(nil), candidates[bestIdx].desc...)
	m.mu.Unlock()
}
