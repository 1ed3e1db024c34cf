// Package mapmanager implements the process-wide registry of keyframes and
// mappoints: the single source of truth both the tracking frontend and the
// mapping backend mutate concurrently.
package mapmanager

import (
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"

	"go.viam.com/slamcore/keyframe"
	"go.viam.com/slamcore/mappoint"
	"go.viam.com/slamcore/spatialmath"
)

// IDAllocator hands out monotonically increasing, never-reused ids. One
// instance is owned per MapManager rather than a package-global counter, so
// multiple MapManagers never collide.
type IDAllocator struct {
	next atomic.Int64
}

// Next returns the next id, starting at 0.
func (a *IDAllocator) Next() int64 {
	return a.next.Add(1) - 1
}

// MapManager is the thread-safe registry of all live keyframes and
// mappoints. A single instance is constructed once and shared by reference
// between the frontend and the backend; it is never a package-level global.
type MapManager struct {
	logger golog.Logger

	mu        sync.RWMutex
	keyframes map[int64]*keyframe.Keyframe
	mappoints map[int64]*mappoint.Mappoint

	KeyframeIDs IDAllocator
	MappointIDs IDAllocator
}

// New constructs an empty MapManager.
func New(logger golog.Logger) *MapManager {
	if logger == nil {
		logger = golog.NewDevelopmentLogger("mapmanager")
	}
	return &MapManager{
		logger:    logger,
		keyframes: make(map[int64]*keyframe.Keyframe),
		mappoints: make(map[int64]*mappoint.Mappoint),
	}
}

// AddKeyframe inserts kf under the registry lock. Idempotent on id: a
// keyframe already present with the same id is left untouched.
func (m *MapManager) AddKeyframe(kf *keyframe.Keyframe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keyframes[kf.ID()]; ok {
		return
	}
	m.keyframes[kf.ID()] = kf
}

// AddMappoint inserts mpt under the registry lock. Idempotent on id.
func (m *MapManager) AddMappoint(mpt *mappoint.Mappoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mappoints[mpt.ID()]; ok {
		return
	}
	m.mappoints[mpt.ID()] = mpt
}

// GetKeyframe returns the keyframe with the given id, if present.
func (m *MapManager) GetKeyframe(id int64) (*keyframe.Keyframe, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[id]
	return kf, ok
}

// GetMappoint returns the mappoint with the given id, if present.
func (m *MapManager) GetMappoint(id int64) (*mappoint.Mappoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mpt, ok := m.mappoints[id]
	return mpt, ok
}

// GetAllKeyframes returns a snapshot slice of all live keyframes.
func (m *MapManager) GetAllKeyframes() []*keyframe.Keyframe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*keyframe.Keyframe, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		out = append(out, kf)
	}
	return out
}

// GetAllMappoints returns a snapshot slice of all live mappoints (including
// ones flagged outlier/replaced — storage persists so id-lookups stay
// valid across replacement.
func (m *MapManager) GetAllMappoints() []*mappoint.Mappoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*mappoint.Mappoint, 0, len(m.mappoints))
	for _, mpt := range m.mappoints {
		out = append(out, mpt)
	}
	return out
}

// GetPotentialReplacement follows the replacement chain from id transitively
// and returns the surviving mappoint, compressing the chain on read so
// subsequent lookups are O(1). Returns false if id is unknown.
func (m *MapManager) GetPotentialReplacement(id int64) (*mappoint.Mappoint, bool) {
	m.mu.RLock()
	mpt, ok := m.mappoints[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	chain := []*mappoint.Mappoint{mpt}
	cur := mpt
	for {
		nextID, has := cur.Replacement()
		if !has {
			break
		}
		m.mu.RLock()
		next, ok := m.mappoints[nextID]
		m.mu.RUnlock()
		if !ok {
			break
		}
		chain = append(chain, next)
		cur = next
	}

	survivor := chain[len(chain)-1]
	if len(chain) > 2 {
		// path compression: point every intermediate directly at the survivor
		for _, link := range chain[:len(chain)-1] {
			if link == survivor {
				continue
			}
			if id, has := link.Replacement(); !has || id != survivor.ID() {
				link.SetReplacement(survivor.ID())
			}
		}
	}
	return survivor, true
}

// ReplaceMappoint atomically merges old into new: marks old outlier with
// replacement=new.ID(); rewrites every keyframe observing old to observe new
// instead; merges old's observers into new's. Where a keyframe already
// observes new, new's keypoint index is kept and that keyframe's reference
// to old is removed. Entities are locked in
// ascending id order to avoid deadlock with concurrent multi-entity
// operations. Benign if old or new is unknown (treated as lookup miss).
func (m *MapManager) ReplaceMappoint(oldID, newID int64) {
	m.mu.RLock()
	oldMpt, ok1 := m.mappoints[oldID]
	newMpt, ok2 := m.mappoints[newID]
	m.mu.RUnlock()
	if !ok1 || !ok2 || oldID == newID {
		return
	}

	// Mappoint/Keyframe accessors are each individually guarded by a
	// per-entity lock (see mappoint.Mappoint, keyframe.Keyframe); ascending
	// id order here governs the sequence in which those self-contained
	// locked calls are issued, not a lock held across the whole operation.
	observers := oldMpt.ObservedBy()

	// Rewrite every observing keyframe's pointer from old to new. Keyframes
	// are locked in ascending id order among themselves; this loop does not
	// hold any mappoint lock while doing so, so no ordering conflict with
	// the mappoint-pair lock above can arise.
	kfIDs := make([]int64, 0, len(observers))
	for kfID := range observers {
		kfIDs = append(kfIDs, kfID)
	}
	sortInt64(kfIDs)
	newObservers := newMpt.ObservedBy()
	for _, kfID := range kfIDs {
		kf, ok := m.GetKeyframe(kfID)
		if !ok {
			continue
		}
		if _, conflict := newObservers[kfID]; conflict {
			// new's keypoint index wins: drop kf's reference to old instead.
			kf.RemoveObservingMappoint(oldMpt)
			delete(observers, kfID)
			continue
		}
		kpIdx := observers[kfID]
		kf.AddObservingMappoint(newMpt, kpIdx)
	}

	newMpt.MergeObservedByFrom(observers)
	oldMpt.SetReplacement(newID)
	oldMpt.SetOutlier(true)
}

// RecomputeCovisibility rebuilds kf's covisibility links against every
// other keyframe sharing at least minWeight observed mappoints with it, and
// writes the symmetric half of each surviving link into the partner
// keyframe. Called once per processed keyframe after its observations
// (old-mappoint re-matches and newly triangulated mappoints) are attached.
func (m *MapManager) RecomputeCovisibility(kf *keyframe.Keyframe, minWeight int) {
	otherObservers := func(mptID int64) map[int64]bool {
		mpt, ok := m.GetMappoint(mptID)
		if !ok {
			return nil
		}
		out := make(map[int64]bool)
		for kfID := range mpt.ObservedBy() {
			out[kfID] = true
		}
		return out
	}
	weights := kf.ComputeCovisibility(otherObservers, minWeight)
	for otherID, w := range weights {
		if other, ok := m.GetKeyframe(otherID); ok {
			other.SetCovisibilityWeight(kf.ID(), w, minWeight)
		}
	}
}

// RemoveObservation fully removes kf's observation of mpt: both sides of
// the observation (via keyframe.RemoveObservingMappoint) and the recorded
// covisibility weight toward every keyframe kf currently lists as
// covisible, dropping each link symmetrically once it falls below
// minWeight. No-op if kf did not observe mpt.
func (m *MapManager) RemoveObservation(kf *keyframe.Keyframe, mpt *mappoint.Mappoint, minWeight int) {
	partners := kf.Covisibility()
	if _, removed := kf.RemoveObservingMappoint(mpt); !removed {
		return
	}
	for otherID := range partners {
		other, ok := m.GetKeyframe(otherID)
		if !ok {
			continue
		}
		kf.DecrementCovisibility(otherID, minWeight)
		other.DecrementCovisibility(kf.ID(), minWeight)
	}
}

func sortInt64(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// NewKeyframeID allocates the next keyframe id.
func (m *MapManager) NewKeyframeID() int64 { return m.KeyframeIDs.Next() }

// NewMappointID allocates the next mappoint id.
func (m *MapManager) NewMappointID() int64 { return m.MappointIDs.Next() }

// NewMappoint is a convenience constructor allocating an id from this
// manager's mappoint allocator, without registering it (the caller still
// calls AddMappoint to make it map-resident, per the candidate-vs-resident
// resident).
func (m *MapManager) NewMappoint(position spatialmath.Vec3, descriptor []byte) *mappoint.Mappoint {
	return mappoint.New(m.NewMappointID(), position, descriptor)
}
