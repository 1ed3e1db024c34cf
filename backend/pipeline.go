package backend

import (
	"sort"

	"go.viam.com/slamcore/handoff"
	"go.viam.com/slamcore/keyframe"
	"go.viam.com/slamcore/mappoint"
)

// processOnce runs the backend's ten-step worker loop for one accepted
// input: register, attach old and new observations, recompute
// covisibility, fuse duplicate landmarks, replace merged mappoints,
// recompute descriptors, run local bundle adjustment, publish, and reset
// the optimizer state.
func (b *Backend) processOnce(input *Input) error {
	kf := input.Keyframe

	// 1. Register keyframe.
	b.mm.AddKeyframe(kf)

	// 2. Attach old observations.
	oldIDs := make([]int64, 0, len(input.OldMatches))
	for id := range input.OldMatches {
		oldIDs = append(oldIDs, id)
	}
	sort.Slice(oldIDs, func(i, j int) bool { return oldIDs[i] < oldIDs[j] })
	for _, oldID := range oldIDs {
		kpIdx := input.OldMatches[oldID]
		mpt, ok := b.mm.GetPotentialReplacement(oldID)
		if !ok {
			b.logger.Debugw("backend: old mappoint lookup miss", "id", oldID)
			continue
		}
		kf.AddObservingMappoint(mpt, kpIdx)
		mpt.RecomputeDescriptor(b.descriptorLookup(mpt))
	}

	// 3. Attach new mappoints.
	for _, nm := range input.NewMatches {
		b.mm.AddMappoint(nm.Mappoint)
		kf.AddObservingMappoint(nm.Mappoint, nm.KpIdx)
	}

	// 4. Recompute covisibility against every keyframe sharing observations,
	// so the fuse step's two-hop sweep and the local BA window below see a
	// current graph.
	b.mm.RecomputeCovisibility(kf, b.cfg.MinCovisibilityWeight)

	// 5. Fuse new mappoints into covisible keyframes (two hops).
	oldToNew := b.fuseNewMappoints(kf, input.NewMatches)

	// 6. Replace merged mappoints.
	oldIDs2 := make([]int64, 0, len(oldToNew))
	for id := range oldToNew {
		oldIDs2 = append(oldIDs2, id)
	}
	sort.Slice(oldIDs2, func(i, j int) bool { return oldIDs2[i] < oldIDs2[j] })
	for _, oldID := range oldIDs2 {
		b.mm.ReplaceMappoint(oldID, oldToNew[oldID].newID)
	}

	// 7. Recompute descriptors of all new mappoints.
	for _, nm := range input.NewMatches {
		nm.Mappoint.RecomputeDescriptor(b.descriptorLookup(nm.Mappoint))
	}

	// 8. Local bundle adjustment.
	participants := b.runLocalBA(kf)

	// 9. Publish results via the frontend handoff.
	handoff.Publish(b.cb, kf.ID(), participants, func() []*mappoint.Mappoint {
		return b.mm.GetAllMappoints()
	})

	// 10. Cleanup optimizer state (already Clear()'d inside runLocalBA).
	return nil
}

// fuseCandidate is the smallest-distance (new mappoint, distance) seen so
// far for a given replaced old mappoint, or for a given free keypoint.
type fuseCandidate struct {
	newID int64
	dist  int
}

type emptyKeypointCandidate struct {
	mpt  *mappoint.Mappoint
	dist int
}

// fuseNewMappoints sweeps kf's two-hop
// covisible keyframes against every new mappoint, recording the smallest-
// distance replacement candidate per old mappoint id (earlier-encountered
// wins ties, hence the strict "<" comparisons and ascending iteration
// order below) and committing unmatched-keypoint observations directly.
func (b *Backend) fuseNewMappoints(kf *keyframe.Keyframe, newMatches []NewMappointMatch) map[int64]fuseCandidate {
	oldToNew := make(map[int64]fuseCandidate)

	for _, kfPrime := range b.twoHopCovisible(kf) {
		emptyMatches := make(map[int]emptyKeypointCandidate)

		for _, nm := range newMatches {
			result := kfPrime.GetMatchedKeypoint(nm.Mappoint)
			if !result.Found || result.Distance > int(b.cfg.ReMatchDescriptorDistance) {
				continue
			}

			if existingID, ok := kfPrime.MappointAt(result.KpIdx); ok {
				cand, seen := oldToNew[existingID]
				if !seen || result.Distance < cand.dist {
					oldToNew[existingID] = fuseCandidate{newID: nm.Mappoint.ID(), dist: result.Distance}
				}
				continue
			}

			cand, seen := emptyMatches[result.KpIdx]
			if !seen || result.Distance < cand.dist {
				emptyMatches[result.KpIdx] = emptyKeypointCandidate{mpt: nm.Mappoint, dist: result.Distance}
			}
		}

		kpIdxs := make([]int, 0, len(emptyMatches))
		for kpIdx := range emptyMatches {
			kpIdxs = append(kpIdxs, kpIdx)
		}
		sort.Ints(kpIdxs)
		for _, kpIdx := range kpIdxs {
			kfPrime.AddObservingMappoint(emptyMatches[kpIdx].mpt, kpIdx)
		}
	}

	return oldToNew
}

// twoHopCovisible returns the union of kf's covisible keyframes and those
// keyframes' own covisible keyframes, excluding kf itself, sorted by id for
// deterministic sweep order. Expansion uses each neighbor keyframe's own id
// at the second hop, rather than reusing kf's id at both hops.
func (b *Backend) twoHopCovisible(kf *keyframe.Keyframe) []*keyframe.Keyframe {
	ids := make(map[int64]bool)
	for neighborID := range kf.Covisibility() {
		ids[neighborID] = true
		neighborKf, ok := b.mm.GetKeyframe(neighborID)
		if !ok {
			continue
		}
		for secondHopID := range neighborKf.Covisibility() {
			if secondHopID != kf.ID() {
				ids[secondHopID] = true
			}
		}
	}

	sorted := make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]*keyframe.Keyframe, 0, len(sorted))
	for _, id := range sorted {
		if other, ok := b.mm.GetKeyframe(id); ok {
			out = append(out, other)
		}
	}
	return out
}

// descriptorLookup resolves, for RecomputeDescriptor, the descriptor mpt's
// observing keyframes currently present at the keypoint index they matched
// mpt to.
func (b *Backend) descriptorLookup(mpt *mappoint.Mappoint) mappoint.DescriptorLookup {
	observedBy := mpt.ObservedBy()
	return func(kfID int64) ([]byte, bool) {
		kpIdx, ok := observedBy[kfID]
		if !ok {
			return nil, false
		}
		kf, ok := b.mm.GetKeyframe(kfID)
		if !ok {
			return nil, false
		}
		kps := kf.Keypoints()
		if kpIdx < 0 || kpIdx >= len(kps) {
			return nil, false
		}
		return kps[kpIdx].Descriptor, true
	}
}
