package backend

import (
	"math"
	"sort"

	"go.viam.com/slamcore/keyframe"
	"go.viam.com/slamcore/mappoint"
	"go.viam.com/slamcore/optimizer"
)

// huberDelta is sqrt(7.815), the robust-kernel width used for the local
// BA's projection edges (7.815 is the chi-squared 95% threshold for 3
// degrees of freedom).
var huberDelta = math.Sqrt(7.815)

// identityInfo is the 2x2 identity information matrix applied to every
// projection edge.
var identityInfo = [2]float64{1, 1}

// edgeRecord tracks which (keyframe, mappoint, keypoint) an optimizer edge
// represents, so the outlier sweep can remove the corresponding
// observation.
type edgeRecord struct {
	edge  *optimizer.Edge
	kfID  int64
	mptID int64
}

// runLocalBA builds the local bundle-adjustment problem around
// kf's active covisible window, runs the two-pass (10+10 iteration)
// outlier sweep, writes every optimized vertex back to its entity, and
// returns the mappoints whose vertices participated (for the frontend
// handoff). Deterministic: the two passes and fixed iteration counts make
// the result a pure function of the input map state.
func (b *Backend) runLocalBA(kf *keyframe.Keyframe) []*mappoint.Mappoint {
	adapter := b.opt
	adapter.Clear()

	// Step 1: local window L = kf's active covisible keyframes + kf itself.
	window := []*keyframe.Keyframe{kf}
	for id := range kf.Covisibility() {
		if other, ok := b.mm.GetKeyframe(id); ok {
			window = append(window, other)
		}
	}
	sort.Slice(window, func(i, j int) bool { return window[i].ID() < window[j].ID() })

	poseHandles := make(map[int64]optimizer.PoseHandle, len(window))
	for _, k := range window {
		poseHandles[k.ID()] = adapter.AddPoseVertex(k.ID(), k.GetPose(), k.ID() == 0)
	}

	// Step 2: mappoint vertices for every non-outlier mappoint observed by
	// the window, added once each.
	mptHandles := make(map[int64]optimizer.MappointHandle)
	mptOrder := make([]int64, 0)
	for _, k := range window {
		obs := k.ObservedMappoints()
		kpIdxs := make([]int, 0, len(obs))
		for kpIdx := range obs {
			kpIdxs = append(kpIdxs, kpIdx)
		}
		sort.Ints(kpIdxs)
		for _, kpIdx := range kpIdxs {
			mptID := obs[kpIdx]
			if _, already := mptHandles[mptID]; already {
				continue
			}
			mpt, ok := b.mm.GetMappoint(mptID)
			if !ok || mpt.Outlier() {
				continue
			}
			mptHandles[mptID] = adapter.AddMappointVertex(mptID, mpt.Position(), true)
			mptOrder = append(mptOrder, mptID)
		}
	}

	// Step 3: for each mappoint vertex, add an edge from every observing
	// keyframe's pose vertex (reusing the window's, or adding a new fixed
	// vertex for an out-of-window observer).
	var edges []edgeRecord
	for _, mptID := range mptOrder {
		mpt, ok := b.mm.GetMappoint(mptID)
		if !ok {
			continue
		}
		observedBy := mpt.ObservedBy()
		kfIDs := make([]int64, 0, len(observedBy))
		for kfID := range observedBy {
			kfIDs = append(kfIDs, kfID)
		}
		sort.Slice(kfIDs, func(i, j int) bool { return kfIDs[i] < kfIDs[j] })

		for _, kfID := range kfIDs {
			observingKf, ok := b.mm.GetKeyframe(kfID)
			if !ok {
				continue
			}
			poseHandle, ok := poseHandles[kfID]
			if !ok {
				poseHandle = adapter.AddPoseVertex(kfID, observingKf.GetPose(), true)
				poseHandles[kfID] = poseHandle
			}
			kpIdx := observedBy[kfID]
			kps := observingKf.Keypoints()
			if kpIdx < 0 || kpIdx >= len(kps) {
				continue
			}
			edge := adapter.AddProjectionEdge(poseHandle, mptHandles[mptID], kps[kpIdx].Point, identityInfo, optimizer.HuberKernel(huberDelta))
			edges = append(edges, edgeRecord{edge: edge, kfID: kfID, mptID: mptID})
		}
	}

	// Step 4: first optimization pass.
	if err := adapter.Optimize(b.cfg.BundleIterations); err != nil {
		b.logger.Warnw("backend: local BA first pass failed", "error", err)
	}

	// Step 5: outlier sweep, pass 1.
	b.sweepOutliers(edges)
	for _, rec := range edges {
		if rec.edge.Level() == 0 {
			rec.edge.ClearRobustKernel()
		}
	}

	// Step 6: second optimization pass.
	if err := adapter.Optimize(b.cfg.BundleIterations); err != nil {
		b.logger.Warnw("backend: local BA second pass failed", "error", err)
	}

	// Step 7: outlier sweep, pass 2.
	b.sweepOutliers(edges)

	// Write every optimized pose and mappoint position back to its entity.
	for kfID, h := range poseHandles {
		if k, ok := b.mm.GetKeyframe(kfID); ok {
			k.SetPose(adapter.PoseValue(h))
		}
	}
	participants := make([]*mappoint.Mappoint, 0, len(mptOrder))
	for _, mptID := range mptOrder {
		mpt, ok := b.mm.GetMappoint(mptID)
		if !ok {
			continue
		}
		mpt.SetPosition(adapter.MappointValue(mptHandles[mptID]))
		mpt.SetOptimized(true)
		participants = append(participants, mpt)
	}

	adapter.Clear()
	return participants
}

// sweepOutliers removes the observation for every still-active edge whose
// chi-square exceeds the configured threshold, and excludes it from
// further optimization rounds by setting its level to 1.
func (b *Backend) sweepOutliers(edges []edgeRecord) {
	for _, rec := range edges {
		if rec.edge.Level() != 0 {
			continue
		}
		if rec.edge.Chi2() <= b.cfg.Chi2Threshold {
			continue
		}
		rec.edge.SetLevel(1)
		kf, ok := b.mm.GetKeyframe(rec.kfID)
		if !ok {
			continue
		}
		mpt, ok := b.mm.GetMappoint(rec.mptID)
		if !ok {
			continue
		}
		b.mm.RemoveObservation(kf, mpt, b.cfg.MinCovisibilityWeight)
	}
}
