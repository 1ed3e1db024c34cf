// Package handoff implements the frontend handoff protocol:
// how the backend publishes a processed round's results back to the
// tracking frontend without the two threads racing on the same structures.
package handoff

import "go.viam.com/slamcore/mappoint"

// RefKeyframe is the frontend's reference keyframe: the keyframe tracking
// currently poses against. Owned by the frontend; the backend only ever
// mutates it through the Apply closure passed to a registered Callback.
type RefKeyframe struct {
	ID  int64
	Set bool
}

// TrackingMap is the frontend's local working set of mappoints used for
// per-frame tracking. Owned by the frontend, mutated the same way as
// RefKeyframe.
type TrackingMap struct {
	Points []*mappoint.Mappoint
}

// Apply is the branch logic the backend runs against the frontend's
// RefKeyframe/TrackingMap once per processed round.
type Apply func(ref *RefKeyframe, tracking *TrackingMap)

// Callback is registered once at backend construction. The backend never
// touches RefKeyframe/TrackingMap itself; instead it calls cb with an Apply
// closure, and the frontend's Callback implementation is responsible for
// invoking that closure while holding whatever lock the frontend uses to
// guard its own reference keyframe and tracking map. This is the
// message-passing variant of the callback protocol, equivalent to direct
// mutable-reference passing but chosen because it keeps
// the backend from ever acquiring a frontend-owned lock.
type Callback func(apply Apply)

// MinTrackingMapSize is the survivor-count threshold below which a round's
// tracking map falls back to a full Map Manager snapshot.
const MinTrackingMapSize = 100

// Publish runs the reset/rebuild/fallback branch for one processed
// keyframe via cb. keyframeID is the just-processed keyframe's id;
// participants are the mappoints whose vertices were in this round's
// optimizer (irrespective of outlier status — Publish itself filters);
// snapshot lazily returns every mappoint currently in the Map Manager, used
// only on the fewer-than-MinTrackingMapSize fallback path.
func Publish(cb Callback, keyframeID int64, participants []*mappoint.Mappoint, snapshot func() []*mappoint.Mappoint) {
	if cb == nil {
		return
	}
	cb(func(ref *RefKeyframe, tracking *TrackingMap) {
		if ref.Set && ref.ID == keyframeID {
			return
		}
		ref.ID = keyframeID
		ref.Set = true

		survivors := make([]*mappoint.Mappoint, 0, len(participants))
		for _, mpt := range participants {
			if !mpt.Outlier() {
				survivors = append(survivors, mpt)
			}
		}
		if len(survivors) < MinTrackingMapSize {
			survivors = snapshot()
		}
		tracking.Points = survivors
	})
}
