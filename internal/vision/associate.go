package vision

import "sort"

// DefaultIoUThreshold is the minimum overlap for reusing a previous track.
const DefaultIoUThreshold = 0.3

// TrackedBox is a previous-frame box under an assigned identity, the
// associator's working memory between frames.
type TrackedBox struct {
	TrackID int64
	BBox    BBox
}

// Associator links current-frame detections to previous-frame identities by
// bounding-box overlap. It stands in for detector-native tracking when the
// detector supplies no IDs of its own.
type Associator struct {
	IoUThreshold float64

	nextID   int64
	previous []TrackedBox
}

// NewAssociator returns an associator minting track IDs from 1.
func NewAssociator(iouThreshold float64) *Associator {
	if iouThreshold <= 0 {
		iouThreshold = DefaultIoUThreshold
	}
	return &Associator{IoUThreshold: iouThreshold, nextID: 1}
}

// Associate assigns a track ID to every detection: the previous track with
// the highest qualifying IoU, or a freshly minted ID. Equal-IoU ties go to
// the lowest previous track ID so association is deterministic regardless of
// map iteration or detector ordering. A previous track can be claimed by at
// most one detection per frame. The result is index-aligned with detections,
// and the matched boxes become the previous frame for the next call.
func (a *Associator) Associate(detections []Detection) []int64 {
	// Stable candidate order: lowest track ID first.
	prev := make([]TrackedBox, len(a.previous))
	copy(prev, a.previous)
	sort.Slice(prev, func(i, j int) bool { return prev[i].TrackID < prev[j].TrackID })

	claimed := make(map[int64]bool, len(prev))
	assigned := make([]int64, len(detections))

	for i, det := range detections {
		bestIoU := a.IoUThreshold
		bestID := int64(-1)
		for _, pb := range prev {
			if claimed[pb.TrackID] {
				continue
			}
			// Strict comparison keeps the first (lowest-ID) candidate on ties.
			if iou := IoU(det.BBox, pb.BBox); iou > bestIoU {
				bestIoU = iou
				bestID = pb.TrackID
			}
		}

		if bestID < 0 {
			bestID = a.nextID
			a.nextID++
		} else {
			claimed[bestID] = true
		}
		assigned[i] = bestID
	}

	next := make([]TrackedBox, len(detections))
	for i, det := range detections {
		next[i] = TrackedBox{TrackID: assigned[i], BBox: det.BBox}
	}
	a.previous = next

	return assigned
}

// Reset clears the previous frame without resetting the ID counter, so
// identities stay unique across a source restart.
func (a *Associator) Reset() {
	a.previous = nil
}
