package vision

import (
	"time"
)

// Constants for stationary-behaviour tracking.
const (
	// DefaultHistoryCapacity bounds per-track position history during learning.
	DefaultHistoryCapacity = 90
	// DefaultMinStationarySamples is the trailing window a track must fill
	// before it can be classified stationary.
	DefaultMinStationarySamples = 60
	// DefaultMinDwell is the minimum observed duration before a track can be
	// classified stationary.
	DefaultMinDwell = 5 * time.Second
	// DefaultDriftTolerancePx bounds the centre drift (each axis) over the
	// stationary window.
	DefaultDriftTolerancePx = 10.0
	// DefaultIdleEvictionFrames is how many frames a track may go unseen
	// before it is evicted from the table. Zero disables eviction.
	DefaultIdleEvictionFrames = 300
)

// StationaryConfig holds the parameters of the stationary predicate.
type StationaryConfig struct {
	HistoryCapacity    int           // Bounded position history per track
	MinSamples         int           // Samples required before classification
	MinDwell           time.Duration // Observation time required before classification
	DriftTolerancePx   float64       // Max per-axis centre range over the window
	IdleEvictionFrames int64         // Evict tracks unseen this many frames (0 = never)
}

// DefaultStationaryConfig returns the standard stationary-predicate parameters.
func DefaultStationaryConfig() StationaryConfig {
	return StationaryConfig{
		HistoryCapacity:    DefaultHistoryCapacity,
		MinSamples:         DefaultMinStationarySamples,
		MinDwell:           DefaultMinDwell,
		DriftTolerancePx:   DefaultDriftTolerancePx,
		IdleEvictionFrames: DefaultIdleEvictionFrames,
	}
}

// trackHistory is one track's bounded behavioural record.
type trackHistory struct {
	centers       []Point // Ring-evicted, oldest first, cap HistoryCapacity
	frameIndices  []int64 // Parallel to centers, strictly increasing
	firstSeen     time.Time
	lastFrameSeen int64
}

// StationaryTracker maintains bounded per-track history and classifies tracks
// as parked by positional drift and dwell time. Stationary detections are
// accumulated as observations for the spot-learning step.
type StationaryTracker struct {
	Config StationaryConfig

	tracks       map[int64]*trackHistory
	observations []StationaryObservation
}

// NewStationaryTracker returns an empty tracker.
func NewStationaryTracker(config StationaryConfig) *StationaryTracker {
	return &StationaryTracker{
		Config: config,
		tracks: make(map[int64]*trackHistory),
	}
}

// Observe records one frame's detections under their assigned track IDs and
// accumulates a StationaryObservation for every track that currently
// satisfies the stationary predicate. trackIDs must be index-aligned with
// detections. Tracks unseen past the idle eviction window are dropped.
func (st *StationaryTracker) Observe(detections []Detection, trackIDs []int64, frameIndex int64, now time.Time) {
	for i, det := range detections {
		id := trackIDs[i]
		th := st.tracks[id]
		if th == nil {
			th = &trackHistory{firstSeen: now}
			st.tracks[id] = th
		}

		// Duplicate or out-of-order frame indices are dropped so the
		// history stays strictly increasing.
		if n := len(th.frameIndices); n > 0 && frameIndex <= th.frameIndices[n-1] {
			continue
		}

		th.centers = append(th.centers, det.Center())
		th.frameIndices = append(th.frameIndices, frameIndex)
		if len(th.centers) > st.Config.HistoryCapacity {
			th.centers = th.centers[1:]
			th.frameIndices = th.frameIndices[1:]
		}
		th.lastFrameSeen = frameIndex

		if st.isStationary(th, now) {
			st.observations = append(st.observations, StationaryObservation{
				Center: det.Center(),
				Width:  det.BBox.Width(),
				Height: det.BBox.Height(),
			})
		}
	}

	st.evictIdle(frameIndex)
}

// isStationary applies the stationary predicate to one track: enough samples,
// enough dwell, and per-axis centre drift within tolerance over the trailing
// MinSamples window.
func (st *StationaryTracker) isStationary(th *trackHistory, now time.Time) bool {
	if len(th.centers) < st.Config.MinSamples {
		return false
	}
	if now.Sub(th.firstSeen) < st.Config.MinDwell {
		return false
	}

	window := th.centers[len(th.centers)-st.Config.MinSamples:]
	minX, maxX := window[0].X, window[0].X
	minY, maxY := window[0].Y, window[0].Y
	for _, c := range window[1:] {
		if c.X < minX {
			minX = c.X
		}
		if c.X > maxX {
			maxX = c.X
		}
		if c.Y < minY {
			minY = c.Y
		}
		if c.Y > maxY {
			maxY = c.Y
		}
	}

	return maxX-minX < st.Config.DriftTolerancePx && maxY-minY < st.Config.DriftTolerancePx
}

// IsStationary reports whether the given track currently satisfies the
// stationary predicate.
func (st *StationaryTracker) IsStationary(trackID int64, now time.Time) bool {
	th := st.tracks[trackID]
	if th == nil {
		return false
	}
	return st.isStationary(th, now)
}

// evictIdle removes tracks unseen for longer than the configured frame gap.
func (st *StationaryTracker) evictIdle(frameIndex int64) {
	if st.Config.IdleEvictionFrames <= 0 {
		return
	}
	for id, th := range st.tracks {
		if frameIndex-th.lastFrameSeen > st.Config.IdleEvictionFrames {
			delete(st.tracks, id)
		}
	}
}

// Observations returns the accumulated stationary observations.
func (st *StationaryTracker) Observations() []StationaryObservation {
	return st.observations
}

// TrackCount returns the number of tracks currently held.
func (st *StationaryTracker) TrackCount() int {
	return len(st.tracks)
}

// History returns copies of a track's centre and frame-index history, or nil
// slices when the track is unknown.
func (st *StationaryTracker) History(trackID int64) ([]Point, []int64) {
	th := st.tracks[trackID]
	if th == nil {
		return nil, nil
	}
	centers := make([]Point, len(th.centers))
	copy(centers, th.centers)
	frames := make([]int64, len(th.frameIndices))
	copy(frames, th.frameIndices)
	return centers, frames
}
