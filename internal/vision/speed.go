package vision

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/urbanflow/internal/units"
)

// Constants for speed estimation.
const (
	// SpeedPositionCapacity bounds per-track position/frame history.
	SpeedPositionCapacity = 30
	// SpeedSampleCapacity bounds the moving-average window of instantaneous
	// speed estimates.
	SpeedSampleCapacity = 10
	// MinSpeedSamples is the history length below which speed is undefined
	// and reported as zero.
	MinSpeedSamples = 5
	// DefaultPixelsPerMeter is the uncalibrated fallback scale. Runs at this
	// value produce indicative speeds only.
	DefaultPixelsPerMeter = 50.0
	// DefaultSpeedLimitKmh is the default speeding threshold.
	DefaultSpeedLimitKmh = 50.0
)

// SpeedZone restricts measurement to a polygonal region of the frame.
type SpeedZone struct {
	Name    string  `json:"name"`
	Polygon []Point `json:"polygon"`
}

// SpeedConfig holds calibration and policy for the speed estimator.
type SpeedConfig struct {
	PixelsPerMeter float64     // Pixel-to-metre scale, supplied by calibration
	FrameRate      float64     // Nominal video frame rate (frames/second)
	SpeedLimitKmh  float64     // Threshold for the speeding flag
	Zones          []SpeedZone // Optional; empty means measure everywhere
}

// Validate rejects configurations that cannot produce meaningful speeds.
func (c SpeedConfig) Validate() error {
	if c.PixelsPerMeter <= 0 {
		return fmt.Errorf("pixels-per-meter must be positive, got %v", c.PixelsPerMeter)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %v", c.FrameRate)
	}
	if c.SpeedLimitKmh <= 0 {
		return fmt.Errorf("speed limit must be positive, got %v", c.SpeedLimitKmh)
	}
	for _, z := range c.Zones {
		if len(z.Polygon) < 3 {
			return fmt.Errorf("speed zone %q has fewer than 3 vertices", z.Name)
		}
	}
	return nil
}

// DefaultSpeedConfig returns the uncalibrated defaults.
func DefaultSpeedConfig() SpeedConfig {
	return SpeedConfig{
		PixelsPerMeter: DefaultPixelsPerMeter,
		FrameRate:      30,
		SpeedLimitKmh:  DefaultSpeedLimitKmh,
	}
}

// SpeedEstimate is the per-track view exported to the publish layer.
type SpeedEstimate struct {
	TrackID     int64   `json:"track_id"`
	AvgSpeedKmh float64 `json:"avg_speed_kmh"`
	Speeding    bool    `json:"speeding"`
	Samples     int     `json:"samples"`
}

// speedTrack is the bounded per-track speed state.
type speedTrack struct {
	positions    []Point
	frameIndices []int64
	samples      []float64 // Instantaneous km/h estimates
	avgKmh       float64
	speeding     bool
}

// SpeedEstimator converts pixel-space motion of tracked detections into
// calibrated speeds. Pixel displacement is summed over the retained history
// and divided by the frame-index span at the nominal frame rate, so estimates
// follow video time rather than wall-clock processing time.
type SpeedEstimator struct {
	Config SpeedConfig

	tracks map[int64]*speedTrack
}

// NewSpeedEstimator returns an estimator with no track state.
func NewSpeedEstimator(config SpeedConfig) (*SpeedEstimator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("speed estimator config: %w", err)
	}
	return &SpeedEstimator{
		Config: config,
		tracks: make(map[int64]*speedTrack),
	}, nil
}

// Update records one frame of tracked detections and refreshes each track's
// average speed and speeding flag. trackIDs must be index-aligned with
// detections. When zones are configured, tracks whose centre lies outside
// every zone are simply not updated this frame.
func (se *SpeedEstimator) Update(detections []Detection, trackIDs []int64, frameIndex int64) {
	for i, det := range detections {
		center := det.Center()
		if !se.inZone(center) {
			continue
		}

		id := trackIDs[i]
		tr := se.tracks[id]
		if tr == nil {
			tr = &speedTrack{}
			se.tracks[id] = tr
		}

		// Keep frame indices strictly increasing; replays that rewind or
		// repeat a frame do not corrupt the elapsed-time computation.
		if n := len(tr.frameIndices); n > 0 && frameIndex <= tr.frameIndices[n-1] {
			continue
		}

		tr.positions = append(tr.positions, center)
		tr.frameIndices = append(tr.frameIndices, frameIndex)
		if len(tr.positions) > SpeedPositionCapacity {
			tr.positions = tr.positions[1:]
			tr.frameIndices = tr.frameIndices[1:]
		}

		if len(tr.positions) < MinSpeedSamples {
			continue
		}

		tr.samples = append(tr.samples, se.instantaneousKmh(tr))
		if len(tr.samples) > SpeedSampleCapacity {
			tr.samples = tr.samples[1:]
		}

		tr.avgKmh = stat.Mean(tr.samples, nil)
		// Recomputed every update: the flag clears as soon as the average
		// drops back under the limit.
		tr.speeding = tr.avgKmh > se.Config.SpeedLimitKmh
	}
}

// instantaneousKmh computes one speed estimate over the full retained
// history. A zero or negative frame span yields 0, never a division fault.
func (se *SpeedEstimator) instantaneousKmh(tr *speedTrack) float64 {
	var totalPx float64
	for i := 1; i < len(tr.positions); i++ {
		totalPx += Distance(tr.positions[i-1], tr.positions[i])
	}

	frameSpan := tr.frameIndices[len(tr.frameIndices)-1] - tr.frameIndices[0]
	if frameSpan <= 0 {
		return 0
	}
	elapsed := float64(frameSpan) / se.Config.FrameRate

	meters := totalPx / se.Config.PixelsPerMeter
	mps := meters / elapsed
	return units.ConvertSpeed(mps, units.KPH)
}

// inZone reports whether measurement applies at p. With no zones configured,
// measurement applies everywhere.
func (se *SpeedEstimator) inZone(p Point) bool {
	if len(se.Config.Zones) == 0 {
		return true
	}
	for _, z := range se.Config.Zones {
		if PointInPolygon(p, z.Polygon) {
			return true
		}
	}
	return false
}

// Estimate returns the current estimate for one track. Tracks with fewer than
// MinSpeedSamples history entries report zero average speed.
func (se *SpeedEstimator) Estimate(trackID int64) SpeedEstimate {
	tr := se.tracks[trackID]
	if tr == nil {
		return SpeedEstimate{TrackID: trackID}
	}
	return SpeedEstimate{
		TrackID:     trackID,
		AvgSpeedKmh: tr.avgKmh,
		Speeding:    tr.speeding,
		Samples:     len(tr.positions),
	}
}

// Estimates returns the per-track view for every track currently held.
func (se *SpeedEstimator) Estimates() []SpeedEstimate {
	out := make([]SpeedEstimate, 0, len(se.tracks))
	for id := range se.tracks {
		out = append(out, se.Estimate(id))
	}
	return out
}

// Speeding returns the estimates currently flagged over the limit.
func (se *SpeedEstimator) Speeding() []SpeedEstimate {
	var out []SpeedEstimate
	for id, tr := range se.tracks {
		if tr.speeding {
			out = append(out, se.Estimate(id))
		}
	}
	return out
}

// History returns copies of a track's retained positions and frame indices.
func (se *SpeedEstimator) History(trackID int64) ([]Point, []int64) {
	tr := se.tracks[trackID]
	if tr == nil {
		return nil, nil
	}
	positions := make([]Point, len(tr.positions))
	copy(positions, tr.positions)
	frames := make([]int64, len(tr.frameIndices))
	copy(frames, tr.frameIndices)
	return positions, frames
}

// EvictIdle removes tracks whose newest frame index is older than maxGap
// frames before frameIndex. Zero or negative maxGap disables eviction.
func (se *SpeedEstimator) EvictIdle(frameIndex, maxGap int64) {
	if maxGap <= 0 {
		return
	}
	for id, tr := range se.tracks {
		if n := len(tr.frameIndices); n > 0 && frameIndex-tr.frameIndices[n-1] > maxGap {
			delete(se.tracks, id)
		}
	}
}
