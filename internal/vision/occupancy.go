package vision

// OccupancySummary aggregates per-spot state into the headline numbers the
// publish layer exports.
type OccupancySummary struct {
	TotalSpots     int     `json:"total_spots"`
	OccupiedSpots  int     `json:"occupied_spots"`
	AvailableSpots int     `json:"available_spots"`
	OccupancyPct   float64 `json:"occupancy_pct"`
}

// OccupancyMonitor maps live detections onto the learned spot set. The spot
// list is fixed at construction; per-spot state is recomputed from scratch
// every frame.
type OccupancyMonitor struct {
	spots  []ParkingSpot
	states map[int]*SpotState
}

// NewOccupancyMonitor builds a monitor over an immutable spot list, one state
// entry per spot.
func NewOccupancyMonitor(spots []ParkingSpot) *OccupancyMonitor {
	states := make(map[int]*SpotState, len(spots))
	for _, s := range spots {
		states[s.ID] = &SpotState{DetectionIndex: -1}
	}
	return &OccupancyMonitor{spots: spots, states: states}
}

// Update recomputes every spot's occupancy from the current frame. Each
// detection, in detector-return order, claims the first spot whose bbox
// contains its centre; a spot is claimed by at most one detection and a
// detection claims at most one spot. Detections outside all spots are
// ignored here (they may still be speed-tracked).
func (m *OccupancyMonitor) Update(detections []Detection) {
	for _, state := range m.states {
		state.Occupied = false
		state.DetectionIndex = -1
		state.Confidence = 0
	}

	for i, det := range detections {
		center := det.Center()
		for _, spot := range m.spots {
			if !spot.BBox.Contains(center) {
				continue
			}
			if state := m.states[spot.ID]; !state.Occupied {
				state.Occupied = true
				state.DetectionIndex = i
				state.Confidence = det.Confidence
			}
			break
		}
	}
}

// Spots returns the monitor's immutable spot list.
func (m *OccupancyMonitor) Spots() []ParkingSpot { return m.spots }

// States returns a copy of the per-spot state map.
func (m *OccupancyMonitor) States() map[int]SpotState {
	out := make(map[int]SpotState, len(m.states))
	for id, s := range m.states {
		out[id] = *s
	}
	return out
}

// Summary returns the aggregate occupancy numbers. A zero-capacity spot set
// reports 0% occupancy rather than dividing by zero.
func (m *OccupancyMonitor) Summary() OccupancySummary {
	total := len(m.spots)
	occupied := 0
	for _, s := range m.states {
		if s.Occupied {
			occupied++
		}
	}

	summary := OccupancySummary{
		TotalSpots:     total,
		OccupiedSpots:  occupied,
		AvailableSpots: total - occupied,
	}
	if total > 0 {
		summary.OccupancyPct = float64(occupied) / float64(total) * 100
	}
	return summary
}
