package vision

import "gonum.org/v1/gonum/stat"

// Constants for grid inference.
const (
	// DefaultGridMinGapPx is the smallest centre-to-centre distance treated
	// as a plausible same-row neighbour gap.
	DefaultGridMinGapPx = 50.0
	// DefaultGridMaxGapPx is the largest plausible same-row neighbour gap.
	DefaultGridMaxGapPx = 250.0
	// DefaultGridWidthGapFactor: a gap must exceed this multiple of the
	// average spot width before empty spots are interpolated into it.
	DefaultGridWidthGapFactor = 2.5
	// DefaultGridSpacingFactor is the characteristic spot pitch as a
	// multiple of average spot width.
	DefaultGridSpacingFactor = 1.3
	// DefaultGridDedupeFactor: candidates within this multiple of average
	// width of an existing spot are duplicates and discarded.
	DefaultGridDedupeFactor = 0.5
)

// GridParams are the numeric policy constants of grid inference, exposed so
// each can be tested in isolation.
type GridParams struct {
	MinGapPx       float64
	MaxGapPx       float64
	WidthGapFactor float64
	SpacingFactor  float64
	DedupeFactor   float64
}

// DefaultGridParams returns the standard grid-inference constants.
func DefaultGridParams() GridParams {
	return GridParams{
		MinGapPx:       DefaultGridMinGapPx,
		MaxGapPx:       DefaultGridMaxGapPx,
		WidthGapFactor: DefaultGridWidthGapFactor,
		SpacingFactor:  DefaultGridSpacingFactor,
		DedupeFactor:   DefaultGridDedupeFactor,
	}
}

// InferGrid hypothesises empty spots between occupied-spot clusters. For each
// ordered pair of clusters whose centre distance lies in the plausible gap
// range and exceeds WidthGapFactor times the average width, candidate centres
// are interpolated along the connecting line at the characteristic pitch.
// Candidates landing within DedupeFactor×avgWidth of any spot already known
// (occupied or previously inferred) are discarded as duplicates. The function
// is pure and deterministic for a given input order.
func InferGrid(occupied []SpotCluster, params GridParams) []SpotCluster {
	if len(occupied) < 2 {
		return nil
	}

	ws := make([]float64, len(occupied))
	hs := make([]float64, len(occupied))
	for i, s := range occupied {
		ws[i] = s.Width
		hs[i] = s.Height
	}
	avgWidth := stat.Mean(ws, nil)
	avgHeight := stat.Mean(hs, nil)
	if avgWidth <= 0 {
		return nil
	}

	dedupeRadius := avgWidth * params.DedupeFactor
	pitch := avgWidth * params.SpacingFactor

	var inferred []SpotCluster

	tooClose := func(c Point) bool {
		for _, s := range occupied {
			if Distance(c, s.Center) < dedupeRadius {
				return true
			}
		}
		for _, s := range inferred {
			if Distance(c, s.Center) < dedupeRadius {
				return true
			}
		}
		return false
	}

	for i, spot := range occupied {
		for j, other := range occupied {
			if i == j {
				continue
			}

			dist := Distance(spot.Center, other.Center)
			if dist <= params.MinGapPx || dist >= params.MaxGapPx {
				continue
			}
			if dist <= avgWidth*params.WidthGapFactor {
				continue
			}

			gaps := int(dist / pitch)
			for gap := 1; gap < gaps; gap++ {
				frac := float64(gap) / float64(gaps)
				candidate := Point{
					X: spot.Center.X + (other.Center.X-spot.Center.X)*frac,
					Y: spot.Center.Y + (other.Center.Y-spot.Center.Y)*frac,
				}
				if tooClose(candidate) {
					continue
				}
				inferred = append(inferred, SpotCluster{
					Center: candidate,
					Width:  avgWidth,
					Height: avgHeight,
				})
			}
		}
	}

	return inferred
}

// LearnSpots runs the full learning step: cluster stationary observations
// into occupied hypotheses, infer empty spots from the grid pattern, and
// assemble the canonical ParkingSpot list with sequential IDs (occupied
// first, then inferred). Fewer observations than the cluster minimum yields
// an empty list: a degenerate but valid zero-capacity outcome.
func LearnSpots(obs []StationaryObservation, clusterParams ClusterParams, gridParams GridParams) []ParkingSpot {
	occupied := Cluster(obs, clusterParams)
	if len(occupied) == 0 {
		return nil
	}

	inferred := InferGrid(occupied, gridParams)

	spots := make([]ParkingSpot, 0, len(occupied)+len(inferred))
	assemble := func(c SpotCluster, isInferred bool) {
		id := len(spots) + 1
		spots = append(spots, ParkingSpot{
			ID:       id,
			Center:   c.Center,
			Width:    c.Width,
			Height:   c.Height,
			BBox:     BBoxAround(c.Center, c.Width, c.Height),
			Inferred: isInferred,
		})
	}
	for _, c := range occupied {
		assemble(c, false)
	}
	for _, c := range inferred {
		assemble(c, true)
	}

	return spots
}
