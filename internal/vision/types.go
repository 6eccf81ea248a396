// Package vision implements the camera-side analytics pipeline: adaptive
// detection strategy selection, frame-to-frame association, stationary
// behaviour tracking, parking-spot learning, occupancy monitoring and
// calibrated speed estimation. All geometry is in pixel coordinates of the
// source frame; calibration to real-world units happens only in the speed
// estimator.
package vision

// Point is a 2D position in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an axis-aligned bounding box in pixel coordinates,
// (X1,Y1) top-left and (X2,Y2) bottom-right.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the box midpoint.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Width returns the horizontal extent of the box.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area, zero for degenerate boxes.
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Contains reports whether p lies inside the box. Bounds are inclusive so a
// detection centred exactly on a spot edge still claims the spot.
func (b BBox) Contains(p Point) bool {
	return p.X >= b.X1 && p.X <= b.X2 && p.Y >= b.Y1 && p.Y <= b.Y2
}

// BBoxAround constructs a box of the given extent centred on p.
func BBoxAround(p Point, width, height float64) BBox {
	return BBox{
		X1: p.X - width/2,
		Y1: p.Y - height/2,
		X2: p.X + width/2,
		Y2: p.Y + height/2,
	}
}

// Detection is a single per-frame detector output. TrackID is non-nil only
// when the detector performs its own short-term tracking; otherwise identity
// is assigned by the Associator.
type Detection struct {
	BBox       BBox    `json:"bbox"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	TrackID    *int64  `json:"track_id,omitempty"`
}

// Center returns the detection's bounding-box midpoint.
func (d Detection) Center() Point { return d.BBox.Center() }

// HasTrackID reports whether the detector supplied a persistent identity.
func (d Detection) HasTrackID() bool { return d.TrackID != nil }

// StationaryObservation is a detection snapshot recorded once its owning
// track satisfies the stationary predicate. Observations accumulate once per
// qualifying frame, deliberately without deduplication: vehicles that stay
// parked longer contribute more points and pull the clustering toward
// confidently-occupied spots.
type StationaryObservation struct {
	Center Point
	Width  float64
	Height float64
}

// ParkingSpot is one learned parking position. Spots are immutable after the
// learning phase completes; IDs are sequential starting at 1 and stable for
// the remainder of the run.
type ParkingSpot struct {
	ID       int     `json:"id"`
	Center   Point   `json:"center"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	BBox     BBox    `json:"bbox"`
	Inferred bool    `json:"inferred"`
}

// SpotState is the per-frame occupancy state of one parking spot.
type SpotState struct {
	Occupied       bool    `json:"occupied"`
	DetectionIndex int     `json:"detection_index"` // -1 when vacant
	Confidence     float64 `json:"confidence"`
}
