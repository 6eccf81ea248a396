package vision

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/urbanflow/internal/monitoring"
)

// Detector is the external object detector. Given a frame and a class-ID
// filter it returns the detections it found; an empty result is a valid
// answer, not an error. Detections may carry a TrackID when the detector does
// its own short-term tracking.
type Detector interface {
	Detect(ctx context.Context, frame Frame, classIDs []int, minConfidence float64) ([]Detection, error)
}

// Frame identifies one video frame handed to the detector. The pipeline never
// inspects pixel data; it only forwards the frame and consumes geometry.
type Frame struct {
	Index  int64
	Width  int
	Height int

	// Data is an opaque handle for the detector (encoded image, GPU buffer
	// reference, replay cursor). Nil is fine for replay sources keyed on Index.
	Data any
}

// Strategy is one detection tier: the class filter to request and the minimum
// detection count that locks the tier in.
type Strategy struct {
	Name          string `json:"name"`
	ClassIDs      []int  `json:"class_ids"`
	MinDetections int    `json:"min_detections"`
}

// DefaultStrategies returns the standard tier ladder: street-level vehicle
// classes first, then the class sets that work for overhead and miniature
// scenes where full vehicles are never recognised.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "normal-vehicles", ClassIDs: []int{2, 3, 5, 7}, MinDetections: 5},
		{Name: "overhead-small-objects", ClassIDs: []int{67}, MinDetections: 3},
		{Name: "generic-small-objects", ClassIDs: []int{24, 26, 28, 31}, MinDetections: 2},
	}
}

// StrategySelector tries detection tiers in order until one produces enough
// detections, then locks that tier for the remainder of the run. The lock is
// irreversible: the camera setup is assumed not to change mid-run, so a tier
// that worked once keeps being queried even if conditions later degrade.
type StrategySelector struct {
	strategies    []Strategy
	minConfidence float64
	detector      Detector

	mu     sync.Mutex
	locked *Strategy
}

// NewStrategySelector validates the tier list and returns a selector.
// Malformed tiers are a configuration error and fatal at construction.
func NewStrategySelector(detector Detector, strategies []Strategy, minConfidence float64) (*StrategySelector, error) {
	if detector == nil {
		return nil, fmt.Errorf("strategy selector requires a detector")
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("strategy selector requires at least one tier")
	}
	for i, s := range strategies {
		if s.Name == "" {
			return nil, fmt.Errorf("strategy tier %d has no name", i)
		}
		if len(s.ClassIDs) == 0 {
			return nil, fmt.Errorf("strategy tier %q has no class IDs", s.Name)
		}
		if s.MinDetections < 0 {
			return nil, fmt.Errorf("strategy tier %q has negative minimum detection count", s.Name)
		}
	}
	if minConfidence < 0 || minConfidence > 1 {
		return nil, fmt.Errorf("confidence threshold %v outside [0,1]", minConfidence)
	}
	return &StrategySelector{
		strategies:    strategies,
		minConfidence: minConfidence,
		detector:      detector,
	}, nil
}

// Select queries the detector under the locked tier, or walks the tier ladder
// until one meets its minimum detection count. If no tier qualifies, the
// first tier is locked anyway as the fallback so later frames stop probing.
func (s *StrategySelector) Select(ctx context.Context, frame Frame) ([]Detection, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked != nil {
		dets, err := s.detector.Detect(ctx, frame, s.locked.ClassIDs, s.minConfidence)
		if err != nil {
			return nil, s.locked.Name, fmt.Errorf("detect under locked strategy %q: %w", s.locked.Name, err)
		}
		return dets, s.locked.Name, nil
	}

	for i := range s.strategies {
		tier := s.strategies[i]
		dets, err := s.detector.Detect(ctx, frame, tier.ClassIDs, s.minConfidence)
		if err != nil {
			return nil, tier.Name, fmt.Errorf("detect under strategy %q: %w", tier.Name, err)
		}
		if len(dets) >= tier.MinDetections {
			s.locked = &s.strategies[i]
			monitoring.Logf("strategy locked: %s (classes=%v, initial detections=%d)",
				tier.Name, tier.ClassIDs, len(dets))
			return dets, tier.Name, nil
		}
	}

	// No tier qualified. Lock the first tier and requery under it so the
	// caller sees results consistent with the lock.
	s.locked = &s.strategies[0]
	monitoring.Logf("strategy locked: %s (fallback, no tier met its threshold)", s.locked.Name)
	dets, err := s.detector.Detect(ctx, frame, s.locked.ClassIDs, s.minConfidence)
	if err != nil {
		return nil, s.locked.Name, fmt.Errorf("detect under fallback strategy %q: %w", s.locked.Name, err)
	}
	return dets, s.locked.Name, nil
}

// Locked returns the name of the locked tier, or "" before any lock.
func (s *StrategySelector) Locked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked == nil {
		return ""
	}
	return s.locked.Name
}
