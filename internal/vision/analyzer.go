package vision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/urbanflow/internal/monitoring"
	"github.com/banshee-data/urbanflow/internal/timeutil"
)

// Phase is the lifecycle phase of the analyzer.
type Phase string

const (
	// PhaseLearning observes behaviour to learn spot geometry.
	PhaseLearning Phase = "learning"
	// PhaseMonitoring reports occupancy and speed against the learned
	// geometry. Terminal: there is no transition back to learning.
	PhaseMonitoring Phase = "monitoring"
)

// DefaultLearningDuration is how long the learning phase observes before
// spots are learned.
const DefaultLearningDuration = 60 * time.Second

// AnalyzerConfig aggregates the policy of every pipeline stage.
type AnalyzerConfig struct {
	LearningDuration time.Duration
	Strategies       []Strategy
	MinConfidence    float64
	IoUThreshold     float64
	Stationary       StationaryConfig
	Cluster          ClusterParams
	Grid             GridParams
	Speed            SpeedConfig
}

// DefaultAnalyzerConfig returns the standard pipeline policy.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		LearningDuration: DefaultLearningDuration,
		Strategies:       DefaultStrategies(),
		MinConfidence:    0.3,
		IoUThreshold:     DefaultIoUThreshold,
		Stationary:       DefaultStationaryConfig(),
		Cluster:          DefaultClusterParams(),
		Grid:             DefaultGridParams(),
		Speed:            DefaultSpeedConfig(),
	}
}

// SpotSink receives the learned spot list once, when learning completes.
// Implementations persist it (sqlite, file export); a nil sink is valid.
type SpotSink interface {
	SaveSpots(spots []ParkingSpot, strategy string, learnedAt time.Time) error
}

// Snapshot is the read-only state export consumed by the publish layer. It is
// a deep copy: callers may hold it across frames.
type Snapshot struct {
	Phase             Phase             `json:"phase"`
	Strategy          string            `json:"strategy"`
	FrameCount        int64             `json:"frame_count"`
	LearningRemaining time.Duration     `json:"learning_remaining_ns"`
	ObservationCount  int               `json:"observation_count"`
	Spots             []ParkingSpot     `json:"spots"`
	SpotStates        map[int]SpotState `json:"spot_states"`
	Summary           OccupancySummary  `json:"summary"`
	Speeds            []SpeedEstimate   `json:"speeds"`
}

// Analyzer drives the two-phase lifecycle and dispatches each frame to the
// right components. Frames must be applied one at a time in order; Snapshot
// may be called concurrently from other goroutines.
type Analyzer struct {
	config   AnalyzerConfig
	selector *StrategySelector
	clock    timeutil.Clock
	sink     SpotSink
	logf     func(format string, v ...interface{})

	mu sync.RWMutex

	phase         Phase
	learningStart time.Time
	frameCount    int64

	associator *Associator
	stationary *StationaryTracker
	occupancy  *OccupancyMonitor // nil until learning completes
	speed      *SpeedEstimator
}

// NewAnalyzer wires the pipeline. Configuration errors (malformed strategy
// tiers, missing calibration) are fatal here, before any frame is processed.
func NewAnalyzer(detector Detector, config AnalyzerConfig, clock timeutil.Clock, sink SpotSink) (*Analyzer, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if config.LearningDuration <= 0 {
		return nil, fmt.Errorf("learning duration must be positive, got %v", config.LearningDuration)
	}

	selector, err := NewStrategySelector(detector, config.Strategies, config.MinConfidence)
	if err != nil {
		return nil, err
	}
	speed, err := NewSpeedEstimator(config.Speed)
	if err != nil {
		return nil, err
	}

	return &Analyzer{
		config:     config,
		selector:   selector,
		clock:      clock,
		sink:       sink,
		logf:       monitoring.Scoped("analyzer"),
		phase:      PhaseLearning,
		associator: NewAssociator(config.IoUThreshold),
		stationary: NewStationaryTracker(config.Stationary),
		speed:      speed,
	}, nil
}

// ProcessFrame runs one frame through the pipeline: detection under the
// selected strategy, identity assignment, then the phase-appropriate updates.
// The learning timer starts on the first frame.
func (a *Analyzer) ProcessFrame(ctx context.Context, frame Frame) error {
	detections, _, err := a.selector.Select(ctx, frame)
	if err != nil {
		return fmt.Errorf("frame %d: %w", frame.Index, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if a.frameCount == 0 {
		a.learningStart = now
	}
	a.frameCount++

	trackIDs := a.assignTrackIDs(detections)

	if a.phase == PhaseLearning {
		if a.clock.Since(a.learningStart) < a.config.LearningDuration {
			a.stationary.Observe(detections, trackIDs, frame.Index, now)
			return nil
		}
		a.finishLearning(now)
	}

	a.occupancy.Update(detections)
	a.speed.Update(detections, trackIDs, frame.Index)
	a.speed.EvictIdle(frame.Index, a.config.Stationary.IdleEvictionFrames)
	return nil
}

// assignTrackIDs prefers detector-native identities; when any detection lacks
// one, the whole frame falls back to geometric association so identities stay
// consistent within the frame.
func (a *Analyzer) assignTrackIDs(detections []Detection) []int64 {
	native := len(detections) > 0
	for _, d := range detections {
		if !d.HasTrackID() {
			native = false
			break
		}
	}
	if native {
		ids := make([]int64, len(detections))
		for i, d := range detections {
			ids[i] = *d.TrackID
		}
		return ids
	}
	return a.associator.Associate(detections)
}

// finishLearning runs the spot learning engine exactly once and switches the
// analyzer to the terminal monitoring phase.
func (a *Analyzer) finishLearning(now time.Time) {
	obs := a.stationary.Observations()
	spots := LearnSpots(obs, a.config.Cluster, a.config.Grid)

	occupiedCount := 0
	for _, s := range spots {
		if !s.Inferred {
			occupiedCount++
		}
	}
	a.logf("learning complete: %d observations -> %d occupied + %d inferred spots",
		len(obs), occupiedCount, len(spots)-occupiedCount)

	a.occupancy = NewOccupancyMonitor(spots)
	a.phase = PhaseMonitoring

	if a.sink != nil {
		if err := a.sink.SaveSpots(spots, a.selector.Locked(), now); err != nil {
			// Persistence is a collaborator; its failure must not affect
			// tracking correctness.
			a.logf("failed to persist learned spots: %v", err)
		}
	}
}

// Phase returns the current lifecycle phase.
func (a *Analyzer) Phase() Phase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phase
}

// Snapshot returns a deep copy of the exported state.
func (a *Analyzer) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		Phase:            a.phase,
		Strategy:         a.selector.Locked(),
		FrameCount:       a.frameCount,
		ObservationCount: len(a.stationary.Observations()),
		Speeds:           a.speed.Estimates(),
	}

	if a.phase == PhaseLearning {
		if a.frameCount > 0 {
			remaining := a.config.LearningDuration - a.clock.Since(a.learningStart)
			if remaining < 0 {
				remaining = 0
			}
			snap.LearningRemaining = remaining
		} else {
			snap.LearningRemaining = a.config.LearningDuration
		}
		return snap
	}

	spots := a.occupancy.Spots()
	snap.Spots = make([]ParkingSpot, len(spots))
	copy(snap.Spots, spots)
	snap.SpotStates = a.occupancy.States()
	snap.Summary = a.occupancy.Summary()
	return snap
}

// SpeedingNow returns the tracks currently flagged over the speed limit.
func (a *Analyzer) SpeedingNow() []SpeedEstimate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.speed.Speeding()
}
