package vision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/urbanflow/internal/timeutil"
)

// frameScript replays scripted detections keyed on frame index, honouring the
// class filter and confidence threshold the way a real detector would.
type frameScript map[int64][]Detection

func (s frameScript) Detect(ctx context.Context, frame Frame, classIDs []int, minConfidence float64) ([]Detection, error) {
	classes := make(map[int]bool, len(classIDs))
	for _, id := range classIDs {
		classes[id] = true
	}
	var out []Detection
	for _, d := range s[frame.Index] {
		if classes[d.ClassID] && d.Confidence >= minConfidence {
			out = append(out, d)
		}
	}
	return out, nil
}

type recordingSink struct {
	spots    []ParkingSpot
	strategy string
	saves    int
	err      error
}

func (r *recordingSink) SaveSpots(spots []ParkingSpot, strategy string, learnedAt time.Time) error {
	r.spots = spots
	r.strategy = strategy
	r.saves++
	return r.err
}

func testAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		LearningDuration: 10 * time.Second,
		Strategies:       []Strategy{{Name: "cars", ClassIDs: []int{2}, MinDetections: 1}},
		MinConfidence:    0.3,
		IoUThreshold:     DefaultIoUThreshold,
		Stationary: StationaryConfig{
			HistoryCapacity:    20,
			MinSamples:         5,
			MinDwell:           2 * time.Second,
			DriftTolerancePx:   10,
			IdleEvictionFrames: 100,
		},
		Cluster: ClusterParams{Eps: 80, MinPts: 3},
		Grid:    DefaultGridParams(),
		Speed:   DefaultSpeedConfig(),
	}
}

// parkedScript scripts one car parked at (100,100) for frames 0..lastFrame.
func parkedScript(lastFrame int64) frameScript {
	script := frameScript{}
	for f := int64(0); f <= lastFrame; f++ {
		script[f] = []Detection{carAt(100, 100, 0.9)}
	}
	return script
}

func TestAnalyzer_LearningToMonitoring(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	sink := &recordingSink{}
	a, err := NewAnalyzer(parkedScript(12), testAnalyzerConfig(), clock, sink)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	ctx := context.Background()

	// One frame per second through the learning window.
	for f := int64(0); f < 10; f++ {
		if err := a.ProcessFrame(ctx, Frame{Index: f}); err != nil {
			t.Fatalf("frame %d: %v", f, err)
		}
		if got := a.Phase(); got != PhaseLearning {
			t.Fatalf("phase after frame %d = %v, want learning", f, got)
		}
		clock.Advance(time.Second)
	}

	snap := a.Snapshot()
	if snap.ObservationCount == 0 {
		t.Error("parked car should have produced stationary observations")
	}
	if snap.Spots != nil {
		t.Errorf("spots exported during learning: %v", snap.Spots)
	}

	// The learning window has elapsed; the next frame learns spots and is
	// processed under monitoring.
	if err := a.ProcessFrame(ctx, Frame{Index: 10}); err != nil {
		t.Fatalf("transition frame: %v", err)
	}
	if got := a.Phase(); got != PhaseMonitoring {
		t.Fatalf("phase = %v, want monitoring", got)
	}

	snap = a.Snapshot()
	if len(snap.Spots) != 1 {
		t.Fatalf("learned spots = %d, want 1", len(snap.Spots))
	}
	if snap.Spots[0].Inferred {
		t.Error("single occupied cluster must not be marked inferred")
	}
	if len(snap.SpotStates) != len(snap.Spots) {
		t.Errorf("spot states = %d entries for %d spots", len(snap.SpotStates), len(snap.Spots))
	}
	if !snap.SpotStates[1].Occupied {
		t.Error("the parked car should occupy its learned spot")
	}
	if snap.Summary.TotalSpots != 1 || snap.Summary.OccupiedSpots != 1 {
		t.Errorf("summary = %+v, want 1/1", snap.Summary)
	}

	if sink.saves != 1 {
		t.Errorf("sink saves = %d, want exactly 1", sink.saves)
	}
	if len(sink.spots) != 1 || sink.strategy != "cars" {
		t.Errorf("sink got %d spots under %q, want 1 under cars", len(sink.spots), sink.strategy)
	}
}

func TestAnalyzer_MonitoringIsTerminal(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	script := parkedScript(10)
	script[11] = nil // frames with nothing detected
	script[12] = nil
	a, err := NewAnalyzer(script, testAnalyzerConfig(), clock, nil)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	ctx := context.Background()

	for f := int64(0); f <= 10; f++ {
		if err := a.ProcessFrame(ctx, Frame{Index: f}); err != nil {
			t.Fatalf("frame %d: %v", f, err)
		}
		clock.Advance(time.Second)
	}
	if a.Phase() != PhaseMonitoring {
		t.Fatal("expected monitoring after the learning window")
	}

	// The car leaves. The phase never reverts; the spot just reads vacant.
	for f := int64(11); f <= 12; f++ {
		if err := a.ProcessFrame(ctx, Frame{Index: f}); err != nil {
			t.Fatalf("frame %d: %v", f, err)
		}
	}
	if a.Phase() != PhaseMonitoring {
		t.Error("monitoring phase must be terminal")
	}
	snap := a.Snapshot()
	if snap.Summary.OccupiedSpots != 0 || snap.Summary.AvailableSpots != 1 {
		t.Errorf("summary = %+v, want vacant spot", snap.Summary)
	}
}

func TestAnalyzer_SinkFailureDoesNotAbortPipeline(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	sink := &recordingSink{err: errors.New("disk full")}
	a, err := NewAnalyzer(parkedScript(10), testAnalyzerConfig(), clock, sink)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	ctx := context.Background()

	for f := int64(0); f <= 10; f++ {
		if err := a.ProcessFrame(ctx, Frame{Index: f}); err != nil {
			t.Fatalf("frame %d: %v", f, err)
		}
		clock.Advance(time.Second)
	}

	if a.Phase() != PhaseMonitoring {
		t.Error("sink failure must not block the phase transition")
	}
	if sink.saves != 1 {
		t.Errorf("sink saves = %d, want 1", sink.saves)
	}
}

func TestAnalyzer_LearningRemainingCountsDown(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a, err := NewAnalyzer(parkedScript(10), testAnalyzerConfig(), clock, nil)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	ctx := context.Background()

	if got := a.Snapshot().LearningRemaining; got != 10*time.Second {
		t.Errorf("remaining before first frame = %v, want full window", got)
	}

	if err := a.ProcessFrame(ctx, Frame{Index: 0}); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	clock.Advance(4 * time.Second)
	if got := a.Snapshot().LearningRemaining; got != 6*time.Second {
		t.Errorf("remaining after 4s = %v, want 6s", got)
	}

	clock.Advance(20 * time.Second)
	if got := a.Snapshot().LearningRemaining; got != 0 {
		t.Errorf("remaining past the window = %v, want 0", got)
	}
}

func TestAnalyzer_NativeTrackIDsPreferred(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	id := int64(42)
	det := carAt(100, 100, 0.9)
	det.TrackID = &id
	script := frameScript{0: {det}, 1: {det}}

	a, err := NewAnalyzer(script, testAnalyzerConfig(), clock, nil)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	ctx := context.Background()
	for f := int64(0); f <= 1; f++ {
		if err := a.ProcessFrame(ctx, Frame{Index: f}); err != nil {
			t.Fatalf("frame %d: %v", f, err)
		}
		clock.Advance(time.Second)
	}

	if ids := a.assignTrackIDs([]Detection{det}); len(ids) != 1 || ids[0] != 42 {
		t.Errorf("assigned IDs = %v, want [42]", ids)
	}
}

func TestNewAnalyzer_Validation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))

	cfg := testAnalyzerConfig()
	cfg.LearningDuration = 0
	if _, err := NewAnalyzer(frameScript{}, cfg, clock, nil); err == nil {
		t.Error("zero learning duration: expected error")
	}

	cfg = testAnalyzerConfig()
	cfg.Strategies = nil
	if _, err := NewAnalyzer(frameScript{}, cfg, clock, nil); err == nil {
		t.Error("no strategies: expected error")
	}

	cfg = testAnalyzerConfig()
	cfg.Speed.PixelsPerMeter = 0
	if _, err := NewAnalyzer(frameScript{}, cfg, clock, nil); err == nil {
		t.Error("invalid speed config: expected error")
	}
}
