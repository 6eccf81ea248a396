package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/urbanflow/internal/db"
	"github.com/banshee-data/urbanflow/internal/timeutil"
	"github.com/banshee-data/urbanflow/internal/vision"
)

// scriptedFrames replays canned detections keyed on frame index.
type scriptedFrames map[int64][]vision.Detection

func (s scriptedFrames) Detect(ctx context.Context, frame vision.Frame, classIDs []int, minConfidence float64) ([]vision.Detection, error) {
	classes := make(map[int]bool, len(classIDs))
	for _, id := range classIDs {
		classes[id] = true
	}
	var out []vision.Detection
	for _, d := range s[frame.Index] {
		if classes[d.ClassID] && d.Confidence >= minConfidence {
			out = append(out, d)
		}
	}
	return out, nil
}

func car(cx, cy float64) vision.Detection {
	return vision.Detection{
		BBox:       vision.BBoxAround(vision.Point{X: cx, Y: cy}, 40, 20),
		ClassID:    2,
		Confidence: 0.9,
	}
}

func apiAnalyzerConfig() vision.AnalyzerConfig {
	cfg := vision.DefaultAnalyzerConfig()
	cfg.LearningDuration = 10 * time.Second
	cfg.Strategies = []vision.Strategy{{Name: "cars", ClassIDs: []int{2}, MinDetections: 1}}
	cfg.Stationary = vision.StationaryConfig{
		HistoryCapacity:    20,
		MinSamples:         5,
		MinDwell:           2 * time.Second,
		DriftTolerancePx:   10,
		IdleEvictionFrames: 100,
	}
	return cfg
}

// learningAnalyzer returns an analyzer that has seen one frame and is still
// inside its learning window.
func learningAnalyzer(t *testing.T) *vision.Analyzer {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a, err := vision.NewAnalyzer(scriptedFrames{0: {car(100, 100)}}, apiAnalyzerConfig(), clock, nil)
	require.NoError(t, err)
	require.NoError(t, a.ProcessFrame(context.Background(), vision.Frame{Index: 0}))
	return a
}

// monitoringAnalyzer drives a parked car through the learning window and a
// moving car afterwards, leaving learned spots and speed estimates behind.
func monitoringAnalyzer(t *testing.T) *vision.Analyzer {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	script := scriptedFrames{}
	for f := int64(0); f <= 10; f++ {
		script[f] = []vision.Detection{car(100, 100)}
	}
	// Post-learning frames: the parked car plus one moving 15px per frame,
	// slow enough for frame-to-frame association to keep its identity.
	for f := int64(11); f <= 20; f++ {
		script[f] = []vision.Detection{car(100, 100), car(500+float64(f-11)*15, 400)}
	}

	a, err := vision.NewAnalyzer(script, apiAnalyzerConfig(), clock, nil)
	require.NoError(t, err)
	ctx := context.Background()
	for f := int64(0); f <= 20; f++ {
		require.NoError(t, a.ProcessFrame(ctx, vision.Frame{Index: f}))
		clock.Advance(time.Second)
	}
	require.Equal(t, vision.PhaseMonitoring, a.Phase())
	return a
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	srv := NewServer(learningAnalyzer(t), nil, "run-1", "kph")

	rec := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "run-1", body["run_id"])
}

func TestStateDuringLearning(t *testing.T) {
	srv := NewServer(learningAnalyzer(t), nil, "run-1", "kph")

	rec := get(t, srv, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RunID      string       `json:"run_id"`
		Phase      vision.Phase `json:"phase"`
		FrameCount int64        `json:"frame_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, vision.PhaseLearning, body.Phase)
	assert.Equal(t, int64(1), body.FrameCount)
}

func TestSpotsNotExposedDuringLearning(t *testing.T) {
	srv := NewServer(learningAnalyzer(t), nil, "run-1", "kph")

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/parking/spots").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/plots/spots").Code)
}

func TestSpotsAfterLearning(t *testing.T) {
	srv := NewServer(monitoringAnalyzer(t), nil, "run-1", "kph")

	rec := get(t, srv, "/api/parking/spots")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Strategy   string                   `json:"strategy"`
		Spots      []vision.ParkingSpot     `json:"spots"`
		SpotStates map[int]vision.SpotState `json:"spot_states"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cars", body.Strategy)
	require.NotEmpty(t, body.Spots)
	assert.Len(t, body.SpotStates, len(body.Spots))
}

func TestParkingSummary(t *testing.T) {
	srv := NewServer(monitoringAnalyzer(t), nil, "run-1", "kph")

	rec := get(t, srv, "/api/parking")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Phase   vision.Phase            `json:"phase"`
		Summary vision.OccupancySummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, vision.PhaseMonitoring, body.Phase)
	assert.Equal(t, 1, body.Summary.OccupiedSpots)
}

func TestSpeedUnitsConversion(t *testing.T) {
	srv := NewServer(monitoringAnalyzer(t), nil, "run-1", "kph")

	rec := get(t, srv, "/api/speed")
	require.Equal(t, http.StatusOK, rec.Code)
	var kph []speedView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &kph))
	require.NotEmpty(t, kph)

	rec = get(t, srv, "/api/speed?units=mph")
	require.Equal(t, http.StatusOK, rec.Code)
	var mph []speedView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mph))
	require.Len(t, mph, len(kph))

	byTrack := make(map[int64]speedView, len(kph))
	for _, v := range kph {
		assert.Equal(t, "kph", v.Units)
		byTrack[v.TrackID] = v
	}
	for _, v := range mph {
		assert.Equal(t, "mph", v.Units)
		want := byTrack[v.TrackID].AvgSpeed / 3.6 * 2.23694
		assert.InDelta(t, want, v.AvgSpeed, 1e-6)
	}
}

func TestSpeedRejectsUnknownUnits(t *testing.T) {
	srv := NewServer(monitoringAnalyzer(t), nil, "run-1", "kph")
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/speed?units=knots").Code)
}

func TestReportEndpointsWithoutDatabase(t *testing.T) {
	srv := NewServer(learningAnalyzer(t), nil, "run-1", "kph")

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/speeding").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/occupancy/history").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/charts/occupancy").Code)
}

func TestOccupancyHistoryEndpoint(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.MigrateUp("../../migrations"))

	runID, err := database.StartRun("lot.jsonl", vision.SpeedConfig{PixelsPerMeter: 50, FrameRate: 30, SpeedLimitKmh: 50}, time.Now())
	require.NoError(t, err)
	summary := vision.OccupancySummary{TotalSpots: 4, OccupiedSpots: 2, AvailableSpots: 2, OccupancyPct: 50}
	require.NoError(t, database.RecordOccupancySample(runID, summary, 100, time.Now()))

	srv := NewServer(monitoringAnalyzer(t), database, runID, "kph")

	rec := get(t, srv, "/api/occupancy/history")
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []db.OccupancySample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	require.Len(t, samples, 1)
	assert.Equal(t, 2, samples[0].Occupied)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/occupancy/history?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/occupancy/history?limit=abc").Code)
}

func TestOccupancyChartRenders(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.MigrateUp("../../migrations"))

	runID, err := database.StartRun("lot.jsonl", vision.SpeedConfig{PixelsPerMeter: 50, FrameRate: 30, SpeedLimitKmh: 50}, time.Now())
	require.NoError(t, err)
	summary := vision.OccupancySummary{TotalSpots: 4, OccupiedSpots: 1, AvailableSpots: 3, OccupancyPct: 25}
	require.NoError(t, database.RecordOccupancySample(runID, summary, 50, time.Now()))

	srv := NewServer(monitoringAnalyzer(t), database, runID, "kph")

	rec := get(t, srv, "/api/charts/occupancy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "echarts")
}

func TestSpotMapPlotRenders(t *testing.T) {
	srv := NewServer(monitoringAnalyzer(t), nil, "run-1", "kph")

	rec := get(t, srv, "/api/plots/spots")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestMethodNotAllowed(t *testing.T) {
	srv := NewServer(learningAnalyzer(t), nil, "run-1", "kph")

	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/state", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestInvalidUnitsFallBackToKPH(t *testing.T) {
	srv := NewServer(monitoringAnalyzer(t), nil, "run-1", "bogus")

	rec := get(t, srv, "/api/speed")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []speedView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	for _, v := range views {
		assert.Equal(t, "kph", v.Units)
	}
}
