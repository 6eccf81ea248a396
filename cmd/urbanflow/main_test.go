package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/urbanflow/internal/db"
	"github.com/banshee-data/urbanflow/internal/detect"
	"github.com/banshee-data/urbanflow/internal/timeutil"
	"github.com/banshee-data/urbanflow/internal/vision"
)

const testLog = `{"frame":0,"width":640,"height":480,"detections":[{"bbox":{"x1":80,"y1":90,"x2":120,"y2":110},"class_id":2,"confidence":0.9}]}
{"frame":1,"width":640,"height":480,"detections":[{"bbox":{"x1":80,"y1":90,"x2":120,"y2":110},"class_id":2,"confidence":0.9}]}
{"frame":2,"width":640,"height":480,"detections":[{"bbox":{"x1":80,"y1":90,"x2":120,"y2":110},"class_id":2,"confidence":0.9}]}
`

func testConfig() vision.AnalyzerConfig {
	cfg := vision.DefaultAnalyzerConfig()
	cfg.Strategies = []vision.Strategy{{Name: "cars", ClassIDs: []int{2}, MinDetections: 1}}
	return cfg
}

func TestFrameLoopProcessesAllFrames(t *testing.T) {
	source, err := detect.ReadReplay(strings.NewReader(testLog))
	require.NoError(t, err)

	analyzer, err := vision.NewAnalyzer(source, testConfig(), timeutil.RealClock{}, nil)
	require.NoError(t, err)

	frameLoop(context.Background(), analyzer, source, 0, false)

	assert.Equal(t, int64(source.Len()), analyzer.Snapshot().FrameCount)
}

func TestFrameLoopStopsOnCancel(t *testing.T) {
	source, err := detect.ReadReplay(strings.NewReader(testLog))
	require.NoError(t, err)

	analyzer, err := vision.NewAnalyzer(source, testConfig(), timeutil.RealClock{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	frameLoop(ctx, analyzer, source, 0, false)

	assert.Equal(t, int64(0), analyzer.Snapshot().FrameCount)
}

func TestSampleLoopRecordsOccupancy(t *testing.T) {
	source, err := detect.ReadReplay(strings.NewReader(testLog))
	require.NoError(t, err)

	// A learning window shorter than the gap between frames pushes the
	// analyzer into monitoring by the last frame.
	cfg := testConfig()
	cfg.LearningDuration = time.Millisecond
	analyzer, err := vision.NewAnalyzer(source, cfg, timeutil.RealClock{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i, frame := range source.Frames() {
		require.NoError(t, analyzer.ProcessFrame(ctx, frame))
		if i == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	require.Equal(t, vision.PhaseMonitoring, analyzer.Phase())

	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.MigrateUp("../../migrations"))
	runID, err := database.StartRun("test.jsonl", cfg.Speed, time.Now())
	require.NoError(t, err)

	loopCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	sampleLoop(loopCtx, analyzer, database, runID, 20*time.Millisecond)

	samples, err := database.OccupancyHistory(runID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, samples)
}
