// Package detect provides detection sources for the analytics pipeline. The
// live path wraps an external model server; the replay path feeds recorded
// detections back through the exact same Detector contract, which is how the
// pipeline is exercised in development and in tests.
package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/urbanflow/internal/security"
	"github.com/banshee-data/urbanflow/internal/vision"
)

// ReplayFrame is one line of a detection log: everything the detector
// reported for a single video frame.
type ReplayFrame struct {
	Frame      int64              `json:"frame"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Detections []vision.Detection `json:"detections"`
}

// ReplaySource replays recorded detections. It implements vision.Detector as
// a pure function of (frame index, class filter, confidence threshold), so
// strategy probing during the lock-in phase behaves exactly as it would
// against a live detector.
type ReplaySource struct {
	frames map[int64][]vision.Detection
	order  []ReplayFrame
}

// LoadReplay reads a JSONL detection log. Blank lines are skipped; any
// malformed line is a fatal input error.
func LoadReplay(path string) (*ReplaySource, error) {
	if err := security.ValidateInputFile(path, 0, ".jsonl", ".ndjson", ".json"); err != nil {
		return nil, fmt.Errorf("detection log: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open detection log: %w", err)
	}
	defer f.Close()
	return ReadReplay(f)
}

// ReadReplay parses a JSONL detection log from r.
func ReadReplay(r io.Reader) (*ReplaySource, error) {
	src := &ReplaySource{frames: make(map[int64][]vision.Detection)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rf ReplayFrame
		if err := json.Unmarshal(line, &rf); err != nil {
			return nil, fmt.Errorf("detection log line %d: %w", lineNo, err)
		}
		src.frames[rf.Frame] = rf.Detections
		src.order = append(src.order, rf)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read detection log: %w", err)
	}

	return src, nil
}

// Detect returns the recorded detections for the frame, filtered by class ID
// and confidence. Unknown frames return an empty result, matching a detector
// that found nothing.
func (s *ReplaySource) Detect(ctx context.Context, frame vision.Frame, classIDs []int, minConfidence float64) ([]vision.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	classSet := make(map[int]bool, len(classIDs))
	for _, id := range classIDs {
		classSet[id] = true
	}

	var out []vision.Detection
	for _, det := range s.frames[frame.Index] {
		if !classSet[det.ClassID] {
			continue
		}
		if det.Confidence < minConfidence {
			continue
		}
		out = append(out, det)
	}
	return out, nil
}

// Frames returns the recorded frames in log order, for driving the frame loop.
func (s *ReplaySource) Frames() []vision.Frame {
	out := make([]vision.Frame, len(s.order))
	for i, rf := range s.order {
		out[i] = vision.Frame{Index: rf.Frame, Width: rf.Width, Height: rf.Height}
	}
	return out
}

// Len returns the number of recorded frames.
func (s *ReplaySource) Len() int { return len(s.order) }
