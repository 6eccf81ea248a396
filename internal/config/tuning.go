// Package config loads and validates the pipeline tuning file. All fields
// are optional pointers so a partial JSON file overrides only what it names;
// the Get* accessors supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/urbanflow/internal/security"
	"github.com/banshee-data/urbanflow/internal/vision"
)

// maxConfigFileSize guards against accidentally pointing the flag at a video.
const maxConfigFileSize = 1 * 1024 * 1024

// TuningConfig is the root of the JSON tuning file. The schema mirrors the
// /api/config endpoint so the same document describes startup state and the
// running process.
type TuningConfig struct {
	// Lifecycle
	LearningDuration *string `json:"learning_duration,omitempty"` // duration string like "60s"

	// Detection
	MinConfidence *float64          `json:"min_confidence,omitempty"`
	Strategies    []vision.Strategy `json:"strategies,omitempty"`

	// Association
	IoUThreshold *float64 `json:"iou_threshold,omitempty"`

	// Stationary predicate
	HistoryCapacity    *int     `json:"history_capacity,omitempty"`
	MinStationary      *int     `json:"min_stationary_samples,omitempty"`
	MinDwell           *string  `json:"min_dwell,omitempty"` // duration string like "5s"
	DriftTolerancePx   *float64 `json:"drift_tolerance_px,omitempty"`
	IdleEvictionFrames *int64   `json:"idle_eviction_frames,omitempty"`

	// Spot learning
	ClusterEps       *float64 `json:"cluster_eps,omitempty"`
	ClusterMinPts    *int     `json:"cluster_min_pts,omitempty"`
	GridMinGapPx     *float64 `json:"grid_min_gap_px,omitempty"`
	GridMaxGapPx     *float64 `json:"grid_max_gap_px,omitempty"`
	GridWidthFactor  *float64 `json:"grid_width_gap_factor,omitempty"`
	GridSpacing      *float64 `json:"grid_spacing_factor,omitempty"`
	GridDedupeFactor *float64 `json:"grid_dedupe_factor,omitempty"`

	// Speed calibration and policy
	PixelsPerMeter *float64           `json:"pixels_per_meter,omitempty"`
	FrameRate      *float64           `json:"frame_rate,omitempty"`
	SpeedLimitKmh  *float64           `json:"speed_limit_kmh,omitempty"`
	SpeedZones     []vision.SpeedZone `json:"speed_zones,omitempty"`

	// Reporting
	SampleInterval *string `json:"sample_interval,omitempty"` // occupancy sample period
}

// Load reads a TuningConfig from a JSON file. A missing-value file ({}) is
// valid; malformed JSON or out-of-range values are fatal at startup.
func Load(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if err := security.ValidateInputFile(cleanPath, maxConfigFileSize, ".json"); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values no pipeline stage would accept. Structural checks
// only; cross-field policy lives with the stage configs.
func (c *TuningConfig) Validate() error {
	if c.LearningDuration != nil {
		if d, err := time.ParseDuration(*c.LearningDuration); err != nil || d <= 0 {
			return fmt.Errorf("learning_duration must be a positive duration, got %q", *c.LearningDuration)
		}
	}
	if c.MinDwell != nil {
		if d, err := time.ParseDuration(*c.MinDwell); err != nil || d < 0 {
			return fmt.Errorf("min_dwell must be a non-negative duration, got %q", *c.MinDwell)
		}
	}
	if c.SampleInterval != nil {
		if d, err := time.ParseDuration(*c.SampleInterval); err != nil || d <= 0 {
			return fmt.Errorf("sample_interval must be a positive duration, got %q", *c.SampleInterval)
		}
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("min_confidence must be in [0,1], got %v", *c.MinConfidence)
	}
	if c.IoUThreshold != nil && (*c.IoUThreshold <= 0 || *c.IoUThreshold >= 1) {
		return fmt.Errorf("iou_threshold must be in (0,1), got %v", *c.IoUThreshold)
	}
	if c.ClusterEps != nil && *c.ClusterEps <= 0 {
		return fmt.Errorf("cluster_eps must be positive, got %v", *c.ClusterEps)
	}
	if c.ClusterMinPts != nil && *c.ClusterMinPts < 1 {
		return fmt.Errorf("cluster_min_pts must be >= 1, got %v", *c.ClusterMinPts)
	}
	if c.PixelsPerMeter != nil && *c.PixelsPerMeter <= 0 {
		return fmt.Errorf("pixels_per_meter must be positive, got %v", *c.PixelsPerMeter)
	}
	if c.FrameRate != nil && *c.FrameRate <= 0 {
		return fmt.Errorf("frame_rate must be positive, got %v", *c.FrameRate)
	}
	if c.SpeedLimitKmh != nil && *c.SpeedLimitKmh <= 0 {
		return fmt.Errorf("speed_limit_kmh must be positive, got %v", *c.SpeedLimitKmh)
	}
	for _, z := range c.SpeedZones {
		if len(z.Polygon) < 3 {
			return fmt.Errorf("speed zone %q needs at least 3 vertices", z.Name)
		}
	}
	for i, s := range c.Strategies {
		if s.Name == "" || len(s.ClassIDs) == 0 {
			return fmt.Errorf("strategy tier %d is malformed", i)
		}
	}
	return nil
}

// AnalyzerConfig materialises the tuning file over the pipeline defaults.
func (c *TuningConfig) AnalyzerConfig() vision.AnalyzerConfig {
	out := vision.DefaultAnalyzerConfig()

	if c.LearningDuration != nil {
		if d, err := time.ParseDuration(*c.LearningDuration); err == nil {
			out.LearningDuration = d
		}
	}
	if c.MinConfidence != nil {
		out.MinConfidence = *c.MinConfidence
	}
	if len(c.Strategies) > 0 {
		out.Strategies = c.Strategies
	}
	if c.IoUThreshold != nil {
		out.IoUThreshold = *c.IoUThreshold
	}

	if c.HistoryCapacity != nil {
		out.Stationary.HistoryCapacity = *c.HistoryCapacity
	}
	if c.MinStationary != nil {
		out.Stationary.MinSamples = *c.MinStationary
	}
	if c.MinDwell != nil {
		if d, err := time.ParseDuration(*c.MinDwell); err == nil {
			out.Stationary.MinDwell = d
		}
	}
	if c.DriftTolerancePx != nil {
		out.Stationary.DriftTolerancePx = *c.DriftTolerancePx
	}
	if c.IdleEvictionFrames != nil {
		out.Stationary.IdleEvictionFrames = *c.IdleEvictionFrames
	}

	if c.ClusterEps != nil {
		out.Cluster.Eps = *c.ClusterEps
	}
	if c.ClusterMinPts != nil {
		out.Cluster.MinPts = *c.ClusterMinPts
	}
	if c.GridMinGapPx != nil {
		out.Grid.MinGapPx = *c.GridMinGapPx
	}
	if c.GridMaxGapPx != nil {
		out.Grid.MaxGapPx = *c.GridMaxGapPx
	}
	if c.GridWidthFactor != nil {
		out.Grid.WidthGapFactor = *c.GridWidthFactor
	}
	if c.GridSpacing != nil {
		out.Grid.SpacingFactor = *c.GridSpacing
	}
	if c.GridDedupeFactor != nil {
		out.Grid.DedupeFactor = *c.GridDedupeFactor
	}

	if c.PixelsPerMeter != nil {
		out.Speed.PixelsPerMeter = *c.PixelsPerMeter
	}
	if c.FrameRate != nil {
		out.Speed.FrameRate = *c.FrameRate
	}
	if c.SpeedLimitKmh != nil {
		out.Speed.SpeedLimitKmh = *c.SpeedLimitKmh
	}
	if len(c.SpeedZones) > 0 {
		out.Speed.Zones = c.SpeedZones
	}

	return out
}

// GetSampleInterval returns the occupancy sampling period, defaulting to 5s
// to match the historical metrics logger cadence.
func (c *TuningConfig) GetSampleInterval() time.Duration {
	if c.SampleInterval != nil {
		if d, err := time.ParseDuration(*c.SampleInterval); err == nil {
			return d
		}
	}
	return 5 * time.Second
}
