// Package api exposes the analyzer's read-only state over HTTP. The pipeline
// stays fully functional with this layer absent; handlers only pull
// snapshots and stored reports.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/urbanflow/internal/db"
	"github.com/banshee-data/urbanflow/internal/httputil"
	"github.com/banshee-data/urbanflow/internal/monitoring"
	"github.com/banshee-data/urbanflow/internal/units"
	"github.com/banshee-data/urbanflow/internal/version"
	"github.com/banshee-data/urbanflow/internal/vision"
)

// ANSI escape codes for request-log colouring.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Server serves analyzer snapshots and stored reports.
type Server struct {
	analyzer *vision.Analyzer
	db       *db.DB // may be nil; report endpoints then return 404
	runID    string
	units    string
}

// NewServer builds the API server. units is the target unit for reported
// speeds (invalid values fall back to km/h).
func NewServer(analyzer *vision.Analyzer, database *db.DB, runID, targetUnits string) *Server {
	if !units.IsValid(targetUnits) {
		targetUnits = units.KPH
	}
	return &Server{
		analyzer: analyzer,
		db:       database,
		runID:    runID,
		units:    units.Normalize(targetUnits),
	}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.health)
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/parking", s.showParking)
	mux.HandleFunc("/api/parking/spots", s.showSpots)
	mux.HandleFunc("/api/speed", s.showSpeeds)
	mux.HandleFunc("/api/speeding", s.showSpeedingEvents)
	mux.HandleFunc("/api/occupancy/history", s.showOccupancyHistory)
	mux.HandleFunc("/api/charts/occupancy", s.occupancyChart)
	mux.HandleFunc("/api/plots/spots", s.spotMapPlot)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf("[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"run_id":  s.runID,
		"version": version.Version,
	})
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.analyzer.Snapshot()
	httputil.WriteJSONOK(w, struct {
		RunID string `json:"run_id"`
		vision.Snapshot
	}{RunID: s.runID, Snapshot: snap})
}

func (s *Server) showParking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.analyzer.Snapshot()
	httputil.WriteJSONOK(w, struct {
		Phase   vision.Phase            `json:"phase"`
		Summary vision.OccupancySummary `json:"summary"`
	}{Phase: snap.Phase, Summary: snap.Summary})
}

func (s *Server) showSpots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.analyzer.Snapshot()
	if snap.Phase == vision.PhaseLearning {
		httputil.NotFound(w, "spots not learned yet")
		return
	}
	httputil.WriteJSONOK(w, struct {
		Strategy   string                   `json:"strategy"`
		Spots      []vision.ParkingSpot     `json:"spots"`
		SpotStates map[int]vision.SpotState `json:"spot_states"`
	}{Strategy: snap.Strategy, Spots: snap.Spots, SpotStates: snap.SpotStates})
}

// speedView is a SpeedEstimate converted into the server's target units.
type speedView struct {
	TrackID  int64   `json:"track_id"`
	AvgSpeed float64 `json:"avg_speed"`
	Units    string  `json:"units"`
	Speeding bool    `json:"speeding"`
}

func (s *Server) showSpeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	target := s.units
	if q := r.URL.Query().Get("units"); q != "" {
		if !units.IsValid(q) {
			httputil.BadRequest(w, "invalid units: valid values are mps, mph, kph")
			return
		}
		target = units.Normalize(q)
	}

	snap := s.analyzer.Snapshot()
	views := make([]speedView, 0, len(snap.Speeds))
	for _, est := range snap.Speeds {
		mps := units.ToMPS(est.AvgSpeedKmh, units.KPH)
		views = append(views, speedView{
			TrackID:  est.TrackID,
			AvgSpeed: units.ConvertSpeed(mps, target),
			Units:    target,
			Speeding: est.Speeding,
		})
	}
	httputil.WriteJSONOK(w, views)
}

func (s *Server) showSpeedingEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "no database configured")
		return
	}
	events, err := s.db.SpeedingEvents(s.runID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) showOccupancyHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "no database configured")
		return
	}

	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = v
	}

	samples, err := s.db.OccupancyHistory(s.runID, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, samples)
}
