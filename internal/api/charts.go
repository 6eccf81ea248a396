package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/urbanflow/internal/httputil"
	"github.com/banshee-data/urbanflow/internal/vision"
)

// occupancyChart renders the stored occupancy timeline as a self-contained
// echarts HTML page. Debugging endpoint: no auth, data straight from sqlite.
func (s *Server) occupancyChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "no database configured")
		return
	}

	samples, err := s.db.OccupancyHistory(s.runID, 2000)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if len(samples) == 0 {
		httputil.NotFound(w, "no occupancy samples recorded yet")
		return
	}

	timestamps := make([]string, len(samples))
	occupied := make([]opts.LineData, len(samples))
	available := make([]opts.LineData, len(samples))
	for i, sample := range samples {
		timestamps[i] = sample.SampledAt.Format("15:04:05")
		occupied[i] = opts.LineData{Value: sample.Occupied}
		available[i] = opts.LineData{Value: sample.Available}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Parking Occupancy", Width: "1100px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Parking Occupancy",
			Subtitle: fmt.Sprintf("run=%s samples=%d total_spots=%d", s.runID, len(samples), samples[len(samples)-1].Total),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "spots"}),
	)
	line.SetXAxis(timestamps).
		AddSeries("occupied", occupied).
		AddSeries("available", available)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// spotMapPlot renders the learned spot layout as a PNG scatter: occupied
// spots red, free green, inferred spots hollow-looking grey.
func (s *Server) spotMapPlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	snap := s.analyzer.Snapshot()
	if snap.Phase == vision.PhaseLearning {
		httputil.NotFound(w, "spots not learned yet")
		return
	}
	if len(snap.Spots) == 0 {
		httputil.NotFound(w, "no spots learned")
		return
	}

	var occupiedPts, freePts, inferredFreePts plotter.XYs
	for _, spot := range snap.Spots {
		// Image Y grows downward; flip so the plot matches the camera view.
		xy := plotter.XY{X: spot.Center.X, Y: -spot.Center.Y}
		state := snap.SpotStates[spot.ID]
		switch {
		case state.Occupied:
			occupiedPts = append(occupiedPts, xy)
		case spot.Inferred:
			inferredFreePts = append(inferredFreePts, xy)
		default:
			freePts = append(freePts, xy)
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Spot Map (%d spots, %d occupied)", snap.Summary.TotalSpots, snap.Summary.OccupiedSpots)
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px, flipped)"

	addScatter := func(pts plotter.XYs, name string, c color.RGBA) error {
		if len(pts) == 0 {
			return nil
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = c
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
		p.Legend.Add(name, sc)
		return nil
	}

	if err := addScatter(occupiedPts, "occupied", color.RGBA{R: 220, A: 255}); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if err := addScatter(freePts, "free", color.RGBA{G: 180, A: 255}); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if err := addScatter(inferredFreePts, "inferred free", color.RGBA{R: 128, G: 128, B: 128, A: 255}); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	wt, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		// Client went away mid-write; nothing useful to send.
		return
	}
}
