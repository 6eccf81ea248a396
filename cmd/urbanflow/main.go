// UrbanFlow turns a stream of per-frame object detections into parking
// occupancy and vehicle speed facts: it learns where the parking spots are by
// watching stationary behaviour, then monitors occupancy against that learned
// geometry and estimates calibrated speeds for moving tracks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/urbanflow/internal/api"
	"github.com/banshee-data/urbanflow/internal/config"
	"github.com/banshee-data/urbanflow/internal/db"
	"github.com/banshee-data/urbanflow/internal/detect"
	"github.com/banshee-data/urbanflow/internal/timeutil"
	"github.com/banshee-data/urbanflow/internal/version"
	"github.com/banshee-data/urbanflow/internal/vision"
)

var (
	detectionsPath = flag.String("detections", "", "Path to JSONL detection log (required)")
	listen         = flag.String("listen", ":8080", "HTTP listen address")
	dbFile         = flag.String("db", "urbanflow.db", "Path to sqlite database ('' disables persistence)")
	migrationsDir  = flag.String("migrations", "migrations", "Path to SQL migrations directory")
	configPath     = flag.String("config", "", "Path to JSON tuning file (optional)")
	reportUnits    = flag.String("units", "kph", "Units for reported speeds: mps, mph, kph")
	realtime       = flag.Bool("realtime", false, "Pace frames at the nominal frame rate instead of replaying as fast as possible")
	showVersion    = flag.Bool("version", false, "Print version and exit")

	// Calibration overrides; non-zero values take precedence over the
	// tuning file.
	learningDuration = flag.Duration("learning-duration", 0, "Learning phase duration override")
	pixelsPerMeter   = flag.Float64("pixels-per-meter", 0, "Calibration override: pixels per meter")
	frameRate        = flag.Float64("fps", 0, "Nominal video frame rate override")
	speedLimit       = flag.Float64("speed-limit", 0, "Speed limit override (km/h)")
)

// spotSink persists learned spots under the current run ID.
type spotSink struct {
	db    *db.DB
	runID string
}

func (s *spotSink) SaveSpots(spots []vision.ParkingSpot, strategy string, learnedAt time.Time) error {
	return s.db.SaveSpots(s.runID, spots, strategy, learnedAt)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	log.Printf("%s", version.String())

	if *detectionsPath == "" {
		log.Fatal("missing required -detections flag")
	}

	tuning := &config.TuningConfig{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		tuning = loaded
	}

	analyzerCfg := tuning.AnalyzerConfig()
	if *learningDuration > 0 {
		analyzerCfg.LearningDuration = *learningDuration
	}
	if *pixelsPerMeter > 0 {
		analyzerCfg.Speed.PixelsPerMeter = *pixelsPerMeter
	}
	if *frameRate > 0 {
		analyzerCfg.Speed.FrameRate = *frameRate
	}
	if *speedLimit > 0 {
		analyzerCfg.Speed.SpeedLimitKmh = *speedLimit
	}

	source, err := detect.LoadReplay(*detectionsPath)
	if err != nil {
		log.Fatalf("failed to load detections: %v", err)
	}
	log.Printf("loaded %d detection frames from %s", source.Len(), *detectionsPath)

	var database *db.DB
	var runID string
	if *dbFile != "" {
		database, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()

		if err := database.MigrateUp(*migrationsDir); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}

		runID, err = database.StartRun(*detectionsPath, analyzerCfg.Speed, time.Now())
		if err != nil {
			log.Fatalf("failed to start analysis run: %v", err)
		}
		log.Printf("analysis run %s", runID)
	}

	var sink vision.SpotSink
	if database != nil {
		sink = &spotSink{db: database, runID: runID}
	}

	analyzer, err := vision.NewAnalyzer(source, analyzerCfg, timeutil.RealClock{}, sink)
	if err != nil {
		log.Fatalf("failed to build analyzer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	var wg sync.WaitGroup

	// HTTP snapshot API
	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(api.NewServer(analyzer, database, runID, *reportUnits).ServeMux()),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
			cancel()
		}
	}()

	// Periodic reporting: occupancy samples and speeding events.
	if database != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sampleLoop(ctx, analyzer, database, runID, tuning.GetSampleInterval())
		}()
	}

	// Frame loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel() // End of input ends the run.
		frameLoop(ctx, analyzer, source, analyzerCfg.Speed.FrameRate, *realtime)
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	wg.Wait()
	log.Printf("urbanflow stopped")
}

// frameLoop applies recorded frames in order. Frames are strictly serialised:
// one frame's updates complete before the next is read.
func frameLoop(ctx context.Context, analyzer *vision.Analyzer, source *detect.ReplaySource, fps float64, paced bool) {
	var frameInterval time.Duration
	if paced && fps > 0 {
		frameInterval = time.Duration(float64(time.Second) / fps)
	}

	for _, frame := range source.Frames() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()

		if err := analyzer.ProcessFrame(ctx, frame); err != nil {
			log.Printf("frame %d: %v", frame.Index, err)
			continue
		}

		if frameInterval > 0 {
			if sleep := frameInterval - time.Since(start); sleep > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(sleep):
				}
			}
		}
	}
	log.Printf("detection log exhausted")
}

// sampleLoop periodically records the occupancy summary and any tracks
// currently over the speed limit. Persistence failures are logged and
// skipped; they never touch pipeline state.
func sampleLoop(ctx context.Context, analyzer *vision.Analyzer, database *db.DB, runID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		snap := analyzer.Snapshot()
		if snap.Phase == vision.PhaseMonitoring {
			if err := database.RecordOccupancySample(runID, snap.Summary, snap.FrameCount, now); err != nil {
				log.Printf("failed to record occupancy sample: %v", err)
			}
		}

		for _, est := range analyzer.SpeedingNow() {
			if err := database.RecordSpeeding(runID, est, now); err != nil {
				log.Printf("failed to record speeding event: %v", err)
			}
		}
	}
}
