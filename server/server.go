// Package server composes the capture, detection, stereo, tracking and
// recording services into one process, and exposes the HTTP/WebSocket
// surface that the UI talks to.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/server/capture"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/berginj/PitchTracker-sub000/server/detect"
	"github.com/berginj/PitchTracker-sub000/server/record"
	"github.com/berginj/PitchTracker-sub000/server/sessiondb"
	"github.com/berginj/PitchTracker-sub000/server/stereo"
	"github.com/berginj/PitchTracker-sub000/server/tracker"
	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

// CameraStats is the per-camera block of ServerStats.
type CameraStats struct {
	capture.Stats
	DroppedFrames int64   `json:"droppedFrames"`
	DetectAvgMS   float64 `json:"detectAvgMS"`
}

// ServerStats is the aggregate returned by GetStats.
type ServerStats struct {
	Cameras       []CameraStats `json:"cameras"`
	Observations  int64         `json:"observations"`
	Phase         string        `json:"phase"`
	PitchesTotal  int           `json:"pitchesTotal"`
	SessionActive bool          `json:"sessionActive"`
}

// Server owns every service and the HTTP listener.
type Server struct {
	Log logs.Log

	// ShutdownComplete is closed once Shutdown has joined every service.
	ShutdownComplete chan error

	cfg *config.Config
	bus *eventbus.Bus

	capture  *capture.Service
	pool     *detect.Pool
	matcher  *stereo.Matcher
	tracker  *tracker.Tracker
	recorder *record.Service
	db       *sessiondb.SessionDB

	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	events     *eventFeed

	// lock guards capturing and lastSummary
	lock        sync.Mutex
	capturing   bool
	lastSummary *record.SessionSummary
}

func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bus := eventbus.NewBus(logger)

	cal := stereo.DefaultCalibration()
	if cfg.Stereo.CalibrationFile != "" {
		loaded, err := stereo.LoadCalibration(cfg.Stereo.CalibrationFile)
		if err != nil {
			return nil, fmt.Errorf("Failed to load calibration: %w", err)
		}
		cal = loaded
	}

	matcher := stereo.NewMatcher(logger, bus, cal, cfg.Stereo)

	db, err := sessiondb.Open(logger, cfg.Recording.StoragePath)
	if err != nil {
		return nil, err
	}

	recorder := record.NewService(logger, bus, cfg.Recording, cfg.Tracking.PostRollMS, cfg.Cameras)
	recorder.SetStore(db)

	trk := tracker.NewTracker(logger, bus, cfg.Tracking, cfg.Cameras[0].FPS)
	trk.SetCallbacks(recorder.HandlePitchStart, recorder.HandlePitchEnd)

	s := &Server{
		Log:              logger,
		ShutdownComplete: make(chan error, 1),
		cfg:              cfg,
		bus:              bus,
		matcher:          matcher,
		tracker:          trk,
		recorder:         recorder,
		db:               db,
	}
	if err := s.rebuildPipelineLocked(); err != nil {
		return nil, err
	}
	s.events = newEventFeed(logger, bus)

	// A panicking subscriber must not take the process down; surface it
	// on the error channel instead. Never re-publish for a panic inside
	// an ErrorReport handler, or we'd loop.
	bus.SetPanicHandler(func(event any, recovered any) {
		if _, isReport := event.(defs.ErrorReport); isReport {
			return
		}
		bus.Publish(defs.ErrorReport{
			Category: defs.ErrorInternal,
			Severity: defs.SeverityCritical,
			Source:   "eventbus",
			Message:  fmt.Sprintf("subscriber panic on %T: %v", event, recovered),
			TimeNS:   time.Now().UnixNano(),
		})
	})

	recorder.SetAutoStopCallback(func(reason string) {
		s.Log.Criticalf("Stopping recording session: %v", reason)
		if _, err := s.StopRecording(); err != nil {
			s.Log.Errorf("Auto-stop failed: %v", err)
		}
	})

	s.setupHttpRoutes()
	return s, nil
}

// StartCapture opens the cameras and starts the full pipeline, without
// recording anything to disk.
func (s *Server) StartCapture() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.capturing {
		return fmt.Errorf("capture already running")
	}

	ids := make([]defs.CameraID, len(s.cfg.Cameras))
	for i := range s.cfg.Cameras {
		ids[i] = defs.CameraID(i)
	}
	if err := s.pool.Start(ids); err != nil {
		return err
	}
	s.tracker.Start()
	s.recorder.Start()
	if err := s.capture.Start(s.cfg.Cameras); err != nil {
		s.recorder.Stop()
		s.tracker.Stop()
		s.pool.Stop()
		if rerr := s.rebuildPipelineLocked(); rerr != nil {
			s.Log.Errorf("Failed to rebuild pipeline after start failure: %v", rerr)
		}
		return err
	}
	s.capturing = true
	s.Log.Infof("Capture started (%v cameras)", len(s.cfg.Cameras))
	return nil
}

// StopCapture tears the pipeline down. An active recording session is
// stopped first so its manifests get written.
func (s *Server) StopCapture() error {
	s.lock.Lock()
	if !s.capturing {
		s.lock.Unlock()
		return fmt.Errorf("capture not running")
	}
	s.capturing = false
	captureSvc, pool := s.capture, s.pool
	s.lock.Unlock()

	if s.recorder.SessionActive() {
		if _, err := s.StopRecording(); err != nil {
			s.Log.Errorf("Failed to stop recording during capture shutdown: %v", err)
		}
	}
	captureSvc.Stop()
	s.tracker.Stop()
	pool.Stop()
	s.recorder.Stop()

	// The capture service and the pool spend their shutdown channels when
	// stopped. Build fresh ones so capture can be started again.
	s.lock.Lock()
	err := s.rebuildPipelineLocked()
	s.lock.Unlock()
	if err != nil {
		return err
	}
	s.Log.Infof("Capture stopped")
	return nil
}

func (s *Server) rebuildPipelineLocked() error {
	pool, err := detect.NewPool(s.Log, s.bus, s.cfg.Detection)
	if err != nil {
		return err
	}
	pool.SetSink(s.matcher.Submit)
	s.pool = pool
	s.capture = capture.NewService(s.Log, s.bus, &s.cfg.Reconnect)
	return nil
}

// pipeline returns the current capture service and detection pool. These
// are replaced on every StopCapture, so callers must not cache them.
func (s *Server) pipeline() (*capture.Service, *detect.Pool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.capture, s.pool
}

// StartRecording begins a recording session. The returned warning is a
// non-fatal disk space advisory ("" when disk is fine).
func (s *Server) StartRecording(name string) (warning string, err error) {
	s.lock.Lock()
	capturing := s.capturing
	s.lock.Unlock()
	if !capturing {
		return "", fmt.Errorf("cannot record: capture is not running")
	}
	return s.recorder.StartSession(name)
}

// StopRecording seals the session and returns its summary.
func (s *Server) StopRecording() (*record.SessionSummary, error) {
	summary, err := s.recorder.StopSession()
	if err != nil {
		return nil, err
	}
	s.lock.Lock()
	s.lastSummary = summary
	s.lock.Unlock()
	return summary, nil
}

// ConfigureDetector swaps detector parameters mid-session.
func (s *Server) ConfigureDetector(params detect.Params) error {
	_, pool := s.pipeline()
	return pool.ConfigureDetector(params)
}

// ConfigureThreading changes the number of detector workers per camera.
func (s *Server) ConfigureThreading(workersPerCamera int) error {
	_, pool := s.pipeline()
	return pool.ConfigureThreading(workersPerCamera)
}

// GetPreviewFrames returns the most recent frame per camera. Entries are
// nil before the first frame arrives.
func (s *Server) GetPreviewFrames() map[defs.CameraID]*defs.Frame {
	captureSvc, _ := s.pipeline()
	frames := map[defs.CameraID]*defs.Frame{}
	for i := range s.cfg.Cameras {
		id := defs.CameraID(i)
		frames[id] = captureSvc.PreviewFrame(id)
	}
	return frames
}

// GetStats returns a stats snapshot of the whole pipeline.
func (s *Server) GetStats() ServerStats {
	stats := ServerStats{
		Observations:  s.matcher.ObservationsTotal(),
		Phase:         s.tracker.Phase().String(),
		PitchesTotal:  s.tracker.Completed(),
		SessionActive: s.recorder.SessionActive(),
	}
	captureSvc, pool := s.pipeline()
	for _, cs := range captureSvc.Stats() {
		stats.Cameras = append(stats.Cameras, CameraStats{
			Stats:         cs,
			DroppedFrames: pool.Drops(cs.CameraID),
			DetectAvgMS:   float64(pool.AverageDetectTime(cs.CameraID)) / float64(time.Millisecond),
		})
	}
	return stats
}

// GetLatestDetections returns the newest detection set per camera.
func (s *Server) GetLatestDetections() map[defs.CameraID][]defs.Detection {
	_, pool := s.pipeline()
	return pool.LatestDetections()
}

// GetSessionSummary returns the summary of the last stopped session, or
// nil if none has completed yet.
func (s *Server) GetSessionSummary() *record.SessionSummary {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastSummary
}

// GetRecentPitchPaths returns the directories of the most recently
// recorded pitches, newest first.
func (s *Server) GetRecentPitchPaths(limit int) ([]string, error) {
	return s.db.RecentPitchPaths(limit)
}

// ListenHTTP blocks serving the API. port example: ":8099"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v', shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

// Shutdown stops the HTTP listener and every service, then signals
// ShutdownComplete.
func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
		s.signalIn = nil
	}
	var firstErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP shutdown: %v", err)
			firstErr = err
		}
		cancel()
	}
	s.lock.Lock()
	capturing := s.capturing
	s.lock.Unlock()
	if capturing {
		if err := s.StopCapture(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.events.Stop()
	if err := s.db.Close(); err != nil {
		s.Log.Warnf("Session DB close: %v", err)
	}
	s.Log.Infof("Shutdown complete")
	s.ShutdownComplete <- firstErr
	close(s.ShutdownComplete)
}
