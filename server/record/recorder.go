// Package record owns durable storage: the continuous session recording,
// per-pitch clips with pre-roll and post-roll, manifests, and disk-space
// governance.
package record

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
)

// Session frames are handed off to the writer goroutine through a
// buffered channel, so a slow disk never blocks the capture loop. The
// recording path is the priority consumer: the buffer is generous, and an
// overflow is counted as a write failure rather than silently shed.
const frameChannelDepth = 256

// Sustained write failures escalate from warning to error severity at
// this count.
const writeFailureEscalation = 100

// SessionStore mirrors session and pitch records into a database. The
// recorder treats store failures as non-fatal: video on disk is the
// source of truth.
type SessionStore interface {
	BeginSession(name, dir string, startedAt time.Time) (int64, error)
	EndSession(id int64, endedAt time.Time, pitchCount int, frameCount int64) error
	AddPitch(sessionID int64, pitch *defs.PitchData, dir string, frameCount int) error
}

// SessionSummary is returned by StopSession.
type SessionSummary struct {
	Name          string                `json:"name"`
	Dir           string                `json:"dir"`
	StartedAtNS   int64                 `json:"startedAtNS"`
	EndedAtNS     int64                 `json:"endedAtNS"`
	PitchCount    int                   `json:"pitchCount"`
	FrameCounts   map[defs.CameraID]int `json:"frameCounts"`
	WriteFailures int64                 `json:"writeFailures"`
}

type pitchRecording struct {
	index         int
	id            string
	dir           string
	writers       map[defs.CameraID]VideoWriter
	frameCounts   map[defs.CameraID]int
	preRollCounts map[defs.CameraID]int
	// lastFrameNS is the newest capture time already in the clip, per
	// camera. Frames older than this are backlog that the pre-roll
	// flush already covered; writing them again would duplicate.
	lastFrameNS map[defs.CameraID]int64
	startTimeNS int64
	sealed      *defs.PitchData // Set on HandlePitchEnd
	// postRollUntilNS is zero while the pitch is live; once set, frames
	// up to this capture time are still written, then the clip is sealed.
	postRollUntilNS int64
}

type session struct {
	storeID     int64
	name        string
	dir         string
	startedAtNS int64

	// writeLock guards writers, frameCounts, pitch, pitchCount and
	// closed. Frame enqueue never takes it, so a slow disk write can
	// stall the writer goroutine without stalling the capture loop.
	writeLock   sync.Mutex
	writers     map[defs.CameraID]VideoWriter
	frameCounts map[defs.CameraID]int
	pitch       *pitchRecording
	pitchCount  int
	closed      bool

	// failLock guards writeFailures and lastWriteWarn
	failLock      sync.Mutex
	writeFailures int64
	lastWriteWarn time.Time

	frames chan *defs.Frame
	done   chan struct{}
	disk   *DiskMonitor
}

// Service is the recording service.
type Service struct {
	log        logs.Log
	bus        *eventbus.Bus
	cfg        config.Recording
	postRollMS int
	cameras    []config.Camera
	store      SessionStore
	onAutoStop func(reason string)

	subFrames int64

	// lock guards the session pointer. Writer state inside the session
	// has its own lock.
	lock    sync.Mutex
	session *session
}

func NewService(logger logs.Log, bus *eventbus.Bus, cfg config.Recording, postRollMS int, cameras []config.Camera) *Service {
	return &Service{
		log:        logs.NewPrefixLogger(logger, "Record"),
		bus:        bus,
		cfg:        cfg,
		postRollMS: postRollMS,
		cameras:    cameras,
	}
}

// SetStore attaches the session database. Must be called before Start.
func (s *Service) SetStore(store SessionStore) {
	s.store = store
}

// SetAutoStopCallback sets the orchestrator hook invoked when the disk
// monitor goes critical. Without one, the service stops its own session.
func (s *Service) SetAutoStopCallback(fn func(reason string)) {
	s.onAutoStop = fn
}

// Start subscribes to the frame stream. Recording only begins with
// StartSession.
func (s *Service) Start() {
	s.subFrames = eventbus.Subscribe(s.bus, func(ev defs.FrameCaptured) {
		s.onFrame(ev.Frame)
	})
}

func (s *Service) Stop() {
	s.bus.Unsubscribe(s.subFrames)
	if s.SessionActive() {
		if _, err := s.StopSession(); err != nil {
			s.log.Errorf("Failed to stop session during shutdown: %v", err)
		}
	}
}

func (s *Service) SessionActive() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.session != nil
}

// StartSession opens the session directory and the continuous left/right
// writers. The returned warning is non-empty when free disk space is
// below the recommended threshold; the session still starts.
func (s *Service) StartSession(name string) (warning string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.session != nil {
		return "", fmt.Errorf("a recording session is already active")
	}

	now := time.Now()
	dir := filepath.Join(s.cfg.StoragePath, now.Format("20060102_150405")+"_"+sanitizeName(name))
	if err := os.MkdirAll(dir, 0777); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}

	sess := &session{
		name:        name,
		dir:         dir,
		startedAtNS: now.UnixNano(),
		writers:     map[defs.CameraID]VideoWriter{},
		frameCounts: map[defs.CameraID]int{},
		frames:      make(chan *defs.Frame, frameChannelDepth),
		done:        make(chan struct{}),
	}
	for i, cam := range s.cameras {
		id := defs.CameraID(i)
		w, err := openVideoWriter(s.log, s.cfg.Codecs, s.writerSettings(filepath.Join(dir, "session_"+id.String()), cam))
		if err != nil {
			for _, open := range sess.writers {
				open.Close()
			}
			return "", fmt.Errorf("failed to open session writer for camera %v: %w", id, err)
		}
		sess.writers[id] = w
	}

	if s.store != nil {
		id, err := s.store.BeginSession(name, dir, now)
		if err != nil {
			s.log.Errorf("Failed to record session in database: %v", err)
		} else {
			sess.storeID = id
		}
	}

	// The stop runs on its own goroutine: the monitor fires from its
	// polling loop (or from CheckNow below, with our lock held), and
	// StopSession needs that lock.
	sess.disk = NewDiskMonitor(s.log, s.bus, s.cfg, func(freeBytes int64) {
		go s.autoStop("disk space critical")
	})
	warning = sess.disk.CheckNow()
	sess.disk.Start()

	s.session = sess
	go s.writeLoop(sess)
	s.log.Infof("Session '%v' recording to %v", name, dir)
	return warning, nil
}

// StopSession seals the open pitch (if any), closes the session writers,
// writes the session manifest, and returns the summary.
func (s *Service) StopSession() (*SessionSummary, error) {
	s.lock.Lock()
	sess := s.session
	if sess == nil {
		s.lock.Unlock()
		return nil, fmt.Errorf("no recording session is active")
	}
	s.session = nil
	close(sess.frames)
	s.lock.Unlock()

	// Wait for the writer goroutine to drain the queued frames
	<-sess.done
	sess.disk.Stop()

	// A pitch start callback may still be in flight; writeLock serializes
	// against it, and closed stops it from opening writers on a dead session.
	sess.writeLock.Lock()
	defer sess.writeLock.Unlock()
	sess.closed = true

	if sess.pitch != nil {
		s.sealPitch(sess)
	}

	manifest := SessionManifest{
		Name:          sess.name,
		StartedAtNS:   sess.startedAtNS,
		EndedAtNS:     time.Now().UnixNano(),
		PitchCount:    sess.pitchCount,
		FrameCounts:   sess.frameCounts,
		VideoFiles:    map[defs.CameraID]string{},
		WriteFailures: sess.writeFailures,
		Cameras:       map[defs.CameraID]string{},
	}
	for id, w := range sess.writers {
		manifest.VideoFiles[id] = filepath.Base(w.Path())
		if err := w.Close(); err != nil {
			s.log.Errorf("Failed to close session writer for camera %v: %v", id, err)
		}
	}
	for i, cam := range s.cameras {
		manifest.Cameras[defs.CameraID(i)] = cam.Serial
	}
	if err := writeJSONFile(filepath.Join(sess.dir, "session.json"), &manifest); err != nil {
		s.log.Errorf("Failed to write session manifest: %v", err)
	}

	if s.store != nil && sess.storeID != 0 {
		totalFrames := int64(0)
		for _, n := range sess.frameCounts {
			totalFrames += int64(n)
		}
		if err := s.store.EndSession(sess.storeID, time.Now(), sess.pitchCount, totalFrames); err != nil {
			s.log.Errorf("Failed to finalize session in database: %v", err)
		}
	}

	summary := &SessionSummary{
		Name:          sess.name,
		Dir:           sess.dir,
		StartedAtNS:   sess.startedAtNS,
		EndedAtNS:     manifest.EndedAtNS,
		PitchCount:    sess.pitchCount,
		FrameCounts:   sess.frameCounts,
		WriteFailures: sess.writeFailures,
	}
	s.log.Infof("Session '%v' stopped: %v pitches, %v write failures", sess.name, sess.pitchCount, sess.writeFailures)
	return summary, nil
}

// HandlePitchStart is the tracker's start callback. It opens the pitch
// writers and flushes the pre-roll frames into them before any live frame
// arrives. An error here rolls the pitch start back in the tracker.
func (s *Service) HandlePitchStart(pitchIndex int, pitch *defs.PitchData, preRoll map[defs.CameraID][]*defs.Frame) error {
	s.lock.Lock()
	sess := s.session
	s.lock.Unlock()
	if sess == nil {
		// Tracking without recording is fine; nothing to do
		return nil
	}
	// The pre-roll flush below is disk I/O, so it runs under the writer
	// lock, not the service lock that frame enqueue needs
	sess.writeLock.Lock()
	defer sess.writeLock.Unlock()
	if sess.closed {
		return nil
	}
	if sess.pitch != nil {
		return fmt.Errorf("pitch %v is still being recorded", sess.pitch.index)
	}

	dir := filepath.Join(sess.dir, fmt.Sprintf("pitch_%04d", pitchIndex))
	if err := os.MkdirAll(dir, 0777); err != nil {
		return fmt.Errorf("failed to create pitch directory: %w", err)
	}

	rec := &pitchRecording{
		index:         pitchIndex,
		id:            pitch.PitchID,
		dir:           dir,
		writers:       map[defs.CameraID]VideoWriter{},
		frameCounts:   map[defs.CameraID]int{},
		preRollCounts: map[defs.CameraID]int{},
		lastFrameNS:   map[defs.CameraID]int64{},
		startTimeNS:   pitch.StartTimeNS,
	}
	cleanup := func() {
		for _, w := range rec.writers {
			w.Close()
		}
		os.RemoveAll(dir)
	}
	for i, cam := range s.cameras {
		id := defs.CameraID(i)
		w, err := openVideoWriter(s.log, s.cfg.Codecs, s.writerSettings(filepath.Join(dir, id.String()), cam))
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to open pitch writer for camera %v: %w", id, err)
		}
		rec.writers[id] = w
	}

	// Pre-roll first: the clip must contain the frames leading up to
	// recognition, ahead of any live frame.
	for id, frames := range preRoll {
		w := rec.writers[id]
		if w == nil {
			continue
		}
		for _, frame := range frames {
			if err := w.WriteFrame(frame); err != nil {
				cleanup()
				return fmt.Errorf("failed to flush pre-roll for camera %v: %w", id, err)
			}
			rec.preRollCounts[id]++
			rec.frameCounts[id]++
			if frame.CapturedAt > rec.lastFrameNS[id] {
				rec.lastFrameNS[id] = frame.CapturedAt
			}
		}
	}

	sess.pitch = rec
	s.log.Infof("Pitch %v (%v) recording to %v", pitchIndex, pitch.PitchID, dir)
	return nil
}

// HandlePitchEnd is the tracker's end callback. The clip keeps recording
// for the post-roll window; the seal happens on the first frame past it.
func (s *Service) HandlePitchEnd(pitch *defs.PitchData) error {
	s.lock.Lock()
	sess := s.session
	s.lock.Unlock()
	if sess == nil {
		return nil
	}
	sess.writeLock.Lock()
	defer sess.writeLock.Unlock()
	if sess.pitch == nil {
		return nil
	}
	rec := sess.pitch
	rec.sealed = pitch
	rec.postRollUntilNS = pitch.EndTimeNS + int64(s.postRollMS)*1e6
	return nil
}

func (s *Service) onFrame(frame *defs.Frame) {
	s.lock.Lock()
	sess := s.session
	if sess == nil {
		s.lock.Unlock()
		return
	}
	select {
	case sess.frames <- frame:
	default:
		s.noteWriteFailure(sess, fmt.Errorf("frame buffer overflow"))
	}
	s.lock.Unlock()
}

func (s *Service) writeLoop(sess *session) {
	for frame := range sess.frames {
		s.writeFrame(sess, frame)
	}
	close(sess.done)
}

func (s *Service) writeFrame(sess *session, frame *defs.Frame) {
	sess.writeLock.Lock()
	defer sess.writeLock.Unlock()

	if w := sess.writers[frame.CameraID]; w != nil {
		if err := w.WriteFrame(frame); err != nil {
			s.noteWriteFailure(sess, err)
		} else {
			sess.frameCounts[frame.CameraID]++
		}
	}

	rec := sess.pitch
	if rec == nil {
		return
	}
	if rec.postRollUntilNS != 0 && frame.CapturedAt > rec.postRollUntilNS {
		s.sealPitch(sess)
		return
	}
	if frame.CapturedAt <= rec.lastFrameNS[frame.CameraID] {
		// Backlog from before the pitch started; the pre-roll flush
		// already covered it
		return
	}
	if w := rec.writers[frame.CameraID]; w != nil {
		if err := w.WriteFrame(frame); err != nil {
			s.noteWriteFailure(sess, err)
		} else {
			rec.frameCounts[frame.CameraID]++
			rec.lastFrameNS[frame.CameraID] = frame.CapturedAt
		}
	}
}

// sealPitch closes the pitch writers and emits the observation list and
// manifest. Callers hold sess.writeLock.
func (s *Service) sealPitch(sess *session) {
	rec := sess.pitch
	sess.pitch = nil
	sess.pitchCount++

	manifest := PitchManifest{
		PitchID:       rec.id,
		PitchIndex:    rec.index,
		StartTimeNS:   rec.startTimeNS,
		FrameCounts:   rec.frameCounts,
		PreRollFrames: rec.preRollCounts,
		VideoFiles:    map[defs.CameraID]string{},
	}
	for id, w := range rec.writers {
		manifest.VideoFiles[id] = filepath.Base(w.Path())
		if err := w.Close(); err != nil {
			s.log.Errorf("Failed to close pitch writer for camera %v: %v", id, err)
		}
	}

	observations := []defs.StereoObservation{}
	if rec.sealed != nil {
		observations = rec.sealed.Observations
		manifest.EndTimeNS = rec.sealed.EndTimeNS
	}
	manifest.ObservationCount = len(observations)
	if err := writeJSONFile(filepath.Join(rec.dir, "observations.json"), observations); err != nil {
		s.log.Errorf("Failed to write observations for pitch %v: %v", rec.index, err)
	}
	if err := writeJSONFile(filepath.Join(rec.dir, "pitch.json"), &manifest); err != nil {
		s.log.Errorf("Failed to write manifest for pitch %v: %v", rec.index, err)
	}

	if s.store != nil && sess.storeID != 0 && rec.sealed != nil {
		frames := 0
		for _, n := range rec.frameCounts {
			frames += n
		}
		if err := s.store.AddPitch(sess.storeID, rec.sealed, rec.dir, frames); err != nil {
			s.log.Errorf("Failed to record pitch %v in database: %v", rec.index, err)
		}
	}
	s.log.Infof("Pitch %v sealed: %v frames, %v observations", rec.index, manifest.FrameCounts, len(observations))
}

// noteWriteFailure counts a failed frame write. Failures never abort the
// session; they are logged (rate limited) and escalate to error severity
// when sustained. Called from both the enqueue and writer paths, so the
// counters have their own lock.
func (s *Service) noteWriteFailure(sess *session, err error) {
	sess.failLock.Lock()
	defer sess.failLock.Unlock()
	sess.writeFailures++
	// Published on a fresh goroutine because a bus subscriber is allowed
	// to call back into this service.
	if sess.writeFailures%writeFailureEscalation == 0 {
		s.log.Errorf("%v frame write failures this session, latest: %v", sess.writeFailures, err)
		report := defs.MakeErrorReport(defs.ErrorRecording, defs.SeverityError, "record",
			fmt.Sprintf("%v frame write failures this session", sess.writeFailures)).WithCause(err)
		go s.bus.Publish(report)
		return
	}
	if time.Since(sess.lastWriteWarn) >= 5*time.Second {
		sess.lastWriteWarn = time.Now()
		s.log.Warnf("Frame write failed (%v this session): %v", sess.writeFailures, err)
		report := defs.MakeErrorReport(defs.ErrorRecording, defs.SeverityWarning, "record",
			"frame write failed").WithCause(err)
		go s.bus.Publish(report)
	}
}

func (s *Service) autoStop(reason string) {
	if s.onAutoStop != nil {
		s.onAutoStop(reason)
		return
	}
	s.log.Warnf("Stopping recording session: %v", reason)
	if _, err := s.StopSession(); err != nil {
		s.log.Errorf("Automatic session stop failed: %v", err)
	}
}

func (s *Service) writerSettings(basePath string, cam config.Camera) writerSettings {
	return writerSettings{
		basePath: basePath,
		width:    cam.Width,
		height:   cam.Height,
		fps:      cam.FPS,
		quality:  s.cfg.JPEGQuality,
	}
}


func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ':
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "session"
	}
	return string(out)
}
