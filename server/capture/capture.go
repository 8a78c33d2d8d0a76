// Package capture owns the camera lifecycle: one read loop per camera, a
// connection state machine per camera, and reconnection with exponential
// backoff. Frames are published on the bus; nothing downstream ever
// touches a device directly.
package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/pkg/taskpool"
	"github.com/berginj/PitchTracker-sub000/server/camera"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
)

// How long one device read may block before we treat it as a failed read.
const readTimeout = 500 * time.Millisecond

// Stats is the per-camera view returned by GetStats.
type Stats struct {
	CameraID    defs.CameraID        `json:"cameraID"`
	State       defs.ConnectionState `json:"state"`
	FPS         float64              `json:"fps"`
	LatencyMS   float64              `json:"latencyMS"`
	FramesTotal int64                `json:"framesTotal"`
}

// StateListener is notified of connection state transitions. Invoked with
// no internal locks held, so a listener may call back into the service.
type StateListener func(change defs.ConnectionStateChanged)

type captureCamera struct {
	id  defs.CameraID
	cfg config.Camera

	dev          camera.Device // nil while Reconnecting/Failed
	state        defs.ConnectionState
	frameIndex   int64
	readFailures int // consecutive
	stopLoop     chan struct{}

	fps         camera.FPSTracker
	framesTotal atomic.Int64
	latencyNS   atomic.Int64 // Moving average of read->publish latency
	preview     atomic.Pointer[defs.Frame]
}

// Service is the capture service.
type Service struct {
	log logs.Log
	bus *eventbus.Bus
	cfg *config.Reconnect

	openDevice camera.OpenFunc                          // Swapped out by tests
	sleep      func(d time.Duration) <-chan time.Time // Swapped out by tests
	shutdown   chan struct{}
	group      taskpool.Group

	// lock guards cameras and listeners. Always released before invoking
	// a state listener or publishing, so a listener that re-enters the
	// service cannot deadlock.
	lock      sync.Mutex
	cameras   map[defs.CameraID]*captureCamera
	listeners []StateListener
}

func NewService(logger logs.Log, bus *eventbus.Bus, cfg *config.Reconnect) *Service {
	return &Service{
		log:        logs.NewPrefixLogger(logger, "Capture"),
		bus:        bus,
		cfg:        cfg,
		openDevice: camera.Open,
		sleep:      time.After,
		shutdown:   make(chan struct{}),
		cameras:    map[defs.CameraID]*captureCamera{},
	}
}

// AddStateListener registers a connection state listener.
func (s *Service) AddStateListener(fn StateListener) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start opens every configured camera and starts its read loop.
func (s *Service) Start(cameras []config.Camera) error {
	for i, camCfg := range cameras {
		id := defs.CameraID(i)
		dev, err := s.openDevice(camCfg)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to open camera %v (%v): %w", id, camCfg.Serial, err)
		}
		cam := &captureCamera{
			id:       id,
			cfg:      camCfg,
			dev:      dev,
			state:    defs.StateConnected,
			stopLoop: make(chan struct{}),
		}
		s.lock.Lock()
		s.cameras[id] = cam
		s.lock.Unlock()
		s.log.Infof("Camera %v (%v) connected", id, camCfg.Serial)
		s.runLoop(cam)
	}
	return nil
}

// Stop closes all cameras and joins the capture goroutines, with a bound
// on how long we wait.
func (s *Service) Stop() {
	close(s.shutdown)
	s.lock.Lock()
	for _, cam := range s.cameras {
		if cam.stopLoop != nil {
			select {
			case <-cam.stopLoop:
			default:
				close(cam.stopLoop)
			}
		}
		if cam.dev != nil {
			cam.dev.Close()
			cam.dev = nil
		}
	}
	s.lock.Unlock()
	if !s.group.WaitTimeout(5 * time.Second) {
		s.log.Errorf("Capture goroutines did not exit within the join timeout")
	}
}

// Stats returns the per-camera statistics snapshot.
func (s *Service) Stats() []Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := []Stats{}
	for _, cam := range s.cameras {
		out = append(out, Stats{
			CameraID:    cam.id,
			State:       cam.state,
			FPS:         cam.fps.FPS(),
			LatencyMS:   float64(cam.latencyNS.Load()) / 1e6,
			FramesTotal: cam.framesTotal.Load(),
		})
	}
	return out
}

// PreviewFrame returns the most recent frame for a camera, or nil.
func (s *Service) PreviewFrame(id defs.CameraID) *defs.Frame {
	s.lock.Lock()
	cam := s.cameras[id]
	s.lock.Unlock()
	if cam == nil {
		return nil
	}
	return cam.preview.Load()
}

// State returns the connection state of a camera.
func (s *Service) State(id defs.CameraID) defs.ConnectionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	if cam := s.cameras[id]; cam != nil {
		return cam.state
	}
	return defs.StateFailed
}

// setState performs a state transition and notifies listeners and the bus.
// The internal lock is released before any callback fires.
func (s *Service) setState(cam *captureCamera, newState defs.ConnectionState) {
	s.lock.Lock()
	old := cam.state
	if old == newState {
		s.lock.Unlock()
		return
	}
	cam.state = newState
	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.lock.Unlock()

	s.log.Infof("Camera %v state %v -> %v", cam.id, old, newState)
	change := defs.ConnectionStateChanged{
		CameraID: cam.id,
		Old:      old,
		New:      newState,
		TimeNS:   time.Now().UnixNano(),
	}
	for _, fn := range listeners {
		fn(change)
	}
	s.bus.Publish(change)
}

// runLoop starts the read loop goroutine for one camera.
func (s *Service) runLoop(cam *captureCamera) {
	stop := cam.stopLoop
	s.group.Go(func() {
		s.readLoop(cam, stop)
	})
}

func (s *Service) readLoop(cam *captureCamera, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-s.shutdown:
			return
		default:
		}

		s.lock.Lock()
		dev := cam.dev
		s.lock.Unlock()
		if dev == nil {
			return
		}

		readStart := time.Now()
		img, err := dev.Read(readTimeout)
		if err != nil {
			cam.readFailures++
			stalled := false
			if last := cam.fps.LastFrameAt(); !last.IsZero() && time.Now().Sub(last) > s.cfg.FrameStall() {
				stalled = true
			}
			if cam.readFailures >= s.cfg.ConsecutiveReadFailures || stalled {
				s.onDisconnected(cam, stop, err)
				return
			}
			continue
		}
		cam.readFailures = 0

		now := time.Now()
		cam.fps.Tick(now)
		frame := &defs.Frame{
			CameraID:   cam.id,
			FrameIndex: cam.frameIndex,
			CapturedAt: now.UnixNano(),
			Image:      img,
		}
		cam.frameIndex++
		cam.framesTotal.Add(1)
		cam.preview.Store(frame)
		s.bus.Publish(defs.FrameCaptured{Frame: frame})

		// Moving average with 1/16 weight, enough to smooth scheduler noise
		elapsed := time.Now().Sub(readStart).Nanoseconds()
		prev := cam.latencyNS.Load()
		cam.latencyNS.Store(prev + (elapsed-prev)/16)
	}
}

// onDisconnected transitions the camera to Disconnected and starts the
// reconnection goroutine.
func (s *Service) onDisconnected(cam *captureCamera, stop chan struct{}, cause error) {
	s.log.Warnf("Camera %v (%v) lost: %v", cam.id, cam.cfg.Serial, cause)
	s.bus.Publish(defs.MakeErrorReport(defs.ErrorCamera, defs.SeverityError, "capture",
		fmt.Sprintf("camera %v connection lost: %v", cam.id, cause)))

	// Release the failed device handle before reconnecting
	s.lock.Lock()
	if cam.dev != nil {
		cam.dev.Close()
		cam.dev = nil
	}
	s.lock.Unlock()
	s.setState(cam, defs.StateDisconnected)

	select {
	case <-stop:
		return
	case <-s.shutdown:
		return
	default:
	}

	s.group.Go(func() {
		s.reconnectLoop(cam, stop)
	})
}
