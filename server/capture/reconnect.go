package capture

import (
	"fmt"
	"time"

	"github.com/berginj/PitchTracker-sub000/server/defs"
)

// backoffDelay returns the delay before reconnect attempt n (1-based):
// base * 2^(n-1), capped at max. With the defaults of 5 attempts, 1s base
// and 30s cap, that is 1+2+4+8+16 = 31s before we give up.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// sleepOrStop sleeps for d, returning false if the service shuts down or
// the camera's loop is stopped first. Tests replace s.sleep to avoid real
// delays.
func (s *Service) sleepOrStop(d time.Duration, stop chan struct{}) bool {
	select {
	case <-s.sleep(d):
		return true
	case <-stop:
		return false
	case <-s.shutdown:
		return false
	}
}

// reconnectLoop runs on its own transient goroutine for one disconnected
// camera. Each attempt: wait out the backoff, reopen the device by its
// stored serial, reapply the stored configuration (Open does both), and
// restart the read loop. Exhausting all attempts parks the camera in
// Failed, which requires operator intervention.
func (s *Service) reconnectLoop(cam *captureCamera, oldStop chan struct{}) {
	s.setState(cam, defs.StateReconnecting)
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		delay := backoffDelay(attempt, s.cfg.BaseDelay(), s.cfg.MaxDelay())
		s.log.Infof("Camera %v reconnect attempt %v/%v in %v", cam.id, attempt, s.cfg.MaxAttempts, delay)
		if !s.sleepOrStop(delay, oldStop) {
			return
		}

		dev, err := s.openDevice(cam.cfg)
		if err != nil {
			s.log.Warnf("Camera %v reconnect attempt %v failed: %v", cam.id, attempt, err)
			continue
		}

		s.lock.Lock()
		cam.dev = dev
		cam.readFailures = 0
		cam.stopLoop = make(chan struct{})
		s.lock.Unlock()
		s.setState(cam, defs.StateConnected)
		s.log.Infof("Camera %v (%v) reconnected on attempt %v", cam.id, cam.cfg.Serial, attempt)
		s.runLoop(cam)
		return
	}

	s.setState(cam, defs.StateFailed)
	s.bus.Publish(defs.MakeErrorReport(defs.ErrorCamera, defs.SeverityCritical, "capture",
		fmt.Sprintf("camera %v: reconnection failed after %v attempts", cam.id, s.cfg.MaxAttempts)))
}
