// Package tracker segments the continuous observation stream into
// discrete pitches.
//
// The state machine is Inactive -> RampUp -> Active -> Ending ->
// Finalized -> Inactive. Gating counts how many recent observations fall
// inside the lane region; crossing the entry threshold starts a pitch,
// falling below the exit threshold for a sustained window ends it.
package tracker

import (
	"fmt"
	"sync"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// StartCallback is invoked on the RampUp -> Active transition, before
// PitchStart is published. Returning an error rolls the transition back:
// the tracker must never believe a pitch started when its side effects
// (opening writers, flushing pre-roll) failed.
type StartCallback func(pitchIndex int, pitch *defs.PitchData, preRoll map[defs.CameraID][]*defs.Frame) error

// EndCallback is invoked with the sealed pitch on the Ending -> Finalized
// transition. Whatever it returns, the tracker resets to Inactive: state
// corruption must never persist across pitches.
type EndCallback func(pitch *defs.PitchData) error

// Tracker is the pitch state machine. It consumes observations and
// frames from the bus, maintains the pre-roll buffer, and emits
// PitchStart/PitchEnd.
type Tracker struct {
	log     logs.Log
	bus     *eventbus.Bus
	cfg     config.Tracking
	preRoll *PreRollBuffer

	onStart StartCallback
	onEnd   EndCallback

	// lock guards the state machine. Released before invoking the
	// start/end callbacks and before publishing.
	lock       sync.Mutex
	phase      defs.PitchPhase
	pitchIndex int // Index of the most recently started pitch
	current    *defs.PitchData
	rampObs    []defs.StereoObservation // In-lane observations accumulated during RampUp
	gateHits   int                      // In-lane observations since RampUp began
	rampIdle   int                      // Out-of-lane observations since the last gate hit
	missStreak int                      // Consecutive out-of-lane observations while Active/Ending
	completed  int

	subFrames int64
	subObs    int64
}

func NewTracker(logger logs.Log, bus *eventbus.Bus, cfg config.Tracking, fps int) *Tracker {
	return &Tracker{
		log:     logs.NewPrefixLogger(logger, "Tracker"),
		bus:     bus,
		cfg:     cfg,
		preRoll: NewPreRollBuffer(cfg.PreRollMS, fps),
		phase:   defs.PhaseInactive,
	}
}

// SetCallbacks must be called before Start.
func (t *Tracker) SetCallbacks(onStart StartCallback, onEnd EndCallback) {
	t.onStart = onStart
	t.onEnd = onEnd
}

// Start subscribes the tracker to the bus.
func (t *Tracker) Start() {
	t.subFrames = eventbus.Subscribe(t.bus, func(ev defs.FrameCaptured) {
		t.preRoll.Add(ev.Frame)
	})
	t.subObs = eventbus.Subscribe(t.bus, func(ev defs.ObservationDetected) {
		t.Observe(ev.Observation)
	})
}

func (t *Tracker) Stop() {
	t.bus.Unsubscribe(t.subFrames)
	t.bus.Unsubscribe(t.subObs)
}

func (t *Tracker) Phase() defs.PitchPhase {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.phase
}

// PitchIndex returns the index of the most recently started pitch (0 if
// none yet).
func (t *Tracker) PitchIndex() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.pitchIndex
}

// Completed returns the number of fully finalized pitches.
func (t *Tracker) Completed() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.completed
}

// PreRollLen is the current pre-roll depth for one camera.
func (t *Tracker) PreRollLen(cam defs.CameraID) int {
	return t.preRoll.Len(cam)
}

func (t *Tracker) inLane(obs defs.StereoObservation) bool {
	return obs.X >= t.cfg.LaneXMin && obs.X <= t.cfg.LaneXMax &&
		obs.Z >= t.cfg.LaneZMin && obs.Z <= t.cfg.LaneZMax
}

// Observe is one tick of the state machine.
func (t *Tracker) Observe(obs defs.StereoObservation) {
	inLane := t.inLane(obs)

	t.lock.Lock()
	switch t.phase {
	case defs.PhaseInactive:
		if inLane {
			t.phase = defs.PhaseRampUp
			t.gateHits = 1
			t.rampIdle = 0
			t.rampObs = []defs.StereoObservation{obs}
			t.log.Debugf("RampUp (obs %v,%v,%v)", obs.X, obs.Y, obs.Z)
		}
		t.lock.Unlock()

	case defs.PhaseRampUp:
		if inLane {
			t.gateHits++
			t.rampIdle = 0
			t.rampObs = append(t.rampObs, obs)
			if t.gateHits >= t.cfg.EntryGateCount {
				t.beginPitchLocked() // Unlocks
				return
			}
		} else {
			t.rampIdle++
			if t.rampIdle >= t.cfg.RampUpTimeout {
				t.log.Debugf("RampUp timed out, back to Inactive")
				t.resetLocked()
			}
		}
		t.lock.Unlock()

	case defs.PhaseActive:
		if inLane {
			t.current.Observations = append(t.current.Observations, obs)
			t.current.EndTimeNS = obs.TimeNS
			t.missStreak = 0
		} else {
			t.missStreak++
			if t.missStreak >= t.cfg.ExitGateCount {
				t.phase = defs.PhaseEnding
				t.log.Debugf("Pitch %v Ending after %v misses", t.current.PitchIndex, t.missStreak)
			}
		}
		t.lock.Unlock()

	case defs.PhaseEnding:
		if inLane {
			// The object re-entered the lane; the pitch continues
			t.phase = defs.PhaseActive
			t.current.Observations = append(t.current.Observations, obs)
			t.current.EndTimeNS = obs.TimeNS
			t.missStreak = 0
			t.lock.Unlock()
		} else {
			t.missStreak++
			if t.missStreak >= t.cfg.ExitGateCount+t.cfg.ExitSustainTick {
				t.finalizePitchLocked() // Unlocks
				return
			}
			t.lock.Unlock()
		}

	default:
		t.lock.Unlock()
	}
}

// beginPitchLocked performs the RampUp -> Active transition. Called with
// the lock held; returns with it released.
func (t *Tracker) beginPitchLocked() {
	t.pitchIndex++
	pitch := &defs.PitchData{
		PitchIndex:   t.pitchIndex,
		PitchID:      uuid.NewString(),
		StartTimeNS:  t.rampObs[0].TimeNS,
		EndTimeNS:    t.rampObs[len(t.rampObs)-1].TimeNS,
		Observations: append([]defs.StereoObservation{}, t.rampObs...),
		Phase:        defs.PhaseActive,
	}
	t.current = pitch
	t.phase = defs.PhaseActive
	index := t.pitchIndex
	t.lock.Unlock()

	preRoll := t.preRoll.Snapshot()
	err := t.safeStart(index, pitch, preRoll)
	if err == nil {
		t.log.Infof("Pitch %v (%v) started", index, pitch.PitchID)
		t.bus.Publish(defs.PitchStart{
			PitchIndex: index,
			PitchID:    pitch.PitchID,
			TimeNS:     pitch.StartTimeNS,
			PreRoll:    preRoll,
		})
		return
	}

	// Roll the transition back. The side effects of the pitch start
	// failed, so as far as the tracker is concerned it never started:
	// index decremented, phase back to RampUp, observations discarded.
	t.lock.Lock()
	t.pitchIndex--
	t.phase = defs.PhaseRampUp
	t.current = nil
	t.lock.Unlock()
	t.log.Errorf("Pitch start callback failed, rolled back: %v", err)
	t.bus.Publish(defs.MakeErrorReport(defs.ErrorTracking, defs.SeverityError, "tracker",
		"pitch start rolled back").WithCause(err))
}

// finalizePitchLocked performs the Ending -> Finalized transition and the
// unconditional reset to Inactive. Called with the lock held; returns
// with it released.
func (t *Tracker) finalizePitchLocked() {
	pitch := t.current
	pitch.Phase = defs.PhaseFinalized
	t.phase = defs.PhaseFinalized
	t.lock.Unlock()

	err := t.safeEnd(pitch)

	// Reset no matter what the callback did, so the next pitch can be
	// tracked.
	t.lock.Lock()
	t.resetLocked()
	t.completed++
	t.lock.Unlock()

	if err != nil {
		t.log.Errorf("Pitch end callback failed: %v", err)
		t.bus.Publish(defs.MakeErrorReport(defs.ErrorTracking, defs.SeverityError, "tracker",
			fmt.Sprintf("pitch %v end callback failed", pitch.PitchIndex)).WithCause(err))
	}
	t.log.Infof("Pitch %v finalized: %v observations", pitch.PitchIndex, len(pitch.Observations))
	t.bus.Publish(defs.PitchEnd{Pitch: pitch})
}

// resetLocked returns the state machine to Inactive. Caller holds the lock.
func (t *Tracker) resetLocked() {
	t.phase = defs.PhaseInactive
	t.current = nil
	t.rampObs = nil
	t.gateHits = 0
	t.rampIdle = 0
	t.missStreak = 0
}

func (t *Tracker) safeStart(index int, pitch *defs.PitchData, preRoll map[defs.CameraID][]*defs.Frame) (err error) {
	if t.onStart == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start callback panic: %v", r)
		}
	}()
	return t.onStart(index, pitch, preRoll)
}

func (t *Tracker) safeEnd(pitch *defs.PitchData) (err error) {
	if t.onEnd == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("end callback panic: %v", r)
		}
	}()
	return t.onEnd(pitch)
}
