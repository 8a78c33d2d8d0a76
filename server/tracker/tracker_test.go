package tracker

import (
	"errors"
	"sync"
	"testing"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

var obsTime int64

// inLane/outOfLane make observations relative to the default lane region
// (X in [-1,1], Z in [0.5,20])
func inLane() defs.StereoObservation {
	obsTime += 1e7
	return defs.StereoObservation{X: 0, Y: 0, Z: 5, TimeNS: obsTime}
}

func outOfLane() defs.StereoObservation {
	obsTime += 1e7
	return defs.StereoObservation{X: 0, Y: 0, Z: 30, TimeNS: obsTime}
}

type callbackRecorder struct {
	lock       sync.Mutex
	startErr   error
	endErr     error
	endPanics  bool
	starts     []int
	ends       []*defs.PitchData
	preRollLen map[defs.CameraID]int
}

func (r *callbackRecorder) onStart(index int, pitch *defs.PitchData, preRoll map[defs.CameraID][]*defs.Frame) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.startErr != nil {
		err := r.startErr
		r.startErr = nil
		return err
	}
	r.starts = append(r.starts, index)
	r.preRollLen = map[defs.CameraID]int{}
	for cam, frames := range preRoll {
		r.preRollLen[cam] = len(frames)
	}
	return nil
}

func (r *callbackRecorder) onEnd(pitch *defs.PitchData) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.ends = append(r.ends, pitch)
	if r.endPanics {
		panic("end callback exploded")
	}
	return r.endErr
}

func newTestTracker(t *testing.T, bus *eventbus.Bus) (*Tracker, *callbackRecorder) {
	rec := &callbackRecorder{}
	tr := NewTracker(logs.NewTestingLog(t), bus, config.Default().Tracking, 60)
	tr.SetCallbacks(rec.onStart, rec.onEnd)
	return tr, rec
}

// Drive a full pitch: entry gate (3 in-lane), a few active observations,
// then enough misses to exit (5) and finalize (5 more).
func driveOnePitch(tr *Tracker, activeObs int) {
	for i := 0; i < 3+activeObs; i++ {
		tr.Observe(inLane())
	}
	for i := 0; i < 10; i++ {
		tr.Observe(outOfLane())
	}
}

func TestPitchLifecycle(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	tr, rec := newTestTracker(t, bus)

	starts := []defs.PitchStart{}
	ends := []*defs.PitchData{}
	eventbus.Subscribe(bus, func(ev defs.PitchStart) { starts = append(starts, ev) })
	eventbus.Subscribe(bus, func(ev defs.PitchEnd) { ends = append(ends, ev.Pitch) })

	tr.Observe(outOfLane())
	require.Equal(t, defs.PhaseInactive, tr.Phase())

	// Entry gating: two in-lane observations are not enough
	tr.Observe(inLane())
	tr.Observe(inLane())
	require.Equal(t, defs.PhaseRampUp, tr.Phase())
	require.Equal(t, 0, tr.PitchIndex())

	tr.Observe(inLane())
	require.Equal(t, defs.PhaseActive, tr.Phase())
	require.Equal(t, 1, tr.PitchIndex())
	require.Equal(t, []int{1}, rec.starts)
	require.Len(t, starts, 1)
	require.Equal(t, 1, starts[0].PitchIndex)
	require.NotEmpty(t, starts[0].PitchID)

	tr.Observe(inLane())
	tr.Observe(inLane())

	// Exit gating: 4 misses keep the pitch Active, the 5th starts Ending
	for i := 0; i < 4; i++ {
		tr.Observe(outOfLane())
	}
	require.Equal(t, defs.PhaseActive, tr.Phase())
	tr.Observe(outOfLane())
	require.Equal(t, defs.PhaseEnding, tr.Phase())

	// Sustain window: 5 more misses finalize
	for i := 0; i < 5; i++ {
		tr.Observe(outOfLane())
	}
	require.Equal(t, defs.PhaseInactive, tr.Phase())
	require.Equal(t, 1, tr.Completed())

	require.Len(t, rec.ends, 1)
	sealed := rec.ends[0]
	require.Equal(t, defs.PhaseFinalized, sealed.Phase)
	require.Equal(t, 1, sealed.PitchIndex)
	// 3 ramp-up + 2 active in-lane observations
	require.Len(t, sealed.Observations, 5)
	require.Greater(t, sealed.EndTimeNS, sealed.StartTimeNS)
	require.Len(t, ends, 1)
	require.Same(t, sealed, ends[0])
}

func TestReentryDuringEndingResumesPitch(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	tr, _ := newTestTracker(t, bus)

	for i := 0; i < 3; i++ {
		tr.Observe(inLane())
	}
	for i := 0; i < 5; i++ {
		tr.Observe(outOfLane())
	}
	require.Equal(t, defs.PhaseEnding, tr.Phase())

	// The ball shows up in the lane again: same pitch continues
	tr.Observe(inLane())
	require.Equal(t, defs.PhaseActive, tr.Phase())
	require.Equal(t, 1, tr.PitchIndex())
}

func TestStartCallbackRollback(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	tr, rec := newTestTracker(t, bus)
	rec.startErr = errors.New("cannot open writer")

	reports := []defs.ErrorReport{}
	eventbus.Subscribe(bus, func(ev defs.ErrorReport) { reports = append(reports, ev) })

	for i := 0; i < 3; i++ {
		tr.Observe(inLane())
	}
	// Transition rolled back: no pitch started
	require.Equal(t, defs.PhaseRampUp, tr.Phase())
	require.Equal(t, 0, tr.PitchIndex())
	require.Empty(t, rec.starts)
	require.Len(t, reports, 1)
	require.Equal(t, defs.ErrorTracking, reports[0].Category)

	// The callback recovers; the next gate hit retries the transition
	tr.Observe(inLane())
	require.Equal(t, defs.PhaseActive, tr.Phase())
	require.Equal(t, 1, tr.PitchIndex())
	require.Equal(t, []int{1}, rec.starts)
}

// An end callback that panics must leave the tracker Inactive, and the
// next pitch gets index incremented by exactly 1.
func TestEndCallbackPanicResets(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	tr, rec := newTestTracker(t, bus)
	rec.endPanics = true

	driveOnePitch(tr, 2)
	require.Equal(t, defs.PhaseInactive, tr.Phase())
	require.Equal(t, 1, tr.PitchIndex())

	rec.endPanics = false
	driveOnePitch(tr, 2)
	require.Equal(t, defs.PhaseInactive, tr.Phase())
	require.Equal(t, 2, tr.PitchIndex())
	require.Equal(t, 2, tr.Completed())
}

func TestLifecycleIdempotence(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	tr, rec := newTestTracker(t, bus)

	for cycle := 0; cycle < 3; cycle++ {
		driveOnePitch(tr, 4)
	}
	require.Equal(t, defs.PhaseInactive, tr.Phase())
	require.Equal(t, 3, tr.PitchIndex())
	require.Equal(t, 3, tr.Completed())
	require.Equal(t, []int{1, 2, 3}, rec.starts)
}

func TestRampUpTimeout(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	tr, _ := newTestTracker(t, bus)

	tr.Observe(inLane())
	require.Equal(t, defs.PhaseRampUp, tr.Phase())
	for i := 0; i < config.Default().Tracking.RampUpTimeout; i++ {
		tr.Observe(outOfLane())
	}
	require.Equal(t, defs.PhaseInactive, tr.Phase())
	require.Equal(t, 0, tr.PitchIndex())
}

func TestPreRollCapacity(t *testing.T) {
	// 500ms at 60fps with the 20% jitter margin
	require.Equal(t, 36, PreRollCapacity(500, 60))
	require.GreaterOrEqual(t, PreRollCapacity(500, 60), 30)
	require.Equal(t, 1, PreRollCapacity(0, 60))
}

func TestPreRollMaintainedUnconditionally(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	tr, rec := newTestTracker(t, bus)
	tr.Start()
	defer tr.Stop()

	// Frames flow while the tracker is Inactive
	for i := 0; i < 100; i++ {
		for _, cam := range []defs.CameraID{defs.CameraLeft, defs.CameraRight} {
			bus.Publish(defs.FrameCaptured{Frame: &defs.Frame{CameraID: cam, FrameIndex: int64(i)}})
		}
	}
	require.GreaterOrEqual(t, tr.PreRollLen(defs.CameraLeft), 30)
	require.GreaterOrEqual(t, tr.PreRollLen(defs.CameraRight), 30)

	// The pre-roll snapshot handed to the start callback holds the most
	// recent frames of both cameras
	for i := 0; i < 3; i++ {
		bus.Publish(defs.ObservationDetected{Observation: inLane()})
	}
	require.Equal(t, defs.PhaseActive, tr.Phase())
	require.GreaterOrEqual(t, rec.preRollLen[defs.CameraLeft], 30)
	require.GreaterOrEqual(t, rec.preRollLen[defs.CameraRight], 30)
}

func TestPreRollSnapshotOrder(t *testing.T) {
	buf := NewPreRollBuffer(500, 60)
	for i := 0; i < 100; i++ {
		buf.Add(&defs.Frame{CameraID: defs.CameraLeft, FrameIndex: int64(i)})
	}
	snapshot := buf.Snapshot()[defs.CameraLeft]
	require.Equal(t, buf.Capacity(), len(snapshot))
	// Oldest first, ending on the newest frame
	require.Equal(t, int64(99), snapshot[len(snapshot)-1].FrameIndex)
	for i := 1; i < len(snapshot); i++ {
		require.Equal(t, snapshot[i-1].FrameIndex+1, snapshot[i].FrameIndex)
	}
}
