package detect

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// scriptDetector fails its first failFirst calls, then reports one
// detection per frame.
type scriptDetector struct {
	failFirst  int32
	confidence float32
	calls      atomic.Int32
}

func (d *scriptDetector) DetectObjects(cam defs.CameraID, frame *defs.Frame) ([]defs.Detection, error) {
	if d.calls.Add(1) <= d.failFirst {
		return nil, errors.New("scripted failure")
	}
	return []defs.Detection{{
		CameraID:   cam,
		FrameIndex: frame.FrameIndex,
		Box:        defs.Rect{X: 10, Y: 10, Width: 6, Height: 6},
		Confidence: d.confidence,
		Label:      "ball",
	}}, nil
}

func (d *scriptDetector) Close() {}

func newTestPool(t *testing.T, bus *eventbus.Bus, det Detector) *Pool {
	pool, err := NewPool(logs.NewTestingLog(t), bus, config.Default().Detection)
	require.NoError(t, err)
	if det != nil {
		pool.SetDetector(det)
	}
	return pool
}

func TestResultsReachSinkInOrder(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	pool := newTestPool(t, bus, &scriptDetector{confidence: 0.9})

	var lock sync.Mutex
	got := []int64{}
	pool.SetSink(func(res Result) {
		lock.Lock()
		got = append(got, res.Frame.FrameIndex)
		lock.Unlock()
	})
	require.NoError(t, pool.Start([]defs.CameraID{defs.CameraLeft}))

	// Feed slowly enough that the depth-6 queue never sheds
	for i := 0; i < 20; i++ {
		publishFramesAt(bus, defs.CameraLeft, int64(i))
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(got) == 20
	}, 5*time.Second, 5*time.Millisecond)
	pool.Stop()

	lock.Lock()
	defer lock.Unlock()
	for i, idx := range got {
		require.Equal(t, int64(i), idx)
	}
	require.Equal(t, int64(0), pool.Drops(defs.CameraLeft))

	latest := pool.LatestDetections()
	require.Len(t, latest[defs.CameraLeft], 1)
	require.Equal(t, int64(19), latest[defs.CameraLeft][0].FrameIndex)
}

func publishFramesAt(bus *eventbus.Bus, cam defs.CameraID, index int64) {
	bus.Publish(defs.FrameCaptured{Frame: &defs.Frame{CameraID: cam, FrameIndex: index}})
}

func TestDetectorErrorYieldsEmptyResult(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	pool := newTestPool(t, bus, &scriptDetector{failFirst: 3, confidence: 0.9})

	var lock sync.Mutex
	results := []Result{}
	pool.SetSink(func(res Result) {
		lock.Lock()
		results = append(results, res)
		lock.Unlock()
	})
	require.NoError(t, pool.Start([]defs.CameraID{defs.CameraLeft}))

	for i := 0; i < 6; i++ {
		publishFramesAt(bus, defs.CameraLeft, int64(i))
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(results) == 6
	}, 5*time.Second, 5*time.Millisecond)
	pool.Stop()

	lock.Lock()
	defer lock.Unlock()
	// First 3 frames produced empty results, pipeline never stalled
	for i := 0; i < 3; i++ {
		require.Empty(t, results[i].Detections)
	}
	for i := 3; i < 6; i++ {
		require.Len(t, results[i].Detections, 1)
	}
}

func TestConsecutiveFailuresEscalateToCritical(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	pool := newTestPool(t, bus, &scriptDetector{failFirst: 1 << 30})

	criticals := atomic.Int32{}
	eventbus.Subscribe(bus, func(ev defs.ErrorReport) {
		if ev.Category == defs.ErrorDetection && ev.Severity == defs.SeverityCritical {
			criticals.Add(1)
		}
	})
	pool.SetSink(func(res Result) {})
	require.NoError(t, pool.Start([]defs.CameraID{defs.CameraLeft}))

	for i := 0; i < consecutiveFailureAlert; i++ {
		publishFramesAt(bus, defs.CameraLeft, int64(i))
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return criticals.Load() >= 1
	}, 5*time.Second, 5*time.Millisecond)
	pool.Stop()
}

func TestConfidenceFilter(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	pool := newTestPool(t, bus, &scriptDetector{confidence: 0.1})

	var lock sync.Mutex
	results := []Result{}
	pool.SetSink(func(res Result) {
		lock.Lock()
		results = append(results, res)
		lock.Unlock()
	})
	require.NoError(t, pool.Start([]defs.CameraID{defs.CameraLeft}))

	publishFramesAt(bus, defs.CameraLeft, 0)
	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(results) == 1
	}, 5*time.Second, 5*time.Millisecond)

	lock.Lock()
	// Default MinConfidence is 0.3, so the 0.1 detection is filtered
	require.Empty(t, results[0].Detections)
	lock.Unlock()

	// Lowering the threshold lets it through
	require.NoError(t, pool.ConfigureDetector(Params{MinConfidence: 0.05}))
	publishFramesAt(bus, defs.CameraLeft, 1)
	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(results) == 2
	}, 5*time.Second, 5*time.Millisecond)
	pool.Stop()

	lock.Lock()
	defer lock.Unlock()
	require.Len(t, results[1].Detections, 1)
}

func TestConfigureThreading(t *testing.T) {
	bus := eventbus.NewBus(logs.NewTestingLog(t))
	pool := newTestPool(t, bus, &scriptDetector{confidence: 0.9})

	processed := atomic.Int64{}
	pool.SetSink(func(res Result) {
		processed.Add(1)
	})
	require.NoError(t, pool.Start([]defs.CameraID{defs.CameraLeft, defs.CameraRight}))

	require.Error(t, pool.ConfigureThreading(0))
	require.NoError(t, pool.ConfigureThreading(4))
	require.NoError(t, pool.ConfigureThreading(1))

	for i := 0; i < 10; i++ {
		publishFramesAt(bus, defs.CameraLeft, int64(i))
		publishFramesAt(bus, defs.CameraRight, int64(i))
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return processed.Load() == 20
	}, 5*time.Second, 5*time.Millisecond)
	pool.Stop()
}
