// Package detect runs object detection off the capture thread.
//
// Each camera gets a bounded input queue with drop-oldest backpressure and
// a set of worker goroutines. Capture is never blocked by a slow detector;
// under sustained pressure the queue sheds its oldest frames and adapts
// its depth.
package detect

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/pkg/perfstats"
	"github.com/berginj/PitchTracker-sub000/pkg/taskpool"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
)

const (
	// Drop warnings are logged at most once per interval per camera.
	dropWarnInterval = 5 * time.Second
	// Every this many cumulative drops on one camera, escalate to critical.
	dropCriticalEvery = 100
	// Consecutive detector failures on one camera before a critical alert.
	consecutiveFailureAlert = 10
	// Queue depth adaptation, evaluated once per dropWarnInterval:
	// grow fast under pressure, shrink slowly when quiet.
	depthGrowStep   = 2
	depthShrinkStep = 1
)

// Result is one detector pass over one frame, forwarded to the sink
// (normally the stereo matcher).
type Result struct {
	CameraID   defs.CameraID
	Frame      *defs.Frame
	Detections []defs.Detection
}

// Sink receives results on a worker goroutine, in frame order per camera
// when Workers is 1.
type Sink func(res Result)

type cameraQueue struct {
	id    defs.CameraID
	queue *frameQueue

	totalDrops   atomic.Int64
	windowDrops  atomic.Int64
	lastWarnNS   atomic.Int64
	consecFails  atomic.Int32
	framesRun    atomic.Int64
	latestResult atomic.Pointer[Result]

	// timingLock guards detectTime
	timingLock sync.Mutex
	detectTime perfstats.TimeAccumulator
}

type worker struct {
	retired atomic.Bool
}

// Pool is the detection worker pool.
type Pool struct {
	log logs.Log
	bus *eventbus.Bus
	cfg config.Detection

	// detectorLock guards detector and minConfidence.
	detectorLock  sync.Mutex
	detector      Detector
	minConfidence float32

	sink Sink

	// lock guards queues, workers, started.
	lock    sync.Mutex
	queues  map[defs.CameraID]*cameraQueue
	workers map[defs.CameraID][]*worker
	started bool

	shutdown chan struct{}
	subID    int64
	group    taskpool.Group
}

func NewPool(logger logs.Log, bus *eventbus.Bus, cfg config.Detection) (*Pool, error) {
	detector, err := NewMotionDetector(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &Pool{
		log:           logs.NewPrefixLogger(logger, "Detect"),
		bus:           bus,
		cfg:           cfg,
		detector:      detector,
		minConfidence: cfg.MinConfidence,
		queues:        map[defs.CameraID]*cameraQueue{},
		workers:       map[defs.CameraID][]*worker{},
		shutdown:      make(chan struct{}),
	}, nil
}

// SetSink must be called before Start.
func (p *Pool) SetSink(sink Sink) {
	p.sink = sink
}

// SetDetector replaces the detector. Must be called before Start.
func (p *Pool) SetDetector(d Detector) {
	p.detectorLock.Lock()
	defer p.detectorLock.Unlock()
	p.detector = d
}

// Start creates the per-camera queues and workers, and begins consuming
// FrameCaptured events from the bus.
func (p *Pool) Start(cameras []defs.CameraID) error {
	p.lock.Lock()
	if p.started {
		p.lock.Unlock()
		return fmt.Errorf("detection pool already started")
	}
	p.started = true
	for _, id := range cameras {
		cq := &cameraQueue{
			id:    id,
			queue: newFrameQueue(p.cfg.QueueDepth),
		}
		p.queues[id] = cq
		for i := 0; i < p.cfg.Workers; i++ {
			p.startWorkerLocked(cq)
		}
	}
	p.lock.Unlock()

	p.subID = eventbus.Subscribe(p.bus, func(ev defs.FrameCaptured) {
		p.enqueue(ev.Frame)
	})
	p.group.Go(p.maintenanceLoop)
	p.log.Infof("Started: %v cameras, %v workers each, queue depth %v (%v..%v)",
		len(cameras), p.cfg.Workers, p.cfg.QueueDepth, p.cfg.QueueDepthMin, p.cfg.QueueDepthMax)
	return nil
}

// Stop drains nothing: queued frames are abandoned, workers exit, and the
// bus subscription is removed. Bounded join.
func (p *Pool) Stop() {
	p.bus.Unsubscribe(p.subID)
	close(p.shutdown)
	p.lock.Lock()
	for _, cq := range p.queues {
		cq.queue.Close()
	}
	p.lock.Unlock()
	if !p.group.WaitTimeout(3 * time.Second) {
		p.log.Errorf("Detection workers did not exit within the join timeout")
	}
	p.detectorLock.Lock()
	p.detector.Close()
	p.detectorLock.Unlock()
}

// ConfigureDetector applies new detector parameters.
func (p *Pool) ConfigureDetector(params Params) error {
	p.detectorLock.Lock()
	defer p.detectorLock.Unlock()
	if params.Mode != "" {
		if md, ok := p.detector.(*MotionDetector); ok {
			if err := md.SetMode(params.Mode); err != nil {
				return err
			}
		}
	}
	p.minConfidence = params.MinConfidence
	p.log.Infof("Detector reconfigured: mode=%v minConfidence=%.2f", params.Mode, params.MinConfidence)
	return nil
}

// ConfigureThreading changes the live worker count per camera. Extra
// workers are started immediately; surplus workers retire after their
// current frame.
func (p *Pool) ConfigureThreading(workersPerCamera int) error {
	if workersPerCamera < 1 || workersPerCamera > 16 {
		return fmt.Errorf("workers per camera must be 1..16, not %v", workersPerCamera)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.cfg.Workers = workersPerCamera
	if !p.started {
		return nil
	}
	for id, cq := range p.queues {
		active := p.workers[id][:0]
		for _, w := range p.workers[id] {
			if !w.retired.Load() {
				active = append(active, w)
			}
		}
		p.workers[id] = active
		for len(p.workers[id]) < workersPerCamera {
			p.startWorkerLocked(cq)
		}
		for i := workersPerCamera; i < len(p.workers[id]); i++ {
			p.workers[id][i].retired.Store(true)
		}
		if len(p.workers[id]) > workersPerCamera {
			p.workers[id] = p.workers[id][:workersPerCamera]
			cq.queue.Wake()
		}
	}
	p.log.Infof("Threading reconfigured: %v workers per camera", workersPerCamera)
	return nil
}

// Drops returns cumulative drops for one camera, for get_stats.
func (p *Pool) Drops(id defs.CameraID) int64 {
	p.lock.Lock()
	cq := p.queues[id]
	p.lock.Unlock()
	if cq == nil {
		return 0
	}
	return cq.totalDrops.Load()
}

// AverageDetectTime returns the mean detector run time for one camera.
func (p *Pool) AverageDetectTime(id defs.CameraID) time.Duration {
	p.lock.Lock()
	cq := p.queues[id]
	p.lock.Unlock()
	if cq == nil {
		return 0
	}
	cq.timingLock.Lock()
	defer cq.timingLock.Unlock()
	return cq.detectTime.Average()
}

// LatestDetections returns the most recent result per camera.
func (p *Pool) LatestDetections() map[defs.CameraID][]defs.Detection {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := map[defs.CameraID][]defs.Detection{}
	for id, cq := range p.queues {
		if res := cq.latestResult.Load(); res != nil {
			out[id] = res.Detections
		}
	}
	return out
}

func (p *Pool) startWorkerLocked(cq *cameraQueue) {
	w := &worker{}
	p.workers[cq.id] = append(p.workers[cq.id], w)
	p.group.Go(func() {
		p.workerLoop(cq, w)
	})
}

func (p *Pool) enqueue(frame *defs.Frame) {
	p.lock.Lock()
	cq := p.queues[frame.CameraID]
	p.lock.Unlock()
	if cq == nil {
		return
	}
	if dropped := cq.queue.Push(frame); dropped != nil {
		p.onDrop(cq)
	}
}

func (p *Pool) onDrop(cq *cameraQueue) {
	total := cq.totalDrops.Add(1)
	cq.windowDrops.Add(1)
	now := time.Now().UnixNano()
	last := cq.lastWarnNS.Load()
	if now-last >= dropWarnInterval.Nanoseconds() && cq.lastWarnNS.CompareAndSwap(last, now) {
		p.log.Warnf("Camera %v detection queue full, dropping oldest (%v total drops)", cq.id, total)
		p.bus.Publish(defs.MakeErrorReport(defs.ErrorDetection, defs.SeverityWarning, "detect",
			fmt.Sprintf("camera %v dropping frames from detection queue (%v total)", cq.id, total)))
	}
	if total%dropCriticalEvery == 0 {
		p.log.Errorf("Camera %v has dropped %v detection frames", cq.id, total)
		p.bus.Publish(defs.MakeErrorReport(defs.ErrorDetection, defs.SeverityCritical, "detect",
			fmt.Sprintf("camera %v has dropped %v frames from its detection queue", cq.id, total)))
	}
}

func (p *Pool) workerLoop(cq *cameraQueue, w *worker) {
	for {
		frame, ok := cq.queue.Pop(func() bool { return w.retired.Load() })
		if !ok {
			return
		}
		res := Result{
			CameraID:   cq.id,
			Frame:      frame,
			Detections: p.runDetector(cq, frame),
		}
		cq.framesRun.Add(1)
		cq.latestResult.Store(&res)
		if p.sink != nil {
			p.sink(res)
		}
	}
}

// runDetector invokes the detector and applies the failure policy: an
// error yields an empty result and the pipeline continues. Sustained
// failure escalates to critical.
func (p *Pool) runDetector(cq *cameraQueue, frame *defs.Frame) []defs.Detection {
	p.detectorLock.Lock()
	detector := p.detector
	minConfidence := p.minConfidence
	p.detectorLock.Unlock()

	start := time.Now()
	detections, err := detector.DetectObjects(cq.id, frame)
	elapsed := time.Now().Sub(start)
	cq.timingLock.Lock()
	cq.detectTime.AddSample(elapsed)
	cq.timingLock.Unlock()
	if err != nil {
		fails := cq.consecFails.Add(1)
		if fails%consecutiveFailureAlert == 0 {
			p.log.Errorf("Camera %v detector has failed %v consecutive frames: %v", cq.id, fails, err)
			p.bus.Publish(defs.MakeErrorReport(defs.ErrorDetection, defs.SeverityCritical, "detect",
				fmt.Sprintf("camera %v detector failed %v consecutive frames", cq.id, fails)).WithCause(err))
		} else {
			p.log.Debugf("Camera %v detector error on frame %v: %v", cq.id, frame.FrameIndex, err)
		}
		return nil
	}
	cq.consecFails.Store(0)

	kept := detections[:0]
	for _, det := range detections {
		if det.Confidence >= minConfidence {
			kept = append(kept, det)
		}
	}
	return kept
}

// maintenanceLoop adapts queue depths to the recent drop rate.
func (p *Pool) maintenanceLoop() {
	ticker := time.NewTicker(dropWarnInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.adaptDepths()
		}
	}
}

func (p *Pool) adaptDepths() {
	p.lock.Lock()
	queues := make([]*cameraQueue, 0, len(p.queues))
	for _, cq := range p.queues {
		queues = append(queues, cq)
	}
	minDepth := p.cfg.QueueDepthMin
	maxDepth := p.cfg.QueueDepthMax
	p.lock.Unlock()

	for _, cq := range queues {
		windowDrops := cq.windowDrops.Swap(0)
		depth := cq.queue.Depth()
		newDepth := depth
		if windowDrops > 0 {
			newDepth = depth + depthGrowStep
		} else if cq.queue.Len() == 0 {
			newDepth = depth - depthShrinkStep
		}
		if newDepth > maxDepth {
			newDepth = maxDepth
		}
		if newDepth < minDepth {
			newDepth = minDepth
		}
		if newDepth != depth {
			cq.queue.SetDepth(newDepth)
			p.log.Infof("Camera %v detection queue depth %v -> %v (%v drops in window)", cq.id, depth, newDepth, windowDrops)
		}
	}
}
