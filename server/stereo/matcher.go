// Package stereo pairs detections from the two camera views and
// triangulates them into 3D observations.
package stereo

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/berginj/PitchTracker-sub000/server/detect"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
)

// Cameras are frame-synchronized, but a detection can arrive on one side
// a few frames before its partner shows up on the other. We pair a frame
// with the nearest opposite frame within this index skew.
const maxFrameSkew = 2

// frameResult is one buffered per-frame detection result.
type frameResult struct {
	frameIndex int64
	timeNS     int64
	dets       []defs.Detection
	paired     bool
}

// Matcher buffers the last few detection results per camera and, on each
// new result, pairs it against the opposite camera's buffer: the partner
// frame is chosen by frame index, then candidate detections are filtered
// to the epipolar tolerance band before triangulation. Unmatched results
// age out once the bounded buffer pushes them off.
type Matcher struct {
	log logs.Log
	bus *eventbus.Bus
	cal *Calibration
	cfg config.Stereo

	// lock guards buffers. Released before publishing observations.
	lock    sync.Mutex
	buffers map[defs.CameraID][]*frameResult

	observations atomic.Int64
	pairsTried   atomic.Int64
}

func NewMatcher(logger logs.Log, bus *eventbus.Bus, cal *Calibration, cfg config.Stereo) *Matcher {
	return &Matcher{
		log: logs.NewPrefixLogger(logger, "Stereo"),
		bus: bus,
		cal: cal,
		cfg: cfg,
		buffers: map[defs.CameraID][]*frameResult{
			defs.CameraLeft:  {},
			defs.CameraRight: {},
		},
	}
}

// ObservationsTotal is the number of observations emitted so far.
func (m *Matcher) ObservationsTotal() int64 {
	return m.observations.Load()
}

// Submit is the detection pool's sink. Called on worker goroutines.
func (m *Matcher) Submit(res detect.Result) {
	if len(res.Detections) == 0 {
		return
	}
	entry := &frameResult{
		frameIndex: res.Frame.FrameIndex,
		timeNS:     res.Frame.CapturedAt,
		dets:       res.Detections,
	}

	m.lock.Lock()
	partner := m.findPartner(opposite(res.CameraID), entry.frameIndex)
	var observations []defs.StereoObservation
	if partner != nil {
		left, right := entry, partner
		if res.CameraID != defs.CameraLeft {
			left, right = partner, entry
		}
		observations = m.pairFrames(left, right)
		if len(observations) > 0 {
			entry.paired = true
			partner.paired = true
		}
	}
	buf := append(m.buffers[res.CameraID], entry)
	if len(buf) > m.cfg.BufferDepth {
		buf = buf[len(buf)-m.cfg.BufferDepth:]
	}
	m.buffers[res.CameraID] = buf
	m.lock.Unlock()

	for _, obs := range observations {
		m.observations.Add(1)
		m.bus.Publish(defs.ObservationDetected{Observation: obs})
	}
}

func opposite(cam defs.CameraID) defs.CameraID {
	if cam == defs.CameraLeft {
		return defs.CameraRight
	}
	return defs.CameraLeft
}

// findPartner returns the unpaired buffered result from cam with the
// frame index nearest to frameIndex, within the allowed skew.
func (m *Matcher) findPartner(cam defs.CameraID, frameIndex int64) *frameResult {
	var best *frameResult
	bestSkew := int64(maxFrameSkew + 1)
	for _, fr := range m.buffers[cam] {
		if fr.paired {
			continue
		}
		skew := fr.frameIndex - frameIndex
		if skew < 0 {
			skew = -skew
		}
		if skew < bestSkew {
			best = fr
			bestSkew = skew
		}
	}
	return best
}

// pairFrames matches the detections of one left/right frame pair.
// Candidates on the right are sorted by vertical distance to the left
// detection and restricted to the epipolar tolerance band before we spend
// any triangulation work on them. This prunes the candidate set by about
// an order of magnitude over all-pairs matching.
func (m *Matcher) pairFrames(left, right *frameResult) []defs.StereoObservation {
	timeNS := left.timeNS
	if right.timeNS > timeNS {
		timeNS = right.timeNS
	}
	out := []defs.StereoObservation{}
	for _, ld := range left.dets {
		candidates := []defs.Detection{}
		for _, rd := range right.dets {
			if math32.Abs(ld.Box.CenterY()-rd.Box.CenterY()) <= m.cfg.EpipolarTolPx {
				candidates = append(candidates, rd)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			di := math32.Abs(ld.Box.CenterY() - candidates[i].Box.CenterY())
			dj := math32.Abs(ld.Box.CenterY() - candidates[j].Box.CenterY())
			return di < dj
		})
		for _, rd := range candidates {
			m.pairsTried.Add(1)
			if obs, ok := triangulate(m.cal, ld, rd, m.cfg.MinTriangulation); ok {
				obs.TimeNS = timeNS
				out = append(out, obs)
			}
		}
	}
	return out
}

// bufferLen is a test hook.
func (m *Matcher) bufferLen(cam defs.CameraID) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.buffers[cam])
}
