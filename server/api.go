package server

import (
	"net/http"
	"time"

	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/berginj/PitchTracker-sub000/server/detect"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	get := func(route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, "GET", route, handle)
	}
	post := func(route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, "POST", route, handle)
	}

	get("/api/ping", s.httpPing)
	get("/api/status", s.httpStatus)
	get("/api/stats", s.httpStats)
	get("/api/preview/:camera", s.httpPreview)
	get("/api/detections", s.httpDetections)
	get("/api/pitches/recent", s.httpRecentPitches)
	get("/api/session/summary", s.httpSessionSummary)
	get("/api/ws/events", s.httpEvents)

	post("/api/capture/start", s.httpCaptureStart)
	post("/api/capture/stop", s.httpCaptureStop)
	post("/api/record/start", s.httpRecordStart)
	post("/api/record/stop", s.httpRecordStop)
	post("/api/config/detector", s.httpConfigDetector)
	post("/api/config/threading", s.httpConfigThreading)

	s.httpRouter = router
}

func (s *Server) cameraFromParamOrPanic(v string) defs.CameraID {
	switch v {
	case "left", "0":
		return defs.CameraLeft
	case "right", "1":
		return defs.CameraRight
	}
	www.PanicBadRequestf("Invalid camera '%v'. Valid values are 'left' and 'right'", v)
	// to satisfy the compiler
	return defs.CameraLeft
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, map[string]any{
		"time": time.Now().UnixMilli(),
	})
}

type cameraStatusJSON struct {
	CameraID defs.CameraID `json:"cameraID"`
	Name     string        `json:"name"`
	Serial   string        `json:"serial"`
	State    string        `json:"state"`
}

type statusJSON struct {
	Capturing     bool               `json:"capturing"`
	SessionActive bool               `json:"sessionActive"`
	Phase         string             `json:"phase"`
	Cameras       []cameraStatusJSON `json:"cameras"`
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.lock.Lock()
	capturing := s.capturing
	s.lock.Unlock()

	captureSvc, _ := s.pipeline()
	status := statusJSON{
		Capturing:     capturing,
		SessionActive: s.recorder.SessionActive(),
		Phase:         s.tracker.Phase().String(),
	}
	for i, cam := range s.cfg.Cameras {
		id := defs.CameraID(i)
		status.Cameras = append(status.Cameras, cameraStatusJSON{
			CameraID: id,
			Name:     cam.Name,
			Serial:   cam.Serial,
			State:    captureSvc.State(id).String(),
		})
	}
	www.SendJSON(w, &status)
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	stats := s.GetStats()
	www.SendJSON(w, &stats)
}

// Fetch a JPEG of the camera's last frame, with detection boxes drawn on
// top unless overlay=0.
// Example: curl -o img.jpg localhost:8099/api/preview/left
func (s *Server) httpPreview(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cam := s.cameraFromParamOrPanic(params.ByName("camera"))
	captureSvc, pool := s.pipeline()
	frame := captureSvc.PreviewFrame(cam)
	if frame == nil {
		www.PanicBadRequestf("No frame available yet for camera %v", cam)
	}

	overlay := www.QueryValue(r, "overlay") != "0"
	var detections []defs.Detection
	if overlay {
		detections = pool.LatestDetections()[cam]
	}

	jpg, err := renderPreviewJPEG(frame, detections, s.cfg.Recording.JPEGQuality)
	www.Check(err)

	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

func (s *Server) httpDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.GetLatestDetections())
}

func (s *Server) httpRecentPitches(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		limit = 20
	}
	paths, err := s.GetRecentPitchPaths(limit)
	www.Check(err)
	www.SendJSON(w, paths)
}

func (s *Server) httpSessionSummary(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	summary := s.GetSessionSummary()
	if summary == nil {
		www.PanicNotFound()
	}
	www.SendJSON(w, summary)
}

func (s *Server) httpCaptureStart(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.Check(s.StartCapture())
	www.SendOK(w)
}

func (s *Server) httpCaptureStop(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.Check(s.StopCapture())
	www.SendOK(w)
}

func (s *Server) httpRecordStart(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := www.QueryValue(r, "name")
	warning, err := s.StartRecording(name)
	www.Check(err)
	www.SendJSON(w, map[string]any{
		"warning": warning,
	})
}

func (s *Server) httpRecordStop(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	summary, err := s.StopRecording()
	www.Check(err)
	www.SendJSON(w, summary)
}

func (s *Server) httpConfigDetector(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	config := detect.Params{}
	www.ReadJSON(w, r, &config, 1024*1024)
	www.Check(s.ConfigureDetector(config))
	www.SendOK(w)
}

func (s *Server) httpConfigThreading(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	workers := www.RequiredQueryInt(r, "workers")
	www.Check(s.ConfigureThreading(workers))
	www.SendOK(w)
}

func (s *Server) httpEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.events.HandleUpgrade(w, r)
}
