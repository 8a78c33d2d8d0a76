package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Cameras = []config.Camera{
		{Serial: "SIM-L", Name: "left", Driver: "sim", Width: 64, Height: 48, FPS: 60},
		{Serial: "SIM-R", Name: "right", Driver: "sim", Width: 64, Height: 48, FPS: 60},
	}
	cfg.Recording.StoragePath = t.TempDir()
	return &cfg
}

func newTestServer(t *testing.T) *Server {
	s, err := NewServer(logs.NewTestingLog(t), testConfig(t))
	require.NoError(t, err)
	return s
}

func TestServerPipeline(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.StartCapture())
	require.Error(t, s.StartCapture(), "second start must fail")

	// Frames flow on both cameras
	require.Eventually(t, func() bool {
		stats := s.GetStats()
		if len(stats.Cameras) != 2 {
			return false
		}
		for _, cam := range stats.Cameras {
			if cam.FramesTotal == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		frames := s.GetPreviewFrames()
		return frames[defs.CameraLeft] != nil && frames[defs.CameraRight] != nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err := s.StartRecording("pipeline test")
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)

	summary, err := s.StopRecording()
	require.NoError(t, err)
	require.NotNil(t, summary)
	require.Greater(t, summary.FrameCounts[defs.CameraLeft], 0)
	require.Greater(t, summary.FrameCounts[defs.CameraRight], 0)
	require.Equal(t, summary, s.GetSessionSummary())

	require.NoError(t, s.StopCapture())
	require.Error(t, s.StopCapture(), "second stop must fail")

	s.Shutdown()
	require.NoError(t, <-s.ShutdownComplete)
}

func TestRecordingRequiresCapture(t *testing.T) {
	s := newTestServer(t)
	_, err := s.StartRecording("x")
	require.Error(t, err)
	s.Shutdown()
}

func TestHTTPEndpoints(t *testing.T) {
	s := newTestServer(t)
	defer s.Shutdown()

	ts := httptest.NewServer(s.httpRouter)
	defer ts.Close()

	get := func(path string) (*http.Response, []byte) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		return resp, body
	}
	post := func(path string, body string) *http.Response {
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp, _ := get("/api/ping")
	require.Equal(t, 200, resp.StatusCode)

	resp, body := get("/api/status")
	require.Equal(t, 200, resp.StatusCode)
	status := statusJSON{}
	require.NoError(t, json.Unmarshal(body, &status))
	require.False(t, status.Capturing)
	require.Len(t, status.Cameras, 2)

	// Recording without capture is a client error
	require.NotEqual(t, 200, post("/api/record/start?name=x", "").StatusCode)

	require.Equal(t, 200, post("/api/capture/start", "").StatusCode)
	defer post("/api/capture/stop", "")

	require.Eventually(t, func() bool {
		resp, body := get("/api/preview/left")
		return resp.StatusCode == 200 && resp.Header.Get("Content-Type") == "image/jpeg" && len(body) > 0
	}, 5*time.Second, 50*time.Millisecond)

	resp, _ = get("/api/preview/bogus")
	require.Equal(t, 400, resp.StatusCode)

	resp, body = get("/api/stats")
	require.Equal(t, 200, resp.StatusCode)
	stats := ServerStats{}
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Len(t, stats.Cameras, 2)

	resp, _ = get("/api/detections")
	require.Equal(t, 200, resp.StatusCode)

	resp, body = get("/api/pitches/recent")
	require.Equal(t, 200, resp.StatusCode)
	paths := []string{}
	require.NoError(t, json.Unmarshal(body, &paths))
	require.Empty(t, paths)

	require.Equal(t, 200, post("/api/config/detector", `{"minConfidence": 0.5, "mode": "brightest"}`).StatusCode)
	require.Equal(t, 200, post("/api/config/threading?workers=2", "").StatusCode)
}

func TestWebsocketEventFeed(t *testing.T) {
	s := newTestServer(t)
	defer s.Shutdown()

	ts := httptest.NewServer(s.httpRouter)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	s.bus.Publish(defs.ErrorReport{
		Category: defs.ErrorInternal,
		Severity: defs.SeverityWarning,
		Source:   "test",
		Message:  "hello",
		TimeNS:   time.Now().UnixNano(),
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg := wsMessage{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "error", msg.Type)
}
