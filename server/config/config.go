// Package config loads the per-session configuration snapshot.
//
// Configuration is read once at session start, validated, and passed to
// each service constructor as an immutable value. There is no hot reload:
// mid-session changes would be modeled as new event types, not mutation.
//
// Several gating thresholds here exist because the tuning history of this
// system produced inconsistent values over time. They are named config
// fields rather than hard-coded constants so that a deployment can pin
// whichever tuning it was validated with.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Camera describes one physical camera.
type Camera struct {
	Serial string `json:"serial"` // Stable device identifier used to (re)open the camera
	Name   string `json:"name"`   // Friendly name
	Driver string `json:"driver"` // "sim" or "rtsp"
	URL    string `json:"url"`    // RTSP url, for the rtsp driver
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
	// ExposureUS is reapplied after every reconnect, along with
	// resolution and fps. Zero means auto.
	ExposureUS int `json:"exposureUS"`
}

// Reconnect controls the capture service's reconnection state machine.
type Reconnect struct {
	MaxAttempts  int     `json:"maxAttempts"`  // Attempts before giving up (Failed state)
	BaseDelaySec float64 `json:"baseDelaySec"` // Delay before attempt 1; doubles each attempt
	MaxDelaySec  float64 `json:"maxDelaySec"`  // Backoff cap
	// ConsecutiveReadFailures and FrameStallSec are the two triggers of
	// Connected -> Disconnected.
	ConsecutiveReadFailures int     `json:"consecutiveReadFailures"`
	FrameStallSec           float64 `json:"frameStallSec"`
}

// Detection controls the worker pool and the detector.
type Detection struct {
	QueueDepth    int     `json:"queueDepth"`    // Initial bounded queue depth per camera
	QueueDepthMin int     `json:"queueDepthMin"` // Adaptive lower bound
	QueueDepthMax int     `json:"queueDepthMax"` // Adaptive upper bound
	Workers       int     `json:"workers"`       // Detector workers per camera
	MinConfidence float32 `json:"minConfidence"`
	Mode          string  `json:"mode"` // Detector mode (passed to the detector implementation)
}

// Stereo controls matching and triangulation.
type Stereo struct {
	BufferDepth      int     `json:"bufferDepth"`      // Detection results buffered per camera
	EpipolarTolPx    float32 `json:"epipolarTolPx"`    // Vertical tolerance band, pixels
	CalibrationFile  string  `json:"calibrationFile"`  // JSON calibration (focal, baseline, principal point)
	MinTriangulation float32 `json:"minTriangulation"` // Minimum disparity in pixels; below this a pair is rejected as unresolvable
}

// Tracking controls the pitch state machine.
type Tracking struct {
	PreRollMS       int     `json:"preRollMS"`
	PostRollMS      int     `json:"postRollMS"`
	EntryGateCount  int     `json:"entryGateCount"`  // Gated observations within the window to go RampUp -> Active
	ExitGateCount   int     `json:"exitGateCount"`   // Consecutive misses to go Active -> Ending
	ExitSustainTick int     `json:"exitSustainTick"` // Further misses in Ending before Finalized
	RampUpTimeout   int     `json:"rampUpTimeout"`   // Ticks without a gate hit before RampUp falls back to Inactive
	LaneXMin        float32 `json:"laneXMin"`        // Lane/plate gating region, world meters
	LaneXMax        float32 `json:"laneXMax"`
	LaneZMin        float32 `json:"laneZMin"`
	LaneZMax        float32 `json:"laneZMax"`
}

// Recording controls writers and disk governance.
type Recording struct {
	StoragePath        string   `json:"storagePath"`
	Codecs             []string `json:"codecs"` // Fallback order, eg ["mjpeg", "imgseq"]
	JPEGQuality        int      `json:"jpegQuality"`
	DiskCheckSec       int      `json:"diskCheckSec"`
	DiskRecommendedGB  int      `json:"diskRecommendedGB"`
	DiskWarningGB      int      `json:"diskWarningGB"`
	DiskCriticalGB     int      `json:"diskCriticalGB"`
	SessionDBFile      string   `json:"sessionDBFile"` // Defaults to <storagePath>/sessions.sqlite
	ShutdownJoinSec    int      `json:"shutdownJoinSec"`
	WarningIntervalSec int      `json:"warningIntervalSec"` // Rate limit for repeated disk warnings
}

// Config is the complete immutable session configuration.
type Config struct {
	Cameras   []Camera  `json:"cameras"`
	Reconnect Reconnect `json:"reconnect"`
	Detection Detection `json:"detection"`
	Stereo    Stereo    `json:"stereo"`
	Tracking  Tracking  `json:"tracking"`
	Recording Recording `json:"recording"`
	HTTPPort  int       `json:"httpPort"`
}

// Default returns the configuration we ship with. Load() starts from this
// and overlays the user's file, so absent fields keep their defaults.
func Default() Config {
	return Config{
		Reconnect: Reconnect{
			MaxAttempts:             5,
			BaseDelaySec:            1.0,
			MaxDelaySec:             30.0,
			ConsecutiveReadFailures: 10,
			FrameStallSec:           5.0,
		},
		Detection: Detection{
			QueueDepth:    6,
			QueueDepthMin: 3,
			QueueDepthMax: 12,
			Workers:       1,
			MinConfidence: 0.3,
			Mode:          "motion",
		},
		Stereo: Stereo{
			BufferDepth:      6,
			EpipolarTolPx:    10,
			MinTriangulation: 0.5,
		},
		Tracking: Tracking{
			PreRollMS:       500,
			PostRollMS:      1000,
			EntryGateCount:  3,
			ExitGateCount:   5,
			ExitSustainTick: 5,
			RampUpTimeout:   30,
			LaneXMin:        -1.0,
			LaneXMax:        1.0,
			LaneZMin:        0.5,
			LaneZMax:        20.0,
		},
		Recording: Recording{
			Codecs:             []string{"mjpeg", "imgseq"},
			JPEGQuality:        85,
			DiskCheckSec:       5,
			DiskRecommendedGB:  50,
			DiskWarningGB:      20,
			DiskCriticalGB:     5,
			ShutdownJoinSec:    3,
			WarningIntervalSec: 60,
		},
		HTTPPort: 8099,
	}
}

// Load reads the config file and overlays it onto Default().
func Load(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("Error loading %v as JSON: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Cameras) != 2 {
		return fmt.Errorf("exactly 2 cameras required, got %v", len(c.Cameras))
	}
	for i, cam := range c.Cameras {
		if cam.Serial == "" {
			return fmt.Errorf("camera %v has no serial", i)
		}
		if cam.FPS <= 0 {
			return fmt.Errorf("camera %v has invalid fps %v", i, cam.FPS)
		}
	}
	if c.Detection.QueueDepthMin > c.Detection.QueueDepth || c.Detection.QueueDepth > c.Detection.QueueDepthMax {
		return fmt.Errorf("queue depth %v outside bounds [%v, %v]",
			c.Detection.QueueDepth, c.Detection.QueueDepthMin, c.Detection.QueueDepthMax)
	}
	if c.Recording.StoragePath == "" {
		return fmt.Errorf("recording.storagePath is required")
	}
	if len(c.Recording.Codecs) == 0 {
		return fmt.Errorf("recording.codecs must list at least one codec")
	}
	return nil
}

func (r *Reconnect) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySec * float64(time.Second))
}

func (r *Reconnect) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySec * float64(time.Second))
}

func (r *Reconnect) FrameStall() time.Duration {
	return time.Duration(r.FrameStallSec * float64(time.Second))
}
