// Package defs holds the data model shared by the capture, detection,
// stereo, tracking and recording services, along with the event payload
// types that travel on the bus between them.
package defs

import (
	"time"

	"github.com/bmharper/cimg/v2"
)

// CameraID identifies one physical camera for the duration of a session.
type CameraID int

const (
	CameraLeft  CameraID = 0
	CameraRight CameraID = 1
)

func (c CameraID) String() string {
	switch c {
	case CameraLeft:
		return "left"
	case CameraRight:
		return "right"
	}
	return "unknown"
}

// Frame is one captured image. Produced exactly once by the capture
// service, and thereafter immutable. Detection and recording share it
// read-only; nobody writes into Image after construction.
type Frame struct {
	CameraID   CameraID
	FrameIndex int64
	CapturedAt int64 // Monotonic capture time, nanoseconds
	Image      *cimg.Image
}

func (f *Frame) Width() int {
	return f.Image.Width
}

func (f *Frame) Height() int {
	return f.Image.Height
}

// Rect is a detection bounding region in pixel coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) CenterX() float32 {
	return float32(r.X) + float32(r.Width)/2
}

func (r Rect) CenterY() float32 {
	return float32(r.Y) + float32(r.Height)/2
}

// Detection is one detected object on one frame. Ephemeral; consumed
// immediately by the stereo matcher.
type Detection struct {
	CameraID   CameraID `json:"cameraID"`
	FrameIndex int64    `json:"frameIndex"`
	Box        Rect     `json:"box"`
	Confidence float32  `json:"confidence"`
	Label      string   `json:"label"`
}

// StereoObservation is a triangulated 3D position, in meters, produced
// from one matched detection pair. Both source detections satisfied the
// epipolar tolerance check.
type StereoObservation struct {
	X               float32 `json:"x"`
	Y               float32 `json:"y"`
	Z               float32 `json:"z"`
	LeftFrameIndex  int64   `json:"leftFrameIndex"`
	RightFrameIndex int64   `json:"rightFrameIndex"`
	TimeNS          int64   `json:"timeNS"`
}

// PitchPhase is the tracker's state machine phase.
type PitchPhase int

const (
	PhaseInactive PitchPhase = iota
	PhaseRampUp
	PhaseActive
	PhaseEnding
	PhaseFinalized
)

func (p PitchPhase) String() string {
	switch p {
	case PhaseInactive:
		return "Inactive"
	case PhaseRampUp:
		return "RampUp"
	case PhaseActive:
		return "Active"
	case PhaseEnding:
		return "Ending"
	case PhaseFinalized:
		return "Finalized"
	}
	return "?"
}

// PitchData is the record of one pitch. Created on the RampUp->Active
// transition, appended to while Active, sealed on Finalized. Owned
// exclusively by the tracker until handed off via PitchEnd.
type PitchData struct {
	PitchIndex   int                 `json:"pitchIndex"`
	PitchID      string              `json:"pitchID"`
	StartTimeNS  int64               `json:"startTimeNS"`
	EndTimeNS    int64               `json:"endTimeNS"`
	Observations []StereoObservation `json:"observations"`
	Phase        PitchPhase          `json:"phase"`
}

// ConnectionState is the capture service's per-camera connection state.
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	}
	return "?"
}

///////////////////////////////////////////////////////////////////////////
// Events
//
// Every event is immutable, timestamped, and published exactly once per
// occurrence. Events carry snapshots or read-only references, never a
// mutable handle into another service's state.

// FrameCaptured is published by the capture service for every frame read
// off a camera.
type FrameCaptured struct {
	Frame *Frame
}

// ObservationDetected is published by the stereo matcher for every
// accepted triangulation.
type ObservationDetected struct {
	Observation StereoObservation
}

// PitchStart is published when the tracker commits a RampUp->Active
// transition (after the start callback succeeded). PreRoll is a snapshot
// of each camera's pre-roll ring at the moment the pitch was recognized,
// oldest first.
type PitchStart struct {
	PitchIndex int
	PitchID    string
	TimeNS     int64
	PreRoll    map[CameraID][]*Frame
}

// PitchEnd is published when a pitch is finalized. Pitch is sealed, and
// ownership passes to the subscribers.
type PitchEnd struct {
	Pitch *PitchData
}

// ConnectionStateChanged is published on every camera connection state
// machine transition.
type ConnectionStateChanged struct {
	CameraID CameraID
	Old      ConnectionState
	New      ConnectionState
	TimeNS   int64
}

///////////////////////////////////////////////////////////////////////////
// Structured error channel

type ErrorCategory string

const (
	ErrorCamera    ErrorCategory = "camera"
	ErrorDetection ErrorCategory = "detection"
	ErrorRecording ErrorCategory = "recording"
	ErrorTracking  ErrorCategory = "tracking"
	ErrorInternal  ErrorCategory = "internal"
)

type ErrorSeverity string

const (
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorReport is the single structured error channel (published on the
// bus). The UI collaborator subscribes to this; the core never terminates
// the process on a recoverable error.
type ErrorReport struct {
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`
	Source   string        `json:"source"`
	Message  string        `json:"message"`
	TimeNS   int64         `json:"timeNS"`
	Cause    string        `json:"cause,omitempty"`
}

// WithCause attaches the underlying error.
func (r ErrorReport) WithCause(err error) ErrorReport {
	if err != nil {
		r.Cause = err.Error()
	}
	return r
}

// MakeErrorReport fills in the timestamp for you.
func MakeErrorReport(cat ErrorCategory, sev ErrorSeverity, source, message string) ErrorReport {
	return ErrorReport{
		Category: cat,
		Severity: sev,
		Source:   source,
		Message:  message,
		TimeNS:   time.Now().UnixNano(),
	}
}
