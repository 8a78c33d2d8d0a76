package sessiondb

import (
	"github.com/berginj/PitchTracker-sub000/pkg/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Session is one recording session. It owns a directory on disk, and
// zero or more pitches.
type Session struct {
	BaseModel
	Name       string      `json:"name"`
	Dir        string      `json:"dir"` // Absolute path of the session directory
	StartedAt  dbh.IntTime `json:"startedAt"`
	EndedAt    dbh.IntTime `json:"endedAt,omitempty"`
	PitchCount int         `json:"pitchCount"`
	FrameCount int64       `json:"frameCount"`
}

// Pitch is a single detected pitch inside a session.
type Pitch struct {
	BaseModel
	SessionID        int64       `json:"sessionID"`
	PitchID          string      `json:"pitchID"` // UUID, stable across DB and manifest files
	PitchIndex       int         `json:"pitchIndex"`
	StartedAt        dbh.IntTime `json:"startedAt"`
	EndedAt          dbh.IntTime `json:"endedAt"`
	Dir              string      `json:"dir"` // Absolute path of the pitch directory
	FrameCount       int         `json:"frameCount"`
	ObservationCount int         `json:"observationCount"`
}
