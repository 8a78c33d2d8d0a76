package record

import (
	"encoding/json"
	"os"

	"github.com/berginj/PitchTracker-sub000/server/defs"
)

// SessionManifest is written as session.json in the session directory.
type SessionManifest struct {
	Name          string                      `json:"name"`
	StartedAtNS   int64                       `json:"startedAtNS"`
	EndedAtNS     int64                       `json:"endedAtNS"`
	PitchCount    int                         `json:"pitchCount"`
	FrameCounts   map[defs.CameraID]int       `json:"frameCounts"`
	VideoFiles    map[defs.CameraID]string    `json:"videoFiles"`
	WriteFailures int64                       `json:"writeFailures"`
	Cameras       map[defs.CameraID]string    `json:"cameras"` // Camera serials
}

// PitchManifest is written as pitch.json in each pitch directory. The
// observation list lives next to it in observations.json.
type PitchManifest struct {
	PitchID          string                   `json:"pitchID"`
	PitchIndex       int                      `json:"pitchIndex"`
	StartTimeNS      int64                    `json:"startTimeNS"`
	EndTimeNS        int64                    `json:"endTimeNS"`
	FrameCounts      map[defs.CameraID]int    `json:"frameCounts"`
	PreRollFrames    map[defs.CameraID]int    `json:"preRollFrames"`
	ObservationCount int                      `json:"observationCount"`
	VideoFiles       map[defs.CameraID]string `json:"videoFiles"`
}

func writeJSONFile(path string, obj any) error {
	raw, err := json.MarshalIndent(obj, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}
