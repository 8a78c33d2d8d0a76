package stereo

import (
	"encoding/json"
	"fmt"
	"os"
)

// Calibration is the rectified stereo geometry. We assume the cameras are
// rectified (rows aligned), which is what makes the vertical epipolar band
// check in the matcher valid: a true correspondence lies on the same image
// row in both views, up to tolerance.
type Calibration struct {
	FocalPX   float32 `json:"focalPX"`   // Focal length in pixels (shared by both rectified views)
	BaselineM float32 `json:"baselineM"` // Distance between optical centers, meters
	CenterX   float32 `json:"centerX"`   // Principal point, pixels
	CenterY   float32 `json:"centerY"`
}

func (c *Calibration) Validate() error {
	if c.FocalPX <= 0 {
		return fmt.Errorf("calibration: focalPX must be positive, got %v", c.FocalPX)
	}
	if c.BaselineM <= 0 {
		return fmt.Errorf("calibration: baselineM must be positive, got %v", c.BaselineM)
	}
	return nil
}

// LoadCalibration reads a calibration JSON file.
func LoadCalibration(filename string) (*Calibration, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file %v: %w", filename, err)
	}
	cal := &Calibration{}
	if err := json.Unmarshal(raw, cal); err != nil {
		return nil, fmt.Errorf("failed to parse calibration file %v: %w", filename, err)
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return cal, nil
}

// DefaultCalibration matches the synthetic "sim" camera driver, so the
// pipeline runs end to end without a real rig.
func DefaultCalibration() *Calibration {
	return &Calibration{
		FocalPX:   1000,
		BaselineM: 0.2,
		CenterX:   320,
		CenterY:   240,
	}
}
