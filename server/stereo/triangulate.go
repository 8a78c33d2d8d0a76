package stereo

import (
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/chewxy/math32"
)

// triangulate computes the 3D position of one matched detection pair in a
// rectified stereo rig. Standard disparity geometry:
//
//	Z = f * B / (xL - xR)
//	X = (xL - cx) * Z / f
//	Y = (y  - cy) * Z / f
//
// The world origin is the left camera's optical center: X right, Y down,
// Z away from the camera, all in meters.
//
// Returns false when the disparity is below minDisparity: a near-zero
// disparity means the object is too far away (or the pair is a false
// match) and the depth estimate would be numerically worthless.
func triangulate(cal *Calibration, left, right defs.Detection, minDisparity float32) (defs.StereoObservation, bool) {
	xl := left.Box.CenterX()
	xr := right.Box.CenterX()
	disparity := xl - xr
	if disparity < minDisparity {
		return defs.StereoObservation{}, false
	}
	z := cal.FocalPX * cal.BaselineM / disparity
	x := (xl - cal.CenterX) * z / cal.FocalPX
	// Average the two row coordinates; they agree to within the epipolar
	// tolerance by the time we get here.
	y := ((left.Box.CenterY()+right.Box.CenterY())/2 - cal.CenterY) * z / cal.FocalPX

	if math32.IsNaN(x) || math32.IsInf(x, 0) ||
		math32.IsNaN(y) || math32.IsInf(y, 0) ||
		math32.IsNaN(z) || math32.IsInf(z, 0) {
		return defs.StereoObservation{}, false
	}
	return defs.StereoObservation{
		X:               x,
		Y:               y,
		Z:               z,
		LeftFrameIndex:  left.FrameIndex,
		RightFrameIndex: right.FrameIndex,
	}, true
}
