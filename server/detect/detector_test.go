package detect

import (
	"testing"

	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

// blobFrame renders a dark background with a bright square at (bx,by).
func blobFrame(index int64, bx, by int) *defs.Frame {
	img := cimg.NewImage(64, 48, cimg.PixelFormatRGB)
	for y := by; y < by+6 && y < img.Height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := bx; x < bx+6 && x < img.Width; x++ {
			row[x*3] = 255
			row[x*3+1] = 255
			row[x*3+2] = 255
		}
	}
	return &defs.Frame{CameraID: defs.CameraLeft, FrameIndex: index, Image: img}
}

func emptyFrame(index int64) *defs.Frame {
	return &defs.Frame{
		CameraID:   defs.CameraLeft,
		FrameIndex: index,
		Image:      cimg.NewImage(64, 48, cimg.PixelFormatRGB),
	}
}

func TestMotionDetectorFindsMovingBlob(t *testing.T) {
	det, err := NewMotionDetector(ModeMotion)
	require.NoError(t, err)
	defer det.Close()

	// First frame establishes the reference, no detection possible yet
	dets, err := det.DetectObjects(defs.CameraLeft, emptyFrame(0))
	require.NoError(t, err)
	require.Empty(t, dets)

	dets, err = det.DetectObjects(defs.CameraLeft, blobFrame(1, 20, 10))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, int64(1), dets[0].FrameIndex)
	require.Equal(t, "ball", dets[0].Label)
	require.InDelta(t, 23, dets[0].Box.CenterX(), 1.5)
	require.InDelta(t, 13, dets[0].Box.CenterY(), 1.5)
	require.Greater(t, dets[0].Confidence, float32(0.5))
}

func TestMotionDetectorIgnoresStaticScene(t *testing.T) {
	det, err := NewMotionDetector(ModeMotion)
	require.NoError(t, err)
	defer det.Close()

	// The same bright blob in the same place is background, not motion
	_, err = det.DetectObjects(defs.CameraLeft, blobFrame(0, 20, 10))
	require.NoError(t, err)
	dets, err := det.DetectObjects(defs.CameraLeft, blobFrame(1, 20, 10))
	require.NoError(t, err)
	require.Empty(t, dets)
}

func TestBrightestMode(t *testing.T) {
	det, err := NewMotionDetector(ModeBrightest)
	require.NoError(t, err)
	defer det.Close()

	// No reference frame needed
	dets, err := det.DetectObjects(defs.CameraRight, blobFrame(0, 40, 20))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.InDelta(t, 43, dets[0].Box.CenterX(), 1.5)
}

func TestDetectorModeValidation(t *testing.T) {
	_, err := NewMotionDetector("quantum")
	require.Error(t, err)

	det, err := NewMotionDetector("")
	require.NoError(t, err)
	require.Error(t, det.SetMode("quantum"))
	require.NoError(t, det.SetMode(ModeBrightest))
}
