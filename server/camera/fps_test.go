package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEstimateFPS(t *testing.T) {
	require.Equal(t, 0.0, EstimateFPS(nil))

	intervals := []time.Duration{}
	for i := 0; i < 30; i++ {
		intervals = append(intervals, time.Second/60)
	}
	require.InDelta(t, 60.0, EstimateFPS(intervals), 0.2)

	// One stall should not skew the median
	intervals[7] = 2 * time.Second
	require.InDelta(t, 60.0, EstimateFPS(intervals), 0.2)
}

func TestFPSTracker(t *testing.T) {
	tr := FPSTracker{}
	require.Equal(t, 0.0, tr.FPS())
	base := time.Now()
	for i := 0; i < 30; i++ {
		tr.Tick(base.Add(time.Duration(i) * time.Second / 30))
	}
	require.InDelta(t, 30.0, tr.FPS(), 0.5)
	require.Equal(t, base.Add(29*time.Second/30), tr.LastFrameAt())
}

func TestSimDevice(t *testing.T) {
	dev, err := Open(configFor("SIM-1", 64, 48, 120))
	require.NoError(t, err)
	defer dev.Close()
	require.Equal(t, "SIM-1", dev.Serial())

	img, err := dev.Read(time.Second)
	require.NoError(t, err)
	require.Equal(t, 64, img.Width)
	require.Equal(t, 48, img.Height)

	// Frames keep coming, and the ball moves
	img2, err := dev.Read(time.Second)
	require.NoError(t, err)
	require.NotEqual(t, img.Pixels, img2.Pixels)

	dev.Close()
	_, err = dev.Read(time.Millisecond)
	require.Error(t, err)
}
