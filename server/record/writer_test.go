package record

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func testFrame(cam defs.CameraID, index int64, capturedAt int64) *defs.Frame {
	return &defs.Frame{
		CameraID:   cam,
		FrameIndex: index,
		CapturedAt: capturedAt,
		Image:      cimg.NewImage(8, 8, cimg.PixelFormatRGB),
	}
}

func testSettings(t *testing.T) writerSettings {
	return writerSettings{
		basePath: filepath.Join(t.TempDir(), "clip"),
		width:    8,
		height:   8,
		fps:      30,
		quality:  85,
	}
}

func TestAVIWriter(t *testing.T) {
	s := testSettings(t)
	w, err := newAVIWriter(s)
	require.NoError(t, err)
	for i := int64(0); i < 3; i++ {
		require.NoError(t, w.WriteFrame(testFrame(defs.CameraLeft, i, i)))
	}
	require.Equal(t, 3, w.FrameCount())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(s.basePath + ".avi")
	require.NoError(t, err)
	require.Equal(t, "RIFF", string(data[0:4]))
	require.Equal(t, "AVI ", string(data[8:12]))
	// RIFF size patched to file size - 8
	require.Equal(t, uint32(len(data)-8), binary.LittleEndian.Uint32(data[4:8]))
	// avih total frames, at the fixed header offset
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[48:52]))
	// 3 movi chunks + 3 idx1 entries
	require.Equal(t, 6, countTag(data, "00dc"))
	require.Equal(t, 1, countTag(data, "idx1"))
	require.Equal(t, 1, countTag(data, "movi"))
}

func countTag(data []byte, tag string) int {
	n := 0
	for i := 0; i+len(tag) <= len(data); i++ {
		if string(data[i:i+len(tag)]) == tag {
			n++
		}
	}
	return n
}

// RIFF sizes are uint32: the writer must refuse frames past the cap with
// a clean error, leaving a valid container, rather than wrap the sizes.
func TestAVIWriterSizeCap(t *testing.T) {
	old := aviMaxFileSize
	aviMaxFileSize = 4 * 1024
	defer func() { aviMaxFileSize = old }()

	s := testSettings(t)
	w, err := newAVIWriter(s)
	require.NoError(t, err)
	var capErr error
	for i := int64(0); i < 1000; i++ {
		if err := w.WriteFrame(testFrame(defs.CameraLeft, i, i)); err != nil {
			capErr = err
			break
		}
	}
	require.ErrorIs(t, capErr, errWriterFull)
	require.Greater(t, w.FrameCount(), 0)
	frames := w.FrameCount()
	require.NoError(t, w.Close())

	data, err := os.ReadFile(s.basePath + ".avi")
	require.NoError(t, err)
	require.LessOrEqual(t, int64(len(data)), aviMaxFileSize)
	// Patched sizes are consistent with what actually landed on disk
	require.Equal(t, uint32(len(data)-8), binary.LittleEndian.Uint32(data[4:8]))
	require.Equal(t, uint32(frames), binary.LittleEndian.Uint32(data[48:52]))
}

func TestAVIWriterRejectsBadGeometry(t *testing.T) {
	s := testSettings(t)
	s.width = 0
	_, err := newAVIWriter(s)
	require.Error(t, err)
	// No half-written file left behind
	_, err = os.Stat(s.basePath + ".avi")
	require.True(t, os.IsNotExist(err))
}

func TestImgSeqWriter(t *testing.T) {
	s := testSettings(t)
	w, err := newImgSeqWriter(s)
	require.NoError(t, err)
	for i := int64(0); i < 3; i++ {
		require.NoError(t, w.WriteFrame(testFrame(defs.CameraLeft, i, i)))
	}
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(s.basePath + ".frames")
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"frame_000000.jpg", "frame_000001.jpg", "frame_000002.jpg", "meta.json"}, names)
}

func TestCodecFallback(t *testing.T) {
	log := logs.NewTestingLog(t)
	codecFactories["failing"] = func(s writerSettings) (VideoWriter, error) {
		return nil, errors.New("deliberately broken")
	}
	defer delete(codecFactories, "failing")

	// First codec fails, second succeeds
	s := testSettings(t)
	w, err := openVideoWriter(log, []string{"failing", "imgseq"}, s)
	require.NoError(t, err)
	require.Contains(t, w.Path(), ".frames")
	require.NoError(t, w.Close())

	// Every codec failing is fatal
	_, err = openVideoWriter(log, []string{"failing", "unheard-of"}, testSettings(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "deliberately broken")
}
