package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/bmharper/cimg/v2"
)

// imgSeqWriter is the fallback codec: a directory of numbered JPEGs plus
// a small meta file carrying the timing. It has no container format to go
// wrong, so it serves as the codec of last resort when the AVI writer
// cannot open.
type imgSeqWriter struct {
	dir     string
	fps     int
	quality int
	width   int
	height  int
	frames  int
}

type imgSeqMeta struct {
	FPS        int `json:"fps"`
	FrameCount int `json:"frameCount"`
	Width      int `json:"width"`
	Height     int `json:"height"`
}

func newImgSeqWriter(s writerSettings) (VideoWriter, error) {
	dir := s.basePath + ".frames"
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	// Verify the directory is actually writable before declaring success
	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, []byte{}, 0644); err != nil {
		os.Remove(dir)
		return nil, fmt.Errorf("directory not writable: %w", err)
	}
	os.Remove(probe)
	return &imgSeqWriter{
		dir:     dir,
		fps:     s.fps,
		quality: s.quality,
		width:   s.width,
		height:  s.height,
	}, nil
}

func (w *imgSeqWriter) WriteFrame(frame *defs.Frame) error {
	name := filepath.Join(w.dir, fmt.Sprintf("frame_%06d.jpg", w.frames))
	err := frame.Image.WriteJPEG(name, cimg.MakeCompressParams(cimg.Sampling420, w.quality, 0), 0644)
	if err != nil {
		return err
	}
	w.frames++
	return nil
}

func (w *imgSeqWriter) FrameCount() int {
	return w.frames
}

func (w *imgSeqWriter) Path() string {
	return w.dir
}

func (w *imgSeqWriter) Close() error {
	meta := imgSeqMeta{
		FPS:        w.fps,
		FrameCount: w.frames,
		Width:      w.width,
		Height:     w.height,
	}
	raw, err := json.MarshalIndent(&meta, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, "meta.json"), raw, 0644)
}
