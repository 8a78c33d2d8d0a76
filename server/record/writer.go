package record

import (
	"errors"
	"fmt"
	"strings"

	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
)

// errWriterFull means the container format cannot grow any further. The
// frame was not written, and the file on disk remains valid.
var errWriterFull = errors.New("video file has reached its maximum size")

// VideoWriter writes one camera's frame stream to durable storage.
// Implementations compress frames themselves; WriteFrame returning an
// error means that frame was not persisted, but the writer remains usable.
type VideoWriter interface {
	WriteFrame(frame *defs.Frame) error
	FrameCount() int
	// Path is the file or directory this writer produces.
	Path() string
	Close() error
}

// writerSettings is everything a codec needs to open a writer. basePath
// is extensionless; the codec appends its own suffix.
type writerSettings struct {
	basePath string
	width    int
	height   int
	fps      int
	quality  int
}

type codecFactory func(s writerSettings) (VideoWriter, error)

// Codec fallback order comes from config. A factory must verify a
// successful open (write its header) before returning, so that a broken
// codec fails here and not on the first frame.
var codecFactories = map[string]codecFactory{
	"mjpeg":  newAVIWriter,
	"imgseq": newImgSeqWriter,
}

// openVideoWriter tries each codec in priority order, discarding failed
// attempts. Only if every codec fails is the error fatal to the caller.
func openVideoWriter(log logs.Log, codecs []string, s writerSettings) (VideoWriter, error) {
	errs := []string{}
	for _, codec := range codecs {
		factory := codecFactories[codec]
		if factory == nil {
			errs = append(errs, fmt.Sprintf("%v: unknown codec", codec))
			continue
		}
		w, err := factory(s)
		if err != nil {
			log.Warnf("Codec %v failed to open %v: %v", codec, s.basePath, err)
			errs = append(errs, fmt.Sprintf("%v: %v", codec, err))
			continue
		}
		return w, nil
	}
	return nil, fmt.Errorf("all codecs failed for %v: %v", s.basePath, strings.Join(errs, "; "))
}
