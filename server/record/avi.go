package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/bmharper/cimg/v2"
)

// aviWriter produces an MJPEG AVI (RIFF) file: every frame is an
// independent JPEG, which is exactly what we want for clips that get
// scrubbed frame by frame in review tooling. The container is written
// with placeholder sizes and patched on Close, plus an idx1 index so
// players can seek.
type aviWriter struct {
	path    string
	f       *os.File
	width   int
	height  int
	fps     int
	quality int

	frames    int
	chunkData int64 // Bytes of movi chunks written, headers and padding included
	index     []aviIndexEntry

	// File offsets of the size fields patched on Close
	offRiffSize    int64
	offTotalFrames int64
	offStrhLength  int64
	offMoviSize    int64
	moviDataStart  int64
}

type aviIndexEntry struct {
	offset uint32 // Relative to the 'movi' fourcc
	size   uint32
}

const aviFlagHasIndex = 0x10
const aviIndexKeyframe = 0x10

// RIFF size fields are uint32, so an AVI cannot exceed 4 GiB. We refuse
// frames that would push past this cap (leaving room for idx1) rather
// than wrap the sizes and corrupt the container. Var, not const, so tests
// can lower it.
var aviMaxFileSize = int64(0xFFFF0000)

func newAVIWriter(s writerSettings) (VideoWriter, error) {
	if s.width <= 0 || s.height <= 0 || s.fps <= 0 {
		return nil, fmt.Errorf("invalid video geometry %vx%v@%v", s.width, s.height, s.fps)
	}
	path := s.basePath + ".avi"
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &aviWriter{
		path:    path,
		f:       f,
		width:   s.width,
		height:  s.height,
		fps:     s.fps,
		quality: s.quality,
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

// writeHeader emits the RIFF/hdrl/movi scaffolding, recording the offsets
// of every field that Close must patch. Writing it up front doubles as
// the codec-open verification: a broken codec fails here, not on the
// first frame.
func (w *aviWriter) writeHeader() error {
	buf := &bytes.Buffer{}
	u32 := func(v uint32) { binary.Write(buf, binary.LittleEndian, v) }
	u16 := func(v uint16) { binary.Write(buf, binary.LittleEndian, v) }
	tag := func(s string) { buf.WriteString(s) }
	mark := func() int64 { return int64(buf.Len()) }

	tag("RIFF")
	w.offRiffSize = mark()
	u32(0) // Patched: file size - 8
	tag("AVI ")

	// hdrl list: avih + one strl
	tag("LIST")
	u32(4 + 64 + 124) // "hdrl" + avih chunk + strl list
	tag("hdrl")

	tag("avih")
	u32(56)
	u32(uint32(1000000 / w.fps)) // Microseconds per frame
	u32(0)                       // Max bytes per second
	u32(0)                       // Padding granularity
	u32(aviFlagHasIndex)
	w.offTotalFrames = mark()
	u32(0) // Patched: total frames
	u32(0) // Initial frames
	u32(1) // Stream count
	u32(0) // Suggested buffer size
	u32(uint32(w.width))
	u32(uint32(w.height))
	u32(0)
	u32(0)
	u32(0)
	u32(0)

	tag("LIST")
	u32(4 + 64 + 48) // "strl" + strh chunk + strf chunk
	tag("strl")

	tag("strh")
	u32(56)
	tag("vids")
	tag("MJPG")
	u32(0)             // Flags
	u16(0)             // Priority
	u16(0)             // Language
	u32(0)             // Initial frames
	u32(1)             // Scale
	u32(uint32(w.fps)) // Rate; rate/scale = fps
	u32(0)             // Start
	w.offStrhLength = mark()
	u32(0)          // Patched: stream length in frames
	u32(0)          // Suggested buffer size
	u32(0xFFFFFFFF) // Quality: default
	u32(0)          // Sample size: varies
	u16(0)          // rcFrame
	u16(0)
	u16(uint16(w.width))
	u16(uint16(w.height))

	tag("strf")
	u32(40)
	// BITMAPINFOHEADER
	u32(40)
	u32(uint32(w.width))
	u32(uint32(w.height))
	u16(1)  // Planes
	u16(24) // Bits per pixel
	tag("MJPG")
	u32(uint32(w.width * w.height * 3))
	u32(0)
	u32(0)
	u32(0)
	u32(0)

	tag("LIST")
	w.offMoviSize = mark()
	u32(0) // Patched: movi list size
	tag("movi")
	w.moviDataStart = mark()

	_, err := w.f.Write(buf.Bytes())
	return err
}

func (w *aviWriter) WriteFrame(frame *defs.Frame) error {
	jpeg, err := cimg.Compress(frame.Image, cimg.MakeCompressParams(cimg.Sampling420, w.quality, 0))
	if err != nil {
		return fmt.Errorf("jpeg compression failed: %w", err)
	}
	return w.writeJPEG(jpeg)
}

func (w *aviWriter) writeJPEG(jpeg []byte) error {
	written := int64(8 + len(jpeg))
	if len(jpeg)%2 == 1 {
		written++
	}
	// File size after this chunk plus the idx1 it will need on Close
	projected := w.moviDataStart + w.chunkData + written + int64(16*(len(w.index)+1)) + 8
	if projected > aviMaxFileSize {
		return errWriterFull
	}

	// Chunk offsets in idx1 are relative to the 'movi' fourcc
	w.index = append(w.index, aviIndexEntry{
		offset: uint32(4 + w.chunkData),
		size:   uint32(len(jpeg)),
	})

	hdr := make([]byte, 8)
	copy(hdr, "00dc")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(jpeg)))
	if _, err := w.f.Write(hdr); err != nil {
		return err
	}
	if _, err := w.f.Write(jpeg); err != nil {
		return err
	}
	if len(jpeg)%2 == 1 {
		// RIFF chunks are word-aligned
		if _, err := w.f.Write([]byte{0}); err != nil {
			return err
		}
	}
	w.chunkData += written
	w.frames++
	return nil
}

func (w *aviWriter) FrameCount() int {
	return w.frames
}

func (w *aviWriter) Path() string {
	return w.path
}

// Close writes the idx1 index and patches the sizes left as placeholders
// by writeHeader.
func (w *aviWriter) Close() error {
	idx := &bytes.Buffer{}
	idx.WriteString("idx1")
	binary.Write(idx, binary.LittleEndian, uint32(16*len(w.index)))
	for _, entry := range w.index {
		idx.WriteString("00dc")
		binary.Write(idx, binary.LittleEndian, uint32(aviIndexKeyframe))
		binary.Write(idx, binary.LittleEndian, entry.offset)
		binary.Write(idx, binary.LittleEndian, entry.size)
	}
	if _, err := w.f.Write(idx.Bytes()); err != nil {
		w.f.Close()
		return err
	}

	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		w.f.Close()
		return err
	}
	patches := []struct {
		off int64
		val uint32
	}{
		{w.offRiffSize, uint32(fileSize - 8)},
		{w.offTotalFrames, uint32(w.frames)},
		{w.offStrhLength, uint32(w.frames)},
		{w.offMoviSize, uint32(4 + w.chunkData)},
	}
	for _, p := range patches {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], p.val)
		if _, err := w.f.WriteAt(b[:], p.off); err != nil {
			w.f.Close()
			return err
		}
	}
	return w.f.Close()
}
