package detect

import (
	"fmt"
	"sync"

	"github.com/berginj/PitchTracker-sub000/server/defs"
)

// Detector turns one frame into zero or more detections. Implementations
// must be safe for concurrent calls from multiple workers, although calls
// for a single camera are serialized by the pool.
type Detector interface {
	DetectObjects(cam defs.CameraID, frame *defs.Frame) ([]defs.Detection, error)
	Close()
}

// Params is the runtime-tunable detector surface.
type Params struct {
	MinConfidence float32 `json:"minConfidence"`
	Mode          string  `json:"mode"`
}

const (
	ModeMotion    = "motion"    // Difference against the previous frame
	ModeBrightest = "brightest" // Brightest region, no temporal state
)

// Per-pixel grayscale delta (or brightness, in "brightest" mode) that
// counts a pixel as part of the object.
const pixelThreshold = 40

// Blobs smaller than this many pixels are noise.
const minBlobPixels = 12

// MotionDetector is the reference detector: it finds the brightest moving
// blob by background differencing and reports its bounding box and
// centroid. It exists so the pipeline runs end to end without an external
// inference runtime; a neural detector plugs in behind the same interface.
type MotionDetector struct {
	lock sync.Mutex
	mode string
	prev map[defs.CameraID][]uint8 // Previous frame, grayscale
}

func NewMotionDetector(mode string) (*MotionDetector, error) {
	switch mode {
	case ModeMotion, ModeBrightest:
	case "":
		mode = ModeMotion
	default:
		return nil, fmt.Errorf("unknown detector mode '%v'", mode)
	}
	return &MotionDetector{
		mode: mode,
		prev: map[defs.CameraID][]uint8{},
	}, nil
}

func (d *MotionDetector) SetMode(mode string) error {
	switch mode {
	case ModeMotion, ModeBrightest:
	default:
		return fmt.Errorf("unknown detector mode '%v'", mode)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.mode = mode
	d.prev = map[defs.CameraID][]uint8{}
	return nil
}

func (d *MotionDetector) DetectObjects(cam defs.CameraID, frame *defs.Frame) ([]defs.Detection, error) {
	if frame.Image == nil || frame.Image.NChan() < 3 {
		return nil, fmt.Errorf("camera %v: unsupported frame format", cam)
	}
	gray := toGray(frame)

	d.lock.Lock()
	mode := d.mode
	prev := d.prev[cam]
	if mode == ModeMotion {
		d.prev[cam] = gray
	}
	d.lock.Unlock()

	var blob blobStats
	switch mode {
	case ModeBrightest:
		blob = scanBlob(gray, nil, frame.Width())
	default:
		if prev == nil || len(prev) != len(gray) {
			// First frame after start or a resolution change. No
			// reference to difference against yet.
			return nil, nil
		}
		blob = scanBlob(gray, prev, frame.Width())
	}

	if blob.count < minBlobPixels {
		return nil, nil
	}
	box := defs.Rect{
		X:      blob.minX,
		Y:      blob.minY,
		Width:  blob.maxX - blob.minX + 1,
		Height: blob.maxY - blob.minY + 1,
	}
	// Confidence rises with how much of the bounding box the hot pixels
	// actually fill. A tight round blob scores high, scattered noise low.
	area := box.Width * box.Height
	confidence := float32(blob.count) / float32(area)
	if confidence > 1 {
		confidence = 1
	}
	return []defs.Detection{{
		CameraID:   cam,
		FrameIndex: frame.FrameIndex,
		Box:        box,
		Confidence: confidence,
		Label:      "ball",
	}}, nil
}

func (d *MotionDetector) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.prev = map[defs.CameraID][]uint8{}
}

type blobStats struct {
	count                  int
	minX, minY, maxX, maxY int
}

// toGray extracts a grayscale plane from an RGB(A) frame.
func toGray(frame *defs.Frame) []uint8 {
	img := frame.Image
	width := img.Width
	height := img.Height
	nchan := img.NChan()
	out := make([]uint8, width*height)
	for y := 0; y < height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < width; x++ {
			p := x * nchan
			// Cheap luma. Exact weights don't matter for blob finding.
			out[y*width+x] = uint8((int(row[p]) + 2*int(row[p+1]) + int(row[p+2])) / 4)
		}
	}
	return out
}

// scanBlob accumulates the bounding box and pixel count of all pixels
// whose value (or delta against ref, when ref is non-nil) exceeds the
// threshold.
func scanBlob(gray, ref []uint8, width int) blobStats {
	blob := blobStats{minX: width, minY: len(gray) / width}
	for i, v := range gray {
		mag := int(v)
		if ref != nil {
			mag = int(v) - int(ref[i])
			if mag < 0 {
				mag = -mag
			}
		}
		if mag < pixelThreshold {
			continue
		}
		x := i % width
		y := i / width
		blob.count++
		if x < blob.minX {
			blob.minX = x
		}
		if x > blob.maxX {
			blob.maxX = x
		}
		if y < blob.minY {
			blob.minY = y
		}
		if y > blob.maxY {
			blob.maxY = y
		}
	}
	return blob
}
