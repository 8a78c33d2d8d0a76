package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
)

// simDevice is a synthetic camera used by the demo config and by tests
// that exercise the full pipeline without hardware. It renders a dark
// frame with one bright ball moving across the view at a constant speed,
// paced at the configured fps.
type simDevice struct {
	serial string

	lock      sync.Mutex
	width     int
	height    int
	fps       int
	frameNum  int64
	closed    bool
	lastFrame time.Time
}

func openSim(cfg config.Camera) (Device, error) {
	return &simDevice{
		serial: cfg.Serial,
		width:  640,
		height: 480,
		fps:    30,
	}, nil
}

func (d *simDevice) Serial() string {
	return d.serial
}

func (d *simDevice) Configure(cfg config.Camera) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if cfg.Width > 0 {
		d.width = cfg.Width
	}
	if cfg.Height > 0 {
		d.height = cfg.Height
	}
	if cfg.FPS > 0 {
		d.fps = cfg.FPS
	}
	return nil
}

func (d *simDevice) Read(timeout time.Duration) (*cimg.Image, error) {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil, fmt.Errorf("device %v is closed", d.serial)
	}
	interval := time.Second / time.Duration(d.fps)
	wait := time.Duration(0)
	now := time.Now()
	if !d.lastFrame.IsZero() {
		next := d.lastFrame.Add(interval)
		if next.After(now) {
			wait = next.Sub(now)
		}
	}
	if wait > timeout {
		d.lock.Unlock()
		return nil, fmt.Errorf("timeout waiting for frame from %v", d.serial)
	}
	d.lastFrame = now.Add(wait)
	frameNum := d.frameNum
	d.frameNum++
	width, height := d.width, d.height
	d.lock.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	return renderSimFrame(width, height, frameNum), nil
}

func (d *simDevice) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.closed = true
}

// renderSimFrame draws a bright disc tracking a sine path across the view.
func renderSimFrame(width, height int, frameNum int64) *cimg.Image {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	// Dim gray background with a little per-frame variation, so motion
	// detectors have a realistic (non-zero) noise floor.
	bg := byte(24 + frameNum%3)
	for i := range img.Pixels {
		img.Pixels[i] = bg
	}
	t := float32(frameNum%120) / 120
	cx := int(t * float32(width))
	cy := height/2 + int(math32.Sin(t*2*math32.Pi)*float32(height)/8)
	radius := width / 40
	if radius < 3 {
		radius = 3
	}
	for y := cy - radius; y <= cy+radius; y++ {
		if y < 0 || y >= height {
			continue
		}
		for x := cx - radius; x <= cx+radius; x++ {
			if x < 0 || x >= width {
				continue
			}
			dx := float32(x - cx)
			dy := float32(y - cy)
			if math32.Sqrt(dx*dx+dy*dy) <= float32(radius) {
				p := (y*img.Stride) + x*3
				img.Pixels[p] = 255
				img.Pixels[p+1] = 250
				img.Pixels[p+2] = 240
			}
		}
	}
	return img
}
