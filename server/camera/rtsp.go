package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bmharper/cimg/v2"
	"github.com/pion/rtp"
)

// rtspDevice reads an M-JPEG track from an RTSP camera. We use M-JPEG
// rather than H264 because our recording path re-compresses individual
// frames anyway, and M-JPEG gives us whole frames without a stateful
// decoder.
//
// Incoming frames land in a 1-deep latest-wins slot. If Read is slower
// than the camera, we keep only the newest frame; the capture service's
// stall detector handles the case where nothing arrives at all.
type rtspDevice struct {
	serial string
	url    string
	client *gortsplib.Client

	frameLock sync.Mutex
	frame     *cimg.Image
	frameSeq  int64
	frameCond *sync.Cond
	closed    bool
}

func openRTSP(cfg config.Camera) (Device, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("camera %v: rtsp driver requires a url", cfg.Serial)
	}
	d := &rtspDevice{
		serial: cfg.Serial,
		url:    cfg.URL,
	}
	d.frameCond = sync.NewCond(&d.frameLock)
	if err := d.connect(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *rtspDevice) connect() error {
	client := &gortsplib.Client{}
	u, err := base.ParseURL(d.url)
	if err != nil {
		return fmt.Errorf("invalid RTSP url for camera %v: %w", d.serial, err)
	}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("camera %v: failed to start RTSP client: %w", d.serial, err)
	}
	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return fmt.Errorf("camera %v: DESCRIBE failed: %w", d.serial, err)
	}
	var mjpeg *format.MJPEG
	medi := desc.FindFormat(&mjpeg)
	if medi == nil {
		client.Close()
		return fmt.Errorf("camera %v: no M-JPEG track found", d.serial)
	}
	decoder, err := mjpeg.CreateDecoder()
	if err != nil {
		client.Close()
		return fmt.Errorf("camera %v: failed to create M-JPEG decoder: %w", d.serial, err)
	}
	if _, err := client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		client.Close()
		return fmt.Errorf("camera %v: SETUP failed: %w", d.serial, err)
	}
	client.OnPacketRTP(medi, mjpeg, func(pkt *rtp.Packet) {
		jpeg, err := decoder.Decode(pkt)
		if err != nil {
			// Partial access units are normal at stream start
			return
		}
		img, err := cimg.Decompress(jpeg)
		if err != nil {
			return
		}
		d.frameLock.Lock()
		d.frame = img
		d.frameSeq++
		d.frameCond.Broadcast()
		d.frameLock.Unlock()
	})
	if _, err := client.Play(nil); err != nil {
		client.Close()
		return fmt.Errorf("camera %v: PLAY failed: %w", d.serial, err)
	}
	d.client = client
	return nil
}

func (d *rtspDevice) Serial() string {
	return d.serial
}

// Configure is a no-op for RTSP cameras: resolution and fps are decided
// by the camera's stream profile, not negotiated by the client.
func (d *rtspDevice) Configure(cfg config.Camera) error {
	return nil
}

func (d *rtspDevice) Read(timeout time.Duration) (*cimg.Image, error) {
	deadline := time.Now().Add(timeout)

	// sync.Cond has no wait-with-timeout, so we get woken by a timer
	// goroutine if the deadline passes. The timer also fires Broadcast on
	// Close, via the closed flag check below.
	timer := time.AfterFunc(timeout, func() {
		d.frameLock.Lock()
		d.frameCond.Broadcast()
		d.frameLock.Unlock()
	})
	defer timer.Stop()

	d.frameLock.Lock()
	defer d.frameLock.Unlock()
	startSeq := d.frameSeq
	for {
		if d.closed {
			return nil, fmt.Errorf("device %v is closed", d.serial)
		}
		if d.frameSeq != startSeq && d.frame != nil {
			return d.frame, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for frame from %v", d.serial)
		}
		d.frameCond.Wait()
	}
}

func (d *rtspDevice) Close() {
	d.frameLock.Lock()
	d.closed = true
	d.frameCond.Broadcast()
	d.frameLock.Unlock()
	if d.client != nil {
		d.client.Close()
	}
}
