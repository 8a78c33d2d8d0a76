// Package camera abstracts the physical camera devices that the capture
// service reads from. A device is opened by its stable serial identifier,
// configured, and then read frame by frame. Reconnection logic lives in
// the capture service; this package only knows how to open, read, and
// close one device.
package camera

import (
	"fmt"
	"time"

	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/bmharper/cimg/v2"
)

// Device is one open camera.
//
// Read blocks until the next frame arrives, or the timeout expires. The
// returned image is owned by the caller; the device never writes into it
// again.
type Device interface {
	Serial() string
	Configure(cfg config.Camera) error
	Read(timeout time.Duration) (*cimg.Image, error)
	Close()
}

// OpenFunc opens a device by serial. cfg carries the driver-specific
// source information (eg the RTSP URL).
type OpenFunc func(cfg config.Camera) (Device, error)

var drivers = map[string]OpenFunc{}

// RegisterDriver makes a driver available to Open. Called from init() by
// each driver implementation, and by tests that inject fakes.
func RegisterDriver(name string, open OpenFunc) {
	drivers[name] = open
}

// Open opens the device described by cfg, using its configured driver,
// and applies the configuration before returning.
func Open(cfg config.Camera) (Device, error) {
	open := drivers[cfg.Driver]
	if open == nil {
		return nil, fmt.Errorf("unknown camera driver '%v'", cfg.Driver)
	}
	dev, err := open(cfg)
	if err != nil {
		return nil, err
	}
	if err := dev.Configure(cfg); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

func init() {
	RegisterDriver("sim", openSim)
	RegisterDriver("rtsp", openRTSP)
}
