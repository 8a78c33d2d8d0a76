package camera

import (
	"github.com/berginj/PitchTracker-sub000/server/config"
)

func configFor(serial string, width, height, fps int) config.Camera {
	return config.Camera{
		Serial: serial,
		Driver: "sim",
		Width:  width,
		Height: height,
		FPS:    fps,
	}
}
