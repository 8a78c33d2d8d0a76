package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "pitchtrack.json")
	require.NoError(t, os.WriteFile(fn, []byte(body), 0644))
	return fn
}

func TestDefaultsOverlay(t *testing.T) {
	fn := writeConfig(t, `{
		"cameras": [
			{"serial": "CAM-A", "driver": "sim", "width": 640, "height": 480, "fps": 60},
			{"serial": "CAM-B", "driver": "sim", "width": 640, "height": 480, "fps": 60}
		],
		"recording": {"storagePath": "/tmp/pitchtrack-test"},
		"reconnect": {"maxAttempts": 7}
	}`)
	cfg, err := Load(fn)
	require.NoError(t, err)

	// Overridden value
	require.Equal(t, 7, cfg.Reconnect.MaxAttempts)
	// Untouched defaults survive the overlay
	require.Equal(t, 1.0, cfg.Reconnect.BaseDelaySec)
	require.Equal(t, 6, cfg.Detection.QueueDepth)
	require.Equal(t, []string{"mjpeg", "imgseq"}, cfg.Recording.Codecs)
}

func TestValidation(t *testing.T) {
	fn := writeConfig(t, `{
		"cameras": [{"serial": "CAM-A", "fps": 60}],
		"recording": {"storagePath": "/tmp/x"}
	}`)
	_, err := Load(fn)
	require.ErrorContains(t, err, "exactly 2 cameras")

	fn = writeConfig(t, `{
		"cameras": [
			{"serial": "CAM-A", "fps": 60},
			{"serial": "", "fps": 60}
		],
		"recording": {"storagePath": "/tmp/x"}
	}`)
	_, err = Load(fn)
	require.ErrorContains(t, err, "no serial")

	fn = writeConfig(t, `{
		"cameras": [
			{"serial": "CAM-A", "fps": 60},
			{"serial": "CAM-B", "fps": 60}
		],
		"recording": {"storagePath": ""}
	}`)
	_, err = Load(fn)
	require.ErrorContains(t, err, "storagePath")
}

func TestMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.json")
	require.Error(t, err)
}
