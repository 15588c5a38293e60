package call

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// Device identifies one local video capture device.
type Device struct {
	ID    string
	Label string
}

// Capture is an acquired set of local media tracks.
type Capture interface {
	Tracks() []webrtc.TrackLocal
	// Live reports whether the underlying device is still delivering
	// frames. A capture that went stale must be re-acquired before a
	// reconnect attempt.
	Live() bool
	Close() error
}

// Source enumerates and opens local capture devices. Implementations
// wrap whatever the platform provides; tests substitute fakes.
type Source interface {
	VideoDevices() ([]Device, error)
	AcquireVideo(ctx context.Context, dev Device) (Capture, error)
	AcquireAudio(ctx context.Context) (Capture, error)
}

var errNoMedia = errors.New("no capture device available")

// acquireMedia walks the video devices in order and falls back to
// audio-only when none of them open. A device that fails never aborts
// the call on its own; only a fully media-less machine is fatal.
func acquireMedia(ctx context.Context, src Source, log *slog.Logger) (Capture, bool, error) {
	devices, err := src.VideoDevices()
	if err != nil {
		log.Warn("video device enumeration failed", "err", err)
	}

	for _, dev := range devices {
		capture, err := src.AcquireVideo(ctx, dev)
		if err != nil {
			log.Warn("video device unusable, trying next", "device", dev.Label, "err", err)
			continue
		}
		log.Info("video capture acquired", "device", dev.Label)
		return capture, true, nil
	}

	capture, err := src.AcquireAudio(ctx)
	if err != nil {
		return nil, false, &MediaError{Err: errors.Join(errNoMedia, err)}
	}
	log.Info("falling back to audio-only capture")
	return capture, false, nil
}
