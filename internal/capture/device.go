package capture

import (
	"errors"
	"fmt"
)

// ErrNoInputDevice is returned when no capture device can be opened.
var ErrNoInputDevice = errors.New("capture: no input device available")

// StreamConfig describes the sample format requested from a device
type StreamConfig struct {
	SampleRate int
	Channels   int
	// BufferFrames is the number of frames (samples per channel) passed to
	// each data callback.
	BufferFrames int
}

// Validate checks the stream configuration
func (c StreamConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BufferFrames <= 0 {
		return fmt.Errorf("buffer frames must be positive, got %d", c.BufferFrames)
	}
	return nil
}

// DataCallback receives interleaved samples normalized to [-1, 1]. The slice
// is reused after the callback returns; it must not block.
type DataCallback func(samples []float32)

// ErrorCallback receives device failures that occur after the stream started.
type ErrorCallback func(err error)

// Host enumerates capture devices
type Host interface {
	DefaultInputDevice() (Device, error)
}

// Device is a capture device
type Device interface {
	Name() string
	BuildInputStream(cfg StreamConfig, onData DataCallback, onError ErrorCallback) (Stream, error)
}

// Stream is a running (or ready) input stream
type Stream interface {
	Start() error
	// Stop halts the stream. No callback runs after Stop returns.
	Stop() error
	// Done is closed once the stream has ended for any reason.
	Done() <-chan struct{}
}
