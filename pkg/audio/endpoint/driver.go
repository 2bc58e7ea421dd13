// Package endpoint binds a hardware capture or render device to the engine's
// real-time callback contracts.
//
// A [Unit] is parameterised by a [Kind] (direction × mode) instead of having a
// type per variant. The hardware itself is reached through a [Driver]; the
// malgo, portaudio and virtual sub-packages provide implementations. Drivers
// only move bytes: arming, quiescence, buffer validation and delegate
// dispatch all live in the Unit so that every driver behaves the same.
package endpoint

import (
	"fmt"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
)

// Direction selects whether an endpoint captures or renders audio.
type Direction int

const (
	// Render endpoints pull audio from a [audio.FrameSource] and play it.
	Render Direction = iota
	// Capture endpoints push recorded audio to a [audio.FrameSink].
	Capture
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Render:
		return "render"
	case Capture:
		return "capture"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Mode selects plain I/O or OS-provided voice processing (echo cancellation
// and noise suppression).
type Mode int

const (
	Plain Mode = iota
	VoiceProcessing
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Plain:
		return "plain"
	case VoiceProcessing:
		return "voice-processing"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Kind is the {direction, mode} tag that parameterises a [Unit].
type Kind struct {
	Direction Direction
	Mode      Mode
}

// String returns e.g. "render/plain".
func (k Kind) String() string {
	return k.Direction.String() + "/" + k.Mode.String()
}

// Device describes one hardware device as reported by [Driver.Devices].
type Device struct {
	ID                string
	Name              string
	Direction         Direction
	MaxChannels       int
	DefaultSampleRate int
	Default           bool
}

// StreamConfig is what a [Unit] asks a [Driver] to open.
type StreamConfig struct {
	Kind            Kind
	Format          audio.Format
	FramesPerBuffer int

	// DeviceID selects a device from [Driver.Devices]. Empty selects the
	// system default.
	DeviceID string
}

// Callbacks are installed by the [Unit] when it opens a stream.
type Callbacks struct {
	// Process is invoked on the driver's real-time thread once per buffer.
	// For capture streams in holds the captured samples and out is nil; for
	// render streams out must be filled and in is nil. frames is the number
	// of frames the buffer holds.
	Process func(in, out []byte, frames int)

	// Reset is invoked when the device disappears or the OS route changes
	// underneath the stream. Drivers call it from a non-real-time goroutine.
	Reset func()
}

// Stream is an opened device stream.
type Stream interface {
	// Start begins invoking the process callback.
	Start() error
	// Stop halts the callback. The stream can be started again.
	Stop() error
	// Close releases the device. The stream is unusable afterwards.
	Close() error
	// Format returns the negotiated stream format, which may differ from the
	// requested one in sample rate.
	Format() audio.Format
	// Latency returns the reported device latency for the stream direction.
	Latency() time.Duration
}

// Driver opens streams on one audio backend.
type Driver interface {
	// Name identifies the backend, e.g. "malgo".
	Name() string

	// VoiceProcessingAvailable reports whether streams may be opened in
	// [VoiceProcessing] mode.
	VoiceProcessingAvailable() bool

	// PreferredBufferFrames returns the buffer size the backend prefers at
	// sampleRate, or 0 when it has no preference.
	PreferredBufferFrames(sampleRate int) int

	// Devices enumerates the devices for dir.
	Devices(dir Direction) ([]Device, error)

	// Open opens a stream. Failures carry an [audio.Status] when the backend
	// can classify them.
	Open(cfg StreamConfig, cb Callbacks) (Stream, error)
}

// IsVoiceProcessingAvailable reports whether d supports [VoiceProcessing]
// mode. Callers query this before asking for that mode.
func IsVoiceProcessingAvailable(d Driver) bool {
	return d != nil && d.VoiceProcessingAvailable()
}
