// Package audio defines the shared types and capability interfaces of the
// cadence real-time audio engine.
//
// The engine has two execution domains:
//
//   - the real-time domain, where a hardware driver invokes [FrameSink] and
//     [FrameSource] once per buffer period and every call must complete within
//     that deadline without blocking, allocating, or contending on locks held
//     by control code;
//   - the control domain, where setup, teardown, pool management and playback
//     scheduling run with ordinary synchronisation.
//
// Implementations of the interfaces below are provided by the endpoint, mixer
// and player packages. The interfaces are intentionally narrow so that a
// component only implements the capability it actually has.
//
// This package lives under pkg/ because external code (custom drivers, custom
// sources) is expected to implement [FrameSink] and [FrameSource].
package audio

import "time"

// MaxFramesPerSlice bounds the number of frames a driver may request in a
// single real-time callback. Buffers that back the real-time path are sized
// for this many frames up front so that the callback never allocates.
const MaxFramesPerSlice = 4096

// Timestamp identifies the position of a callback buffer on the audio clock.
type Timestamp struct {
	// SampleTime is the running frame count of the stream at the first frame
	// of the buffer.
	SampleTime uint64

	// HostTime is the monotonic host clock reading when the buffer was
	// scheduled, relative to stream start.
	HostTime time.Duration
}

// FrameSink consumes captured audio. A capture endpoint calls OnFrames once per
// buffer period with the newly captured samples.
//
// OnFrames runs on the real-time thread: it must not block or allocate and it
// must not retain buf after returning. Errors are reported through the
// returned [Status], never by panicking.
type FrameSink interface {
	OnFrames(unitID uint32, frameCount int, format Format, ts Timestamp, buf []byte) Status
}

// FrameSource produces audio for playback. A render endpoint calls GetFrame
// once per buffer period and expects buf to be filled in place with
// frameCount frames in format.
//
// GetFrame runs on the real-time thread: it must not block or allocate. When
// no data is available it returns [StatusUnderrun] instead of waiting; the
// caller then plays silence.
type FrameSource interface {
	GetFrame(unitID uint32, frameCount int, format Format, ts Timestamp, buf []byte) Status
}

// SinkFunc adapts an ordinary function to the [FrameSink] interface.
type SinkFunc func(unitID uint32, frameCount int, format Format, ts Timestamp, buf []byte) Status

// OnFrames calls f.
func (f SinkFunc) OnFrames(unitID uint32, frameCount int, format Format, ts Timestamp, buf []byte) Status {
	return f(unitID, frameCount, format, ts, buf)
}

// SourceFunc adapts an ordinary function to the [FrameSource] interface.
type SourceFunc func(unitID uint32, frameCount int, format Format, ts Timestamp, buf []byte) Status

// GetFrame calls f.
func (f SourceFunc) GetFrame(unitID uint32, frameCount int, format Format, ts Timestamp, buf []byte) Status {
	return f(unitID, frameCount, format, ts, buf)
}
