package audio

import (
	"fmt"
	"runtime"
)

// Media defaults for voice endpoints: 16-bit mono PCM. Mobile platforms run
// the hardware at 32 kHz, desktop platforms at 44.1 kHz.
const (
	DefaultBitsPerChannel = 16
	DefaultChannels       = 1

	mobileSampleRate  = 32000
	desktopSampleRate = 44100
)

// Format describes the sample rate, sample width and channel count of an
// interleaved little-endian PCM stream.
type Format struct {
	SampleRate     int
	BitsPerChannel int
	Channels       int
}

// DefaultMediaFormat returns the format endpoints negotiate when the caller
// leaves the format unset.
func DefaultMediaFormat() Format {
	rate := desktopSampleRate
	if IsMobilePlatform() {
		rate = mobileSampleRate
	}
	return Format{
		SampleRate:     rate,
		BitsPerChannel: DefaultBitsPerChannel,
		Channels:       DefaultChannels,
	}
}

// IsMobilePlatform reports whether the process runs on a mobile OS. Desktop
// only capabilities (device selection, preferred buffer size) are unavailable
// there.
func IsMobilePlatform() bool {
	return runtime.GOOS == "android" || runtime.GOOS == "ios"
}

// BytesPerFrame returns the size in bytes of one frame (one sample for every
// channel).
func (f Format) BytesPerFrame() int {
	return f.BitsPerChannel / 8 * f.Channels
}

// BytesPerSecond returns the data rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.BytesPerFrame() * f.SampleRate
}

// IsZero reports whether f is the zero value.
func (f Format) IsZero() bool {
	return f == Format{}
}

// Validate reports whether the engine can mix audio in format f. Only 16-bit
// PCM with one or two channels at a sample rate between 8 kHz and 192 kHz is
// supported.
func (f Format) Validate() error {
	if f.BitsPerChannel != 16 {
		return fmt.Errorf("%w: %d bits per channel", StatusUnsupportedFormat, f.BitsPerChannel)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("%w: %d channels", StatusUnsupportedFormat, f.Channels)
	}
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return fmt.Errorf("%w: %d Hz", StatusUnsupportedFormat, f.SampleRate)
	}
	return nil
}

// String returns a human-readable form, e.g. "44100Hz mono s16".
func (f Format) String() string {
	return fmt.Sprintf("%s s%d", formatString(f.SampleRate, f.Channels), f.BitsPerChannel)
}
