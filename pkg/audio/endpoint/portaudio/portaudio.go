// Package portaudio implements [endpoint.Driver] on PortAudio through
// github.com/gordonklaus/portaudio.
//
// PortAudio has no route-change notification, so streams opened here never
// request a reset; callers that need one poll [Driver.Devices] and call
// [endpoint.Unit.HandleRouteChange] themselves.
package portaudio

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
)

// Compile-time interface assertions.
var (
	_ endpoint.Driver = (*Driver)(nil)
	_ endpoint.Stream = (*stream)(nil)
)

// Name is the registry name of the driver.
const Name = "portaudio"

// Driver holds one PortAudio initialisation. Call [Driver.Close] when done.
type Driver struct {
	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio.
func New() (*Driver, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.StatusNoDevice, err)
	}
	return &Driver{}, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return pa.Terminate()
}

// Name implements [endpoint.Driver].
func (d *Driver) Name() string { return Name }

// VoiceProcessingAvailable implements [endpoint.Driver].
func (d *Driver) VoiceProcessingAvailable() bool { return false }

// PreferredBufferFrames implements [endpoint.Driver]. It converts the default
// output device's low latency into frames at sampleRate.
func (d *Driver) PreferredBufferFrames(sampleRate int) int {
	dev, err := pa.DefaultOutputDevice()
	if err != nil || dev == nil {
		return 0
	}
	return int(dev.DefaultLowOutputLatency.Seconds() * float64(sampleRate))
}

// Devices implements [endpoint.Driver]. Device IDs are PortAudio device
// names.
func (d *Driver) Devices(dir endpoint.Direction) ([]endpoint.Device, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	def, _ := defaultDevice(dir)

	out := make([]endpoint.Device, 0, len(devices))
	for _, dev := range devices {
		ch := dev.MaxOutputChannels
		if dir == endpoint.Capture {
			ch = dev.MaxInputChannels
		}
		if ch <= 0 {
			continue
		}
		out = append(out, endpoint.Device{
			ID:                dev.Name,
			Name:              dev.Name,
			Direction:         dir,
			MaxChannels:       ch,
			DefaultSampleRate: int(dev.DefaultSampleRate),
			Default:           def != nil && dev.Name == def.Name,
		})
	}
	return out, nil
}

func defaultDevice(dir endpoint.Direction) (*pa.DeviceInfo, error) {
	if dir == endpoint.Capture {
		return pa.DefaultInputDevice()
	}
	return pa.DefaultOutputDevice()
}

func findDevice(dir endpoint.Direction, id string) (*pa.DeviceInfo, error) {
	if id == "" {
		dev, err := defaultDevice(dir)
		if err != nil {
			return nil, fmt.Errorf("portaudio: default %s device: %w: %w", dir, audio.StatusNoDevice, err)
		}
		return dev, nil
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, dev := range devices {
		if dev.Name == id {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("portaudio: device %q: %w", id, audio.StatusNoDevice)
}

// Open implements [endpoint.Driver].
func (d *Driver) Open(cfg endpoint.StreamConfig, cb endpoint.Callbacks) (endpoint.Stream, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("portaudio: %w", audio.StatusDisposed)
	}

	dir := cfg.Kind.Direction
	dev, err := findDevice(dir, cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	s := &stream{cfg: cfg, cb: cb, channels: cfg.Format.Channels}
	params := pa.StreamParameters{
		SampleRate:      float64(cfg.Format.SampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
	}
	var callback any
	if dir == endpoint.Capture {
		params.Input = pa.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		}
		callback = s.capture
	} else {
		params.Output = pa.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Format.Channels,
			Latency:  dev.DefaultLowOutputLatency,
		}
		callback = s.render
	}

	ps, err := pa.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open %s stream on %q: %w: %w", dir, dev.Name, audio.StatusDeviceBusy, err)
	}
	s.ps = ps
	return s, nil
}

type stream struct {
	cfg      endpoint.StreamConfig
	cb       endpoint.Callbacks
	ps       *pa.Stream
	channels int

	mu      sync.Mutex
	started bool
	closed  bool
}

// int16Bytes views samples as little-endian bytes. Every platform PortAudio
// supports here is little-endian.
func int16Bytes(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(samples))), len(samples)*2)
}

func (s *stream) render(out []int16) {
	s.cb.Process(nil, int16Bytes(out), len(out)/s.channels)
}

func (s *stream) capture(in []int16) {
	s.cb.Process(int16Bytes(in), nil, len(in)/s.channels)
}

func (s *stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("portaudio: start: %w", audio.StatusDisposed)
	}
	if s.started {
		return nil
	}
	if err := s.ps.Start(); err != nil {
		return fmt.Errorf("portaudio: start: %w: %w", audio.StatusDeviceBusy, err)
	}
	s.started = true
	return nil
}

func (s *stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *stream) stopLocked() error {
	if !s.started {
		return nil
	}
	s.started = false
	if err := s.ps.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.stopLocked(); err != nil {
		_ = s.ps.Close()
		return err
	}
	if err := s.ps.Close(); err != nil {
		return fmt.Errorf("portaudio: close: %w", err)
	}
	return nil
}

func (s *stream) Format() audio.Format {
	f := s.cfg.Format
	if info := s.ps.Info(); info != nil && info.SampleRate > 0 {
		f.SampleRate = int(info.SampleRate)
	}
	return f
}

func (s *stream) Latency() time.Duration {
	info := s.ps.Info()
	if info == nil {
		return 0
	}
	if s.cfg.Kind.Direction == endpoint.Capture {
		return info.InputLatency
	}
	return info.OutputLatency
}
