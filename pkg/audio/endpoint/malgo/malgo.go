// Package malgo implements [endpoint.Driver] on miniaudio through
// github.com/gen2brain/malgo.
//
// miniaudio reports an unexpected device stop (unplugged headset, default
// device switched) through its stop callback. The driver turns that into the
// endpoint reset notification so the unit can rebuild its stream.
package malgo

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
)

// Compile-time interface assertions.
var (
	_ endpoint.Driver = (*Driver)(nil)
	_ endpoint.Stream = (*stream)(nil)
)

// Name is the registry name of the driver.
const Name = "malgo"

// defaultPeriods is miniaudio's default number of periods per buffer.
const defaultPeriods = 3

// Driver owns one miniaudio context. Call [Driver.Close] when done.
type Driver struct {
	mu  sync.Mutex
	ctx *ma.AllocatedContext
}

// New initialises a miniaudio context on the platform's default backends.
func New() (*Driver, error) {
	ctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %w", audio.StatusNoDevice, err)
	}
	return &Driver{ctx: ctx}, nil
}

// Close releases the miniaudio context. Streams must be closed first.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

// Name implements [endpoint.Driver].
func (d *Driver) Name() string { return Name }

// VoiceProcessingAvailable implements [endpoint.Driver]. miniaudio exposes
// no echo cancellation.
func (d *Driver) VoiceProcessingAvailable() bool { return false }

// PreferredBufferFrames implements [endpoint.Driver]: miniaudio's 10 ms
// default period.
func (d *Driver) PreferredBufferFrames(sampleRate int) int { return sampleRate / 100 }

// Devices implements [endpoint.Driver].
func (d *Driver) Devices(dir endpoint.Direction) ([]endpoint.Device, error) {
	infos, err := d.infos(dir)
	if err != nil {
		return nil, err
	}
	out := make([]endpoint.Device, 0, len(infos))
	for _, info := range infos {
		dev := endpoint.Device{
			ID:        info.ID.String(),
			Name:      info.Name(),
			Direction: dir,
			Default:   info.IsDefault != 0,
		}
		// Enumeration leaves the native formats empty; they need a
		// per-device query.
		if full, err := d.detail(dir, info.ID); err != nil {
			slog.Debug("malgo: device info unavailable", "device", dev.Name, "err", err)
		} else {
			dev.MaxChannels, dev.DefaultSampleRate = nativeCaps(full.Formats[:min(int(full.FormatCount), len(full.Formats))])
		}
		out = append(out, dev)
	}
	return out, nil
}

func (d *Driver) detail(dir endpoint.Direction, id ma.DeviceID) (ma.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return ma.DeviceInfo{}, fmt.Errorf("malgo: %w", audio.StatusDisposed)
	}
	return d.ctx.DeviceInfo(deviceType(dir), id, ma.Shared)
}

// nativeCaps reduces a device's native formats to the widest channel count
// and the sample rate of the first format that names one. miniaudio reports
// 0 for "any", which is skipped.
func nativeCaps(formats []ma.DataFormat) (maxChannels, sampleRate int) {
	for _, f := range formats {
		maxChannels = max(maxChannels, int(f.Channels))
		if sampleRate == 0 && f.SampleRate != 0 {
			sampleRate = int(f.SampleRate)
		}
	}
	return maxChannels, sampleRate
}

func (d *Driver) infos(dir endpoint.Direction) ([]ma.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil, fmt.Errorf("malgo: %w", audio.StatusDisposed)
	}
	infos, err := d.ctx.Devices(deviceType(dir))
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate %s devices: %w", dir, err)
	}
	return infos, nil
}

func deviceType(dir endpoint.Direction) ma.DeviceType {
	if dir == endpoint.Capture {
		return ma.Capture
	}
	return ma.Playback
}

// Open implements [endpoint.Driver].
func (d *Driver) Open(cfg endpoint.StreamConfig, cb endpoint.Callbacks) (endpoint.Stream, error) {
	dir := cfg.Kind.Direction
	dc := ma.DefaultDeviceConfig(deviceType(dir))
	sub := &dc.Playback
	if dir == endpoint.Capture {
		sub = &dc.Capture
	}
	sub.Format = ma.FormatS16
	sub.Channels = uint32(cfg.Format.Channels)
	dc.SampleRate = uint32(cfg.Format.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.FramesPerBuffer)

	if cfg.DeviceID != "" {
		infos, err := d.infos(dir)
		if err != nil {
			return nil, err
		}
		found := false
		for i := range infos {
			if infos[i].ID.String() == cfg.DeviceID || infos[i].Name() == cfg.DeviceID {
				sub.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("malgo: device %q: %w", cfg.DeviceID, audio.StatusNoDevice)
		}
	}

	s := &stream{cfg: cfg, cb: cb}
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil {
		return nil, fmt.Errorf("malgo: %w", audio.StatusDisposed)
	}
	dev, err := ma.InitDevice(ctx.Context, dc, ma.DeviceCallbacks{
		Data: s.data,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init %s device: %w: %w", dir, audio.StatusDeviceBusy, err)
	}
	s.dev = dev

	periods := int(dc.Periods)
	if periods <= 0 {
		periods = defaultPeriods
	}
	s.latency = time.Duration(cfg.FramesPerBuffer*periods) * time.Second / time.Duration(max(int(dev.SampleRate()), 1))
	return s, nil
}

type stream struct {
	cfg     endpoint.StreamConfig
	cb      endpoint.Callbacks
	dev     *ma.Device
	latency time.Duration

	started  atomic.Bool
	stopping atomic.Bool
	closed   atomic.Bool
}

func (s *stream) data(out, in []byte, frames uint32) {
	if s.cfg.Kind.Direction == endpoint.Capture {
		s.cb.Process(in, nil, int(frames))
		return
	}
	s.cb.Process(nil, out, int(frames))
}

// onStop runs when miniaudio stopped the device. A stop not requested by
// Stop or Close means the device went away.
func (s *stream) onStop() {
	if s.stopping.Load() || s.closed.Load() || !s.started.Load() {
		return
	}
	s.started.Store(false)
	if s.cb.Reset != nil {
		go s.cb.Reset()
	}
}

func (s *stream) Start() error {
	if s.closed.Load() {
		return fmt.Errorf("malgo: start: %w", audio.StatusDisposed)
	}
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start: %w: %w", audio.StatusDeviceBusy, err)
	}
	s.started.Store(true)
	return nil
}

func (s *stream) Stop() error {
	if !s.started.Load() {
		return nil
	}
	s.stopping.Store(true)
	defer s.stopping.Store(false)
	s.started.Store(false)
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.Stop()
	s.dev.Uninit()
	return err
}

func (s *stream) Format() audio.Format {
	ch := s.dev.PlaybackChannels()
	if s.cfg.Kind.Direction == endpoint.Capture {
		ch = s.dev.CaptureChannels()
	}
	return audio.Format{
		SampleRate:     int(s.dev.SampleRate()),
		BitsPerChannel: 16,
		Channels:       int(ch),
	}
}

func (s *stream) Latency() time.Duration { return s.latency }
