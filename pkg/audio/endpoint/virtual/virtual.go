// Package virtual provides a headless [endpoint.Driver] paced by a ticker.
//
// It is used on servers without sound hardware and in integration tests: a
// render stream pulls buffers at the real-time rate and hands them to an
// optional tap, a capture stream delivers buffers produced by an optional
// generator (silence by default).
package virtual

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
)

// Compile-time interface assertions.
var (
	_ endpoint.Driver = (*Driver)(nil)
	_ endpoint.Stream = (*stream)(nil)
)

// Name is the registry name of the driver.
const Name = "virtual"

// Option configures a [Driver].
type Option func(*Driver)

// WithVoiceProcessing makes the driver accept voice-processing streams. The
// virtual driver applies no processing; the mode only passes through.
func WithVoiceProcessing(on bool) Option {
	return func(d *Driver) { d.vp = on }
}

// WithRenderTap sets a function that receives every rendered buffer. The
// slice is reused after tap returns.
func WithRenderTap(tap func(pcm []byte)) Option {
	return func(d *Driver) { d.tap = tap }
}

// WithCaptureGenerator sets a function that fills every capture buffer.
func WithCaptureGenerator(gen func(pcm []byte)) Option {
	return func(d *Driver) { d.gen = gen }
}

// Driver is a clock-driven endpoint backend with no hardware behind it.
type Driver struct {
	vp  bool
	tap func([]byte)
	gen func([]byte)
}

// New creates a virtual driver.
func New(opts ...Option) *Driver {
	d := &Driver{}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name implements [endpoint.Driver].
func (d *Driver) Name() string { return Name }

// VoiceProcessingAvailable implements [endpoint.Driver].
func (d *Driver) VoiceProcessingAvailable() bool { return d.vp }

// PreferredBufferFrames implements [endpoint.Driver]: 20 ms.
func (d *Driver) PreferredBufferFrames(sampleRate int) int { return sampleRate / 50 }

// Devices implements [endpoint.Driver]. There is one default device per
// direction.
func (d *Driver) Devices(dir endpoint.Direction) ([]endpoint.Device, error) {
	return []endpoint.Device{{
		ID:                "virtual-" + dir.String(),
		Name:              "Virtual " + dir.String(),
		Direction:         dir,
		MaxChannels:       2,
		DefaultSampleRate: audio.DefaultMediaFormat().SampleRate,
		Default:           true,
	}}, nil
}

// Open implements [endpoint.Driver].
func (d *Driver) Open(cfg endpoint.StreamConfig, cb endpoint.Callbacks) (endpoint.Stream, error) {
	if cfg.DeviceID != "" && cfg.DeviceID != "virtual-"+cfg.Kind.Direction.String() {
		return nil, fmt.Errorf("virtual: device %q: %w", cfg.DeviceID, audio.StatusNoDevice)
	}
	if cfg.FramesPerBuffer <= 0 || cfg.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("virtual: %d frames at %d Hz: %w", cfg.FramesPerBuffer, cfg.Format.SampleRate, audio.StatusUnsupportedFormat)
	}
	return &stream{
		cfg:    cfg,
		cb:     cb,
		tap:    d.tap,
		gen:    d.gen,
		buf:    make([]byte, cfg.FramesPerBuffer*cfg.Format.BytesPerFrame()),
		period: time.Duration(cfg.FramesPerBuffer) * time.Second / time.Duration(cfg.Format.SampleRate),
	}, nil
}

type stream struct {
	cfg    endpoint.StreamConfig
	cb     endpoint.Callbacks
	tap    func([]byte)
	gen    func([]byte)
	buf    []byte
	period time.Duration

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func (s *stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("virtual: start: %w", audio.StatusDisposed)
	}
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

func (s *stream) run(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.cycle()
		}
	}
}

func (s *stream) cycle() {
	frames := s.cfg.FramesPerBuffer
	if s.cfg.Kind.Direction == endpoint.Render {
		s.cb.Process(nil, s.buf, frames)
		if s.tap != nil {
			s.tap(s.buf)
		}
		return
	}
	if s.gen != nil {
		s.gen(s.buf)
	} else {
		audio.Silence(s.buf)
	}
	s.cb.Process(s.buf, nil, frames)
}

func (s *stream) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *stream) Close() error {
	err := s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

func (s *stream) Format() audio.Format { return s.cfg.Format }

func (s *stream) Latency() time.Duration { return s.period }
