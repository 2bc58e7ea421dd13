// Package mock provides in-memory implementations of the audio engine's
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The mock [Driver] never runs a real-time thread of its own. Tests drive the
// callback deterministically through [Stream.Render] and [Stream.Capture]:
//
//	drv := &mock.Driver{}
//	u := endpoint.New(drv, endpoint.Config{Kind: endpoint.Kind{Direction: endpoint.Render}})
//	_ = u.Setup(ctx)
//	_ = u.Start()
//	pcm := drv.LastStream().Render(441)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
	"github.com/MrWong99/cadence/pkg/audio/frame"
	"github.com/MrWong99/cadence/pkg/audio/mixer"
)

// ─── Driver ───────────────────────────────────────────────────────────────────

// Driver is a mock implementation of [endpoint.Driver].
// Set the exported fields before use; inspect the Call* fields after.
type Driver struct {
	mu sync.Mutex

	// NameResult is returned by [Driver.Name]. Defaults to "mock".
	NameResult string

	// VoiceProcessing is returned by [Driver.VoiceProcessingAvailable].
	VoiceProcessing bool

	// Preferred is returned by [Driver.PreferredBufferFrames].
	Preferred int

	// DeviceList is returned by [Driver.Devices], filtered by direction.
	DeviceList []endpoint.Device

	// OpenErr, when non-nil, is returned by [Driver.Open].
	OpenErr error

	// OpenErrs is consumed front to back before OpenErr is consulted, so a
	// test can fail the first attempts and succeed later ones.
	OpenErrs []error

	// NegotiatedRate, when non-zero, replaces the requested sample rate in
	// the format reported by opened streams.
	NegotiatedRate int

	// StartErr is returned by [Stream.Start] of every opened stream.
	StartErr error

	// StreamLatency is returned by [Stream.Latency] of every opened stream.
	StreamLatency time.Duration

	// OpenCalls records the configuration of every Open invocation.
	OpenCalls []endpoint.StreamConfig

	streams []*Stream
}

var _ endpoint.Driver = (*Driver)(nil)

// Name implements [endpoint.Driver].
func (d *Driver) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NameResult == "" {
		return "mock"
	}
	return d.NameResult
}

// VoiceProcessingAvailable implements [endpoint.Driver].
func (d *Driver) VoiceProcessingAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.VoiceProcessing
}

// PreferredBufferFrames implements [endpoint.Driver].
func (d *Driver) PreferredBufferFrames(int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Preferred
}

// Devices implements [endpoint.Driver].
func (d *Driver) Devices(dir endpoint.Direction) ([]endpoint.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []endpoint.Device
	for _, dev := range d.DeviceList {
		if dev.Direction == dir {
			out = append(out, dev)
		}
	}
	return out, nil
}

// Open implements [endpoint.Driver]. Records the call and returns a new
// [Stream] unless OpenErrs or OpenErr is set.
func (d *Driver) Open(cfg endpoint.StreamConfig, cb endpoint.Callbacks) (endpoint.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, cfg)
	if len(d.OpenErrs) > 0 {
		err := d.OpenErrs[0]
		d.OpenErrs = d.OpenErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	f := cfg.Format
	if d.NegotiatedRate > 0 {
		f.SampleRate = d.NegotiatedRate
	}
	s := &Stream{
		cfg:      cfg,
		cb:       cb,
		format:   f,
		startErr: d.StartErr,
		latency:  d.StreamLatency,
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *Driver) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Streams returns every stream opened so far, in order.
func (d *Driver) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Stream, len(d.streams))
	copy(out, d.streams)
	return out
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [endpoint.Stream]. Its callback fires only when the test
// calls [Stream.Render] or [Stream.Capture]; it fires regardless of whether
// the stream was started, like a driver delivering a late buffer, so the
// unit's own arming is what gets tested.
type Stream struct {
	mu       sync.Mutex
	cfg      endpoint.StreamConfig
	cb       endpoint.Callbacks
	format   audio.Format
	startErr error
	latency  time.Duration
	started  bool
	closed   bool

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ endpoint.Stream = (*Stream)(nil)

// Start implements [endpoint.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

// Stop implements [endpoint.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.started = false
	return nil
}

// Close implements [endpoint.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.started = false
	s.closed = true
	return nil
}

// Format implements [endpoint.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Latency implements [endpoint.Stream].
func (s *Stream) Latency() time.Duration { return s.latency }

// Config returns the configuration the stream was opened with.
func (s *Stream) Config() endpoint.StreamConfig { return s.cfg }

// Started reports whether Start succeeded without a later Stop or Close.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Render runs one render callback for frames frames and returns the buffer
// the unit filled.
func (s *Stream) Render(frames int) []byte {
	out := make([]byte, frames*s.format.BytesPerFrame())
	s.cb.Process(nil, out, frames)
	return out
}

// Capture runs one capture callback delivering pcm.
func (s *Stream) Capture(pcm []byte) {
	bpf := s.format.BytesPerFrame()
	s.cb.Process(pcm, nil, len(pcm)/bpf)
}

// TriggerReset simulates a device route change reported by the backend.
func (s *Stream) TriggerReset() {
	s.cb.Reset()
}

// ─── Sink and Source ──────────────────────────────────────────────────────────

// Sink is a mock [audio.FrameSink] that copies every delivered buffer.
type Sink struct {
	mu sync.Mutex

	// Status is returned by OnFrames.
	Status audio.Status

	// Frames holds a copy of every buffer received.
	Frames [][]byte

	// Timestamps holds the timestamp of every call.
	Timestamps []audio.Timestamp
}

var _ audio.FrameSink = (*Sink)(nil)

// OnFrames implements [audio.FrameSink].
func (s *Sink) OnFrames(_ uint32, _ int, _ audio.Format, ts audio.Timestamp, buf []byte) audio.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, append([]byte(nil), buf...))
	s.Timestamps = append(s.Timestamps, ts)
	return s.Status
}

// Calls returns how many buffers were received.
func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Source is a mock [audio.FrameSource] that fills every buffer with Fill.
type Source struct {
	mu sync.Mutex

	// Fill is written to every byte of the buffer.
	Fill byte

	// Status is returned by GetFrame. When it is not [audio.StatusOK] the
	// buffer is left untouched.
	Status audio.Status

	// CallCountGetFrame records how many times GetFrame was called.
	CallCountGetFrame int
}

var _ audio.FrameSource = (*Source)(nil)

// GetFrame implements [audio.FrameSource].
func (s *Source) GetFrame(_ uint32, _ int, _ audio.Format, _ audio.Timestamp, buf []byte) audio.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountGetFrame++
	if s.Status != audio.StatusOK {
		return s.Status
	}
	for i := range buf {
		buf[i] = s.Fill
	}
	return audio.StatusOK
}

// ─── Observers ────────────────────────────────────────────────────────────────

// FinishedCall records the arguments of one OnPlaybackFinished invocation.
type FinishedCall struct {
	Type     string
	UserData any
}

// CompletionObserver records playback completions. Done, when non-nil,
// receives one value per completion; it must be buffered or drained.
type CompletionObserver struct {
	mu sync.Mutex

	// Calls records every completion in order.
	Calls []FinishedCall

	// Done is signalled after each completion is recorded.
	Done chan FinishedCall
}

// OnPlaybackFinished records the completion.
func (o *CompletionObserver) OnPlaybackFinished(typeTag string, userData any) {
	c := FinishedCall{Type: typeTag, UserData: userData}
	o.mu.Lock()
	o.Calls = append(o.Calls, c)
	done := o.Done
	o.mu.Unlock()
	if done != nil {
		done <- c
	}
}

// Count returns the number of completions seen.
func (o *CompletionObserver) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Calls)
}

// NodeResetObserver records node resets.
type NodeResetObserver struct {
	mu sync.Mutex

	// Nodes records every node passed to OnMixerNodeReset.
	Nodes []*mixer.Node
}

var _ mixer.NodeResetObserver = (*NodeResetObserver)(nil)

// OnMixerNodeReset implements [mixer.NodeResetObserver].
func (o *NodeResetObserver) OnMixerNodeReset(n *mixer.Node) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Nodes = append(o.Nodes, n)
}

// Count returns how many resets were recorded.
func (o *NodeResetObserver) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Nodes)
}

// EndpointResetObserver records endpoint resets.
type EndpointResetObserver struct {
	mu sync.Mutex

	// CallCount records how many times OnEndpointReset was called.
	CallCount int

	// Running records whether the unit was armed at each notification.
	Running []bool
}

var _ endpoint.ResetObserver = (*EndpointResetObserver)(nil)

// OnEndpointReset implements [endpoint.ResetObserver].
func (o *EndpointResetObserver) OnEndpointReset(u *endpoint.Unit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCount++
	o.Running = append(o.Running, u.Running())
}

// ─── Resolver ─────────────────────────────────────────────────────────────────

// ResolveCall records the arguments of one Resolve invocation.
type ResolveCall struct {
	Locator string
	Format  audio.Format
}

// Resolver maps locators to PCM. Each Resolve returns a fresh frame the
// caller owns.
type Resolver struct {
	mu sync.Mutex

	// Clips maps a locator to the PCM returned for it.
	Clips map[string][]byte

	// Err, when non-nil, is returned by every Resolve.
	Err error

	// Calls records every Resolve invocation.
	Calls []ResolveCall

	frames []*frame.Frame
}

// Resolve returns a new frame over a copy of Clips[locator], or Err. An
// unknown locator yields an error.
func (r *Resolver) Resolve(ctx context.Context, locator string, format audio.Format) (*frame.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, ResolveCall{Locator: locator, Format: format})
	if r.Err != nil {
		return nil, r.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcm, ok := r.Clips[locator]
	if !ok {
		return nil, &UnknownLocatorError{Locator: locator}
	}
	f := frame.New(append([]byte(nil), pcm...))
	r.frames = append(r.frames, f)
	return f, nil
}

// Frames returns every frame handed out so far, so tests can check that the
// caller released them.
func (r *Resolver) Frames() []*frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*frame.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// UnknownLocatorError is returned by [Resolver.Resolve] for a locator that
// is not in Clips.
type UnknownLocatorError struct {
	Locator string
}

func (e *UnknownLocatorError) Error() string {
	return "mock: unknown locator " + e.Locator
}
