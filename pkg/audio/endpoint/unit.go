package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
)

// ResetObserver is notified after a [Unit] rebuilt its stream because of a
// route change. The unit is not armed while observers run, so they may
// safely rebuild state the real-time callback reads.
type ResetObserver interface {
	OnEndpointReset(u *Unit)
}

// Config configures a [Unit].
type Config struct {
	// ID is passed to every FrameSink/FrameSource call.
	ID uint32

	Kind Kind

	// Format is the requested stream format. The zero value selects
	// [audio.DefaultMediaFormat].
	Format audio.Format

	// FramesPerBuffer is the requested callback size. Zero asks the driver
	// for its preference and falls back to 10 ms.
	FramesPerBuffer int

	// DeviceID and PreferredSampleRate are honoured on desktop platforms
	// only.
	DeviceID            string
	PreferredSampleRate int
}

// Stats is a snapshot of the real-time counters of a [Unit].
type Stats struct {
	// Cycles counts armed callbacks.
	Cycles uint64
	// Underruns counts render cycles where the source had no data.
	Underruns uint64
	// Overruns counts callbacks that took longer than one buffer period.
	Overruns uint64
	// Dropped counts capture buffers not delivered to a sink.
	Dropped uint64
	// Mismatches counts callbacks rejected for an oversized or short buffer.
	Mismatches uint64
	// Resets counts route-change rebuilds.
	Resets uint64
}

type sinkRef struct{ s audio.FrameSink }
type sourceRef struct{ s audio.FrameSource }

// Unit binds one hardware endpoint. Setup, Start, Stop and Dispose run on
// control goroutines; the process callback runs on the driver's real-time
// thread and only touches atomics and buffers published before it was armed.
type Unit struct {
	driver Driver
	cfg    Config

	mu          sync.Mutex
	stream      Stream
	initialized bool
	disposed    bool
	// resume records that the unit was running when a route change failed
	// to reopen the device; the next successful reopen re-arms it.
	resume bool
	initStatus  audio.Status
	frames      int

	format   atomic.Pointer[audio.Format]
	armed    atomic.Bool
	enabled  atomic.Bool
	inflight atomic.Int32

	sink   atomic.Pointer[sinkRef]
	source atomic.Pointer[sourceRef]

	epoch      time.Time
	period     time.Duration
	sampleTime atomic.Uint64

	obsMu     sync.Mutex
	observers map[int]ResetObserver
	nextObs   int

	cycles     atomic.Uint64
	underruns  atomic.Uint64
	overruns   atomic.Uint64
	dropped    atomic.Uint64
	mismatches atomic.Uint64
	resets     atomic.Uint64
}

// New returns an unconfigured unit. Call [Unit.Setup] before [Unit.Start].
func New(driver Driver, cfg Config) *Unit {
	u := &Unit{
		driver:     driver,
		cfg:        cfg,
		initStatus: audio.StatusNotInitialized,
		observers:  make(map[int]ResetObserver),
	}
	u.enabled.Store(true)
	return u
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Setup negotiates the stream format and opens the device. It returns an
// error carrying an [audio.Status]: [audio.StatusAlreadyInitialized] on a
// second call without [Unit.Dispose], [audio.StatusUnsupportedMode] when
// voice processing is unavailable, [audio.StatusUnsupportedFormat] for a
// format the engine cannot mix, and the driver's status otherwise.
func (u *Unit) Setup(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.disposed {
		return fmt.Errorf("endpoint: setup %s: %w", u.cfg.Kind, audio.StatusDisposed)
	}
	if u.initialized {
		return fmt.Errorf("endpoint: setup %s: %w", u.cfg.Kind, audio.StatusAlreadyInitialized)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("endpoint: setup %s: %w", u.cfg.Kind, err)
	}
	if u.cfg.Kind.Mode == VoiceProcessing && !IsVoiceProcessingAvailable(u.driver) {
		u.initStatus = audio.StatusUnsupportedMode
		return fmt.Errorf("endpoint: setup %s on %s: %w", u.cfg.Kind, u.driver.Name(), audio.StatusUnsupportedMode)
	}

	f := u.requestedFormat()
	if err := f.Validate(); err != nil {
		u.initStatus = audio.StatusUnsupportedFormat
		return fmt.Errorf("endpoint: setup %s: %w", u.cfg.Kind, err)
	}
	u.frames = u.bufferFrames(f.SampleRate)

	if err := u.open(f); err != nil {
		u.initStatus = audio.StatusOf(err, audio.StatusDeviceBusy)
		return err
	}
	u.initialized = true
	u.initStatus = audio.StatusOK

	slog.Info("endpoint ready",
		"unit", u.cfg.ID,
		"kind", u.cfg.Kind.String(),
		"driver", u.driver.Name(),
		"format", u.Format().String(),
		"frames_per_buffer", u.frames,
	)
	return nil
}

// open opens a stream for f and publishes the negotiated format. Caller holds
// u.mu and the unit is not armed.
func (u *Unit) open(f audio.Format) error {
	stream, err := u.driver.Open(StreamConfig{
		Kind:            u.cfg.Kind,
		Format:          f,
		FramesPerBuffer: u.frames,
		DeviceID:        u.deviceID(),
	}, Callbacks{
		Process: u.process,
		Reset:   u.onDriverReset,
	})
	if err != nil {
		st := audio.StatusOf(err, audio.StatusDeviceBusy)
		if errors.Is(err, st) {
			return fmt.Errorf("endpoint: open %s on %s: %w", u.cfg.Kind, u.driver.Name(), err)
		}
		return fmt.Errorf("endpoint: open %s on %s: %w: %w", u.cfg.Kind, u.driver.Name(), st, err)
	}

	negotiated := stream.Format()
	if negotiated.IsZero() {
		negotiated = f
	}
	if err := negotiated.Validate(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("endpoint: open %s: negotiated %s: %w", u.cfg.Kind, negotiated, err)
	}

	u.stream = stream
	u.format.Store(&negotiated)
	u.epoch = time.Now()
	u.period = time.Duration(u.frames) * time.Second / time.Duration(negotiated.SampleRate)
	u.sampleTime.Store(0)
	return nil
}

func (u *Unit) requestedFormat() audio.Format {
	f := u.cfg.Format
	if f.IsZero() {
		f = audio.DefaultMediaFormat()
	}
	if u.cfg.PreferredSampleRate > 0 && !audio.IsMobilePlatform() {
		f.SampleRate = u.cfg.PreferredSampleRate
	}
	return f
}

func (u *Unit) deviceID() string {
	if audio.IsMobilePlatform() {
		return ""
	}
	return u.cfg.DeviceID
}

func (u *Unit) bufferFrames(rate int) int {
	n := u.cfg.FramesPerBuffer
	if n <= 0 && !audio.IsMobilePlatform() {
		n = u.driver.PreferredBufferFrames(rate)
	}
	if n <= 0 {
		n = rate / 100
	}
	if n > audio.MaxFramesPerSlice {
		slog.Warn("endpoint: buffer size clamped",
			"unit", u.cfg.ID, "requested", n, "max", audio.MaxFramesPerSlice)
		n = audio.MaxFramesPerSlice
	}
	return n
}

// Start arms the callback and starts the stream. Starting a running unit is a
// no-op. When an earlier route change left the unit without a stream, Start
// reopens the device first.
func (u *Unit) Start() error {
	u.mu.Lock()
	if u.initialized && !u.disposed && u.stream == nil {
		u.resume = true
		u.mu.Unlock()
		return u.HandleRouteChange()
	}
	defer u.mu.Unlock()
	return u.startLocked()
}

func (u *Unit) startLocked() error {
	switch {
	case u.disposed:
		return fmt.Errorf("endpoint: start %s: %w", u.cfg.Kind, audio.StatusDisposed)
	case !u.initialized:
		return fmt.Errorf("endpoint: start %s: %w", u.cfg.Kind, audio.StatusNotInitialized)
	case u.armed.Load():
		return nil
	}
	u.armed.Store(true)
	if err := u.stream.Start(); err != nil {
		u.armed.Store(false)
		return fmt.Errorf("endpoint: start %s: %w", u.cfg.Kind, err)
	}
	return nil
}

// Stop disarms the callback, waits for an in-flight callback to return and
// stops the stream. The device stays allocated for a fast restart.
func (u *Unit) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resume = false
	if !u.initialized || !u.armed.Load() {
		return nil
	}
	u.disarm()
	if err := u.stream.Stop(); err != nil {
		return fmt.Errorf("endpoint: stop %s: %w", u.cfg.Kind, err)
	}
	return nil
}

// Dispose stops the unit, waits for any in-flight callback and releases the
// device. It must not be called from the real-time thread. Dispose is
// terminal and idempotent.
func (u *Unit) Dispose() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.disposed {
		return nil
	}
	u.disposed = true
	u.disarm()

	var errs []error
	if u.stream != nil {
		if err := u.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("endpoint: stop %s: %w", u.cfg.Kind, err))
		}
		if err := u.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("endpoint: close %s: %w", u.cfg.Kind, err))
		}
		u.stream = nil
	}
	u.initialized = false
	u.initStatus = audio.StatusDisposed
	u.sink.Store(nil)
	u.source.Store(nil)

	u.obsMu.Lock()
	clear(u.observers)
	u.obsMu.Unlock()
	return errors.Join(errs...)
}

// disarm clears the armed flag and spins until no callback is in flight. A
// callback that increments inflight after the flag is cleared sees it false
// and returns without touching delegates.
func (u *Unit) disarm() {
	u.armed.Store(false)
	for u.inflight.Load() != 0 {
		runtime.Gosched()
	}
}

// ─── Route changes ────────────────────────────────────────────────────────────

func (u *Unit) onDriverReset() {
	if err := u.HandleRouteChange(); err != nil {
		slog.Error("endpoint: route change failed", "unit", u.cfg.ID, "kind", u.cfg.Kind.String(), "err", err)
	}
}

// HandleRouteChange rebuilds the stream after the OS switched the active
// device. The old stream is closed, a new one is opened, every registered
// [ResetObserver] is notified while the unit is disarmed, and the unit is
// re-armed if it was running before.
//
// When the reopen fails the unit stays initialized without a stream and
// reports the failure through [Unit.InitStatus]. A later HandleRouteChange
// or [Unit.Start] retries the reopen.
func (u *Unit) HandleRouteChange() error {
	u.mu.Lock()
	if u.disposed || !u.initialized {
		u.mu.Unlock()
		return nil
	}
	wasRunning := u.armed.Load() || u.resume
	u.disarm()

	var errs []error
	if u.stream != nil {
		if err := u.stream.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := u.stream.Close(); err != nil {
			errs = append(errs, err)
		}
		u.stream = nil
	}
	if err := u.open(u.requestedFormat()); err != nil {
		u.resume = wasRunning
		u.initStatus = audio.StatusOf(err, audio.StatusDeviceBusy)
		u.mu.Unlock()
		return errors.Join(append(errs, fmt.Errorf("endpoint: reopen %s: %w", u.cfg.Kind, err))...)
	}
	u.resume = false
	u.initStatus = audio.StatusOK
	u.resets.Add(1)
	u.mu.Unlock()

	if len(errs) > 0 {
		slog.Warn("endpoint: closing stale stream", "unit", u.cfg.ID, "err", errors.Join(errs...))
	}
	slog.Info("endpoint route changed", "unit", u.cfg.ID, "kind", u.cfg.Kind.String(), "format", u.Format().String())

	for _, obs := range u.snapshotObservers() {
		obs.OnEndpointReset(u)
	}

	if !wasRunning {
		return nil
	}
	return u.Start()
}

// AddResetObserver registers obs and returns a function that removes it.
func (u *Unit) AddResetObserver(obs ResetObserver) (remove func()) {
	u.obsMu.Lock()
	defer u.obsMu.Unlock()
	id := u.nextObs
	u.nextObs++
	u.observers[id] = obs
	return func() {
		u.obsMu.Lock()
		defer u.obsMu.Unlock()
		delete(u.observers, id)
	}
}

func (u *Unit) snapshotObservers() []ResetObserver {
	u.obsMu.Lock()
	defer u.obsMu.Unlock()
	ids := make([]int, 0, len(u.observers))
	for id := range u.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]ResetObserver, len(ids))
	for i, id := range ids {
		out[i] = u.observers[id]
	}
	return out
}

// ─── Real-time path ───────────────────────────────────────────────────────────

func (u *Unit) process(in, out []byte, frames int) {
	u.inflight.Add(1)
	defer u.inflight.Add(-1)

	if !u.armed.Load() {
		audio.Silence(out)
		return
	}
	began := time.Now()
	u.cycles.Add(1)

	f := *u.format.Load()
	n := frames * f.BytesPerFrame()
	start := u.sampleTime.Add(uint64(frames)) - uint64(frames)
	ts := audio.Timestamp{SampleTime: start, HostTime: began.Sub(u.epoch)}

	if u.cfg.Kind.Direction == Render {
		u.render(out, frames, n, f, ts)
	} else {
		u.capture(in, frames, n, f, ts)
	}

	if u.period > 0 && time.Since(began) > u.period {
		u.overruns.Add(1)
	}
}

func (u *Unit) render(out []byte, frames, n int, f audio.Format, ts audio.Timestamp) {
	if frames > audio.MaxFramesPerSlice || n > len(out) {
		u.mismatches.Add(1)
		audio.Silence(out)
		return
	}
	src := u.source.Load()
	if src == nil || !u.enabled.Load() {
		audio.Silence(out)
		return
	}
	switch st := src.s.GetFrame(u.cfg.ID, frames, f, ts, out[:n]); st {
	case audio.StatusOK:
		audio.Silence(out[n:])
	case audio.StatusUnderrun:
		u.underruns.Add(1)
		audio.Silence(out)
	default:
		u.mismatches.Add(1)
		audio.Silence(out)
	}
}

func (u *Unit) capture(in []byte, frames, n int, f audio.Format, ts audio.Timestamp) {
	if frames > audio.MaxFramesPerSlice || n > len(in) {
		u.mismatches.Add(1)
		u.dropped.Add(1)
		return
	}
	sink := u.sink.Load()
	if sink == nil || !u.enabled.Load() {
		u.dropped.Add(1)
		return
	}
	if st := sink.s.OnFrames(u.cfg.ID, frames, f, ts, in[:n]); st != audio.StatusOK {
		u.dropped.Add(1)
	}
}

// ─── Delegates and state ──────────────────────────────────────────────────────

// SetSink installs the capture consumer. nil detaches it.
func (u *Unit) SetSink(s audio.FrameSink) {
	if s == nil {
		u.sink.Store(nil)
		return
	}
	u.sink.Store(&sinkRef{s: s})
}

// SetSource installs the render producer, the unit's insertion point for a
// mixer. nil detaches it.
func (u *Unit) SetSource(s audio.FrameSource) {
	if s == nil {
		u.source.Store(nil)
		return
	}
	u.source.Store(&sourceRef{s: s})
}

// SetEnabled toggles the microphone or speaker without disarming. A disabled
// capture unit drops frames; a disabled render unit outputs silence.
func (u *Unit) SetEnabled(on bool) { u.enabled.Store(on) }

// Enabled reports the value last passed to [Unit.SetEnabled].
func (u *Unit) Enabled() bool { return u.enabled.Load() }

// ID returns the configured unit id.
func (u *Unit) ID() uint32 { return u.cfg.ID }

// Kind returns the unit's direction and mode.
func (u *Unit) Kind() Kind { return u.cfg.Kind }

// Driver returns the backend the unit was created with.
func (u *Unit) Driver() Driver { return u.driver }

// Format returns the negotiated format, or the zero Format before setup.
func (u *Unit) Format() audio.Format {
	if f := u.format.Load(); f != nil {
		return *f
	}
	return audio.Format{}
}

// FramesPerBuffer returns the callback size negotiated at setup.
func (u *Unit) FramesPerBuffer() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.frames
}

// Initialized reports whether setup succeeded and dispose has not run.
func (u *Unit) Initialized() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.initialized
}

// Running reports whether the callback is armed.
func (u *Unit) Running() bool { return u.armed.Load() }

// InitStatus returns the status of the last setup attempt.
func (u *Unit) InitStatus() audio.Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.initStatus
}

// Latency returns the device latency in the unit's direction, or 0 before
// setup.
func (u *Unit) Latency() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stream == nil {
		return 0
	}
	return u.stream.Latency()
}

// Stats returns a snapshot of the real-time counters.
func (u *Unit) Stats() Stats {
	return Stats{
		Cycles:     u.cycles.Load(),
		Underruns:  u.underruns.Load(),
		Overruns:   u.overruns.Load(),
		Dropped:    u.dropped.Load(),
		Mismatches: u.mismatches.Load(),
		Resets:     u.resets.Load(),
	}
}
