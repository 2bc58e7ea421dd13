package endpoint_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
	"github.com/MrWong99/cadence/pkg/audio/mock"
)

var (
	mono   = audio.Format{SampleRate: 48000, BitsPerChannel: 16, Channels: 1}
	render = endpoint.Kind{Direction: endpoint.Render, Mode: endpoint.Plain}
	rec    = endpoint.Kind{Direction: endpoint.Capture, Mode: endpoint.Plain}
)

func newUnit(t *testing.T, drv *mock.Driver, kind endpoint.Kind) *endpoint.Unit {
	t.Helper()
	u := endpoint.New(drv, endpoint.Config{ID: 3, Kind: kind, Format: mono, FramesPerBuffer: 480})
	t.Cleanup(func() { _ = u.Dispose() })
	return u
}

func TestUnit_Lifecycle(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	u := newUnit(t, drv, render)
	ctx := context.Background()

	if err := u.Start(); !errors.Is(err, audio.StatusNotInitialized) {
		t.Fatalf("Start before Setup = %v, want StatusNotInitialized", err)
	}
	if err := u.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := u.Setup(ctx); !errors.Is(err, audio.StatusAlreadyInitialized) {
		t.Errorf("second Setup = %v, want StatusAlreadyInitialized", err)
	}
	if !u.Initialized() || u.InitStatus() != audio.StatusOK {
		t.Errorf("Initialized=%v InitStatus=%v", u.Initialized(), u.InitStatus())
	}

	if err := u.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s := drv.LastStream()
	if s.CallCountStart != 1 {
		t.Errorf("stream started %d times, want 1", s.CallCountStart)
	}

	if err := u.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if u.Running() {
		t.Error("Running() after Stop")
	}
	if s.Closed() {
		t.Error("Stop closed the stream")
	}
	if err := u.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(drv.OpenCalls) != 1 {
		t.Errorf("restart reopened the device: %d opens", len(drv.OpenCalls))
	}

	if err := u.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := u.Dispose(); err != nil {
		t.Errorf("second Dispose: %v", err)
	}
	if !s.Closed() || s.CallCountClose != 1 {
		t.Errorf("stream close count = %d, want 1", s.CallCountClose)
	}
	if err := u.Setup(ctx); !errors.Is(err, audio.StatusDisposed) {
		t.Errorf("Setup after Dispose = %v, want StatusDisposed", err)
	}
	if err := u.Start(); !errors.Is(err, audio.StatusDisposed) {
		t.Errorf("Start after Dispose = %v, want StatusDisposed", err)
	}
}

func TestUnit_SetupFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		drv       *mock.Driver
		cfg       endpoint.Config
		want      audio.Status
		transient bool
	}{
		{
			name: "voice processing unavailable",
			drv:  &mock.Driver{},
			cfg:  endpoint.Config{Kind: endpoint.Kind{Direction: endpoint.Capture, Mode: endpoint.VoiceProcessing}},
			want: audio.StatusUnsupportedMode,
		},
		{
			name: "unsupported format",
			drv:  &mock.Driver{},
			cfg:  endpoint.Config{Kind: render, Format: audio.Format{SampleRate: 48000, BitsPerChannel: 24, Channels: 1}},
			want: audio.StatusUnsupportedFormat,
		},
		{
			name:      "device busy",
			drv:       &mock.Driver{OpenErr: audio.StatusDeviceBusy},
			cfg:       endpoint.Config{Kind: render},
			want:      audio.StatusDeviceBusy,
			transient: true,
		},
		{
			name:      "unclassified driver error",
			drv:       &mock.Driver{OpenErr: errors.New("backend exploded")},
			cfg:       endpoint.Config{Kind: render},
			want:      audio.StatusDeviceBusy,
			transient: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			u := endpoint.New(tc.drv, tc.cfg)
			err := u.Setup(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("Setup() = %v, want %v", err, tc.want)
			}
			if got := u.InitStatus(); got != tc.want {
				t.Errorf("InitStatus() = %v, want %v", got, tc.want)
			}
			if got := audio.IsTransient(err); got != tc.transient {
				t.Errorf("IsTransient = %v, want %v", got, tc.transient)
			}
			if u.Initialized() {
				t.Error("unit initialized after failed setup")
			}
		})
	}
}

func TestUnit_VoiceProcessingWhenAvailable(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{VoiceProcessing: true}
	if !endpoint.IsVoiceProcessingAvailable(drv) {
		t.Fatal("IsVoiceProcessingAvailable = false")
	}
	if endpoint.IsVoiceProcessingAvailable(nil) {
		t.Error("IsVoiceProcessingAvailable(nil) = true")
	}
	u := newUnit(t, drv, endpoint.Kind{Direction: endpoint.Render, Mode: endpoint.VoiceProcessing})
	if err := u.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := drv.OpenCalls[0].Kind.Mode; got != endpoint.VoiceProcessing {
		t.Errorf("opened mode = %v, want voice-processing", got)
	}
}

func TestUnit_DefaultsAndPreferences(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{Preferred: 256, StreamLatency: 12 * time.Millisecond}
	u := endpoint.New(drv, endpoint.Config{Kind: render, PreferredSampleRate: 48000, DeviceID: "hw:1"})
	t.Cleanup(func() { _ = u.Dispose() })
	if err := u.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	cfg := drv.OpenCalls[0]
	if cfg.Format.BitsPerChannel != 16 || cfg.Format.Channels != 1 {
		t.Errorf("format = %v, want 16-bit mono default", cfg.Format)
	}
	if !audio.IsMobilePlatform() {
		if cfg.Format.SampleRate != 48000 {
			t.Errorf("sample rate = %d, want preferred 48000", cfg.Format.SampleRate)
		}
		if cfg.FramesPerBuffer != 256 {
			t.Errorf("FramesPerBuffer = %d, want driver preference 256", cfg.FramesPerBuffer)
		}
		if cfg.DeviceID != "hw:1" {
			t.Errorf("DeviceID = %q, want hw:1", cfg.DeviceID)
		}
	}
	if got := u.Latency(); got != 12*time.Millisecond {
		t.Errorf("Latency() = %v, want 12ms", got)
	}
}

func TestUnit_BufferClampedToMaxFramesPerSlice(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	u := endpoint.New(drv, endpoint.Config{Kind: render, Format: mono, FramesPerBuffer: 10000})
	t.Cleanup(func() { _ = u.Dispose() })
	if err := u.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := u.FramesPerBuffer(); got != audio.MaxFramesPerSlice {
		t.Errorf("FramesPerBuffer() = %d, want %d", got, audio.MaxFramesPerSlice)
	}
}

func TestUnit_RenderPath(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	u := newUnit(t, drv, render)
	if err := u.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	src := &mock.Source{Fill: 0x11}
	u.SetSource(src)
	s := drv.LastStream()

	// Not armed: silence, source untouched.
	out := s.Render(480)
	if out[0] != 0 || src.CallCountGetFrame != 0 {
		t.Fatalf("disarmed render produced data or pulled source")
	}

	if err := u.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	out = s.Render(480)
	if out[0] != 0x11 || out[len(out)-1] != 0x11 {
		t.Errorf("armed render did not fill buffer")
	}

	src.Status = audio.StatusUnderrun
	out = s.Render(480)
	if out[0] != 0 {
		t.Error("underrun did not produce silence")
	}

	src.Status = audio.StatusOK
	u.SetEnabled(false)
	out = s.Render(480)
	if out[0] != 0 {
		t.Error("disabled render unit did not produce silence")
	}
	u.SetEnabled(true)

	out = s.Render(audio.MaxFramesPerSlice + 1)
	if out[0] != 0 {
		t.Error("oversized buffer was not rejected")
	}

	st := u.Stats()
	if st.Cycles != 4 {
		t.Errorf("Cycles = %d, want 4", st.Cycles)
	}
	if st.Underruns != 1 {
		t.Errorf("Underruns = %d, want 1", st.Underruns)
	}
	if st.Mismatches != 1 {
		t.Errorf("Mismatches = %d, want 1", st.Mismatches)
	}
}

func TestUnit_CapturePath(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	u := newUnit(t, drv, rec)
	if err := u.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s := drv.LastStream()

	s.Capture(make([]byte, 960)) // no sink yet
	sink := &mock.Sink{}
	u.SetSink(sink)
	pcm := make([]byte, 960)
	pcm[0] = 0x42
	s.Capture(pcm)
	s.Capture(pcm)

	if sink.Calls() != 2 {
		t.Fatalf("sink calls = %d, want 2", sink.Calls())
	}
	if sink.Frames[0][0] != 0x42 {
		t.Error("sink did not receive captured bytes")
	}
	if got, want := sink.Timestamps[1].SampleTime, uint64(960); got != want {
		t.Errorf("second timestamp SampleTime = %d, want %d", got, want)
	}

	u.SetEnabled(false)
	s.Capture(pcm)
	if sink.Calls() != 2 {
		t.Error("disabled capture unit delivered frames")
	}
	if got := u.Stats().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestUnit_StopWaitsForInflightCallback(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	u := newUnit(t, drv, render)
	if err := u.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	u.SetSource(audio.SourceFunc(func(uint32, int, audio.Format, audio.Timestamp, []byte) audio.Status {
		once.Do(func() { close(entered) })
		<-release
		return audio.StatusOK
	}))

	go drv.LastStream().Render(480)
	<-entered

	stopped := make(chan struct{})
	go func() {
		_ = u.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a callback was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the callback finished")
	}
}

func TestUnit_RouteChange(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	u := newUnit(t, drv, render)
	if err := u.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	obs := &mock.EndpointResetObserver{}
	remove := u.AddResetObserver(obs)

	old := drv.LastStream()
	drv.NegotiatedRate = 44100
	old.TriggerReset()

	if !old.Closed() {
		t.Error("stale stream not closed")
	}
	if len(drv.Streams()) != 2 {
		t.Fatalf("streams opened = %d, want 2", len(drv.Streams()))
	}
	if obs.CallCount != 1 {
		t.Fatalf("observer calls = %d, want 1", obs.CallCount)
	}
	if obs.Running[0] {
		t.Error("observer ran while the unit was armed")
	}
	if !u.Running() || !drv.LastStream().Started() {
		t.Error("unit not restarted after route change")
	}
	if got := u.Format().SampleRate; got != 44100 {
		t.Errorf("Format().SampleRate = %d, want 44100", got)
	}
	if got := u.Stats().Resets; got != 1 {
		t.Errorf("Resets = %d, want 1", got)
	}

	remove()
	if err := u.HandleRouteChange(); err != nil {
		t.Fatalf("HandleRouteChange: %v", err)
	}
	if obs.CallCount != 1 {
		t.Error("removed observer was notified")
	}
}

func TestUnit_RouteChangeReopenRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		retry func(u *endpoint.Unit) error
	}{
		{name: "route change", retry: (*endpoint.Unit).HandleRouteChange},
		{name: "start", retry: (*endpoint.Unit).Start},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			drv := &mock.Driver{}
			u := newUnit(t, drv, render)
			if err := u.Setup(context.Background()); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			if err := u.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			obs := &mock.EndpointResetObserver{}
			u.AddResetObserver(obs)

			drv.OpenErrs = []error{audio.StatusDeviceBusy}
			err := u.HandleRouteChange()
			if !errors.Is(err, audio.StatusDeviceBusy) {
				t.Fatalf("first HandleRouteChange err = %v, want StatusDeviceBusy", err)
			}
			if !u.Initialized() {
				t.Fatal("unit lost its initialized state after a failed reopen")
			}
			if u.Running() {
				t.Error("unit armed without a stream")
			}
			if got := u.InitStatus(); got != audio.StatusDeviceBusy {
				t.Errorf("InitStatus() = %v, want StatusDeviceBusy", got)
			}
			if obs.CallCount != 0 {
				t.Errorf("observer calls after failed reopen = %d, want 0", obs.CallCount)
			}

			if err := tt.retry(u); err != nil {
				t.Fatalf("retry: %v", err)
			}
			if !u.Running() || !drv.LastStream().Started() {
				t.Error("unit not running after the reopen succeeded")
			}
			if obs.CallCount != 1 {
				t.Errorf("observer calls = %d, want 1", obs.CallCount)
			}
			if got := u.Stats().Resets; got != 1 {
				t.Errorf("Resets = %d, want 1", got)
			}
			if got := u.InitStatus(); got != audio.StatusOK {
				t.Errorf("InitStatus() = %v, want StatusOK", got)
			}
		})
	}
}

func TestUnit_RouteChangeWhileStopped(t *testing.T) {
	t.Parallel()

	drv := &mock.Driver{}
	u := newUnit(t, drv, render)
	if err := u.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := u.HandleRouteChange(); err != nil {
		t.Fatalf("HandleRouteChange: %v", err)
	}
	if u.Running() {
		t.Error("stopped unit was started by a route change")
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	if got := (endpoint.Kind{Direction: endpoint.Capture, Mode: endpoint.VoiceProcessing}).String(); got != "capture/voice-processing" {
		t.Errorf("String() = %q", got)
	}
}
