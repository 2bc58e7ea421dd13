package engine_test

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/engine"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
	"github.com/MrWong99/cadence/pkg/audio/mock"
	"github.com/MrWong99/cadence/pkg/audio/player"
)

const bufFrames = 80

func clip(frames int, v int16) []byte {
	b := make([]byte, frames*2)
	for i := range frames {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Output: config.EndpointConfig{
			Driver:          "mock",
			SampleRate:      8000,
			Channels:        1,
			FramesPerBuffer: bufFrames,
		},
		Mixer: config.MixerConfig{BusCount: 2},
		Sounds: []config.SoundConfig{
			{Type: "ding", Source: "ding"},
			{Type: "ring", Source: "ring", LoopCount: player.LoopForever},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

type harness struct {
	drv      *mock.Driver
	reg      *config.Registry
	resolver *mock.Resolver
	observer *mock.CompletionObserver
	reader   *sdkmetric.ManualReader
	metrics  *observe.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		drv: &mock.Driver{},
		reg: config.NewRegistry(),
		resolver: &mock.Resolver{Clips: map[string][]byte{
			"ding": clip(bufFrames/2, 1000),
			"ring": clip(bufFrames, 500),
		}},
		observer: &mock.CompletionObserver{Done: make(chan mock.FinishedCall, 8)},
		reader:   sdkmetric.NewManualReader(),
	}
	h.reg.RegisterDriver("mock", func(config.EndpointConfig) (endpoint.Driver, error) {
		return h.drv, nil
	})
	var err error
	h.metrics, err = observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader)))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) start(t *testing.T, cfg *config.Config, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{
		engine.WithResolver(h.resolver),
		engine.WithObserver(h.observer),
		engine.WithMetrics(h.metrics),
		engine.WithRetry(resilience.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond}),
	}, opts...)
	e, err := engine.New(context.Background(), cfg, h.reg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func (h *harness) render() []byte {
	return h.drv.Streams()[0].Render(bufFrames)
}

// counter sums every data point of the named int64 sum metric.
func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// ─── Construction ────────────────────────────────────────────────────────────

func TestNew_WiresOutputMixerAndPlayer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	e := h.start(t, testConfig())

	if !e.Output().Running() {
		t.Error("output unit should be running")
	}
	if e.Input() != nil {
		t.Error("input should be nil when disabled")
	}
	if got := e.Mixer().BusCount(); got != 2 {
		t.Errorf("BusCount = %d, want 2", got)
	}
	if e.Player().Mixer() != e.Mixer() {
		t.Error("player should be attached to the engine mixer")
	}
	st := e.Status()
	if st.Output.Mode != "plain" || st.Output.Driver != "mock" || !st.Output.Running {
		t.Errorf("output status = %+v", st.Output)
	}
	if len(st.Sounds) != 2 || st.Sounds[0] != "ding" {
		t.Errorf("sounds = %v, want [ding ring]", st.Sounds)
	}
}

func TestNew_VoiceProcessingFallsBackToPlain(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.Output.VoiceProcessing = true
	e := h.start(t, cfg)

	if got := e.Output().Kind().Mode; got != endpoint.Plain {
		t.Errorf("mode = %s, want plain", got)
	}
	if got := h.counter(t, "cadence.endpoint.fallbacks"); got != 1 {
		t.Errorf("fallbacks = %d, want 1", got)
	}
}

func TestNew_VoiceProcessingWhenAvailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.drv.VoiceProcessing = true
	cfg := testConfig()
	cfg.Output.VoiceProcessing = true
	e := h.start(t, cfg)

	if got := e.Output().Kind().Mode; got != endpoint.VoiceProcessing {
		t.Errorf("mode = %s, want voice-processing", got)
	}
	if got := h.counter(t, "cadence.endpoint.fallbacks"); got != 0 {
		t.Errorf("fallbacks = %d, want 0", got)
	}
}

func TestNew_RetriesBusyDevice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.drv.OpenErrs = []error{audio.StatusDeviceBusy, audio.StatusDeviceBusy}
	e := h.start(t, testConfig())

	if !e.Output().Running() {
		t.Fatal("output should be running after retries")
	}
	if got := len(h.drv.OpenCalls); got != 3 {
		t.Errorf("Open calls = %d, want 3", got)
	}
}

func TestNew_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(*harness, *config.Config)
		want  error
	}{
		{
			name:  "no device",
			setup: func(h *harness, _ *config.Config) { h.drv.OpenErr = audio.StatusNoDevice },
			want:  audio.StatusNoDevice,
		},
		{
			name:  "busy beyond retries",
			setup: func(h *harness, _ *config.Config) { h.drv.OpenErr = audio.StatusDeviceBusy },
			want:  audio.StatusDeviceBusy,
		},
		{
			name:  "unknown driver",
			setup: func(_ *harness, cfg *config.Config) { cfg.Output.Driver = "nope" },
			want:  config.ErrDriverNotRegistered,
		},
		{
			name:  "start failure",
			setup: func(h *harness, _ *config.Config) { h.drv.StartErr = errors.New("hardware gone") },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			cfg := testConfig()
			tc.setup(h, cfg)
			e, err := engine.New(context.Background(), cfg, h.reg,
				engine.WithResolver(h.resolver),
				engine.WithRetry(resilience.RetryConfig{Attempts: 2, BaseDelay: time.Millisecond}),
			)
			if err == nil {
				_ = e.Shutdown(context.Background())
				t.Fatal("New should fail")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
			for i, s := range h.drv.Streams() {
				if !s.Closed() {
					t.Errorf("stream %d left open after failed start", i)
				}
			}
		})
	}
}

// ─── Playback ────────────────────────────────────────────────────────────────

func TestPlaySound_CompletesAndCounts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	e := h.start(t, testConfig())

	ok, err := e.PlaySound(context.Background(), "ding", true, "ctx-1")
	if err != nil || !ok {
		t.Fatalf("PlaySound = %v, %v", ok, err)
	}
	out := h.render()
	if got := int16(binary.LittleEndian.Uint16(out)); got != 1000 {
		t.Errorf("first sample = %d, want 1000", got)
	}

	select {
	case c := <-h.observer.Done:
		if c.Type != "ding" || c.UserData != "ctx-1" {
			t.Errorf("completion = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	if got := h.counter(t, "cadence.playbacks.started"); got != 1 {
		t.Errorf("started = %d, want 1", got)
	}
	if got := h.counter(t, "cadence.playbacks.finished"); got != 1 {
		t.Errorf("finished = %d, want 1", got)
	}
}

func TestPlaySound_Unknown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	e := h.start(t, testConfig())
	_, err := e.PlaySound(context.Background(), "boom", true, nil)
	if !errors.Is(err, engine.ErrUnknownSound) {
		t.Errorf("err = %v, want ErrUnknownSound", err)
	}
	if err != nil && strings.Contains(err.Error(), "did you mean") {
		t.Errorf("err = %v, want no suggestion", err)
	}

	_, err = e.PlaySound(context.Background(), "dinng", true, nil)
	if !errors.Is(err, engine.ErrUnknownSound) {
		t.Fatalf("err = %v, want ErrUnknownSound", err)
	}
	if !strings.Contains(err.Error(), `did you mean "ding"`) {
		t.Errorf("err = %v, want a suggestion for ding", err)
	}
}

func TestPlay_RejectedWhenBusesFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	e := h.start(t, testConfig())

	for i := range 2 {
		if ok, err := e.PlaySound(context.Background(), "ring", true, nil); !ok || err != nil {
			t.Fatalf("play #%d = %v, %v", i, ok, err)
		}
	}
	ok, err := e.PlaySound(context.Background(), "ring", true, nil)
	if ok || err != nil {
		t.Fatalf("third play = %v, %v; want false, nil", ok, err)
	}
	if got := h.counter(t, "cadence.playbacks.rejected"); got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}

func TestStopAndStopAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	e := h.start(t, testConfig())
	ctx := context.Background()

	_, _ = e.PlaySound(ctx, "ring", true, nil)
	_, _ = e.Play(ctx, player.Request{Source: "ring", Type: "other", LoopCount: player.LoopForever, Enabled: true})

	if n := e.Stop(ctx, "ring"); n != 1 {
		t.Errorf("Stop = %d, want 1", n)
	}
	if err := e.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if got := e.Player().Active(); got != 0 {
		t.Errorf("Active = %d after StopAll", got)
	}
	if got := h.counter(t, "cadence.playbacks.stopped"); got != 2 {
		t.Errorf("stopped = %d, want 2", got)
	}
	if h.observer.Count() != 0 {
		t.Error("stopped playbacks must not report completion")
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

func TestApply(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	oldCfg := testConfig()
	level := new(slog.LevelVar)
	e := h.start(t, oldCfg, engine.WithLevelVar(level))
	ctx := context.Background()

	if ok, _ := e.PlaySound(ctx, "ring", true, nil); !ok {
		t.Fatal("ring should play")
	}

	newCfg := testConfig()
	half := 0.5
	newCfg.Player.Volume = &half
	newCfg.Server.LogLevel = config.LogDebug
	newCfg.Sounds = []config.SoundConfig{
		{Type: "ding", Source: "ding"},
		{Type: "chime", Source: "ding"},
	}
	newCfg.Mixer.BusCount = 4

	e.Apply(ctx, config.Diff(oldCfg, newCfg), newCfg)

	if got := e.Player().Volume(); got != 0.5 {
		t.Errorf("volume = %v, want 0.5", got)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := e.Player().ActiveTypes()["ring"]; got != 0 {
		t.Errorf("ring playbacks = %d after removal, want 0", got)
	}
	if _, err := e.PlaySound(ctx, "ring", true, nil); !errors.Is(err, engine.ErrUnknownSound) {
		t.Errorf("removed sound: err = %v", err)
	}
	if ok, err := e.PlaySound(ctx, "chime", true, nil); !ok || err != nil {
		t.Errorf("added sound: %v, %v", ok, err)
	}
	if got := e.Mixer().BusCount(); got != 2 {
		t.Errorf("bus count changed to %d without restart", got)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	e := h.start(t, testConfig())
	ctx := context.Background()
	_, _ = e.PlaySound(ctx, "ring", true, nil)

	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	s := h.drv.Streams()[0]
	if !s.Closed() || s.Started() {
		t.Errorf("stream closed=%v started=%v, want closed and stopped", s.Closed(), s.Started())
	}
	if e.Mixer().BusCount() != 0 || e.Mixer().Unit() != nil {
		t.Error("mixer should be disposed")
	}
	if _, err := e.PlaySound(ctx, "ding", true, nil); !errors.Is(err, player.ErrClosed) {
		t.Errorf("play after shutdown: err = %v, want ErrClosed", err)
	}
	for i, f := range h.resolver.Frames() {
		if f.Refs() != 0 {
			t.Errorf("clip %d still holds %d refs", i, f.Refs())
		}
	}
}

func TestCaptureRecording(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "capture.wav")
	cfg.Input = config.InputConfig{
		Enabled:    true,
		RecordPath: path,
		EndpointConfig: config.EndpointConfig{
			Driver:          "mock",
			SampleRate:      8000,
			Channels:        1,
			FramesPerBuffer: bufFrames,
		},
	}
	e := h.start(t, cfg)

	if e.Input() == nil || !e.Input().Running() {
		t.Fatal("input should be running")
	}
	in := h.drv.Streams()[1]
	for range 3 {
		in.Capture(clip(bufFrames, 42))
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("recording missing: %v", err)
	}
	// 44-byte header plus three buffers of 16-bit mono.
	if want := int64(44 + 3*bufFrames*2); info.Size() != want {
		t.Errorf("recording size = %d, want %d", info.Size(), want)
	}
}
