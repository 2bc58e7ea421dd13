// Package engine wires the cadence subsystems into a running audio engine.
//
// New builds, in order: the output endpoint (driver from the config
// [config.Registry], voice-processing with plain fallback), the bus-pool
// mixer on top of it, the source resolver, the player, and optionally a
// capture endpoint feeding a WAV recorder. Shutdown tears everything down in
// the reverse dependency order the real-time contracts require.
//
// For tests, inject a resolver or completion observer with options; drivers
// come from whatever the registry provides (the virtual or mock drivers).
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/record"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/internal/source"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
	"github.com/MrWong99/cadence/pkg/audio/mixer"
	"github.com/MrWong99/cadence/pkg/audio/player"
)

// Unit IDs handed to the real-time callbacks.
const (
	OutputUnitID uint32 = 1
	InputUnitID  uint32 = 2
)

// Compile-time interface assertion.
var _ player.CompletionObserver = (*Engine)(nil)

// Engine owns every subsystem lifetime. All exported methods are safe for
// concurrent use.
type Engine struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	level    *slog.LevelVar
	retry    resilience.RetryConfig
	observer player.CompletionObserver

	output   *endpoint.Unit
	input    *endpoint.Unit
	mixer    *mixer.Mixer
	player   *player.Player
	resolver player.Resolver
	recorder *record.Recorder
	regs     []metric.Registration

	outputMode string
	inputMode  string

	mu     sync.RWMutex
	sounds map[string]config.SoundConfig

	// closers run last during Shutdown, in order.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics records playback, endpoint and mixer metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithResolver replaces the source resolver built from config.
func WithResolver(r player.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithObserver forwards completions to o after the engine recorded them.
func WithObserver(o player.CompletionObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLevelVar lets [Engine.Apply] change the process log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(e *Engine) { e.level = v }
}

// WithRetry tunes the retry loop around transient endpoint setup failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds and starts the engine described by cfg, creating drivers through
// reg. On failure everything built so far is torn down again.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		log:    slog.Default(),
		retry:  resilience.RetryConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		sounds: make(map[string]config.SoundConfig, len(cfg.Sounds)),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("component", "engine")

	if err := e.init(ctx, cfg, reg); err != nil {
		if serr := e.Shutdown(context.Background()); serr != nil {
			e.log.Warn("cleanup after failed start", "err", serr)
		}
		return nil, err
	}

	e.log.Info("engine started",
		"output", e.output.Kind().String(),
		"format", e.output.Format().String(),
		"frames_per_buffer", e.output.FramesPerBuffer(),
		"latency", e.output.Latency(),
		"buses", cfg.Mixer.BusCount,
		"input", e.input != nil,
	)
	return e, nil
}

func (e *Engine) init(ctx context.Context, cfg *config.Config, reg *config.Registry) error {
	// ── 1. Output endpoint ───────────────────────────────────────────────
	drv, err := reg.CreateDriver(cfg.Output)
	if err != nil {
		return fmt.Errorf("engine: output driver: %w", err)
	}
	e.trackDriver(drv)
	e.output, e.outputMode, err = e.openUnit(ctx, "output", drv, endpoint.Render, OutputUnitID, cfg.Output)
	if err != nil {
		return fmt.Errorf("engine: output: %w", err)
	}

	// ── 2. Mixer ─────────────────────────────────────────────────────────
	e.mixer = mixer.New(mixer.WithMasterVolume(cfg.MasterVolume()))
	if err := e.mixer.Setup(e.output, cfg.Mixer.BusCount); err != nil {
		return fmt.Errorf("engine: mixer setup: %w", err)
	}

	// ── 3. Sources ───────────────────────────────────────────────────────
	if e.resolver == nil {
		r := source.New(
			source.WithBaseDir(cfg.Sources.BaseDir),
			source.WithHTTPTimeout(cfg.Sources.HTTPTimeout),
			source.WithMaxBytes(cfg.Sources.MaxBytes),
			source.WithCacheSize(cfg.Player.CacheSize),
			source.WithMetrics(e.metrics),
			source.WithBreaker(resilience.CircuitBreakerConfig{
				MaxFailures:  cfg.Sources.Breaker.MaxFailures,
				ResetTimeout: cfg.Sources.Breaker.ResetTimeout,
				HalfOpenMax:  cfg.Sources.Breaker.HalfOpenMax,
			}),
		)
		e.resolver = r
		e.closers = append(e.closers, r.Close)
	}

	// ── 4. Player ────────────────────────────────────────────────────────
	e.player = player.New(e.resolver,
		player.WithObserver(e),
		player.WithVolume(cfg.PlayerVolume()),
	)
	e.player.SetMixer(e.mixer)

	// ── 5. Optional capture path ─────────────────────────────────────────
	if cfg.Input.Enabled {
		if err := e.initInput(ctx, cfg.Input, reg); err != nil {
			return err
		}
	}

	// ── 6. Metrics ───────────────────────────────────────────────────────
	if err := e.observeState(); err != nil {
		return fmt.Errorf("engine: metrics: %w", err)
	}

	// ── 7. Sound catalog ─────────────────────────────────────────────────
	e.setSounds(cfg.Sounds)
	e.preload(ctx, cfg.Sounds)
	return nil
}

func (e *Engine) initInput(ctx context.Context, in config.InputConfig, reg *config.Registry) error {
	drv, err := reg.CreateDriver(in.EndpointConfig)
	if err != nil {
		return fmt.Errorf("engine: input driver: %w", err)
	}
	e.trackDriver(drv)
	if in.RecordPath != "" {
		e.recorder = record.New(in.RecordPath, record.WithMetrics(e.metrics))
	}
	e.input, e.inputMode, err = e.openUnit(ctx, "input", drv, endpoint.Capture, InputUnitID, in.EndpointConfig)
	if err != nil {
		return fmt.Errorf("engine: input: %w", err)
	}
	if e.recorder != nil {
		e.input.SetSink(e.recorder)
	}
	return nil
}

// trackDriver closes drivers that hold backend contexts once the endpoints
// are gone.
func (e *Engine) trackDriver(drv endpoint.Driver) {
	if c, ok := drv.(io.Closer); ok {
		e.closers = append(e.closers, c.Close)
	}
}

func (e *Engine) observeState() error {
	if e.metrics == nil {
		return nil
	}
	reg, err := e.metrics.ObserveMixer(e.mixer.Stats)
	if err != nil {
		return err
	}
	e.regs = append(e.regs, reg)
	units := map[string]*endpoint.Unit{"output": e.output, "input": e.input}
	for name, u := range units {
		if u == nil {
			continue
		}
		reg, err := e.metrics.ObserveEndpoint(name, u.Stats)
		if err != nil {
			return err
		}
		e.regs = append(e.regs, reg)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every playback, then the endpoints, then disposes the mixer
// and the endpoints, and finally closes the player, recorder and resolver.
// It waits for the player to drain until ctx is done. Shutdown is idempotent;
// later calls return the first result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		var errs []error

		if e.player != nil {
			drained := make(chan struct{})
			e.player.StopAll(func() { close(drained) })
			select {
			case <-drained:
			case <-ctx.Done():
				e.log.Warn("shutdown: player did not drain before deadline")
				errs = append(errs, ctx.Err())
			}
		}

		for _, u := range []*endpoint.Unit{e.output, e.input} {
			if u == nil {
				continue
			}
			if err := u.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.mixer != nil {
			if err := e.mixer.Dispose(); err != nil {
				errs = append(errs, fmt.Errorf("engine: dispose mixer: %w", err))
			}
		}
		for _, u := range []*endpoint.Unit{e.output, e.input} {
			if u == nil {
				continue
			}
			if err := u.Dispose(); err != nil {
				errs = append(errs, err)
			}
		}

		if e.player != nil {
			if err := e.player.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.recorder != nil {
			if err := e.recorder.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, reg := range e.regs {
			if err := reg.Unregister(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, c := range e.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}

		e.stopErr = errors.Join(errs...)
		if e.stopErr != nil {
			e.log.Warn("shutdown finished with errors", "err", e.stopErr)
			return
		}
		e.log.Info("shutdown complete")
	})
	return e.stopErr
}
