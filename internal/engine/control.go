package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/source"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
	"github.com/MrWong99/cadence/pkg/audio/mixer"
	"github.com/MrWong99/cadence/pkg/audio/player"
)

// ErrUnknownSound is returned by [Engine.PlaySound] for a type missing from
// the catalog.
var ErrUnknownSound = errors.New("engine: unknown sound")

// ─── Playback ────────────────────────────────────────────────────────────────

// Play schedules req on the player. It reports false with a nil error when
// every bus is busy.
func (e *Engine) Play(ctx context.Context, req player.Request) (bool, error) {
	ok, err := e.player.Play(ctx, req)
	switch {
	case err != nil:
		e.log.Warn("play failed", "type", req.Type, "source", req.Source, "err", err)
	case !ok:
		if e.metrics != nil {
			e.metrics.RecordPlaybackRejected(ctx, req.Type)
		}
		e.log.Info("play rejected, no free bus", "type", req.Type)
	default:
		if e.metrics != nil {
			e.metrics.RecordPlaybackStarted(ctx, req.Type)
		}
	}
	return ok, err
}

// PlaySound plays the catalog entry registered for typ.
func (e *Engine) PlaySound(ctx context.Context, typ string, enabled bool, userData any) (bool, error) {
	e.mu.RLock()
	s, ok := e.sounds[typ]
	e.mu.RUnlock()
	if !ok {
		if hint := closestSound(typ, e.Sounds()); hint != "" {
			return false, fmt.Errorf("%w: %q (did you mean %q?)", ErrUnknownSound, typ, hint)
		}
		return false, fmt.Errorf("%w: %q", ErrUnknownSound, typ)
	}
	return e.Play(ctx, player.Request{
		Source:    s.Source,
		LoopCount: s.LoopCount,
		Type:      s.Type,
		Enabled:   enabled,
		UserData:  userData,
	})
}

// Stop ends every playback tagged typ and returns how many were stopped.
func (e *Engine) Stop(ctx context.Context, typ string) int {
	n := e.player.Stop(typ)
	e.recordStopped(ctx, map[string]int{typ: n})
	return n
}

// StopAll ends every playback and waits until the player has drained or ctx
// is done. Playbacks that finished just before the call still count as
// completed.
func (e *Engine) StopAll(ctx context.Context) error {
	drained := make(chan struct{})
	stopped := e.player.StopAll(func() { close(drained) })
	e.recordStopped(ctx, stopped)
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: stop all: %w", ctx.Err())
	}
}

func (e *Engine) recordStopped(ctx context.Context, byType map[string]int) {
	if e.metrics == nil {
		return
	}
	for typ, n := range byType {
		for range n {
			e.metrics.RecordPlaybackEnded(ctx, typ, false)
		}
	}
}

// OnPlaybackFinished implements [player.CompletionObserver].
func (e *Engine) OnPlaybackFinished(typeTag string, userData any) {
	if e.metrics != nil {
		e.metrics.RecordPlaybackEnded(context.Background(), typeTag, true)
	}
	e.log.Debug("playback finished", "type", typeTag)
	if e.observer != nil {
		e.observer.OnPlaybackFinished(typeTag, userData)
	}
}

// SetVolume sets the volume of every current and future playback.
func (e *Engine) SetVolume(v float32) { e.player.SetVolume(v) }

// SetMasterVolume sets the gain applied to the mixed output.
func (e *Engine) SetMasterVolume(v float32) { e.mixer.SetMasterVolume(v) }

// SetEnabled mutes or unmutes the active playbacks of typ.
func (e *Engine) SetEnabled(typ string, on bool) int { return e.player.SetEnabled(typ, on) }

// SetInterrupted pauses or resumes every playback in place.
func (e *Engine) SetInterrupted(on bool) { e.player.SetInterrupted(on) }

// HandleRouteChange rebuilds the output stream after the OS switched devices.
func (e *Engine) HandleRouteChange() error { return e.output.HandleRouteChange() }

// ─── Catalog ─────────────────────────────────────────────────────────────────

func (e *Engine) setSounds(sounds []config.SoundConfig) {
	m := make(map[string]config.SoundConfig, len(sounds))
	for _, s := range sounds {
		m[s.Type] = s
	}
	e.mu.Lock()
	e.sounds = m
	e.mu.Unlock()
}

// Sounds returns the catalog types, sorted.
func (e *Engine) Sounds() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.sounds))
}

// preload resolves the clips marked for preloading so they sit in the source
// cache. Failures are logged; a missing clip surfaces again on first play.
func (e *Engine) preload(ctx context.Context, sounds []config.SoundConfig) {
	format := e.mixer.Format()
	for _, s := range sounds {
		if !s.Preload {
			continue
		}
		clip, err := e.resolver.Resolve(ctx, s.Source, format)
		if err != nil {
			e.log.Warn("preload failed", "type", s.Type, "source", s.Source, "err", err)
			continue
		}
		e.log.Debug("sound preloaded", "type", s.Type, "bytes", clip.Size())
		clip.Release()
	}
}

// Apply hot-applies a config change: log level, volumes and the sound
// catalog. Playbacks of removed or edited sounds are stopped. Sections that
// need a restart are only logged.
func (e *Engine) Apply(ctx context.Context, diff config.ConfigDiff, cfg *config.Config) {
	if diff.LogLevelChanged && e.level != nil {
		e.level.Set(diff.NewLogLevel.Level())
		e.log.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.VolumeChanged {
		e.SetVolume(diff.NewVolume)
		e.log.Info("player volume changed", "volume", diff.NewVolume)
	}
	if diff.MasterVolumeChanged {
		e.SetMasterVolume(diff.NewMasterVolume)
		e.log.Info("master volume changed", "volume", diff.NewMasterVolume)
	}
	if diff.SoundsChanged {
		e.setSounds(cfg.Sounds)
		var preload []config.SoundConfig
		for _, c := range diff.SoundChanges {
			if c.Removed || c.Changed {
				if n := e.Stop(ctx, c.Type); n > 0 {
					e.log.Info("stopped playbacks of edited sound", "type", c.Type, "stopped", n)
				}
			}
			if s, ok := cfg.Sound(c.Type); ok && !c.Removed && s.Preload {
				preload = append(preload, s)
			}
		}
		e.preload(ctx, preload)
		e.log.Info("sound catalog updated", "changes", len(diff.SoundChanges), "sounds", len(cfg.Sounds))
	}
	if len(diff.RestartRequired) > 0 {
		e.log.Warn("config change needs a restart to take effect", "sections", diff.RestartRequired)
	}
}

// ─── Status ──────────────────────────────────────────────────────────────────

// UnitStatus describes one endpoint.
type UnitStatus struct {
	Driver          string         `json:"driver"`
	Kind            string         `json:"kind"`
	Mode            string         `json:"mode"`
	Format          string         `json:"format"`
	FramesPerBuffer int            `json:"frames_per_buffer"`
	Running         bool           `json:"running"`
	Latency         time.Duration  `json:"latency_ns"`
	Stats           endpoint.Stats `json:"stats"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Output      UnitStatus        `json:"output"`
	Input       *UnitStatus       `json:"input,omitempty"`
	Mixer       mixer.Stats       `json:"mixer"`
	Active      map[string]int    `json:"active"`
	Volume      float32           `json:"volume"`
	Interrupted bool              `json:"interrupted"`
	Sounds      []string          `json:"sounds"`
	CachedClips int               `json:"cached_clips"`
	Hosts       map[string]string `json:"hosts,omitempty"`
	Recording   *RecordStatus     `json:"recording,omitempty"`
}

// RecordStatus describes the capture recorder.
type RecordStatus struct {
	Path    string `json:"path"`
	Frames  uint64 `json:"frames"`
	Dropped uint64 `json:"dropped"`
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	st := Status{
		Output:      unitStatus(e.output, e.outputMode),
		Mixer:       e.mixer.Stats(),
		Active:      e.player.ActiveTypes(),
		Volume:      e.player.Volume(),
		Interrupted: e.player.Interrupted(),
		Sounds:      e.Sounds(),
	}
	if e.input != nil {
		in := unitStatus(e.input, e.inputMode)
		st.Input = &in
	}
	if r, ok := e.resolver.(*source.Resolver); ok {
		st.CachedClips = r.Cached()
		if hosts := r.HostStates(); len(hosts) > 0 {
			st.Hosts = make(map[string]string, len(hosts))
			for h, s := range hosts {
				st.Hosts[h] = s.String()
			}
		}
	}
	if e.recorder != nil {
		st.Recording = &RecordStatus{
			Path:    e.recorder.Path(),
			Frames:  e.recorder.Frames(),
			Dropped: e.recorder.Dropped(),
		}
	}
	return st
}

func unitStatus(u *endpoint.Unit, mode string) UnitStatus {
	return UnitStatus{
		Driver:          u.Driver().Name(),
		Kind:            u.Kind().String(),
		Mode:            mode,
		Format:          u.Format().String(),
		FramesPerBuffer: u.FramesPerBuffer(),
		Running:         u.Running(),
		Latency:         u.Latency(),
		Stats:           u.Stats(),
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Output returns the render endpoint.
func (e *Engine) Output() *endpoint.Unit { return e.output }

// Input returns the capture endpoint, or nil when capture is disabled.
func (e *Engine) Input() *endpoint.Unit { return e.input }

// Mixer returns the bus-pool mixer.
func (e *Engine) Mixer() *mixer.Mixer { return e.mixer }

// Player returns the playback scheduler.
func (e *Engine) Player() *player.Player { return e.player }
