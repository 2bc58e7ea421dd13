package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/cadence/pkg/audio"
)

// ValidDriverNames lists the endpoint drivers cadence ships with.
// Used by [Validate] to warn about unrecognised driver names.
var ValidDriverNames = []string{"malgo", "portaudio", "virtual"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Endpoints
	errs = append(errs, validateEndpoint("output", cfg.Output)...)
	if cfg.Input.Enabled {
		errs = append(errs, validateEndpoint("input", cfg.Input.EndpointConfig)...)
	} else if cfg.Input.RecordPath != "" {
		slog.Warn("input.record_path is set but input.enabled is false; nothing will be recorded")
	}

	// Mixer
	if cfg.Mixer.BusCount <= 0 {
		errs = append(errs, fmt.Errorf("mixer.bus_count %d must be positive", cfg.Mixer.BusCount))
	}
	if v := cfg.Mixer.MasterVolume; v != nil && (*v < 0 || *v > 1) {
		errs = append(errs, fmt.Errorf("mixer.master_volume %.2f is out of range [0, 1]", *v))
	}

	// Player
	if v := cfg.Player.Volume; v != nil && (*v < 0 || *v > 1) {
		errs = append(errs, fmt.Errorf("player.volume %.2f is out of range [0, 1]", *v))
	}
	if cfg.Player.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("player.cache_size %d must not be negative", cfg.Player.CacheSize))
	}

	// Sound catalog duplicate detection
	seen := make(map[string]int, len(cfg.Sounds))
	for i, s := range cfg.Sounds {
		prefix := fmt.Sprintf("sounds[%d]", i)
		if s.Type == "" {
			errs = append(errs, fmt.Errorf("%s.type is required", prefix))
		} else {
			if prev, ok := seen[s.Type]; ok {
				errs = append(errs, fmt.Errorf("%s.type %q is a duplicate of sounds[%d]", prefix, s.Type, prev))
			}
			seen[s.Type] = i
		}
		if s.Source == "" {
			errs = append(errs, fmt.Errorf("%s.source is required", prefix))
		}
	}
	if len(cfg.Sounds) > cfg.Mixer.BusCount && cfg.Mixer.BusCount > 0 {
		slog.Warn("more catalog sounds than mixer buses; concurrent plays beyond the bus count will be dropped",
			"sounds", len(cfg.Sounds),
			"bus_count", cfg.Mixer.BusCount,
		)
	}

	// Sources
	if cfg.Sources.HTTPTimeout < 0 {
		errs = append(errs, fmt.Errorf("sources.http_timeout %s must not be negative", cfg.Sources.HTTPTimeout))
	}
	if cfg.Sources.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("sources.max_bytes %d must not be negative", cfg.Sources.MaxBytes))
	}
	if b := cfg.Sources.Breaker; b.MaxFailures < 0 || b.ResetTimeout < 0 || b.HalfOpenMax < 0 {
		errs = append(errs, errors.New("sources.breaker values must not be negative"))
	}

	return errors.Join(errs...)
}

func validateEndpoint(prefix string, e EndpointConfig) []error {
	var errs []error
	validateDriverName(prefix, e.Driver)
	if e.SampleRate != 0 && (e.SampleRate < 8000 || e.SampleRate > 192000) {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d is out of range [8000, 192000]", prefix, e.SampleRate))
	}
	if e.Channels < 0 || e.Channels > 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d is invalid; valid values: 1, 2", prefix, e.Channels))
	}
	if e.FramesPerBuffer < 0 || e.FramesPerBuffer > audio.MaxFramesPerSlice {
		errs = append(errs, fmt.Errorf("%s.frames_per_buffer %d is out of range [0, %d]", prefix, e.FramesPerBuffer, audio.MaxFramesPerSlice))
	}
	if e.Device != "" && audio.IsMobilePlatform() {
		slog.Warn("device selection is not supported on mobile platforms; using the default device", "endpoint", prefix)
	}
	return errs
}

// validateDriverName logs a warning if name is non-empty and not one of
// [ValidDriverNames].
func validateDriverName(endpoint, name string) {
	if name == "" || slices.Contains(ValidDriverNames, name) {
		return
	}
	slog.Warn("unknown driver name; may be a typo or a third-party driver",
		"endpoint", endpoint,
		"name", name,
		"known", ValidDriverNames,
	)
}
