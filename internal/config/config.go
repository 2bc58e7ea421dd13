// Package config provides the configuration schema, loader, file watcher and
// driver registry for the cadence audio engine.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
)

// LogLevel controls log verbosity for the cadence server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for cadence.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Output  EndpointConfig `yaml:"output"`
	Input   InputConfig    `yaml:"input"`
	Mixer   MixerConfig    `yaml:"mixer"`
	Player  PlayerConfig   `yaml:"player"`
	Sounds  []SoundConfig  `yaml:"sounds"`
	Sources SourcesConfig  `yaml:"sources"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// EndpointConfig selects and configures one hardware endpoint.
type EndpointConfig struct {
	// Driver selects a backend registered in the [Registry] ("malgo",
	// "portaudio", "virtual").
	Driver string `yaml:"driver"`

	// Device is the backend's device id or name. Empty selects the default.
	Device string `yaml:"device"`

	// SampleRate in Hz. Zero selects the platform media default.
	SampleRate int `yaml:"sample_rate"`

	// Channels is 1 or 2. Zero selects mono.
	Channels int `yaml:"channels"`

	// FramesPerBuffer is the real-time callback size. Zero asks the driver.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// VoiceProcessing requests echo cancellation. When the driver does not
	// provide it the engine falls back to plain mode.
	VoiceProcessing bool `yaml:"voice_processing"`
}

// Format returns the stream format the endpoint requests. Unset fields take
// the values of [audio.DefaultMediaFormat].
func (e EndpointConfig) Format() audio.Format {
	f := audio.DefaultMediaFormat()
	if e.SampleRate > 0 {
		f.SampleRate = e.SampleRate
	}
	if e.Channels > 0 {
		f.Channels = e.Channels
	}
	return f
}

// InputConfig configures the optional capture endpoint.
type InputConfig struct {
	// Enabled opens a capture endpoint next to the output.
	Enabled bool `yaml:"enabled"`

	EndpointConfig `yaml:",inline"`

	// RecordPath, when set, writes captured audio to a WAV file.
	RecordPath string `yaml:"record_path"`
}

// MixerConfig sizes the bus pool.
type MixerConfig struct {
	// BusCount is the number of concurrent playbacks the mixer can carry.
	BusCount int `yaml:"bus_count"`

	// MasterVolume is applied to the summed output. Nil means 1.0.
	MasterVolume *float64 `yaml:"master_volume"`
}

// PlayerConfig configures the playback scheduler.
type PlayerConfig struct {
	// Volume applied to every playback. Nil means 1.0.
	Volume *float64 `yaml:"volume"`

	// CacheSize bounds the number of decoded clips kept in memory.
	CacheSize int `yaml:"cache_size"`
}

// SoundConfig is a catalog entry that can be played by type.
type SoundConfig struct {
	// Type is the playback type tag and the catalog key.
	Type string `yaml:"type"`

	// Source is a file path, file:// or http(s):// locator.
	Source string `yaml:"source"`

	// LoopCount follows the player semantics: 0 plays once, negative loops
	// until stopped.
	LoopCount int `yaml:"loop_count"`

	// Preload resolves the clip at startup so the first play is instant.
	Preload bool `yaml:"preload"`
}

// SourcesConfig configures the decode pipeline.
type SourcesConfig struct {
	// BaseDir resolves relative file locators.
	BaseDir string `yaml:"base_dir"`

	// HTTPTimeout bounds a single remote fetch.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// MaxBytes bounds the size of a single source.
	MaxBytes int64 `yaml:"max_bytes"`

	// Breaker guards remote hosts.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-host circuit breaker for remote sources.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultDriver      = "malgo"
	DefaultBusCount    = 8
	DefaultCacheSize   = 32
	DefaultHTTPTimeout = 10 * time.Second
	DefaultMaxBytes    = 64 << 20
)

// ApplyDefaults fills unset fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Output.Driver == "" {
		cfg.Output.Driver = DefaultDriver
	}
	if cfg.Input.Enabled && cfg.Input.Driver == "" {
		cfg.Input.Driver = cfg.Output.Driver
	}
	if cfg.Mixer.BusCount == 0 {
		cfg.Mixer.BusCount = DefaultBusCount
	}
	if cfg.Player.CacheSize == 0 {
		cfg.Player.CacheSize = DefaultCacheSize
	}
	if cfg.Sources.HTTPTimeout == 0 {
		cfg.Sources.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.Sources.MaxBytes == 0 {
		cfg.Sources.MaxBytes = DefaultMaxBytes
	}
}

// PlayerVolume returns the configured player volume, 1.0 when unset.
func (c *Config) PlayerVolume() float32 {
	if c.Player.Volume == nil {
		return 1
	}
	return float32(*c.Player.Volume)
}

// MasterVolume returns the configured master volume, 1.0 when unset.
func (c *Config) MasterVolume() float32 {
	if c.Mixer.MasterVolume == nil {
		return 1
	}
	return float32(*c.Mixer.MasterVolume)
}

// Sound returns the catalog entry for typ.
func (c *Config) Sound(typ string) (SoundConfig, bool) {
	for _, s := range c.Sounds {
		if s.Type == typ {
			return s, true
		}
	}
	return SoundConfig{}, false
}
