package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VolumeChanged bool
	NewVolume     float32

	MasterVolumeChanged bool
	NewMasterVolume     float32

	SoundsChanged bool        // true if any catalog entry was added, removed or edited
	SoundChanges  []SoundDiff // per-type diffs

	// RestartRequired lists config sections that changed but need a restart
	// to take effect.
	RestartRequired []string
}

// SoundDiff describes what changed for a single catalog entry.
type SoundDiff struct {
	Type    string
	Added   bool
	Removed bool
	Changed bool
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VolumeChanged && !d.MasterVolumeChanged &&
		!d.SoundsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if ov, nv := old.PlayerVolume(), new.PlayerVolume(); ov != nv {
		d.VolumeChanged = true
		d.NewVolume = nv
	}
	if ov, nv := old.MasterVolume(), new.MasterVolume(); ov != nv {
		d.MasterVolumeChanged = true
		d.NewMasterVolume = nv
	}

	oldSounds := make(map[string]SoundConfig, len(old.Sounds))
	for _, s := range old.Sounds {
		oldSounds[s.Type] = s
	}
	newSounds := make(map[string]SoundConfig, len(new.Sounds))
	for _, s := range new.Sounds {
		newSounds[s.Type] = s
	}
	for typ, os := range oldSounds {
		ns, ok := newSounds[typ]
		switch {
		case !ok:
			d.SoundChanges = append(d.SoundChanges, SoundDiff{Type: typ, Removed: true})
		case ns != os:
			d.SoundChanges = append(d.SoundChanges, SoundDiff{Type: typ, Changed: true})
		}
	}
	for typ := range newSounds {
		if _, ok := oldSounds[typ]; !ok {
			d.SoundChanges = append(d.SoundChanges, SoundDiff{Type: typ, Added: true})
		}
	}
	d.SoundsChanged = len(d.SoundChanges) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Output != new.Output {
		d.RestartRequired = append(d.RestartRequired, "output")
	}
	if old.Input != new.Input {
		d.RestartRequired = append(d.RestartRequired, "input")
	}
	if old.Mixer.BusCount != new.Mixer.BusCount {
		d.RestartRequired = append(d.RestartRequired, "mixer.bus_count")
	}
	if old.Player.CacheSize != new.Player.CacheSize || old.Sources != new.Sources {
		d.RestartRequired = append(d.RestartRequired, "sources")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
