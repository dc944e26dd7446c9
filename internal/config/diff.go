package config

import "slices"

// ConfigDiff describes what changed between two configs. Only fields that can
// be safely hot-reloaded are tracked; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AllowPasswordChanged bool
	NewAllowPassword     bool

	DefaultVoiceChanged bool
	NewDefaultVoice     string

	CORSChanged bool
}

// Changed reports whether the diff contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AllowPasswordChanged || d.DefaultVoiceChanged || d.CORSChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Auth.AllowPassword != new.Auth.AllowPassword {
		d.AllowPasswordChanged = true
		d.NewAllowPassword = new.Auth.AllowPassword
	}
	if old.Upstreams.TTS.DefaultVoice != new.Upstreams.TTS.DefaultVoice {
		d.DefaultVoiceChanged = true
		d.NewDefaultVoice = new.Upstreams.TTS.DefaultVoice
	}
	if !slices.Equal(old.Server.CORSAllowedOrigins, new.Server.CORSAllowedOrigins) {
		d.CORSChanged = true
	}

	return d
}
