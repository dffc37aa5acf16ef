package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; backend, server,
// and concurrency changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// HotwordsChanged means the hotword sources or threshold changed and
	// the store should be rebuilt and reloaded.
	HotwordsChanged bool

	// RulesChanged and RectifyChanged mean the respective file needs
	// rereading.
	RulesChanged   bool
	RectifyChanged bool

	// SpeakerChanged means turn building or attribution settings changed.
	SpeakerChanged bool

	// PostprocessChanged means the text normalisation settings changed.
	PostprocessChanged bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.HotwordsChanged || d.RulesChanged ||
		d.RectifyChanged || d.SpeakerChanged || d.PostprocessChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Logging.Level != new.Logging.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Logging.Level
	}

	if old.Hotwords != new.Hotwords {
		d.HotwordsChanged = true
	}
	if old.Rules != new.Rules {
		d.RulesChanged = true
	}
	if old.Rectify != new.Rectify {
		d.RectifyChanged = true
	}
	if !speakerEqual(old.Speaker, new.Speaker) {
		d.SpeakerChanged = true
	}
	if old.Postprocess != new.Postprocess {
		d.PostprocessChanged = true
	}

	return d
}

// speakerEqual compares speaker configs field by field; the order slice
// keeps [SpeakerConfig] from being comparable with ==.
func speakerEqual(a, b SpeakerConfig) bool {
	return a.Enabled == b.Enabled &&
		a.DiarizerURL == b.DiarizerURL &&
		a.TimeoutSec == b.TimeoutSec &&
		a.GapMs == b.GapMs &&
		a.MaxTurnSec == b.MaxTurnSec &&
		a.LabelStyle == b.LabelStyle &&
		slices.Equal(a.Order, b.Order)
}
