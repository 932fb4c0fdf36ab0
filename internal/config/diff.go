package config

import (
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (store, providers, listener, sink) needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	FanoutChanged    bool
	ScoringChanged   bool
	PruneChanged     bool
	RetrievalChanged bool
	FilterChanged    bool

	// RestartRequired lists top-level sections whose changes are ignored
	// until restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable setting differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.FanoutChanged || d.ScoringChanged ||
		d.PruneChanged || d.RetrievalChanged || d.FilterChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oe, ne := old.Engine, new.Engine
	d.FanoutChanged = oe.FanoutOrDefault() != ne.FanoutOrDefault()
	d.ScoringChanged = !reflect.DeepEqual(oe.ScoringPolicy(), ne.ScoringPolicy())
	d.PruneChanged = oe.PrunePolicy() != ne.PrunePolicy()
	d.RetrievalChanged = oe.RetrievalConfig() != ne.RetrievalConfig()
	d.FilterChanged = !reflect.DeepEqual(oe.Filter(), ne.Filter())

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", withoutLogLevel(old.Server), withoutLogLevel(new.Server)},
		{"store", old.Store, new.Store},
		{"providers", old.Providers, new.Providers},
		{"maintenance", old.Maintenance, new.Maintenance},
		{"events", old.Events, new.Events},
		{"resilience", old.Resilience, new.Resilience},
		{"engine.timeouts", timeouts(oe), timeouts(ne)},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

func withoutLogLevel(s ServerConfig) ServerConfig {
	s.LogLevel = ""
	return s
}

func timeouts(e EngineConfig) [4]int64 {
	return [4]int64{int64(e.EmbedTimeout), int64(e.CompletionTimeout), int64(e.MaxEmbedChars), int64(e.EmbedWorkers)}
}
