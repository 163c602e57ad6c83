package internal

import (
	"github.com/starford/raido/internal/archive"
	"github.com/starford/raido/internal/sink"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	sources []archive.Source
	sink    sink.Sink
	follow  bool
	expect  int
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithSources overrides archive discovery with an explicit source list.
func WithSources(sources []archive.Source) Option {
	return func(a *application) {
		a.sources = sources
	}
}

// WithSink overrides the output sink. Used by tests to capture operations.
func WithSink(s sink.Sink) Option {
	return func(a *application) {
		a.sink = s
	}
}

// WithFollow makes the run watch the staging directory for archives instead
// of scanning it once. expect, when positive, is the number of archives after
// which the watch stops on its own.
func WithFollow(expect int) Option {
	return func(a *application) {
		a.follow = true
		a.expect = expect
	}
}
