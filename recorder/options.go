package recorder

import (
	"log/slog"
	"time"
)

// Option configures an Assembler.
type Option func(*Assembler)

// WithCamera sets the camera name used in artifact names.
func WithCamera(name string) Option {
	return func(a *Assembler) {
		if name != "" {
			a.camera = name
		}
	}
}

// WithOutputDir sets the directory recordings are written to.
func WithOutputDir(dir string) Option {
	return func(a *Assembler) {
		if dir != "" {
			a.outputDir = dir
		}
	}
}

// WithLocation sets the time zone of session timestamps.
func WithLocation(loc *time.Location) Option {
	return func(a *Assembler) {
		if loc != nil {
			a.location = loc
		}
	}
}

// WithInterval sets how often the flag is polled, normally one frame interval.
func WithInterval(interval time.Duration) Option {
	return func(a *Assembler) {
		if interval > 0 {
			a.interval = interval
		}
	}
}

// WithFinalizeTimeout bounds the encoding of a session open at shutdown.
func WithFinalizeTimeout(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.finalizeTimeout = d
		}
	}
}

// WithSinks adds sinks notified of every finished session.
func WithSinks(sinks ...Sink) Option {
	return func(a *Assembler) {
		for _, s := range sinks {
			if s != nil {
				a.sinks = append(a.sinks, s)
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}
