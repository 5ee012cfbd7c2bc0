package motion

import (
	"log/slog"
	"time"
)

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets the score above which a tick counts as motion.
func WithThreshold(n int) Option {
	return func(d *Detector) {
		if n >= 0 {
			d.threshold = n
		}
	}
}

// WithGrace sets the quiet period after the last motion before recording stops.
func WithGrace(grace time.Duration) Option {
	return func(d *Detector) {
		if grace > 0 {
			d.grace = grace
		}
	}
}

// WithPixelDelta sets the per-pixel intensity change that counts towards the score.
func WithPixelDelta(delta uint8) Option {
	return func(d *Detector) {
		d.pixelDelta = delta
	}
}

// WithBlurSigma sets the Gaussian blur applied before differencing.
func WithBlurSigma(sigma float32) Option {
	return func(d *Detector) {
		if sigma >= 0 {
			d.blurSigma = sigma
		}
	}
}

// WithInterval sets the tick interval.
func WithInterval(interval time.Duration) Option {
	return func(d *Detector) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}
