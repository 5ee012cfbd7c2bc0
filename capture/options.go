package capture

import (
	"log/slog"
	"time"

	"github.com/alesr/rorelse/retry"
)

// Option configures a Producer.
type Option func(*Producer)

// WithPolicy sets the reconnect policy.
func WithPolicy(policy retry.Policy) Option {
	return func(p *Producer) {
		p.policy = policy
	}
}

// WithStallTimeout sets how long a stream may stay silent before it is
// closed and reopened. Zero disables the check.
func WithStallTimeout(d time.Duration) Option {
	return func(p *Producer) {
		if d >= 0 {
			p.stallTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}
