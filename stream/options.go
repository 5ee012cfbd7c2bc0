package stream

import (
	"log/slog"
	"time"
)

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithTitle sets the title of the index page, usually the camera name.
func WithTitle(title string) Option {
	return func(s *Server) {
		if title != "" {
			s.title = title
		}
	}
}

// WithQuality sets the JPEG quality, 1 to 100.
func WithQuality(q int) Option {
	return func(s *Server) {
		if q >= 1 && q <= 100 {
			s.quality = q
		}
	}
}

// WithInterval sets how often a frame is pushed.
func WithInterval(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}
