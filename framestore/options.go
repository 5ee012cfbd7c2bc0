package framestore

import "time"

// Option configures a Store view.
type Option func(*Store)

// WithReadAttempts bounds the seqlock retries of a single read.
func WithReadAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.readAttempts = n
		}
	}
}

// WithRetryPause sets the wait between read attempts. Zero spins.
func WithRetryPause(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.retryPause = d
		}
	}
}
