// Package capture reads raw frames from the upstream decoder and publishes
// them into the frame store, reconnecting with backoff when the upstream
// goes away.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alesr/rorelse/retry"
)

const defaultStallTimeout = 10 * time.Second

var (
	// ErrUpstreamUnavailable is returned once reconnecting has been given up.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// errStalled ends a session whose stream stopped delivering data.
	errStalled = errors.New("no data from upstream")
)

// Publisher receives every complete frame.
type Publisher interface {
	Publish(frame []byte) error
}

// Producer copies frames from a Source into a Publisher.
type Producer struct {
	src       Source
	pub       Publisher
	frameSize int

	// configuration
	policy       retry.Policy
	stallTimeout time.Duration
	logger       *slog.Logger

	// metrics
	framesPublished atomic.Uint64
	framesSkipped   atomic.Uint64
	restarts        atomic.Uint64
	stalls          atomic.Uint64
	connected       atomic.Bool
	creationTime    time.Time
}

// New creates a Producer for frames of frameSize bytes.
func New(src Source, pub Publisher, frameSize int, opts ...Option) *Producer {
	p := &Producer{
		src:          src,
		pub:          pub,
		frameSize:    frameSize,
		policy:       retry.DefaultPolicy(),
		stallTimeout: defaultStallTimeout,
		logger:       slog.Default(),
		creationTime: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run publishes frames until ctx is done or the upstream stays unavailable
// for the whole retry policy. A stream that delivered frames before ending
// is reopened right away with a fresh policy.
func (p *Producer) Run(ctx context.Context) error {
	buf := make([]byte, p.frameSize)
	session := func(ctx context.Context) error {
		return p.session(ctx, buf)
	}
	retryable := func(error) bool { return ctx.Err() == nil }

	for {
		err := retry.Do(ctx, p.policy, session, retryable, p.notify)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			p.logger.Error("capture: giving up on upstream", "error", err)
			return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		p.restarts.Add(1)
	}
}

// session reads one upstream stream to its end. It returns nil when the
// stream produced frames, so that the caller reconnects immediately.
func (p *Producer) session(ctx context.Context, buf []byte) error {
	stream, err := p.src.Open(ctx)
	if err != nil {
		return fmt.Errorf("could not open source: %w", err)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	p.connected.Store(true)
	defer p.connected.Store(false)

	// a stream that stays open without sending anything is closed, which
	// unblocks the pending read
	var stalled atomic.Bool
	watchdog := func() {}
	if p.stallTimeout > 0 {
		timer := time.AfterFunc(p.stallTimeout, func() {
			stalled.Store(true)
			stream.Close()
		})
		defer timer.Stop()
		watchdog = func() { timer.Reset(p.stallTimeout) }
	}

	published, err := p.pump(ctx, stream, buf, watchdog)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stalled.Load() {
		p.stalls.Add(1)
		err = fmt.Errorf("%w for %s: %w", errStalled, p.stallTimeout, err)
	}
	if published > 0 {
		p.logger.Warn("capture: upstream ended, reconnecting", "frames", published, "error", err)
		return nil
	}
	return fmt.Errorf("stream ended before the first frame: %w", err)
}

// pump publishes complete frames until the stream fails. alive is called
// after every read that returned data.
func (p *Producer) pump(ctx context.Context, r io.Reader, buf []byte, alive func()) (int, error) {
	var published int
	for {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		_, err := io.ReadFull(r, buf)
		switch {
		case err == nil:
			alive()
		case errors.Is(err, io.ErrUnexpectedEOF):
			alive()
			p.framesSkipped.Add(1)
			p.logger.Warn("capture: short read, skipping frame")
			continue
		default:
			return published, err
		}

		if err := p.pub.Publish(buf); err != nil {
			return published, fmt.Errorf("could not publish frame: %w", err)
		}
		published++
		p.framesPublished.Add(1)
	}
}

func (p *Producer) notify(attempt int, err error, next time.Duration) {
	p.restarts.Add(1)
	p.logger.Warn("capture: upstream unavailable, retrying",
		"attempt", attempt,
		"max_attempts", p.policy.MaxAttempts,
		"delay", next,
		"error", err,
	)
}

// Metrics contains statistics for a Producer.
type Metrics struct {
	FramesPublished uint64        // complete frames handed to the store
	FramesSkipped   uint64        // partial frames dropped
	Restarts        uint64        // upstream reconnections
	Stalls          uint64        // streams closed because they stopped sending
	Connected       bool          // a stream is currently open
	Uptime          time.Duration // time since the producer was created
}

// GetMetrics returns current statistics.
func (p *Producer) GetMetrics() Metrics {
	return Metrics{
		FramesPublished: p.framesPublished.Load(),
		FramesSkipped:   p.framesSkipped.Load(),
		Restarts:        p.restarts.Load(),
		Stalls:          p.stalls.Load(),
		Connected:       p.connected.Load(),
		Uptime:          time.Since(p.creationTime),
	}
}
