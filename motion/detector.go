// Package motion scores frame-to-frame differences of the live frame and
// drives the shared recording flag.
package motion

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alesr/rorelse/framestore"
)

const (
	defaultThreshold  = 5000
	defaultGrace      = 5 * time.Second
	defaultPixelDelta = 25
	defaultBlurSigma  = 3.5
	defaultInterval   = 300 * time.Millisecond
)

var (
	// errBlankFrame marks a frame with no data; it is skipped like a torn read.
	errBlankFrame = errors.New("frame contains no data")

	// errStaleFrame marks a tick where the producer has not published since
	// the last one. It is scored as a tick without motion.
	errStaleFrame = errors.New("no new frame since last tick")
)

// FrameSource provides the latest published frame.
type FrameSource interface {
	ReadLatest(dst []byte) (framestore.Frame, error)
}

// Flag is the shared recording flag. The detector is its only writer.
type Flag interface {
	SetRecording(on bool)
}

// Detector periodically scores the latest frame against the previous one.
type Detector struct {
	src  FrameSource
	flag Flag

	// configuration
	threshold  int
	grace      time.Duration
	pixelDelta uint8
	blurSigma  float32
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	// state, owned by the goroutine calling Tick
	machine *Machine
	pre     *Preprocessor
	buf     []byte
	prev    *image.Gray
	cur     *image.Gray
	lastSeq uint64
	primed  bool

	// metrics
	ticks     atomic.Uint64
	skipped   atomic.Uint64
	stale     atomic.Uint64
	triggers  atomic.Uint64
	lastScore atomic.Int64
	active    atomic.Bool
}

// New creates a Detector for frames of the given size.
func New(src FrameSource, flag Flag, width, height int, opts ...Option) *Detector {
	d := &Detector{
		src:        src,
		flag:       flag,
		threshold:  defaultThreshold,
		grace:      defaultGrace,
		pixelDelta: defaultPixelDelta,
		blurSigma:  defaultBlurSigma,
		interval:   defaultInterval,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.machine = NewMachine(d.threshold, d.grace)
	d.pre = NewPreprocessor(width, height, d.blurSigma)
	return d
}

// Run ticks until ctx is done. The flag is cleared on start and on exit so
// that a restarted detector never leaves a recording running.
func (d *Detector) Run(ctx context.Context) error {
	d.flag.SetRecording(false)
	defer func() {
		if d.machine.State() == Active {
			d.logger.Info("motion: shutting down, stopping recording")
		}
		d.flag.SetRecording(false)
		d.active.Store(false)
	}()

	d.logger.Info("motion: detection started",
		"interval", d.interval,
		"threshold", d.threshold,
		"grace", d.grace,
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick runs one detection step.
func (d *Detector) Tick() {
	d.ticks.Add(1)
	now := d.now()

	frame, err := d.read()
	switch {
	case errors.Is(err, errStaleFrame):
		// nothing was published, so nothing moved; the grace period keeps running
		d.stale.Add(1)
		d.observe(now, 0, frame.Seq)
		return
	case err != nil:
		// a failed read says nothing about motion: lastMotionAt is left alone
		d.skipped.Add(1)
		d.machine.Skip(now)
		d.logger.Debug("motion: skipping tick", "error", err)
		return
	}

	d.cur = d.pre.Apply(d.cur, frame.Data)
	if !d.primed {
		d.prev, d.cur = d.cur, d.prev
		d.primed = true
		d.logger.Info("motion: no previous frame, stored reference", "seq", frame.Seq)
		return
	}

	score := Score(d.prev, d.cur, d.pixelDelta)
	d.prev, d.cur = d.cur, d.prev
	d.observe(now, score, frame.Seq)
}

// observe feeds one score to the machine and writes the flag on transitions.
func (d *Detector) observe(now time.Time, score int, seq uint64) {
	d.lastScore.Store(int64(score))

	switch d.machine.Observe(now, score) {
	case Started:
		d.triggers.Add(1)
		d.active.Store(true)
		d.flag.SetRecording(true)
		d.logger.Info("motion: detected, starting recording", "score", score, "seq", seq)
	case Stopped:
		d.active.Store(false)
		d.flag.SetRecording(false)
		d.logger.Info("motion: ended, stopping recording", "quiet_for", d.grace)
	default:
		d.logger.Debug("motion: frame scored", "score", score, "state", d.machine.State())
	}
}

// read returns a new, non-blank frame or the reason the tick is skipped.
func (d *Detector) read() (framestore.Frame, error) {
	frame, err := d.src.ReadLatest(d.buf)
	if err != nil {
		return framestore.Frame{}, err
	}
	d.buf = frame.Data

	if d.primed && frame.Seq == d.lastSeq {
		return framestore.Frame{Seq: frame.Seq}, errStaleFrame
	}
	if blank(frame.Data) {
		return framestore.Frame{}, errBlankFrame
	}
	d.lastSeq = frame.Seq
	return frame, nil
}

// State returns the current motion state. Only safe from the goroutine calling Tick.
func (d *Detector) State() State { return d.machine.State() }

// Metrics contains statistics for a Detector.
type Metrics struct {
	Ticks     uint64 // detection steps run
	Skipped   uint64 // steps skipped because of read errors or blank frames
	Stale     uint64 // steps without a new frame, scored as no motion
	Triggers  uint64 // Idle to Active transitions
	LastScore int64  // most recent motion score
	Active    bool   // recording flag as last written
}

// GetMetrics returns current statistics.
func (d *Detector) GetMetrics() Metrics {
	return Metrics{
		Ticks:     d.ticks.Load(),
		Skipped:   d.skipped.Load(),
		Stale:     d.stale.Load(),
		Triggers:  d.triggers.Load(),
		LastScore: d.lastScore.Load(),
		Active:    d.active.Load(),
	}
}
