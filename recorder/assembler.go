// Package recorder turns motion events into video files: on a rising edge
// of the recording flag it seeds a session with the pre-motion window, appends
// live frames while the flag holds, and encodes the session once it falls.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alesr/rorelse/framestore"
)

const (
	defaultCamera          = "camera_001"
	defaultOutputDir       = "recordings"
	defaultInterval        = 100 * time.Millisecond
	defaultFinalizeTimeout = 30 * time.Second
)

// Store is the part of the frame store the assembler reads.
type Store interface {
	Recording() bool
	ReadLatest(dst []byte) (framestore.Frame, error)
	ReadWindow(count int) ([]framestore.Frame, error)
	Release(frames []framestore.Frame)
}

// Assembler polls the recording flag and builds one recording per motion event.
type Assembler struct {
	store     Store
	encoder   Encoder
	frameSize int
	preFrames int

	// configuration
	camera          string
	outputDir       string
	location        *time.Location
	interval        time.Duration
	finalizeTimeout time.Duration
	sinks           []Sink
	logger          *slog.Logger
	now             func() time.Time

	// state, owned by the goroutine calling Poll
	session *session
	prev    bool
	scratch []byte

	// metrics
	sessionsStarted atomic.Uint64
	sessionsSaved   atomic.Uint64
	sessionsFailed  atomic.Uint64
	sessionsEmpty   atomic.Uint64
	framesEncoded   atomic.Uint64
	recording       atomic.Bool
}

// New creates an Assembler. preFrames is the size of the pre-motion window,
// usually the ring capacity.
func New(store Store, encoder Encoder, frameSize, preFrames int, opts ...Option) *Assembler {
	a := &Assembler{
		store:           store,
		encoder:         encoder,
		frameSize:       frameSize,
		preFrames:       preFrames,
		camera:          defaultCamera,
		outputDir:       defaultOutputDir,
		location:        time.Local,
		interval:        defaultInterval,
		finalizeTimeout: defaultFinalizeTimeout,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run polls the flag every interval until ctx is done. A session still open
// at that point is encoded before Run returns.
func (a *Assembler) Run(ctx context.Context) error {
	a.logger.Info("recorder: waiting for motion",
		"camera", a.camera,
		"output_dir", a.outputDir,
		"pre_frames", a.preFrames,
	)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown(ctx)
			return ctx.Err()
		case <-ticker.C:
			a.Poll(ctx)
		}
	}
}

// Poll runs one step: edge detection on the flag, then appending the latest
// frame to the open session.
func (a *Assembler) Poll(ctx context.Context) {
	on := a.store.Recording()
	defer func() { a.prev = on }()

	switch {
	case on && !a.prev:
		a.start()
	case !on && a.prev:
		a.finish(ctx)
	}

	if on && a.session != nil {
		a.appendLatest()
	}
}

// Active reports whether a session is open. Only safe from the goroutine calling Poll.
func (a *Assembler) Active() bool { return a.session != nil }

func (a *Assembler) start() {
	if a.session != nil {
		return
	}

	sess := newSession(a.now().In(a.location), a.outputDir, a.camera)
	window, err := a.store.ReadWindow(a.preFrames)
	if err != nil {
		a.logger.Warn("recorder: could not read pre-motion window, recording live frames only",
			"session", sess.id, "error", err)
	}
	sess.seed(window)

	a.session = sess
	a.sessionsStarted.Add(1)
	a.recording.Store(true)
	a.logger.Info("recorder: recording started",
		"session", sess.id,
		"path", sess.path,
		"pre_frames", sess.preFrames,
	)
}

func (a *Assembler) appendLatest() {
	if len(a.scratch) != a.frameSize {
		a.scratch = make([]byte, a.frameSize)
	}

	frame, err := a.store.ReadLatest(a.scratch)
	if err != nil {
		if framestore.IsTransient(err) {
			a.logger.Debug("recorder: skipping frame", "error", err)
		} else {
			a.logger.Warn("recorder: could not read latest frame", "error", err)
		}
		return
	}

	if a.session.append(frame) {
		// the session keeps the buffer
		a.scratch = nil
	}
}

func (a *Assembler) finish(ctx context.Context) {
	sess := a.session
	if sess == nil {
		return
	}
	a.session = nil
	a.recording.Store(false)
	defer a.store.Release(sess.frames)

	rec := Recording{
		ID:        sess.id.String(),
		Camera:    a.camera,
		StartedAt: sess.startedAt,
		EndedAt:   a.now().In(a.location),
		Path:      sess.path,
		PreFrames: sess.preFrames,
		Frames:    len(sess.frames),
	}

	switch {
	case len(sess.frames) == 0:
		rec.Status = StatusAbandoned
		a.sessionsEmpty.Add(1)
		a.logger.Warn("recorder: session ended without frames", "session", rec.ID)
	default:
		a.logger.Info("recorder: encoding", "session", rec.ID, "frames", rec.Frames)
		if err := a.encoder.Encode(ctx, sess.path, sess.frames); err != nil {
			rec.Status = StatusFailed
			rec.Error = err.Error()
			a.sessionsFailed.Add(1)

			var encErr *EncodeError
			if errors.As(err, &encErr) {
				a.logger.Error("recorder: encoding failed", "session", rec.ID, "path", encErr.Path,
					"error", encErr.Err, "stderr", encErr.Stderr)
			} else {
				a.logger.Error("recorder: encoding failed", "session", rec.ID, "error", err)
			}
		} else {
			rec.Status = StatusSaved
			a.sessionsSaved.Add(1)
			a.framesEncoded.Add(uint64(rec.Frames))
			a.logger.Info("recorder: recording saved",
				"session", rec.ID,
				"path", rec.Path,
				"frames", rec.Frames,
				"duration", rec.Duration(),
			)
		}
	}

	a.report(ctx, rec)
}

func (a *Assembler) report(ctx context.Context, rec Recording) {
	for _, sink := range a.sinks {
		if err := sink.RecordingFinished(ctx, rec); err != nil {
			a.logger.Warn("recorder: sink failed", "session", rec.ID, "error", err)
		}
	}
}

// shutdown finalizes an open session on a context detached from the
// cancelled one.
func (a *Assembler) shutdown(ctx context.Context) {
	if a.session == nil {
		return
	}
	a.logger.Info("recorder: shutting down, finalizing open session", "session", a.session.id)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.finalizeTimeout)
	defer cancel()
	a.finish(fctx)
	a.prev = false
}

// Metrics contains statistics for an Assembler.
type Metrics struct {
	SessionsStarted   uint64 // rising edges handled
	SessionsSaved     uint64 // sessions encoded successfully
	SessionsFailed    uint64 // sessions whose encoding failed
	SessionsAbandoned uint64 // sessions that ended without frames
	FramesEncoded     uint64 // frames in saved sessions
	Recording         bool   // a session is open
}

// GetMetrics returns current statistics.
func (a *Assembler) GetMetrics() Metrics {
	return Metrics{
		SessionsStarted:   a.sessionsStarted.Load(),
		SessionsSaved:     a.sessionsSaved.Load(),
		SessionsFailed:    a.sessionsFailed.Load(),
		SessionsAbandoned: a.sessionsEmpty.Load(),
		FramesEncoded:     a.framesEncoded.Load(),
		Recording:         a.recording.Load(),
	}
}
