package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alesr/rorelse/capture"
	"github.com/alesr/rorelse/catalog"
	"github.com/alesr/rorelse/config"
	"github.com/alesr/rorelse/exporter"
	"github.com/alesr/rorelse/framestore"
	"github.com/alesr/rorelse/motion"
	"github.com/alesr/rorelse/recorder"
	"github.com/alesr/rorelse/retry"
	"github.com/alesr/rorelse/stream"
	"golang.org/x/sync/errgroup"
)

const (
	metricsInterval      = 10 * time.Second
	exporterDrainTimeout = 15 * time.Second
)

// attachPolicy waits for the capture process to create the segment.
var attachPolicy = retry.Policy{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

type app struct {
	cfg             *config.Config
	logger          *slog.Logger
	removeSegment   bool
	metricsInterval time.Duration

	// catalog commands
	limit int
	args  []string
	out   io.Writer
}

func (a *app) layout() (framestore.Layout, error) {
	layout, err := a.cfg.Layout()
	if err != nil {
		return framestore.Layout{}, fmt.Errorf("invalid frame geometry: %w", err)
	}
	return layout, nil
}

// create opens the segment as its single writer.
func (a *app) create() (*framestore.Store, error) {
	layout, err := a.layout()
	if err != nil {
		return nil, err
	}
	store, err := framestore.Create(a.cfg.SegmentPath(), layout)
	if err != nil {
		return nil, fmt.Errorf("could not create shared segment: %w", err)
	}
	a.logger.Info("rorelse: shared segment ready", "path", a.cfg.SegmentPath(), "layout", layout.String())
	return store, nil
}

// attach opens the segment as a reader, waiting for it to appear. A segment
// with a different geometry is fatal.
func (a *app) attach(ctx context.Context) (*framestore.Store, error) {
	layout, err := a.layout()
	if err != nil {
		return nil, err
	}

	var store *framestore.Store
	err = retry.Do(ctx, attachPolicy,
		func(context.Context) error {
			s, err := framestore.Attach(a.cfg.SegmentPath(), layout)
			if err != nil {
				return err
			}
			store = s
			return nil
		},
		func(err error) bool { return errors.Is(err, framestore.ErrSegmentNotFound) },
		func(attempt int, err error, next time.Duration) {
			a.logger.Info("rorelse: waiting for shared segment", "attempt", attempt, "retry_in", next, "error", err)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("could not attach shared segment: %w", err)
	}
	return store, nil
}

func (a *app) closeStore(store *framestore.Store, owner bool) {
	if owner && a.removeSegment {
		if err := store.Remove(); err != nil {
			a.logger.Warn("rorelse: could not remove shared segment", "error", err)
		}
		return
	}
	if err := store.Close(); err != nil {
		a.logger.Warn("rorelse: could not unmap shared segment", "error", err)
	}
}

func (a *app) newProducer(store *framestore.Store) (*capture.Producer, error) {
	if err := a.cfg.RequireSource(); err != nil {
		return nil, err
	}

	var src capture.Source
	if a.cfg.Synthetic {
		src = &capture.SyntheticSource{
			Width:        a.cfg.Width,
			Height:       a.cfg.Height,
			FPS:          a.cfg.FPS,
			MotionPeriod: a.cfg.FPS * 60,
		}
		a.logger.Info("rorelse: using synthetic source")
	} else {
		src = &capture.FFmpegSource{
			URL:    a.cfg.SourceURL,
			Width:  a.cfg.Width,
			Height: a.cfg.Height,
			FPS:    a.cfg.FPS,
			Logger: a.logger,
		}
	}
	return capture.New(src, store, a.cfg.FrameSize(), capture.WithLogger(a.logger)), nil
}

func (a *app) newDetector(store *framestore.Store) *motion.Detector {
	return motion.New(store, store, a.cfg.Width, a.cfg.Height,
		motion.WithThreshold(a.cfg.MotionThreshold),
		motion.WithGrace(a.cfg.PostMotion.Duration()),
		motion.WithPixelDelta(uint8(a.cfg.PixelDelta)),
		motion.WithInterval(a.cfg.MotionInterval()),
		motion.WithLogger(a.logger),
	)
}

func (a *app) newStream(store *framestore.Store) *stream.Server {
	return stream.New(store, a.cfg.Width, a.cfg.Height,
		stream.WithAddr(a.cfg.StreamAddr),
		stream.WithTitle(a.cfg.Camera),
		stream.WithQuality(a.cfg.ImageQuality),
		stream.WithInterval(a.cfg.FrameInterval()),
		stream.WithLogger(a.logger),
	)
}

// sinks opens the configured catalog and exporter. The returned cleanup
// closes whatever was opened.
func (a *app) sinks() ([]recorder.Sink, *exporter.Exporter, func(), error) {
	var (
		sinks   []recorder.Sink
		cleanup []func()
		exp     *exporter.Exporter
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if a.cfg.CatalogPath != "" {
		cat, err := catalog.Open(a.cfg.CatalogPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("could not open catalog: %w", err)
		}
		sinks = append(sinks, cat)
		cleanup = append(cleanup, func() { cat.Close() })
		a.logger.Info("rorelse: catalog enabled", "path", a.cfg.CatalogPath)
	}

	if a.cfg.WebhookURL != "" {
		var err error
		exp, err = exporter.NewExporter(a.cfg.WebhookURL, &http.Client{Timeout: 10 * time.Second}, a.logger)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("could not create exporter: %w", err)
		}
		sinks = append(sinks, exp)
		a.logger.Info("rorelse: webhook enabled", "url", a.cfg.WebhookURL)
	}

	return sinks, exp, closeAll, nil
}

func (a *app) newAssembler(store *framestore.Store, sinks []recorder.Sink) *recorder.Assembler {
	enc := &recorder.FFmpegEncoder{
		Width:  a.cfg.Width,
		Height: a.cfg.Height,
		FPS:    a.cfg.FPS,
		Logger: a.logger,
	}
	return recorder.New(store, enc, a.cfg.FrameSize(), a.cfg.Capacity(),
		recorder.WithCamera(a.cfg.Camera),
		recorder.WithOutputDir(a.cfg.OutputDir),
		recorder.WithLocation(a.cfg.Location()),
		recorder.WithInterval(a.cfg.FrameInterval()),
		recorder.WithSinks(sinks...),
		recorder.WithLogger(a.logger),
	)
}

func (a *app) capture(ctx context.Context) error {
	store, err := a.create()
	if err != nil {
		return err
	}
	defer a.closeStore(store, true)

	producer, err := a.newProducer(store)
	if err != nil {
		return err
	}

	stopMetrics := a.startMetrics(ctx, func() {
		a.logStore(store)
		a.logProducer(producer)
	})
	defer stopMetrics()

	return producer.Run(ctx)
}

func (a *app) motion(ctx context.Context) error {
	store, err := a.attach(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(store, false)

	detector := a.newDetector(store)
	stopMetrics := a.startMetrics(ctx, func() { a.logDetector(detector) })
	defer stopMetrics()

	return detector.Run(ctx)
}

func (a *app) record(ctx context.Context) error {
	store, err := a.attach(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(store, false)

	sinks, exp, cleanup, err := a.sinks()
	if err != nil {
		return err
	}
	defer cleanup()

	assembler := a.newAssembler(store, sinks)
	stopExporter := a.startExporter(exp)
	defer stopExporter()

	stopMetrics := a.startMetrics(ctx, func() { a.logAssembler(assembler) })
	defer stopMetrics()

	return assembler.Run(ctx)
}

func (a *app) stream(ctx context.Context) error {
	store, err := a.attach(ctx)
	if err != nil {
		return err
	}
	defer a.closeStore(store, false)

	srv := a.newStream(store)
	stopMetrics := a.startMetrics(ctx, func() { a.logStream(srv) })
	defer stopMetrics()

	return srv.Run(ctx)
}

// all runs every stage on one shared handle. Only the producer publishes.
func (a *app) all(ctx context.Context) error {
	store, err := a.create()
	if err != nil {
		return err
	}
	defer a.closeStore(store, true)

	producer, err := a.newProducer(store)
	if err != nil {
		return err
	}
	sinks, exp, cleanup, err := a.sinks()
	if err != nil {
		return err
	}
	defer cleanup()

	detector := a.newDetector(store)
	assembler := a.newAssembler(store, sinks)
	srv := a.newStream(store)
	stopExporter := a.startExporter(exp)
	defer stopExporter()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return producer.Run(ctx) })
	g.Go(func() error { return detector.Run(ctx) })
	g.Go(func() error { return assembler.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	stopMetrics := a.startMetrics(ctx, func() {
		a.logStore(store)
		a.logProducer(producer)
		a.logDetector(detector)
		a.logAssembler(assembler)
		a.logStream(srv)
	})
	defer stopMetrics()

	return g.Wait()
}

// startExporter sends queued recordings in the background. The returned stop
// must be called once the assembler has returned; it sends what is still
// queued, giving up after exporterDrainTimeout.
func (a *app) startExporter(exp *exporter.Exporter) func() {
	if exp == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		exp.Run(ctx)
	}()

	return func() {
		defer cancel()
		exp.Close()
		select {
		case <-done:
		case <-time.After(exporterDrainTimeout):
			a.logger.Warn("rorelse: exporter did not drain in time", "metrics", exp.GetMetrics())
			cancel()
			<-done
		}
	}
}

// startMetrics calls log every metrics interval until ctx is done or the
// returned stop is called. stop waits for the loop to exit, so it must run
// before the store it reads is unmapped.
func (a *app) startMetrics(ctx context.Context, log func()) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.metricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (a *app) logStore(store *framestore.Store) {
	m := store.GetMetrics()
	a.logger.Info("metrics: framestore",
		"published", m.FramesPublished,
		"written", m.Written,
		"cursor", m.Cursor,
		"latest_reads", m.LatestReads,
		"window_reads", m.WindowReads,
		"torn_retries", m.TornRetries,
		"torn_reads", m.TornReads,
		"trimmed", m.FramesTrimmed,
		"recording", m.Recording,
	)
}

func (a *app) logProducer(p *capture.Producer) {
	m := p.GetMetrics()
	a.logger.Info("metrics: capture",
		"published", m.FramesPublished,
		"skipped", m.FramesSkipped,
		"restarts", m.Restarts,
		"stalls", m.Stalls,
		"connected", m.Connected,
		"uptime", m.Uptime.Round(time.Second),
	)
}

func (a *app) logDetector(d *motion.Detector) {
	m := d.GetMetrics()
	a.logger.Info("metrics: motion",
		"ticks", m.Ticks,
		"skipped", m.Skipped,
		"stale", m.Stale,
		"triggers", m.Triggers,
		"last_score", m.LastScore,
		"active", m.Active,
	)
}

func (a *app) logAssembler(r *recorder.Assembler) {
	m := r.GetMetrics()
	a.logger.Info("metrics: recorder",
		"started", m.SessionsStarted,
		"saved", m.SessionsSaved,
		"failed", m.SessionsFailed,
		"abandoned", m.SessionsAbandoned,
		"frames_encoded", m.FramesEncoded,
		"recording", m.Recording,
	)
}

func (a *app) logStream(s *stream.Server) {
	m := s.GetMetrics()
	a.logger.Info("metrics: stream",
		"encoded", m.FramesEncoded,
		"skipped", m.FramesSkipped,
	)
}
