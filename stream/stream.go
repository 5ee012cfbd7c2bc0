// Package stream serves the live frame as an MJPEG feed.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alesr/rorelse/framestore"
	"github.com/hybridgroup/mjpeg"
)

const (
	defaultAddr     = ":5000"
	defaultQuality  = 60
	defaultInterval = 100 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

var errStaleFrame = errors.New("no new frame since last tick")

const indexPage = `<!doctype html>
<html><head><title>%s</title></head>
<body style="margin:0;background:#000"><img src="/video_feed" style="width:100%%"></body></html>
`

// FrameSource provides the latest published frame.
type FrameSource interface {
	ReadLatest(dst []byte) (framestore.Frame, error)
}

// Server encodes the latest frame to JPEG at a fixed rate and serves it at /video_feed.
type Server struct {
	src    FrameSource
	width  int
	height int

	// configuration
	addr     string
	title    string
	quality  int
	interval time.Duration
	logger   *slog.Logger

	stream  *mjpeg.Stream
	buf     []byte
	img     *image.RGBA
	jpg     bytes.Buffer
	lastSeq uint64
	primed  bool

	// metrics
	framesEncoded atomic.Uint64
	framesSkipped atomic.Uint64
}

// New creates a stream Server for frames of the given size.
func New(src FrameSource, width, height int, opts ...Option) *Server {
	s := &Server{
		src:      src,
		width:    width,
		height:   height,
		addr:     defaultAddr,
		title:    "rorelse",
		quality:  defaultQuality,
		interval: defaultInterval,
		logger:   slog.Default(),
		stream:   mjpeg.NewStream(),
		img:      image.NewRGBA(image.Rect(0, 0, width, height)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/video_feed", s.stream)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, indexPage, s.title)
	})
	return mux
}

// Run serves HTTP on the configured address and feeds the stream until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("stream: serving", "addr", ln.Addr().String(), "path", "/video_feed")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(srv)
			return ctx.Err()
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("stream server failed: %w", err)
			}
			return nil
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				s.logger.Debug("stream: skipping frame", "error", err)
			}
		}
	}
}

// shutdown stops the HTTP server; streaming clients never go idle so they
// are cut once the grace period is over.
func (s *Server) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}
}

// Tick encodes the latest frame and pushes it to connected clients.
func (s *Server) Tick() error {
	frame, err := s.src.ReadLatest(s.buf)
	if err != nil {
		s.framesSkipped.Add(1)
		return err
	}
	s.buf = frame.Data
	if s.primed && frame.Seq == s.lastSeq {
		return errStaleFrame
	}
	s.lastSeq, s.primed = frame.Seq, true

	bgrToRGBA(s.img, frame.Data)
	s.jpg.Reset()
	if err := jpeg.Encode(&s.jpg, s.img, &jpeg.Options{Quality: s.quality}); err != nil {
		s.framesSkipped.Add(1)
		return fmt.Errorf("could not encode frame: %w", err)
	}

	s.stream.UpdateJPEG(bytes.Clone(s.jpg.Bytes()))
	s.framesEncoded.Add(1)
	return nil
}

// bgrToRGBA converts a packed BGR frame into dst.
func bgrToRGBA(dst *image.RGBA, frame []byte) {
	pix := dst.Pix
	for i, j := 0, 0; i+2 < len(frame) && j+3 < len(pix); i, j = i+3, j+4 {
		pix[j] = frame[i+2]
		pix[j+1] = frame[i+1]
		pix[j+2] = frame[i]
		pix[j+3] = 0xff
	}
}

// Metrics contains statistics for a Server.
type Metrics struct {
	FramesEncoded uint64 // frames pushed to the stream
	FramesSkipped uint64 // ticks that failed to read or encode
}

// GetMetrics returns current statistics.
func (s *Server) GetMetrics() Metrics {
	return Metrics{
		FramesEncoded: s.framesEncoded.Load(),
		FramesSkipped: s.framesSkipped.Load(),
	}
}
