// Package exporter announces finished recordings to a remote HTTP endpoint.
package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/alesr/rorelse/recorder"
)

const defaultQueueSize = 16

// Error is a custom error type. Remote endpoints report failures in this shape.
type Error struct {
	Message string `json:"message"`
}

// Error implements the error interface.
func (e Error) Error() string {
	return e.Message
}

var (
	errInputChannelClosed = Error{Message: "input channel closed"}
	errQueueFull          = Error{Message: "export queue full, recording dropped"}
)

// Exporter posts recordings to <baseURL>/recordings. RecordingFinished only
// queues; Run does the sending.
type Exporter struct {
	baseURL *url.URL
	cli     *http.Client
	inputCh chan recorder.Recording
	logger  *slog.Logger

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewExporter creates a new Exporter instance.
func NewExporter(baseURL string, httpCli *http.Client, logger *slog.Logger) (*Exporter, error) {
	if baseURL == "" || httpCli == nil {
		return nil, errors.New("invalid arguments")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		baseURL: u,
		cli:     httpCli,
		inputCh: make(chan recorder.Recording, defaultQueueSize),
		logger:  logger,
	}, nil
}

// RecordingFinished queues rec for export. It implements recorder.Sink and
// never blocks the caller.
func (e *Exporter) RecordingFinished(_ context.Context, rec recorder.Recording) error {
	select {
	case e.inputCh <- rec:
		return nil
	default:
		e.dropped.Add(1)
		return errQueueFull
	}
}

// Close stops accepting recordings; Run returns once the queue is drained.
func (e *Exporter) Close() {
	close(e.inputCh)
}

// Run sends queued recordings until ctx is done or the exporter is closed.
// Failed exports are logged and skipped.
func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case rec, ok := <-e.inputCh:
			if !ok {
				return errInputChannelClosed
			}
			if err := e.send(ctx, rec); err != nil {
				e.failed.Add(1)
				e.logger.Warn("exporter: could not export recording", "session", rec.ID, "error", err)
				continue
			}
			e.sent.Add(1)
			e.logger.Debug("exporter: recording exported", "session", rec.ID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// send posts a recording to the remote endpoint.
func (e *Exporter) send(ctx context.Context, rec recorder.Recording) error {
	u := *e.baseURL
	endpoint, err := url.JoinPath(u.String(), "recordings")
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("could not marshal recording: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.cli.Do(req)
	if err != nil {
		return fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var remote Error
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(body, &remote) == nil && remote.Message != "" {
			return fmt.Errorf("unexpected status code: %d: %w", resp.StatusCode, remote)
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Metrics contains statistics for an Exporter.
type Metrics struct {
	Sent    uint64 // recordings accepted by the endpoint
	Failed  uint64 // recordings the endpoint rejected or that could not be sent
	Dropped uint64 // recordings dropped because the queue was full
}

// GetMetrics returns current statistics.
func (e *Exporter) GetMetrics() Metrics {
	return Metrics{
		Sent:    e.sent.Load(),
		Failed:  e.failed.Load(),
		Dropped: e.dropped.Load(),
	}
}
