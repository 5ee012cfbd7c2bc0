package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const defaultSocketTimeout = 10 * time.Second

// Source opens the upstream video as a stream of raw bgr24 frames. Closing
// the stream must unblock a pending Read.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// FFmpegSource decodes an RTSP stream with an ffmpeg child process, scaled
// and resampled to the configured geometry.
type FFmpegSource struct {
	Binary string // defaults to "ffmpeg"
	URL    string
	Width  int
	Height int
	FPS    int
	Logger *slog.Logger

	// Timeout bounds socket reads of the RTSP connection, so that ffmpeg exits
	// when the camera goes silent. Defaults to 10s.
	Timeout time.Duration
}

// Open starts ffmpeg and returns its stdout. The process is killed when ctx
// is done or the stream is closed.
func (s *FFmpegSource) Open(ctx context.Context) (io.ReadCloser, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, bin, s.args()...)
	cmd.Stderr = &lineLogger{logger: logger.With("source", "ffmpeg")}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("could not create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start %s: %w", bin, err)
	}

	logger.Info("capture: decoder started", "pid", cmd.Process.Pid, "url", s.URL)
	return &processStream{cmd: cmd, stdout: stdout}, nil
}

func (s *FFmpegSource) args() []string {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultSocketTimeout
	}
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-rtsp_transport", "tcp",
		"-timeout", strconv.FormatInt(timeout.Microseconds(), 10),
		"-i", s.URL,
		"-an",
		"-r", strconv.Itoa(s.FPS),
		"-s", fmt.Sprintf("%dx%d", s.Width, s.Height),
		"-pix_fmt", "bgr24",
		"-f", "rawvideo",
		"-",
	}
}

// processStream is the stdout of a running decoder.
type processStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
	err    error
}

func (p *processStream) Read(b []byte) (int, error) { return p.stdout.Read(b) }

// Close kills the decoder and reaps it.
func (p *processStream) Close() error {
	p.once.Do(func() {
		p.cmd.Process.Kill()
		// a killed process always reports an error; only a failed reap matters
		if err := p.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				p.err = err
			}
		}
	})
	return p.err
}

// lineLogger logs every complete line written to it at debug level.
type lineLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.logger.Debug("capture: decoder output", "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
