package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/alesr/rorelse/framestore"
)

// stderrTail is how much encoder output an EncodeError keeps.
const stderrTail = 4 << 10

// Encoder turns an ordered frame sequence into a video file at path.
type Encoder interface {
	Encode(ctx context.Context, path string, frames []framestore.Frame) error
}

// EncodeError reports a failed encoder run.
type EncodeError struct {
	Path   string
	Err    error
	Stderr string
}

func (e *EncodeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("encode %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("encode %s: %v: %s", e.Path, e.Err, e.Stderr)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// FFmpegEncoder pipes raw BGR frames into an ffmpeg process producing an
// H.264 mp4. The file is written next to its final path and renamed once
// ffmpeg exits cleanly.
type FFmpegEncoder struct {
	Binary string // defaults to "ffmpeg"
	Width  int
	Height int
	FPS    int
	Logger *slog.Logger
}

// Encode implements Encoder.
func (e *FFmpegEncoder) Encode(ctx context.Context, path string, frames []framestore.Frame) error {
	if len(frames) == 0 {
		return &EncodeError{Path: path, Err: errors.New("no frames")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &EncodeError{Path: path, Err: err}
	}

	partial := path + ".partial"
	if err := e.run(ctx, partial, frames); err != nil {
		os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return &EncodeError{Path: path, Err: fmt.Errorf("could not finalize: %w", err)}
	}
	return nil
}

func (e *FFmpegEncoder) run(ctx context.Context, out string, frames []framestore.Frame) error {
	bin := e.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin, e.args(out)...)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &EncodeError{Path: out, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &EncodeError{Path: out, Err: fmt.Errorf("could not start %s: %w", bin, err)}
	}

	writeErr := writeFrames(stdin, frames)
	stdin.Close()
	waitErr := cmd.Wait()

	switch {
	case waitErr != nil:
		return &EncodeError{Path: out, Err: waitErr, Stderr: stderr.String()}
	case writeErr != nil:
		return &EncodeError{Path: out, Err: writeErr, Stderr: stderr.String()}
	}

	if e.Logger != nil {
		e.Logger.Debug("recorder: encoder finished", "path", out, "frames", len(frames))
	}
	return nil
}

func (e *FFmpegEncoder) args(out string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "rawvideo",
		"-pixel_format", "bgr24",
		"-video_size", fmt.Sprintf("%dx%d", e.Width, e.Height),
		"-framerate", strconv.Itoa(e.FPS),
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-f", "mp4",
		out,
	}
}

func writeFrames(w io.Writer, frames []framestore.Frame) error {
	for _, f := range frames {
		if _, err := w.Write(f.Data); err != nil {
			return fmt.Errorf("could not write frame %d: %w", f.Seq, err)
		}
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf.Bytes()))
}
