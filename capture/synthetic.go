package capture

import (
	"context"
	"io"
	"time"
)

// SyntheticSource generates a deterministic test picture: a static gradient
// with a bright block sweeping across it during the first quarter of every
// MotionPeriod frames. It stands in for a camera in demos and tests.
type SyntheticSource struct {
	Width        int
	Height       int
	FPS          int // frames per second; 0 generates as fast as the reader consumes
	Frames       int // frames per stream before EOF; 0 never ends
	MotionPeriod int // frames per motion cycle; 0 disables motion
}

// Open starts a new stream at frame zero.
func (s *SyntheticSource) Open(ctx context.Context) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go s.generate(ctx, pw)
	return pr, nil
}

func (s *SyntheticSource) generate(ctx context.Context, pw *io.PipeWriter) {
	frame := make([]byte, s.Width*s.Height*3)

	var tick <-chan time.Time
	if s.FPS > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(s.FPS))
		defer ticker.Stop()
		tick = ticker.C
	}

	for n := 0; s.Frames == 0 || n < s.Frames; n++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				pw.CloseWithError(ctx.Err())
				return
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			pw.CloseWithError(err)
			return
		}

		s.Render(n, frame)
		if _, err := pw.Write(frame); err != nil {
			// reader closed
			return
		}
	}
	pw.Close()
}

// Render draws frame n into frame, which must be Width*Height*3 bytes.
func (s *SyntheticSource) Render(n int, frame []byte) {
	for y := range s.Height {
		for x := range s.Width {
			i := (y*s.Width + x) * 3
			frame[i] = byte(32 + x*64/max(s.Width, 1))    // B
			frame[i+1] = byte(32 + y*64/max(s.Height, 1)) // G
			frame[i+2] = 48                               // R
		}
	}

	if s.MotionPeriod <= 0 {
		return
	}
	phase := n % s.MotionPeriod
	moving := max(s.MotionPeriod/4, 1)
	if phase >= moving {
		return
	}

	bw, bh := s.Width/4, s.Height/2
	step := max((s.Width-bw)/moving, 1)
	x0, y0 := min(phase*step, s.Width-bw), s.Height/4
	for y := y0; y < y0+bh; y++ {
		for x := x0; x < x0+bw; x++ {
			i := (y*s.Width + x) * 3
			frame[i], frame[i+1], frame[i+2] = 230, 230, 230
		}
	}
}
