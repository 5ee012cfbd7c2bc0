package motion

import (
	"context"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alesr/rorelse/framestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWidth  = 160
	testHeight = 100
)

var epoch = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type step struct {
	data  []byte
	err   error
	stale bool // the producer published nothing new: same sequence as before
}

// fakeSource replays steps in order; the last step repeats forever with a
// fresh sequence number each time unless it is stale.
type fakeSource struct {
	steps []step
	i     int
	seq   uint64
}

func (f *fakeSource) ReadLatest(dst []byte) (framestore.Frame, error) {
	st := f.steps[min(f.i, len(f.steps)-1)]
	f.i++
	if st.err != nil {
		return framestore.Frame{}, st.err
	}
	if !st.stale {
		f.seq++
	}
	return framestore.Frame{Seq: f.seq, Data: append(dst[:0], st.data...)}, nil
}

type fakeFlag struct {
	mu     sync.Mutex
	on     bool
	writes []bool
}

func (f *fakeFlag) SetRecording(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on = on
	f.writes = append(f.writes, on)
}

func (f *fakeFlag) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

// uniform returns a BGR frame with every channel set to v.
func uniform(v byte) []byte {
	frame := make([]byte, testWidth*testHeight*3)
	for i := range frame {
		frame[i] = v
	}
	return frame
}

// topHalf returns a dark frame whose top half is bright: about 8000 pixels
// differ from uniform(10).
func topHalf() []byte {
	frame := uniform(10)
	for i := range testWidth * testHeight / 2 * 3 {
		frame[i] = 220
	}
	return frame
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "unknown", State(7).String())
}

func TestMachineTransitions(t *testing.T) {
	t.Parallel()

	grace := 5 * time.Second
	at := func(d time.Duration) time.Time { return epoch.Add(d) }

	testCases := []struct {
		name     string
		ticks    []int // scores, one per second starting at epoch
		expected []Transition
		final    State
	}{
		{
			name:     "Below threshold stays idle",
			ticks:    []int{10, 5000, 0},
			expected: []Transition{NoChange, NoChange, NoChange},
			final:    Idle,
		},
		{
			name:     "Motion starts recording",
			ticks:    []int{5001},
			expected: []Transition{Started},
			final:    Active,
		},
		{
			name:     "Exactly the grace period keeps recording",
			ticks:    []int{8000, 0, 0, 0, 0, 0},
			expected: []Transition{Started, NoChange, NoChange, NoChange, NoChange, NoChange},
			final:    Active,
		},
		{
			name:     "Past the grace period stops",
			ticks:    []int{8000, 0, 0, 0, 0, 0, 0},
			expected: []Transition{Started, NoChange, NoChange, NoChange, NoChange, NoChange, Stopped},
			final:    Idle,
		},
		{
			name:     "Renewed motion extends the recording",
			ticks:    []int{8000, 0, 0, 9000, 0, 0, 0, 0, 0, 0},
			expected: []Transition{Started, NoChange, NoChange, NoChange, NoChange, NoChange, NoChange, NoChange, NoChange, Stopped},
			final:    Idle,
		},
		{
			name:     "Motion after stop starts again",
			ticks:    []int{8000, 0, 0, 0, 0, 0, 0, 8000},
			expected: []Transition{Started, NoChange, NoChange, NoChange, NoChange, NoChange, Stopped, Started},
			final:    Active,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := NewMachine(5000, grace)
			for i, score := range tc.ticks {
				got := m.Observe(at(time.Duration(i)*time.Second), score)
				assert.Equal(t, tc.expected[i], got, "tick %d", i)
			}
			assert.Equal(t, tc.final, m.State())
		})
	}
}

func TestMachineScenario(t *testing.T) {
	t.Parallel()

	// threshold 5000, grace 5s, one tick per frame at 10fps
	m := NewMachine(5000, 5*time.Second)

	for i := 0; i <= 70; i++ {
		now := epoch.Add(time.Duration(i) * 100 * time.Millisecond)
		score := 0
		if i == 0 {
			score = 8000
		}
		m.Observe(now, score)

		if i <= 50 {
			assert.Equal(t, Active, m.State(), "t=%v", now.Sub(epoch))
		} else {
			assert.Equal(t, Idle, m.State(), "t=%v", now.Sub(epoch))
		}
	}
}

func TestScore(t *testing.T) {
	t.Parallel()

	prev := image.NewGray(image.Rect(0, 0, 4, 1))
	cur := image.NewGray(image.Rect(0, 0, 4, 1))
	copy(prev.Pix, []byte{100, 100, 100, 100})
	copy(cur.Pix, []byte{100, 125, 126, 74})

	// only strictly greater than delta counts, in both directions
	assert.Equal(t, 2, Score(prev, cur, 25))
	assert.Equal(t, 0, Score(prev, prev, 0))
}

func TestPreprocessor(t *testing.T) {
	t.Parallel()

	p := NewPreprocessor(testWidth, testHeight, defaultBlurSigma)

	// pure red in BGR order
	frame := make([]byte, testWidth*testHeight*3)
	for i := 0; i < len(frame); i += 3 {
		frame[i+2] = 255
	}

	gray := p.Apply(nil, frame)
	require.Equal(t, image.Rect(0, 0, testWidth, testHeight), gray.Bounds())
	assert.InDelta(t, 76, int(gray.GrayAt(80, 50).Y), 2)

	// the destination is reused
	again := p.Apply(gray, uniform(0))
	assert.Same(t, gray, again)
	assert.Equal(t, uint8(0), again.GrayAt(10, 10).Y)
}

func TestBlank(t *testing.T) {
	t.Parallel()

	assert.True(t, blank(make([]byte, 12)))
	assert.False(t, blank(uniform(1)))
}

func newTestDetector(src FrameSource, flag Flag, clock *fakeClock) *Detector {
	return New(src, flag, testWidth, testHeight,
		WithThreshold(5000),
		WithGrace(5*time.Second),
		WithClock(clock.Now),
	)
}

func TestDetectorFirstTickDoesNotTrigger(t *testing.T) {
	t.Parallel()

	src := &fakeSource{steps: []step{{data: topHalf()}, {data: topHalf()}}}
	flag := &fakeFlag{}
	clock := &fakeClock{now: epoch}
	d := newTestDetector(src, flag, clock)

	d.Tick()
	assert.Equal(t, Idle, d.State())
	assert.Empty(t, flag.writes)

	clock.now = clock.now.Add(300 * time.Millisecond)
	d.Tick()
	assert.Equal(t, Idle, d.State(), "identical frames carry no motion")
	assert.Equal(t, int64(0), d.GetMetrics().LastScore)
}

func TestDetectorScenario(t *testing.T) {
	t.Parallel()

	src := &fakeSource{steps: []step{
		{data: uniform(10)}, // reference frame at t=-0.1s
		{data: topHalf()},   // motion at t=0
		{data: topHalf()},   // still afterwards
	}}
	flag := &fakeFlag{}
	clock := &fakeClock{now: epoch.Add(-100 * time.Millisecond)}
	d := newTestDetector(src, flag, clock)

	d.Tick()
	for i := 0; i <= 60; i++ {
		clock.now = epoch.Add(time.Duration(i) * 100 * time.Millisecond)
		d.Tick()

		if i <= 50 {
			assert.True(t, flag.Recording(), "t=%v", clock.now.Sub(epoch))
		} else {
			assert.False(t, flag.Recording(), "t=%v", clock.now.Sub(epoch))
		}
	}

	assert.Equal(t, []bool{true, false}, flag.writes)

	metrics := d.GetMetrics()
	assert.Equal(t, uint64(62), metrics.Ticks)
	assert.Equal(t, uint64(1), metrics.Triggers)
	assert.Zero(t, metrics.Skipped)
	assert.False(t, metrics.Active)
}

func TestDetectorSkippedTicksKeepRecording(t *testing.T) {
	t.Parallel()

	steps := []step{{data: uniform(10)}, {data: topHalf()}}
	for range 20 {
		steps = append(steps, step{err: framestore.ErrTorn})
	}
	steps = append(steps, step{err: framestore.ErrEmpty}, step{data: topHalf()})

	src := &fakeSource{steps: steps}
	flag := &fakeFlag{}
	clock := &fakeClock{now: epoch}
	d := newTestDetector(src, flag, clock)

	d.Tick()
	d.Tick()
	require.True(t, flag.Recording())

	// read failures well past the grace period do not end the recording
	for range 21 {
		clock.now = clock.now.Add(time.Second)
		d.Tick()
		assert.True(t, flag.Recording())
		assert.Equal(t, Active, d.State())
	}
	assert.Equal(t, epoch, d.machine.LastMotionAt())

	// the first real frame after the outage evaluates the grace period
	clock.now = clock.now.Add(time.Second)
	d.Tick()
	assert.False(t, flag.Recording())
	assert.Equal(t, uint64(21), d.GetMetrics().Skipped)
}

func TestDetectorSkipsBlankFrames(t *testing.T) {
	t.Parallel()

	src := &fakeSource{steps: []step{{data: uniform(0)}}}
	d := newTestDetector(src, &fakeFlag{}, &fakeClock{now: epoch})

	d.Tick()
	d.Tick()
	metrics := d.GetMetrics()
	assert.Equal(t, uint64(2), metrics.Skipped)
	assert.Zero(t, metrics.Stale)
}

func TestDetectorStaleFramesEndRecording(t *testing.T) {
	t.Parallel()

	src := &fakeSource{steps: []step{
		{data: uniform(10)},
		{data: topHalf()},
		{data: topHalf(), stale: true}, // the producer stops publishing
	}}
	flag := &fakeFlag{}
	clock := &fakeClock{now: epoch}
	d := newTestDetector(src, flag, clock)

	d.Tick()
	clock.now = epoch.Add(300 * time.Millisecond)
	d.Tick()
	require.True(t, flag.Recording())
	motionAt := clock.now

	for i := 1; i <= 20; i++ {
		clock.now = motionAt.Add(time.Duration(i) * 300 * time.Millisecond)
		d.Tick()

		if clock.now.Sub(motionAt) <= 5*time.Second {
			assert.True(t, flag.Recording(), "t=%v", clock.now.Sub(motionAt))
		} else {
			assert.False(t, flag.Recording(), "t=%v", clock.now.Sub(motionAt))
		}
	}

	assert.Equal(t, []bool{true, false}, flag.writes)
	assert.Equal(t, Idle, d.State())

	metrics := d.GetMetrics()
	assert.Equal(t, uint64(20), metrics.Stale)
	assert.Zero(t, metrics.Skipped)
	assert.Zero(t, metrics.LastScore)
}

func TestDetectorStopsWhenStoreGoesQuiet(t *testing.T) {
	t.Parallel()

	layout, err := framestore.NewLayout(testWidth, testHeight, 4)
	require.NoError(t, err)
	store, err := framestore.Create(filepath.Join(t.TempDir(), "camera_shm"), layout)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: epoch}
	d := newTestDetector(store, store, clock)

	require.NoError(t, store.Publish(uniform(10)))
	d.Tick()
	require.NoError(t, store.Publish(topHalf()))
	d.Tick()
	require.True(t, store.Recording())

	// no publish from here on, as when the camera process has given up
	for range 2000 {
		clock.now = clock.now.Add(300 * time.Millisecond)
		d.Tick()
	}

	assert.False(t, store.Recording())
	assert.Equal(t, Idle, d.State())
	assert.Equal(t, uint64(2000), d.GetMetrics().Stale)
}

func TestDetectorRunClearsFlag(t *testing.T) {
	t.Parallel()

	flag := &fakeFlag{}
	flag.SetRecording(true)

	src := &fakeSource{steps: []step{{err: framestore.ErrEmpty}}}
	d := New(src, flag, testWidth, testHeight, WithInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, flag.Recording())
	assert.Positive(t, d.GetMetrics().Skipped)
}

func TestMachineSkip(t *testing.T) {
	t.Parallel()

	m := NewMachine(5000, time.Second)
	m.Observe(epoch, 9000)

	assert.Equal(t, NoChange, m.Skip(epoch.Add(time.Hour)))
	assert.Equal(t, Active, m.State())
	assert.Equal(t, epoch, m.LastMotionAt())
}

func TestPreprocess(t *testing.T) {
	t.Parallel()

	a := Preprocess(uniform(10), testWidth, testHeight)
	b := Preprocess(topHalf(), testWidth, testHeight)
	assert.Greater(t, Score(a, b, defaultPixelDelta), 5000)
}
