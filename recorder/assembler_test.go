package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alesr/rorelse/framestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFrameSize = 12

var epoch = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

// fakeStore mimics the frame store: frame t carries byte(t) everywhere and
// the ring holds the last capacity frames.
type fakeStore struct {
	mu        sync.Mutex
	capacity  uint64
	written   uint64
	flag      bool
	windowErr error
	released  int
}

func (s *fakeStore) publish(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written += uint64(n)
}

func (s *fakeStore) set(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flag = on
}

func (s *fakeStore) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flag
}

func (s *fakeStore) ReadLatest(dst []byte) (framestore.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written == 0 {
		return framestore.Frame{}, framestore.ErrEmpty
	}
	return fakeFrame(s.written-1, dst), nil
}

func (s *fakeStore) ReadWindow(count int) ([]framestore.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowErr != nil {
		return nil, s.windowErr
	}
	n := min(uint64(count), s.capacity, s.written)
	frames := make([]framestore.Frame, 0, n)
	for seq := s.written - n; seq < s.written; seq++ {
		frames = append(frames, fakeFrame(seq, nil))
	}
	return frames, nil
}

func (s *fakeStore) Release(frames []framestore.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released += len(frames)
}

func fakeFrame(seq uint64, dst []byte) framestore.Frame {
	if cap(dst) < testFrameSize {
		dst = make([]byte, testFrameSize)
	}
	dst = dst[:testFrameSize]
	for i := range dst {
		dst[i] = byte(seq)
	}
	return framestore.Frame{Seq: seq, Data: dst}
}

type encodeCall struct {
	path string
	seqs []uint64
	data [][]byte
	ctx  error
}

type fakeEncoder struct {
	mu    sync.Mutex
	calls []encodeCall
	errs  []error // returned in order, nil once exhausted
}

func (e *fakeEncoder) Encode(ctx context.Context, path string, frames []framestore.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	call := encodeCall{path: path, ctx: ctx.Err()}
	for _, f := range frames {
		call.seqs = append(call.seqs, f.Seq)
		call.data = append(call.data, append([]byte(nil), f.Data...))
	}
	e.calls = append(e.calls, call)

	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return err
	}
	return nil
}

func (e *fakeEncoder) Calls() []encodeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]encodeCall(nil), e.calls...)
}

type fakeSink struct {
	mu   sync.Mutex
	recs []Recording
	err  error
}

func (s *fakeSink) RecordingFinished(_ context.Context, rec Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *fakeSink) Recordings() []Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recording(nil), s.recs...)
}

func seqRange(from, to uint64) []uint64 {
	var seqs []uint64
	for s := from; s <= to; s++ {
		seqs = append(seqs, s)
	}
	return seqs
}

func newTestAssembler(store Store, enc Encoder, sinks ...Sink) *Assembler {
	return New(store, enc, testFrameSize, 10,
		WithCamera("porch"),
		WithOutputDir("/recordings"),
		WithLocation(time.UTC),
		WithClock(func() time.Time { return epoch }),
		WithSinks(sinks...),
	)
}

func TestAssemblerPreAndPostMotion(t *testing.T) {
	t.Parallel()

	store := &fakeStore{capacity: 10}
	enc := &fakeEncoder{}
	sink := &fakeSink{}
	a := newTestAssembler(store, enc, sink)
	ctx := context.Background()

	store.publish(23)
	a.Poll(ctx)
	assert.False(t, a.Active())

	store.set(true)
	a.Poll(ctx)
	require.True(t, a.Active())

	for range 5 {
		store.publish(1)
		a.Poll(ctx)
	}

	store.set(false)
	a.Poll(ctx)
	assert.False(t, a.Active())

	calls := enc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, seqRange(13, 27), calls[0].seqs)
	assert.Equal(t, "/recordings/porch_2026-10-18_12-00-00.mp4", calls[0].path)
	for i, data := range calls[0].data {
		assert.Equal(t, byte(calls[0].seqs[i]), data[0])
	}

	recs := sink.Recordings()
	require.Len(t, recs, 1)
	assert.Equal(t, StatusSaved, recs[0].Status)
	assert.Equal(t, 10, recs[0].PreFrames)
	assert.Equal(t, 15, recs[0].Frames)
	assert.Equal(t, "porch", recs[0].Camera)
	assert.NotEmpty(t, recs[0].ID)
	assert.Equal(t, 15, store.released)

	metrics := a.GetMetrics()
	assert.Equal(t, uint64(1), metrics.SessionsStarted)
	assert.Equal(t, uint64(1), metrics.SessionsSaved)
	assert.Equal(t, uint64(15), metrics.FramesEncoded)
	assert.False(t, metrics.Recording)
}

func TestAssemblerDeduplicatesLiveFrames(t *testing.T) {
	t.Parallel()

	store := &fakeStore{capacity: 10}
	enc := &fakeEncoder{}
	a := newTestAssembler(store, enc)
	ctx := context.Background()

	store.publish(3)
	store.set(true)

	// polling faster than the producer publishes must not repeat frames
	for i := range 12 {
		if i%4 == 3 {
			store.publish(1)
		}
		a.Poll(ctx)
	}
	store.set(false)
	a.Poll(ctx)

	calls := enc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, seqRange(0, 5), calls[0].seqs)
}

func TestAssemblerSessionsNeverOverlap(t *testing.T) {
	t.Parallel()

	store := &fakeStore{capacity: 10}
	enc := &fakeEncoder{}
	a := newTestAssembler(store, enc)
	ctx := context.Background()

	store.publish(20)

	// flag level sequence as seen by successive polls
	levels := []bool{true, true, false, false, true, true, true, false, true, false}
	for _, on := range levels {
		store.set(on)
		store.publish(1)
		a.Poll(ctx)
		assert.Equal(t, on, a.Active())
	}

	calls := enc.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, seqRange(11, 21), calls[0].seqs)
	assert.Equal(t, seqRange(15, 26), calls[1].seqs)
	assert.Equal(t, seqRange(19, 28), calls[2].seqs)

	metrics := a.GetMetrics()
	assert.Equal(t, uint64(3), metrics.SessionsStarted)
	assert.Equal(t, uint64(3), metrics.SessionsSaved)
}

func TestAssemblerEncodeFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{capacity: 10}
	encErr := &EncodeError{Path: "/recordings/x.mp4.partial", Err: errors.New("exit status 1"), Stderr: "no codec"}
	enc := &fakeEncoder{errs: []error{encErr}}
	sink := &fakeSink{err: errors.New("sink down")}
	a := newTestAssembler(store, enc, sink)
	ctx := context.Background()

	store.publish(5)
	for _, on := range []bool{true, false, true, false} {
		store.set(on)
		a.Poll(ctx)
	}

	recs := sink.Recordings()
	require.Len(t, recs, 2)
	assert.Equal(t, StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, "no codec")
	assert.Equal(t, StatusSaved, recs[1].Status)

	metrics := a.GetMetrics()
	assert.Equal(t, uint64(1), metrics.SessionsFailed)
	assert.Equal(t, uint64(1), metrics.SessionsSaved)
	assert.Equal(t, 10, store.released)
}

func TestAssemblerWindowErrorRecordsLiveFrames(t *testing.T) {
	t.Parallel()

	store := &fakeStore{capacity: 10, windowErr: framestore.ErrTorn}
	enc := &fakeEncoder{}
	a := newTestAssembler(store, enc)
	ctx := context.Background()

	store.publish(5)
	store.set(true)
	a.Poll(ctx)
	store.publish(1)
	a.Poll(ctx)
	store.set(false)
	a.Poll(ctx)

	calls := enc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []uint64{4, 5}, calls[0].seqs)
}

func TestAssemblerEmptySessionIsAbandoned(t *testing.T) {
	t.Parallel()

	store := &fakeStore{capacity: 10}
	enc := &fakeEncoder{}
	sink := &fakeSink{}
	a := newTestAssembler(store, enc, sink)
	ctx := context.Background()

	store.set(true)
	a.Poll(ctx)
	a.Poll(ctx)
	store.set(false)
	a.Poll(ctx)

	assert.Empty(t, enc.Calls())
	recs := sink.Recordings()
	require.Len(t, recs, 1)
	assert.Equal(t, StatusAbandoned, recs[0].Status)
	assert.Equal(t, uint64(1), a.GetMetrics().SessionsAbandoned)
}

func TestAssemblerShutdownFinalizesSession(t *testing.T) {
	t.Parallel()

	store := &fakeStore{capacity: 10}
	enc := &fakeEncoder{}
	a := New(store, enc, testFrameSize, 10, WithInterval(time.Millisecond))

	store.publish(4)
	store.set(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.GetMetrics().Recording
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("assembler did not stop")
	}

	calls := enc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, seqRange(0, 3), calls[0].seqs)
	assert.NoError(t, calls[0].ctx, "finalization must not use the cancelled context")
	assert.False(t, a.GetMetrics().Recording)
}

func TestArtifactPath(t *testing.T) {
	t.Parallel()

	stockholm, err := time.LoadLocation("Europe/Stockholm")
	require.NoError(t, err)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).In(stockholm)
	assert.Equal(t, "/data/camera_001_2026-01-02_04-04-05.mp4", artifactPath("/data", "camera_001", start))
}

func TestSessionAppend(t *testing.T) {
	t.Parallel()

	s := newSession(epoch, "/data", "cam")
	assert.True(t, s.append(framestore.Frame{Seq: 0}))
	assert.False(t, s.append(framestore.Frame{Seq: 0}))
	assert.True(t, s.append(framestore.Frame{Seq: 2}))
	assert.False(t, s.append(framestore.Frame{Seq: 1}))
	assert.Len(t, s.frames, 2)
	assert.Equal(t, uint64(epoch.UnixMilli()), s.id.Time())
}
