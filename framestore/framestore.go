// Package framestore implements the shared-memory frame store: a "latest
// frame" slot plus a ring of the most recent frames, guarded by a seqlock so
// that the single producer never waits on readers.
package framestore

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// defaultReadAttempts bounds the seqlock retries of a single read.
	defaultReadAttempts = 64

	// defaultRetryPause is the wait between two read attempts.
	defaultRetryPause = 100 * time.Microsecond
)

var (
	// ErrTorn reports that a consistent copy could not be taken within the retry budget.
	ErrTorn = errors.New("torn read")

	// ErrEmpty reports that nothing has been published yet.
	ErrEmpty = errors.New("no frame published yet")

	// ErrFrameSize reports a frame whose length does not match the layout.
	ErrFrameSize = errors.New("frame size mismatch")

	// ErrSegmentNotFound reports a segment that does not exist (or is not initialized) yet.
	ErrSegmentNotFound = errors.New("shared segment not found")

	// ErrLayoutMismatch reports a segment whose geometry disagrees with the configuration.
	ErrLayoutMismatch = errors.New("shared segment layout mismatch")

	// ErrWriterActive reports a segment that another live producer already writes to.
	ErrWriterActive = errors.New("shared segment already has a writer")
)

// IsTransient reports whether err is a read error that should only skip the current tick.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTorn) || errors.Is(err, ErrEmpty)
}

// Frame is one published picture: Seq is its zero-based publish index.
type Frame struct {
	Seq  uint64
	Data []byte
}

// Store is a view of a shared segment. Publish must only be called by the
// process that created the segment; every other method is safe from any
// process or goroutine.
type Store struct {
	layout    Layout
	seg       *segment
	frameSize int
	capacity  uint64

	// views into the mapped segment
	latest     []byte
	ring       []byte
	generation *uint64
	flag       *uint32
	cursor     *uint64
	written    *uint64

	// configuration
	readAttempts int
	retryPause   time.Duration
	bufferPool   *bufferPool

	// metrics
	framesPublished atomic.Uint64
	latestReads     atomic.Uint64
	windowReads     atomic.Uint64
	tornRetries     atomic.Uint64
	tornReads       atomic.Uint64
	framesTrimmed   atomic.Uint64
	creationTime    time.Time
}

// Create creates the segment at path, or attaches to it without touching
// its contents when it already exists with the same layout. The returned
// Store holds the writer lock until Close; while it does, Create on the same
// path fails with ErrWriterActive.
func Create(path string, layout Layout, opts ...Option) (*Store, error) {
	seg, created, err := createSegment(path, layout)
	if err != nil {
		return nil, err
	}

	// a creator that died before writing the header leaves a zero magic
	if created || atomic.LoadUint32(u32(seg.data, 0)) == 0 {
		layout.writeHeader(seg.data)
		atomic.StoreUint32(u32(seg.data, 0), segmentMagic)
	} else if err := checkSegment(seg, layout); err != nil {
		seg.close()
		return nil, err
	}

	s := newStore(seg, layout, opts...)

	// a producer that died mid-publish leaves the generation odd; the lock
	// proves it is gone, so close the bracket before anyone waits on it.
	if g := atomic.LoadUint64(s.generation); g&1 == 1 {
		atomic.AddUint64(s.generation, 1)
	}
	return s, nil
}

// Attach maps an existing segment created by the producer.
func Attach(path string, layout Layout, opts ...Option) (*Store, error) {
	seg, err := attachSegment(path, layout)
	if err != nil {
		return nil, err
	}
	if err := checkSegment(seg, layout); err != nil {
		seg.close()
		return nil, err
	}
	return newStore(seg, layout, opts...), nil
}

func checkSegment(seg *segment, layout Layout) error {
	if atomic.LoadUint32(u32(seg.data, 0)) != segmentMagic {
		return fmt.Errorf("%w: %s has no header yet", ErrSegmentNotFound, seg.path)
	}
	return layout.checkHeader(seg.data)
}

func newStore(seg *segment, layout Layout, opts ...Option) *Store {
	fs := layout.FrameSize()
	s := &Store{
		layout:       layout,
		seg:          seg,
		frameSize:    fs,
		capacity:     uint64(layout.Capacity),
		latest:       seg.data[layout.latestOffset() : layout.latestOffset()+fs],
		ring:         seg.data[layout.ringOffset() : layout.ringOffset()+layout.Capacity*fs],
		generation:   u64(seg.data, layout.generationOffset()),
		flag:         u32(seg.data, layout.flagOffset()),
		cursor:       u64(seg.data, layout.cursorOffset()),
		written:      u64(seg.data, layout.writtenOffset()),
		readAttempts: defaultReadAttempts,
		retryPause:   defaultRetryPause,
		creationTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bufferPool = newBufferPool(fs)
	return s
}

// Close unmaps the segment. The Store must not be used afterwards.
func (s *Store) Close() error {
	return s.seg.close()
}

// Remove unmaps the segment and deletes its backing file.
func (s *Store) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not remove segment %s: %w", s.seg.path, err)
	}
	return nil
}

// Layout returns the geometry of the segment.
func (s *Store) Layout() Layout { return s.layout }

// Publish copies frame into the latest slot and into the ring slot at the
// write cursor. The generation counter is odd for the duration of the copy.
func (s *Store) Publish(frame []byte) error {
	if len(frame) != s.frameSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), s.frameSize)
	}

	atomic.AddUint64(s.generation, 1)

	copy(s.latest, frame)
	cur := atomic.LoadUint64(s.cursor)
	copy(s.slot(cur), frame)
	atomic.StoreUint64(s.cursor, (cur+1)%s.capacity)
	atomic.AddUint64(s.written, 1)

	atomic.AddUint64(s.generation, 1)

	s.framesPublished.Add(1)
	return nil
}

// ReadLatest copies the most recent frame into dst (reallocated when too
// small) and returns it. A write racing the copy is retried; after the retry
// budget the read fails with ErrTorn.
func (s *Store) ReadLatest(dst []byte) (Frame, error) {
	if cap(dst) < s.frameSize {
		dst = make([]byte, s.frameSize)
	}
	dst = dst[:s.frameSize]
	s.latestReads.Add(1)

	for attempt := range s.readAttempts {
		if attempt > 0 {
			s.tornRetries.Add(1)
			s.pause()
		}

		gen := atomic.LoadUint64(s.generation)
		if gen&1 == 1 {
			continue // write in progress
		}
		written := atomic.LoadUint64(s.written)
		if written == 0 {
			return Frame{}, ErrEmpty
		}

		copy(dst, s.latest)

		if atomic.LoadUint64(s.generation) == gen {
			return Frame{Seq: written - 1, Data: dst}, nil
		}
	}

	s.tornReads.Add(1)
	return Frame{}, ErrTorn
}

// ReadWindow returns up to count of the most recent ring frames, oldest
// first. count is clamped to the ring capacity and slots that were never
// written are left out. The returned buffers come from a pool; hand them back
// with Release once done.
func (s *Store) ReadWindow(count int) ([]Frame, error) {
	if count <= 0 {
		return []Frame{}, nil
	}
	want := min(uint64(count), s.capacity)
	s.windowReads.Add(1)

	for attempt := range s.readAttempts {
		if attempt > 0 {
			s.tornRetries.Add(1)
			s.pause()
		}

		gen := atomic.LoadUint64(s.generation)
		if gen&1 == 1 {
			continue
		}
		written := atomic.LoadUint64(s.written)
		n := min(want, written)
		if n == 0 {
			return []Frame{}, nil
		}

		// logical publish index t always lives in slot t % capacity, so the
		// window is [written-n, written) walked from the oldest slot forwards.
		first := written - n
		frames := make([]Frame, n)
		for i := range n {
			seq := first + i
			buf := s.bufferPool.get()
			copy(buf, s.slot(seq%s.capacity))
			frames[i] = Frame{Seq: seq, Data: buf}
		}

		after := atomic.LoadUint64(s.generation)
		if after == gen {
			return frames, nil
		}

		// publishing index written+j overwrites index written+j-capacity, so
		// only the oldest frames of the window can have been clobbered.
		drop := clobbered(written, n, (after-gen+1)/2, s.capacity)
		s.Release(frames[:drop])
		if drop < n {
			s.framesTrimmed.Add(drop)
			return frames[drop:], nil
		}
	}

	s.tornReads.Add(1)
	return nil, ErrTorn
}

// Release hands frame buffers obtained from ReadWindow back to the pool.
func (s *Store) Release(frames []Frame) {
	for i := range frames {
		s.bufferPool.put(frames[i].Data)
		frames[i].Data = nil
	}
}

// Recording reports the shared recording flag.
func (s *Store) Recording() bool {
	return atomic.LoadUint32(s.flag) == 1
}

// SetRecording writes the shared recording flag. Only the motion detector does this.
func (s *Store) SetRecording(on bool) {
	var v uint32
	if on {
		v = 1
	}
	atomic.StoreUint32(s.flag, v)
}

// Cursor returns the ring slot that will be overwritten next.
func (s *Store) Cursor() uint64 { return atomic.LoadUint64(s.cursor) }

// Written returns the total number of frames ever published to the segment.
func (s *Store) Written() uint64 { return atomic.LoadUint64(s.written) }

// clobbered returns how many of the n oldest-first window frames ending at
// written may have been overwritten by started publishes racing the copy.
func clobbered(written, n, started, capacity uint64) uint64 {
	if written+started <= capacity {
		return 0
	}
	first := written - n
	boundary := written + started - capacity
	if boundary <= first {
		return 0
	}
	return min(boundary-first, n)
}

func (s *Store) slot(i uint64) []byte {
	off := int(i) * s.frameSize
	return s.ring[off : off+s.frameSize]
}

func (s *Store) pause() {
	if s.retryPause > 0 {
		time.Sleep(s.retryPause)
	}
}

// Metrics contains statistics for a Store as seen by this process.
type Metrics struct {
	FramesPublished uint64        // frames published by this process
	LatestReads     uint64        // ReadLatest calls
	WindowReads     uint64        // ReadWindow calls
	TornRetries     uint64        // read attempts repeated because of a concurrent write
	TornReads       uint64        // reads that gave up with ErrTorn
	FramesTrimmed   uint64        // window frames dropped because they were overwritten mid-copy
	Written         uint64        // frames ever published to the segment
	Cursor          uint64        // next ring slot to be written
	Capacity        int           // ring slots
	Recording       bool          // shared recording flag
	Uptime          time.Duration // time since this view was created
}

// GetMetrics returns current statistics.
func (s *Store) GetMetrics() Metrics {
	return Metrics{
		FramesPublished: s.framesPublished.Load(),
		LatestReads:     s.latestReads.Load(),
		WindowReads:     s.windowReads.Load(),
		TornRetries:     s.tornRetries.Load(),
		TornReads:       s.tornReads.Load(),
		FramesTrimmed:   s.framesTrimmed.Load(),
		Written:         s.Written(),
		Cursor:          s.Cursor(),
		Capacity:        s.layout.Capacity,
		Recording:       s.Recording(),
		Uptime:          time.Since(s.creationTime),
	}
}

// u64 and u32 alias 8-byte aligned words inside the mapping for atomic access.
func u64(b []byte, off int) *uint64 { return (*uint64)(unsafe.Pointer(&b[off])) }

func u32(b []byte, off int) *uint32 { return (*uint32)(unsafe.Pointer(&b[off])) }
