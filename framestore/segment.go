package framestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// shmDir is where POSIX shared memory objects live on Linux.
const shmDir = "/dev/shm"

// SegmentPath maps a segment name to its backing file. Names containing a
// path separator are used as-is.
func SegmentPath(name string) string {
	if strings.ContainsRune(name, '/') {
		return name
	}
	return filepath.Join(shmDir, name)
}

// segment is a memory-mapped file shared between processes.
type segment struct {
	path string
	data []byte
	lock *os.File // writer only: holds the exclusive flock until close
}

// createSegment opens or creates the backing file sized for layout and takes
// the writer lock on it. It reports whether the file was freshly created (and
// therefore needs a header).
func createSegment(path string, layout Layout) (_ *segment, created bool, err error) {
	size := layout.Size()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	created = err == nil
	if errors.Is(err, fs.ErrExist) {
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not open segment %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	// the lock is released by the kernel when the writer exits, however it exits
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, fmt.Errorf("%w: %s", ErrWriterActive, path)
		}
		return nil, false, fmt.Errorf("could not lock segment %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("could not stat segment %s: %w", path, err)
	}

	switch {
	case created || info.Size() == 0:
		// a creator that died before sizing the file leaves an empty one behind
		if err := f.Truncate(int64(size)); err != nil {
			return nil, false, fmt.Errorf("could not size segment %s: %w", path, err)
		}
		created = true
	case info.Size() != int64(size):
		return nil, false, fmt.Errorf("%w: segment %s is %d bytes, layout %s",
			ErrLayoutMismatch, path, info.Size(), layout)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, false, fmt.Errorf("could not map segment %s: %w", path, err)
	}
	return &segment{path: path, data: data, lock: f}, created, nil
}

// attachSegment maps an existing backing file.
func attachSegment(path string, layout Layout) (*segment, error) {
	size := layout.Size()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("could not open segment %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat segment %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is not sized yet", ErrSegmentNotFound, path)
	}
	if info.Size() != int64(size) {
		return nil, fmt.Errorf("%w: segment %s is %d bytes, layout %s",
			ErrLayoutMismatch, path, info.Size(), layout)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("could not map segment %s: %w", path, err)
	}
	return &segment{path: path, data: data}, nil
}

func (s *segment) close() error {
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if s.lock != nil {
		err = errors.Join(err, s.lock.Close())
		s.lock = nil
	}
	return err
}
