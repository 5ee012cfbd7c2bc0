package recorder

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/alesr/rorelse/framestore"
	"github.com/oklog/ulid/v2"
)

// fileTimeLayout is the timestamp format of artifact names.
const fileTimeLayout = "2006-01-02_15-04-05"

// session collects the frames of one motion event: the pre-motion window
// followed by live frames.
type session struct {
	id        ulid.ULID
	startedAt time.Time
	path      string
	frames    []framestore.Frame
	preFrames int
	lastSeq   uint64
	hasLast   bool
}

func newSession(startedAt time.Time, outputDir, camera string) *session {
	return &session{
		id:        ulid.MustNew(ulid.Timestamp(startedAt), ulid.DefaultEntropy()),
		startedAt: startedAt,
		path:      artifactPath(outputDir, camera, startedAt),
	}
}

// artifactPath names the video of a session started at t.
func artifactPath(outputDir, camera string, t time.Time) string {
	return filepath.Join(outputDir, fmt.Sprintf("%s_%s.mp4", camera, t.Format(fileTimeLayout)))
}

// seed adds the pre-motion window.
func (s *session) seed(window []framestore.Frame) {
	s.frames = append(s.frames, window...)
	s.preFrames = len(window)
	if len(window) > 0 {
		s.lastSeq = window[len(window)-1].Seq
		s.hasLast = true
	}
}

// append adds a live frame unless it was already appended.
func (s *session) append(frame framestore.Frame) bool {
	if s.hasLast && frame.Seq <= s.lastSeq {
		return false
	}
	s.frames = append(s.frames, frame)
	s.lastSeq = frame.Seq
	s.hasLast = true
	return true
}
