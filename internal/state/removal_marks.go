package state

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRemovalMarkTTL is how long a die/pause timestamp is remembered.
const DefaultRemovalMarkTTL = 2 * time.Second

type removalMark struct {
	eventTime int64
	timer     *clock.Timer
}

// RemovalMarks remembers the latest removal timestamp per container for a short grace window,
// so a start event that is older than an already applied removal can be recognized as stale.
type RemovalMarks struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	marks map[string]*removalMark
}

func NewRemovalMarks(clk clock.Clock, ttl time.Duration) *RemovalMarks {
	if ttl <= 0 {
		ttl = DefaultRemovalMarkTTL
	}
	return &RemovalMarks{
		clock: clk,
		ttl:   ttl,
		marks: make(map[string]*removalMark),
	}
}

// Upsert records eventTime for id and re-arms its expiry. It returns false if a mark with
// an equal or newer timestamp already exists, meaning the event must be ignored.
func (s *RemovalMarks) Upsert(id string, eventTime int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.marks[id]
	if ok && existing.eventTime >= eventTime {
		return false
	}
	if ok {
		existing.timer.Stop()
	}
	mark := &removalMark{eventTime: eventTime}
	mark.timer = s.clock.AfterFunc(s.ttl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// Only clear if the mark was not replaced in the meantime.
		if s.marks[id] == mark {
			delete(s.marks, id)
		}
	})
	s.marks[id] = mark
	return true
}

// HasNewer reports whether a mark newer than eventTime exists for id.
func (s *RemovalMarks) HasNewer(id string, eventTime int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark, ok := s.marks[id]
	return ok && mark.eventTime > eventTime
}

func (s *RemovalMarks) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.marks)
}
