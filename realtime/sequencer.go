package realtime

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// sequenced is one versioned task frame waiting for its turn.
type sequenced struct {
	taskID  string
	version int64
	rooms   []string
	frame   []byte
}

type taskSequence struct {
	last    int64
	pending map[int64]sequenced
	timer   *time.Timer
	touched time.Time
}

// Sequencer releases the frames of one task in version order. Commits that
// race to publish are held until the missing versions arrive; a gap older than
// the timeout is released as is. Frames at or below the last released version
// are dropped.
type Sequencer struct {
	gap    time.Duration
	idle   time.Duration
	emit   func(rooms []string, frame []byte)
	logger *log.Logger
	now    func() time.Time

	mu        sync.Mutex
	tasks     map[string]*taskSequence
	lastPrune time.Time
}

func NewSequencer(gap time.Duration, emit func(rooms []string, frame []byte), logger *log.Logger) *Sequencer {
	if gap <= 0 {
		gap = 2 * time.Second
	}
	return &Sequencer{
		gap:    gap,
		idle:   10 * time.Minute,
		emit:   emit,
		logger: logger,
		now:    time.Now,
		tasks:  make(map[string]*taskSequence),
	}
}

// Offer hands one frame to the sequencer.
func (s *Sequencer) Offer(it sequenced) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	st, ok := s.tasks[it.taskID]
	if !ok {
		// first frame seen for the task sets the baseline
		st = &taskSequence{last: it.version - 1, pending: make(map[int64]sequenced)}
		s.tasks[it.taskID] = st
	}
	st.touched = now

	switch {
	case it.version <= st.last:
		s.logger.WithFields(log.Fields{"task": it.taskID, "version": it.version, "last": st.last}).Debug("stale frame dropped")
		return
	case it.version == st.last+1:
		s.release(st, it)
		for {
			next, ok := st.pending[st.last+1]
			if !ok {
				break
			}
			delete(st.pending, next.version)
			s.release(st, next)
		}
	default:
		st.pending[it.version] = it
	}

	if len(st.pending) == 0 {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		return
	}
	if st.timer == nil {
		taskID := it.taskID
		st.timer = time.AfterFunc(s.gap, func() { s.releaseGap(taskID) })
	}
}

func (s *Sequencer) release(st *taskSequence, it sequenced) {
	st.last = it.version
	s.emit(it.rooms, it.frame)
}

func (s *Sequencer) releaseGap(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return
	}
	st.timer = nil
	if len(st.pending) == 0 {
		return
	}
	versions := make([]int64, 0, len(st.pending))
	for v := range st.pending {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	s.logger.WithFields(log.Fields{"task": taskID, "expected": st.last + 1, "released": len(versions)}).Warn("sequencer gap timed out")
	for _, v := range versions {
		s.release(st, st.pending[v])
		delete(st.pending, v)
	}
}

// pruneLocked forgets idle tasks with nothing pending.
func (s *Sequencer) pruneLocked(now time.Time) {
	if now.Sub(s.lastPrune) < s.idle {
		return
	}
	s.lastPrune = now
	for id, st := range s.tasks {
		if len(st.pending) == 0 && now.Sub(st.touched) >= s.idle {
			delete(s.tasks, id)
		}
	}
}

// Pending reports how many frames are held for a task.
func (s *Sequencer) Pending(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[taskID]; ok {
		return len(st.pending)
	}
	return 0
}
