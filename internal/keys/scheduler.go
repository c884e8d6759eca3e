package keys

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// rotationScheduler keeps one cancellable timer per key and an hourly cron
// sweep that catches rotations whose timer was lost (process restart, clock
// jump). Timer callbacks re-check key state, so a stale fire is harmless.
type rotationScheduler struct {
	manager *Manager
	cron    *cron.Cron

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newRotationScheduler(m *Manager) *rotationScheduler {
	return &rotationScheduler{
		manager: m,
		cron:    cron.New(),
		timers:  make(map[string]*time.Timer),
	}
}

// schedule arms the rotation timer for a key, replacing any existing one.
// Due times in the past fire immediately on the timer goroutine.
func (s *rotationScheduler) schedule(keyID string, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if existing, ok := s.timers[keyID]; ok {
		existing.Stop()
	}

	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}
	s.timers[keyID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, keyID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.manager.onRotationDue(keyID)
	})
}

// cancel stops and forgets the timer for a key. Safe to call for keys that
// were never scheduled.
func (s *rotationScheduler) cancel(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[keyID]; ok {
		timer.Stop()
		delete(s.timers, keyID)
	}
}

// scheduled reports whether a timer is currently armed for the key.
func (s *rotationScheduler) scheduled(keyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[keyID]
	return ok
}

func (s *rotationScheduler) startSweep(schedule string) error {
	if schedule == "" {
		schedule = "@hourly"
	}
	if _, err := s.cron.AddFunc(schedule, s.manager.sweepOverdueRotations); err != nil {
		return fmt.Errorf("schedule rotation sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

func (s *rotationScheduler) close() {
	s.mu.Lock()
	s.closed = true
	for keyID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, keyID)
	}
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
}
