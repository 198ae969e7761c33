package session

import (
	"log/slog"
	"time"
)

// cleanupLoop periodically sweeps expired entries until Stop is called.
func (s *Store) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			if n := s.Sweep(); n > 0 {
				slog.Info("swept expired sessions", "count", n, "remaining", s.Len())
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *Store) sweepLocked(now time.Time) int {
	removed := 0
	for id, rec := range s.entries {
		if rec.expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}
