package adaptive

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/miniphi/internal/bandit"
	"github.com/normanking/miniphi/internal/routerstore"
)

const saveTimeout = 10 * time.Second

// saver persists router snapshots at most once per interval. While a write
// is in flight further requests are dropped, so at most one write is
// pending at any time.
type saver struct {
	store    routerstore.Store
	interval time.Duration
	snapshot func() bandit.State
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSave time.Time
	pending  bool
	inflight sync.WaitGroup
}

// schedule starts a background write unless one is running or the last
// write was less than interval ago. It reports whether a write started.
func (s *saver) schedule() bool {
	if s == nil || s.store == nil {
		return false
	}
	s.mu.Lock()
	now := s.now()
	if s.pending || (!s.lastSave.IsZero() && now.Sub(s.lastSave) < s.interval) {
		s.mu.Unlock()
		return false
	}
	s.pending = true
	s.lastSave = now
	state := s.snapshot()
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := s.store.Save(ctx, state); err != nil {
			s.logger.Warn().Err(err).Msg("router state save failed")
		}
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
	}()
	return true
}

// flush waits for an in-flight write and then writes the current snapshot.
func (s *saver) flush(ctx context.Context) error {
	if s == nil || s.store == nil {
		return nil
	}
	s.inflight.Wait()
	state := s.snapshot()
	if err := s.store.Save(ctx, state); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSave = s.now()
	s.mu.Unlock()
	return nil
}
