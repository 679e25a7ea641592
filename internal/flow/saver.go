package flow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSaveTimeout bounds one background snapshot write.
const DefaultSaveTimeout = 10 * time.Second

// saver writes snapshots in the background. Only the latest submitted snapshot
// is written; intermediate ones are dropped.
type saver struct {
	sm      StateManager
	timeout time.Duration

	mu      sync.Mutex
	pending *Snapshot
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	degraded  atomic.Bool
	suspended atomic.Bool
	saves     atomic.Int64
}

func newSaver(sm StateManager, timeout time.Duration) *saver {
	if timeout <= 0 {
		timeout = DefaultSaveTimeout
	}
	s := &saver{
		sm:      sm,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// submit replaces the pending snapshot and never blocks.
func (s *saver) submit(snap Snapshot) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		slog.Debug("saver.submit: saver closed, snapshot dropped")
		return
	}
	if s.suspended.Load() {
		s.mu.Unlock()
		slog.Debug("saver.submit: persistence suspended, snapshot dropped")
		return
	}
	s.pending = &snap
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *saver) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.writePending()
		case <-s.stop:
			s.writePending()
			return
		}
	}
}

func (s *saver) writePending() {
	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	s.mu.Unlock()
	if snap == nil || s.suspended.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.sm.SaveSnapshot(ctx, *snap); err != nil {
		if !s.degraded.Swap(true) {
			slog.Warn("saver.writePending: save failed, continuing in memory only", "error", err)
		}
		return
	}
	s.saves.Add(1)
	if s.degraded.Swap(false) {
		slog.Info("saver.writePending: storage recovered, persistence resumed")
	}
}

// suspend stops all writes and drops the pending snapshot. The stored record
// is left untouched until resume.
func (s *saver) suspend() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.suspended.Store(true)
}

// resume re-enables writes after a suspend.
func (s *saver) resume() {
	if s.suspended.Swap(false) {
		slog.Info("saver.resume: persistence resumed")
	}
}

// close flushes the pending snapshot and stops the worker.
func (s *saver) close(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
