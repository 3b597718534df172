// Package sweeper periodically removes expired process artifacts and statuses.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is used when Start is given a non-positive interval.
const DefaultInterval = 10 * time.Minute

// Task is one cleanup step run on every sweep. It returns how many items it
// removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper runs its tasks on a fixed interval until stopped.
type Sweeper struct {
	tasks []Task
	log   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper creates a new Sweeper instance.
func NewSweeper(log *zap.Logger, tasks ...Task) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{tasks: tasks, log: log.Named("sweeper")}
}

// Start begins the sweeper goroutine. It runs one sweep immediately. A
// non-positive interval falls back to DefaultInterval.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.log.Warn("invalid interval, using default", zap.Duration("interval", interval))
		interval = DefaultInterval
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer func() {
			s.mu.Lock()
			s.running = false
			close(s.done)
			s.mu.Unlock()
		}()

		s.log.Info("started", zap.Duration("interval", interval))

		s.RunOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("context cancelled, stopping")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the sweeper goroutine and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	done := s.done
	s.cancel()
	s.mu.Unlock()

	<-done
	s.log.Info("stopped")
}

// RunOnce runs every task once. A failing task does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	total := 0
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return total
		}
		n, err := t.Run(ctx)
		if err != nil {
			s.log.Warn("sweep task failed", zap.String("task", t.Name), zap.Error(err))
			continue
		}
		if n > 0 {
			s.log.Info("swept", zap.String("task", t.Name), zap.Int("removed", n))
		}
		total += n
	}
	return total
}
