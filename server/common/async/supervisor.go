package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"workshop_rt/server/common/log"
)

// Task is a long-running loop owned by a Supervisor. Returning nil or
// context.Canceled ends the task; any other error (or a panic) is logged and
// the task is restarted after the backoff delay.
type Task func(ctx context.Context) error

// Supervisor owns background loops and ties their lifetime to Stop.
type Supervisor struct {
	logger       log.Logger
	restartDelay time.Duration
	maxDelay     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	restarts map[string]int
}

func NewSupervisor(parent context.Context, logger log.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		logger:       log.OrNop(logger),
		restartDelay: 500 * time.Millisecond,
		maxDelay:     30 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		restarts:     map[string]int{},
	}
}

// WithRestartDelay overrides the initial restart delay; it doubles per
// consecutive failure up to maxDelay.
func (s *Supervisor) WithRestartDelay(initial, max time.Duration) *Supervisor {
	s.restartDelay = initial
	s.maxDelay = max
	return s
}

// Go starts task under supervision.
func (s *Supervisor) Go(name string, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		delay := s.restartDelay
		for {
			err := Safely(func() error { return task(s.ctx) })
			if s.ctx.Err() != nil {
				return
			}
			if err == nil || errors.Is(err, context.Canceled) {
				s.logger.Infof("event=supervisor action=task_exit name=%s", name)
				return
			}
			s.mu.Lock()
			s.restarts[name]++
			count := s.restarts[name]
			s.mu.Unlock()
			s.logger.Errorf("event=supervisor action=task_restart name=%s restarts=%d delay=%s error=%v", name, count, delay, err)

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.maxDelay {
				delay = s.maxDelay
			}
		}
	}()
}

// Every runs fn on a fixed interval until the supervisor stops.
func (s *Supervisor) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.Go(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					return err
				}
			}
		}
	})
}

// Restarts reports how many times the named task was restarted.
func (s *Supervisor) Restarts(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts[name]
}

// Stop cancels every task and waits for them to return.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}
