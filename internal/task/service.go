// Package task runs a long-lived loop with an explicit lifecycle.
package task

import (
	"context"
	"errors"
	"sync"
)

// State is a service lifecycle state.
type State int

const (
	StateNew State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var ErrAlreadyStarted = errors.New("task: already started")

// RunFunc is the body of a service. It must return once ctx is done.
type RunFunc func(ctx context.Context) error

// Service runs a RunFunc on its own goroutine. Stop cancels the context the
// RunFunc observes; the RunFunc decides where cancellation is honored.
type Service struct {
	name string
	run  RunFunc

	mu      sync.Mutex
	state   State
	err     error
	cancel  context.CancelFunc
	running chan struct{}
	stopped chan struct{}
}

func NewService(name string, run RunFunc) *Service {
	return &Service{
		name:    name,
		run:     run,
		running: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *Service) Name() string { return s.name }

// Start launches the service. A service can be started once.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateRunning
	close(s.running)

	go func() {
		err := s.run(ctx)
		s.mu.Lock()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.state = StateFailed
			s.err = err
		} else {
			s.state = StateStopped
		}
		s.mu.Unlock()
		s.cancel()
		close(s.stopped)
	}()
	return nil
}

// AwaitRunning blocks until the service has started or ctx is done.
func (s *Service) AwaitRunning(ctx context.Context) error {
	select {
	case <-s.running:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop requests shutdown without waiting. Stopping a service that never
// started marks it stopped.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateNew:
		s.state = StateStopped
		close(s.stopped)
	case StateRunning:
		s.state = StateStopping
		s.cancel()
	}
}

// AwaitStopped blocks until the run loop has returned and reports its error.
func (s *Service) AwaitStopped(ctx context.Context) error {
	select {
	case <-s.stopped:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
