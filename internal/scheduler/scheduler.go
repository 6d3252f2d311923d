package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Trigger is fired on every tick. Repeated fires within one day are expected
// to be absorbed by the trigger itself.
type Trigger interface {
	Trigger(ctx context.Context) bool
}

type TriggerFunc func(ctx context.Context) bool

func (f TriggerFunc) Trigger(ctx context.Context) bool { return f(ctx) }

type Status struct {
	Running       bool       `json:"running"`
	Interval      string     `json:"interval"`
	Ticks         int64      `json:"ticks"`
	LastTickAt    *time.Time `json:"lastTickAt"`
	LastTriggered bool       `json:"lastTriggered"`
}

// Scheduler periodically asks the reminder trigger whether today's run is due.
type Scheduler struct {
	interval time.Duration
	trigger  Trigger
	log      *slog.Logger

	running atomic.Bool
	ticks   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	lastMu        sync.Mutex
	lastTickAt    time.Time
	lastTriggered bool
}

func New(interval time.Duration, trigger Trigger, log *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if trigger == nil {
		return nil, errors.New("trigger must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		trigger:  trigger,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", "interval", s.interval.String())

		// A restart mid-day should still catch a run that has not happened yet.
		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	st := Status{
		Running:       s.running.Load(),
		Interval:      s.interval.String(),
		Ticks:         s.ticks.Load(),
		LastTriggered: s.lastTriggered,
	}
	if !s.lastTickAt.IsZero() {
		at := s.lastTickAt
		st.LastTickAt = &at
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	triggered := s.trigger.Trigger(ctx)
	s.ticks.Add(1)

	s.lastMu.Lock()
	s.lastTickAt = start
	s.lastTriggered = triggered
	s.lastMu.Unlock()

	s.log.Info("scheduler tick completed",
		"triggered", triggered,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
