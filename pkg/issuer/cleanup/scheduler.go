// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cleanup runs periodic maintenance for the issuer: removing expired
// grants and, when configured, rotating signing keys.
//
// A Scheduler owns one repeating task with its own cancellation. Ticks come
// from an injectable clock so the schedule can be driven deterministically
// in tests.
package cleanup

//go:generate mockgen -destination=mocks/mock_task.go -package=mocks -source=scheduler.go Task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// DefaultInterval is the default time between cleanup runs.
const DefaultInterval = 30 * time.Second

// Task is one unit of periodic work.
type Task interface {
	// Name identifies the task in logs.
	Name() string
	// Run performs one pass. Errors are logged and the task is retried on
	// the next tick.
	Run(ctx context.Context) error
}

// Config configures a Scheduler.
type Config struct {
	// Interval is the time between runs.
	Interval time.Duration
	// Clock drives the ticker. Defaults to the real clock.
	Clock clock.WithTicker
	// Task is the work to run on each tick.
	Task Task
}

// Scheduler runs a Task on a fixed interval until stopped.
type Scheduler struct {
	interval time.Duration
	clock    clock.WithTicker
	task     Task

	paused atomic.Bool
	runs   atomic.Int64
	fails  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Task == nil {
		return nil, errors.New("cleanup task is required")
	}
	if cfg.Interval < 0 {
		return nil, errors.New("cleanup interval cannot be negative")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Scheduler{
		interval: cfg.Interval,
		clock:    cfg.Clock,
		task:     cfg.Task,
	}, nil
}

// Start begins running the task every interval in a background goroutine.
// The loop ends when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clock.NewTicker(s.interval)
	go s.loop(ctx, ticker, s.done)

	slog.Debug("started periodic task", "task", s.task.Name(), "interval", s.interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight run to return.
// Stopping a scheduler that is not running is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Debug("stopped periodic task", "task", s.task.Name())
}

// Pause skips runs until Resume is called. The ticker keeps running.
func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		slog.Info("paused periodic task", "task", s.task.Name())
	}
}

// Resume re-enables runs after Pause.
func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		slog.Info("resumed periodic task", "task", s.task.Name())
	}
}

// Paused reports whether runs are being skipped.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// RunOnce runs the task once in the calling goroutine, regardless of Pause.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.runs.Add(1)
	err := s.task.Run(ctx)
	if err != nil {
		s.fails.Add(1)
	}
	return err
}

// Stats returns how many runs have happened and how many of them failed.
func (s *Scheduler) Stats() (runs, failures int64) {
	return s.runs.Load(), s.fails.Load()
}

func (s *Scheduler) loop(ctx context.Context, ticker clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if s.paused.Load() {
				continue
			}
			if err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("periodic task failed; retrying next interval",
					"task", s.task.Name(), "error", err)
			}
		}
	}
}
