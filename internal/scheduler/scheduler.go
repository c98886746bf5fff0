// Package scheduler runs the periodic proactive-trigger evaluation loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/internal/notify"
	"github.com/xiy/companion/internal/rules"
	"github.com/xiy/companion/pkg/types"
)

// ErrBusy is returned by RunOnce when a pass is already in flight.
var ErrBusy = errors.New("evaluation pass already in flight")

// SnapshotProvider reads the current user state.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (types.UserStateSnapshot, error)
}

// Evaluator decides which rules fire for a tick.
type Evaluator interface {
	Evaluate(ctx context.Context, tick uint64, snap types.UserStateSnapshot) ([]rules.Decision, error)
}

// MessageGenerator renders the message for an accepted rule.
type MessageGenerator interface {
	Generate(ctx context.Context, rule rules.ProactiveRule, snap types.UserStateSnapshot) (string, error)
}

// SummaryWriter attaches the delivered message to its history entry.
type SummaryWriter interface {
	UpdateTriggerSummary(ctx context.Context, id, summary string) error
}

// Deps are the collaborators of a scheduler pass.
type Deps struct {
	Snapshots  SnapshotProvider
	Evaluator  Evaluator
	Generator  MessageGenerator
	Dispatcher notify.Dispatcher
	Summaries  SummaryWriter
}

// Stats counts scheduler activity since start.
type Stats struct {
	Passes     uint64    `json:"passes"`
	Skipped    uint64    `json:"skipped"`
	Failed     uint64    `json:"failed"`
	Accepted   uint64    `json:"accepted"`
	Delivered  uint64    `json:"delivered"`
	LastPassAt time.Time `json:"last_pass_at"`
}

// Scheduler owns the tick loop. At most one evaluation pass runs at a time;
// a tick that arrives while a pass is in flight is dropped.
type Scheduler struct {
	deps     Deps
	logger   *log.Logger
	clock    Clock
	interval time.Duration
	timeout  time.Duration
	target   string

	running atomic.Bool
	tick    atomic.Uint64
	passes  sync.WaitGroup

	mu     sync.Mutex
	stats  Stats
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a scheduler from cfg. A nil clock means wall-clock time.
func New(deps Deps, cfg config.SchedulerConfig, logger *log.Logger, clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	// A pass must end before the next tick, or that tick is skipped too.
	timeout := cfg.TickTimeout()
	if timeout <= 0 || timeout >= cfg.Interval() {
		timeout = cfg.Interval() * 4 / 5
	}
	return &Scheduler{
		deps:     deps,
		logger:   logger.With("component", "scheduler"),
		clock:    clock,
		interval: cfg.Interval(),
		timeout:  timeout,
		target:   cfg.Target,
	}
}

// Run blocks, ticking every interval until ctx is done, then waits for the
// in-flight pass to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "interval", s.interval, "tick_timeout", s.timeout)

	for {
		select {
		case <-ctx.Done():
			s.passes.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Start runs the loop in the background until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit.
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
}

// Tick starts a pass in the background. It returns false, and counts a
// skip, if a pass is already in flight.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		s.logger.Warn("previous pass still running; tick skipped")
		return false
	}
	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		defer s.running.Store(false)
		_, _ = s.pass(ctx)
	}()
	return true
}

// RunOnce runs one pass synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) ([]rules.Decision, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.running.Store(false)
	return s.pass(ctx)
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) pass(parent context.Context) ([]rules.Decision, error) {
	tick := s.tick.Add(1)
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	decisions, err := s.evaluate(ctx, tick)
	s.mu.Lock()
	s.stats.Passes++
	s.stats.LastPassAt = s.clock.Now()
	if err != nil {
		s.stats.Failed++
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("evaluation pass failed", "tick", tick, "error", err)
		return decisions, err
	}
	return decisions, nil
}

func (s *Scheduler) evaluate(ctx context.Context, tick uint64) ([]rules.Decision, error) {
	snap, err := s.deps.Snapshots.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", types.ErrUpstreamUnavailable, err)
	}
	decisions, err := s.deps.Evaluator.Evaluate(ctx, tick, snap)
	if err != nil {
		return decisions, err
	}

	for _, d := range decisions {
		if !d.Accepted() {
			continue
		}
		s.mu.Lock()
		s.stats.Accepted++
		s.mu.Unlock()
		if s.deliver(ctx, d, snap) {
			s.mu.Lock()
			s.stats.Delivered++
			s.mu.Unlock()
		}
	}
	s.logger.Debug("evaluation pass finished", "tick", tick, "rules", len(decisions))
	return decisions, nil
}

// deliver generates and dispatches the message for an accepted trigger.
// The trigger stays spent whatever happens here.
func (s *Scheduler) deliver(ctx context.Context, d rules.Decision, snap types.UserStateSnapshot) bool {
	msg, err := s.deps.Generator.Generate(ctx, d.Rule, snap)
	if err != nil {
		s.logger.Error("message generation failed", "rule", d.Rule.ID, "error", err)
		return false
	}
	if s.deps.Summaries != nil {
		if err := s.deps.Summaries.UpdateTriggerSummary(ctx, d.Entry.ID, msg); err != nil {
			s.logger.Warn("trigger summary not saved", "rule", d.Rule.ID, "error", err)
		}
	}
	err = s.deps.Dispatcher.Dispatch(ctx, notify.Notification{
		RuleID:    d.Rule.ID,
		HistoryID: d.Entry.ID,
		Target:    s.target,
		Message:   msg,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("notification delivery failed", "rule", d.Rule.ID, "error", err)
		return false
	}
	s.logger.Info("proactive message sent", "rule", d.Rule.ID)
	return true
}
