// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
)

// Errors returned by PollService.
var (
	// ErrUnknownTarget is returned when a refresh names a target that is not configured.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrTargetDisabled is returned when a refresh names a target disabled after an auth failure.
	ErrTargetDisabled = errors.New("target disabled")
	// ErrAllTargetsFailed is returned by RunOnce when no target completed its cycle.
	ErrAllTargetsFailed = errors.New("all targets failed")
)

// TargetChecker runs one cycle for a single target. Monitor is the production
// implementation.
type TargetChecker interface {
	Check(ctx context.Context, target model.Target) (CycleResult, error)
}

// CycleSummary aggregates one pass over all targets.
type CycleSummary struct {
	Targets      int
	Succeeded    int
	Failed       int
	Skipped      int
	AlertsSent   int
	AlertsFailed int
	Duration     time.Duration
	// Stopped is set when a stop request prevented some targets from starting.
	Stopped bool
}

// refreshRequest represents a manual check of one target.
type refreshRequest struct {
	key  string
	done chan refreshResult
}

type refreshResult struct {
	result CycleResult
	err    error
}

// PollService runs every target's checker on a fixed delay. Targets in a
// cycle share a bounded worker pool; a failure or panic in one target is
// logged and recorded in its status and never reaches the others.
type PollService struct {
	checker  TargetChecker
	targets  []model.Target
	interval time.Duration
	workers  int
	logger   *slog.Logger

	refreshCh chan refreshRequest
	onCycle   func(CycleSummary)

	mu       sync.RWMutex
	statuses map[string]*model.TargetStatus
}

// NewPollService creates a PollService for targets. workers below 1 means 1.
func NewPollService(
	checker TargetChecker,
	targets []model.Target,
	interval time.Duration,
	workers int,
	logger *slog.Logger,
) *PollService {
	if workers < 1 {
		workers = 1
	}

	statuses := make(map[string]*model.TargetStatus, len(targets))
	for _, t := range targets {
		statuses[t.Key()] = &model.TargetStatus{Target: t, LastOutcome: model.OutcomeNever}
	}

	return &PollService{
		checker:   checker,
		targets:   targets,
		interval:  interval,
		workers:   workers,
		logger:    logger,
		refreshCh: make(chan refreshRequest),
		statuses:  statuses,
	}
}

// OnCycle registers fn to run after every scheduled cycle. It must be called
// before Start.
func (s *PollService) OnCycle(fn func(CycleSummary)) {
	s.onCycle = fn
}

// Start runs a cycle immediately and then one cycle per interval, measured
// from the end of the previous cycle. Manual refresh requests are served by
// the same goroutine, so a target is never checked twice concurrently. Start
// blocks until ctx is canceled; a cycle in progress finishes first.
func (s *PollService) Start(ctx context.Context) {
	s.scheduledCycle(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("poll service stopped")
			return
		case <-timer.C:
			s.scheduledCycle(ctx)
			timer.Reset(s.interval)
		case req := <-s.refreshCh:
			result, err := s.handleRefresh(ctx, req.key)
			req.done <- refreshResult{result: result, err: err}
		}
	}
}

// RunOnce runs a single cycle. It returns ErrAllTargetsFailed when at least
// one target was checked and none of them succeeded.
func (s *PollService) RunOnce(ctx context.Context) (CycleSummary, error) {
	summary := s.RunCycle(ctx)
	if summary.Failed > 0 && summary.Succeeded == 0 {
		return summary, fmt.Errorf("%d of %d targets: %w", summary.Failed, summary.Targets, ErrAllTargetsFailed)
	}
	return summary, nil
}

// RefreshTarget asks the polling loop to check one target now, bypassing the
// interval. It blocks until the check completes or ctx is canceled, and only
// makes progress while Start is running.
func (s *PollService) RefreshTarget(ctx context.Context, key string) (CycleResult, error) {
	done := make(chan refreshResult, 1)

	select {
	case s.refreshCh <- refreshRequest{key: key, done: done}:
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}

	select {
	case res := <-done:
		return res.result, res.err
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
}

// RunCycle checks every enabled target once. The stop signal (ctx) is
// consulted before each target starts; targets already running finish on a
// context detached from ctx, so a stop never interrupts a dispatch halfway.
func (s *PollService) RunCycle(ctx context.Context) CycleSummary {
	start := time.Now()
	work := context.WithoutCancel(ctx)

	var (
		mu      sync.Mutex
		summary = CycleSummary{Targets: len(s.targets)}
	)

	g := new(errgroup.Group)
	g.SetLimit(s.workers)

	for _, target := range s.targets {
		if ctx.Err() != nil {
			mu.Lock()
			summary.Stopped = true
			mu.Unlock()
			break
		}
		if s.isDisabled(target.Key()) {
			mu.Lock()
			summary.Skipped++
			mu.Unlock()
			continue
		}

		// Go blocks until a worker is free, so the stop signal is checked
		// again once the target actually gets its turn.
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				summary.Stopped = true
				mu.Unlock()
				return nil
			}

			result, err := s.checkTarget(work, target)
			s.record(target, result, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
			} else {
				summary.Succeeded++
			}
			summary.AlertsSent += result.Count(model.DispatchSent)
			summary.AlertsFailed += result.Count(model.DispatchFailed)
			return nil
		})
	}

	_ = g.Wait()
	summary.Duration = time.Since(start)

	s.logger.Info("poll cycle complete",
		"targets", summary.Targets,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"alerts_sent", summary.AlertsSent,
		"alerts_failed", summary.AlertsFailed,
		"duration", summary.Duration.Round(time.Millisecond),
	)

	return summary
}

// Targets returns the configured targets in configuration order.
func (s *PollService) Targets() []model.Target {
	out := make([]model.Target, len(s.targets))
	copy(out, s.targets)
	return out
}

// Statuses returns a snapshot of every target's status in configuration order.
func (s *PollService) Statuses() []model.TargetStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TargetStatus, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, *s.statuses[t.Key()])
	}
	return out
}

func (s *PollService) scheduledCycle(ctx context.Context) {
	summary := s.RunCycle(ctx)
	if s.onCycle != nil {
		s.onCycle(summary)
	}
}

func (s *PollService) handleRefresh(ctx context.Context, key string) (CycleResult, error) {
	target, ok := s.lookup(key)
	if !ok {
		return CycleResult{}, fmt.Errorf("refresh %q: %w", key, ErrUnknownTarget)
	}
	if s.isDisabled(key) {
		return CycleResult{}, fmt.Errorf("refresh %q: %w", key, ErrTargetDisabled)
	}

	s.logger.Info("manual target check requested", "target", key)

	result, err := s.checkTarget(context.WithoutCancel(ctx), target)
	s.record(target, result, err)
	return result, err
}

// checkTarget is the per-target failure boundary: a panic in the checker is
// converted to an error.
func (s *PollService) checkTarget(ctx context.Context, target model.Target) (result CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while checking target",
				"target", target.Key(), "panic", r, "stack", string(debug.Stack()))
			result = CycleResult{Target: target}
			err = fmt.Errorf("panic while checking %s: %v", target.Key(), r)
		}
	}()

	return s.checker.Check(ctx, target)
}

// record folds one check into the target's status and logs failures with the
// target identity and error kind.
func (s *PollService) record(target model.Target, result CycleResult, err error) {
	key := target.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[key]
	st.LastCheckedAt = time.Now()
	st.AlertsSent += result.Count(model.DispatchSent)
	st.AlertsFailed += result.Count(model.DispatchFailed)
	st.IssuesFiltered += result.Count(model.DispatchFiltered)

	if err == nil {
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.LastErrorKind = ""
		st.LastOutcome = model.OutcomeOK
		if result.Initialized {
			st.LastOutcome = model.OutcomeInitialized
		}
		return
	}

	kind := ClassifyError(err)
	st.ConsecutiveFailures++
	st.LastError = err.Error()
	st.LastErrorKind = string(kind)
	st.LastOutcome = model.OutcomeFailed

	switch kind {
	case KindAuth:
		st.Disabled = true
		st.LastOutcome = model.OutcomeDisabled
		s.logger.Error("target disabled for this run", "target", key, "kind", kind, "error", err)
	case KindTransientSource:
		s.logger.Warn("target check failed, retrying next cycle",
			"target", key, "kind", kind, "consecutive_failures", st.ConsecutiveFailures, "error", err)
	default:
		s.logger.Error("target check failed",
			"target", key, "kind", kind, "consecutive_failures", st.ConsecutiveFailures, "error", err)
	}
}

func (s *PollService) isDisabled(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[key]
	return ok && st.Disabled
}

func (s *PollService) lookup(key string) (model.Target, bool) {
	for _, t := range s.targets {
		if t.Key() == key {
			return t, true
		}
	}
	return model.Target{}, false
}
