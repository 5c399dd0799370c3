package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultSendTimeout  = 10 * time.Second
)

// MonitorConfig bounds the blocking calls a Monitor makes.
type MonitorConfig struct {
	FetchTimeout time.Duration
	SendTimeout  time.Duration
}

// CycleResult describes one Check of one target.
type CycleResult struct {
	Target model.Target
	// Initialized is set when the target had no usable watermark and this
	// cycle only recorded the starting position.
	Initialized bool
	Records     []model.AlertRecord
	// Watermark is the position after the cycle. Nil when the cycle failed
	// before one could be established.
	Watermark *model.Watermark
}

// Count returns how many records ended with outcome.
func (r CycleResult) Count(outcome model.DispatchOutcome) int {
	n := 0
	for _, rec := range r.Records {
		if rec.Outcome == outcome {
			n++
		}
	}
	return n
}

// Monitor turns the new issues of one target into alerts and advances the
// target's watermark. It holds no per-target state; everything durable lives
// in the WatermarkStore, so any Monitor over the same store resumes where the
// previous one stopped.
type Monitor struct {
	source   driven.IssueSource
	notifier driven.Notifier
	store    driven.WatermarkStore
	cfg      MonitorConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor creates a Monitor. Non-positive timeouts fall back to 30s for
// fetches and 10s for sends.
func NewMonitor(
	source driven.IssueSource,
	notifier driven.Notifier,
	store driven.WatermarkStore,
	cfg MonitorConfig,
	logger *slog.Logger,
) *Monitor {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	return &Monitor{
		source:   source,
		notifier: notifier,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Check runs one cycle for target.
//
// A target seen for the first time (or whose stored watermark is unreadable)
// is positioned at the current time and alerts nothing. Otherwise every issue
// strictly after the watermark is handled in (CreatedAt, ID) order: issues
// from other authors are skipped, the rest are sent one at a time. The
// watermark then moves to the last fetched issue whether it was sent, failed
// or filtered, so a broken message can never stall the target.
//
// A source failure returns the error with the watermark untouched. A failed
// watermark write returns an error wrapping driven.ErrStateStore.
func (m *Monitor) Check(ctx context.Context, target model.Target) (CycleResult, error) {
	key := target.Key()
	result := CycleResult{Target: target}

	wm, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("watermark unreadable, treating target as new",
			"target", key, "kind", ClassifyError(err), "error", err)
		wm = nil
	}

	if wm == nil {
		now := m.now().UTC()
		// Providers report creation times at whole seconds; an issue opened in
		// the current second must still sort after the initial watermark.
		since := now.Truncate(time.Second)
		start := model.Watermark{TargetKey: key, LastSeenAt: since, LastSeenID: 0, UpdatedAt: now}
		if err := m.store.Set(ctx, start); err != nil {
			return result, fmt.Errorf("%w: initialize watermark for %s: %w", driven.ErrStateStore, key, err)
		}

		m.logger.Info("target initialized, existing issues will not alert", "target", key, "since", since)
		result.Initialized = true
		result.Watermark = &start
		return result, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	issues, err := m.source.ListIssuesCreatedSince(fetchCtx, target, wm.LastSeenAt)
	cancel()
	if err != nil {
		return result, fmt.Errorf("fetch issues for %s: %w", key, err)
	}

	candidates := newIssuesAfter(*wm, issues)
	result.Watermark = wm

	for _, issue := range candidates {
		result.Records = append(result.Records, m.dispatch(ctx, target, issue))
	}

	if len(candidates) == 0 {
		m.logger.Debug("no new issues", "target", key)
		return result, nil
	}

	next := model.WatermarkFor(key, candidates[len(candidates)-1], m.now())
	if err := m.store.Set(ctx, next); err != nil {
		return result, fmt.Errorf("%w: advance watermark for %s: %w", driven.ErrStateStore, key, err)
	}
	result.Watermark = &next

	m.logger.Info("target checked",
		"target", key,
		"new_issues", len(candidates),
		"sent", result.Count(model.DispatchSent),
		"failed", result.Count(model.DispatchFailed),
		"filtered", result.Count(model.DispatchFiltered),
	)

	return result, nil
}

// dispatch applies the author filter and sends one issue.
func (m *Monitor) dispatch(ctx context.Context, target model.Target, issue model.Issue) model.AlertRecord {
	rec := model.AlertRecord{Issue: issue, Target: target}

	if !target.MatchesAuthor(issue.Author) {
		m.logger.Debug("issue filtered by author",
			"target", target.Key(), "issue", issue.Number, "author", issue.Author)
		rec.Outcome = model.DispatchFiltered
		return rec
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	err := m.notifier.Send(sendCtx, FormatIssueAlert(target, issue))
	cancel()

	if err != nil {
		if !errors.Is(err, driven.ErrDelivery) {
			err = fmt.Errorf("%w: %w", driven.ErrDelivery, err)
		}
		m.logger.Error("alert delivery failed",
			"target", target.Key(), "issue", issue.Number, "kind", ClassifyError(err), "error", err)
		rec.Outcome = model.DispatchFailed
		rec.Err = err
		return rec
	}

	m.logger.Info("alert sent", "target", target.Key(), "issue", issue.Number, "author", issue.Author)
	rec.Outcome = model.DispatchSent
	return rec
}

// newIssuesAfter keeps the issues strictly after wm, drops repeated ids and
// sorts the rest by (CreatedAt, ID).
func newIssuesAfter(wm model.Watermark, issues []model.Issue) []model.Issue {
	seen := make(map[int64]bool, len(issues))
	out := make([]model.Issue, 0, len(issues))

	for _, issue := range issues {
		if wm.Covers(issue) || seen[issue.ID] {
			continue
		}
		seen[issue.ID] = true
		out = append(out, issue)
	}

	slices.SortFunc(out, func(a, b model.Issue) int {
		switch {
		case model.IssueBefore(a, b):
			return -1
		case model.IssueBefore(b, a):
			return 1
		default:
			return 0
		}
	})

	return out
}
