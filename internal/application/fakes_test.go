package application_test

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// at returns a UTC time sec seconds after the Unix epoch.
func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func issue(sec, id int64, author string) model.Issue {
	return model.Issue{
		ID:        id,
		Number:    int(id),
		Title:     "Issue " + strconv.FormatInt(id, 10),
		Author:    author,
		CreatedAt: at(sec),
		URL:       "https://github.com/octo/repo/issues/" + strconv.FormatInt(id, 10),
	}
}

// --- WatermarkStore ---

// memStore is an in-memory WatermarkStore with the same monotonic guarantee
// as the real stores. history keeps every accepted write per key.
type memStore struct {
	mu      sync.Mutex
	marks   map[string]model.Watermark
	history map[string][]model.Watermark
	getErr  map[string]error
	setErr  error
}

func newMemStore() *memStore {
	return &memStore{
		marks:   map[string]model.Watermark{},
		history: map[string][]model.Watermark{},
		getErr:  map[string]error{},
	}
}

func (s *memStore) seed(key string, sec, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[key] = model.Watermark{TargetKey: key, LastSeenAt: at(sec), LastSeenID: id}
}

func (s *memStore) Get(_ context.Context, key string) (*model.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.getErr[key]; err != nil {
		return nil, err
	}
	wm, ok := s.marks[key]
	if !ok {
		return nil, nil
	}
	return &wm, nil
}

func (s *memStore) Set(_ context.Context, wm model.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setErr != nil {
		return s.setErr
	}
	if cur, ok := s.marks[wm.TargetKey]; ok && wm.Before(cur) {
		return driven.ErrWatermarkRegression
	}
	s.marks[wm.TargetKey] = wm
	s.history[wm.TargetKey] = append(s.history[wm.TargetKey], wm)
	delete(s.getErr, wm.TargetKey)
	return nil
}

func (s *memStore) ListAll(_ context.Context) ([]model.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Watermark, 0, len(s.marks))
	for _, wm := range s.marks {
		out = append(out, wm)
	}
	slices.SortFunc(out, func(a, b model.Watermark) int {
		switch {
		case a.TargetKey < b.TargetKey:
			return -1
		case a.TargetKey > b.TargetKey:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

func (s *memStore) mark(key string) (model.Watermark, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.marks[key]
	return wm, ok
}

// --- IssueSource ---

type sourceReply struct {
	issues []model.Issue
	err    error
}

// fakeSource replays scripted replies per target key, repeating the last one
// once the script runs out. Unscripted targets return no issues.
type fakeSource struct {
	mu      sync.Mutex
	replies map[string][]sourceReply
	last    map[string]sourceReply
	calls   map[string]int
	sinces  map[string][]time.Time
	block   bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		replies: map[string][]sourceReply{},
		last:    map[string]sourceReply{},
		calls:   map[string]int{},
		sinces:  map[string][]time.Time{},
	}
}

func (f *fakeSource) script(key string, replies ...sourceReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[key] = append(f.replies[key], replies...)
}

func (f *fakeSource) ListIssuesCreatedSince(ctx context.Context, target model.Target, since time.Time) ([]model.Issue, error) {
	f.mu.Lock()
	key := target.Key()
	f.calls[key]++
	f.sinces[key] = append(f.sinces[key], since)
	block := f.block

	reply := f.last[key]
	if script := f.replies[key]; len(script) > 0 {
		reply = script[0]
		f.replies[key] = script[1:]
		f.last[key] = reply
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return slices.Clone(reply.issues), reply.err
}

func (f *fakeSource) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// --- Notifier ---

var issueNumberRe = regexp.MustCompile(`Issue #(\d+):`)

// fakeNotifier records every message. failFor makes sends of the listed issue
// numbers fail.
type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	failFor  map[int]error
}

func (n *fakeNotifier) Send(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if m := issueNumberRe.FindStringSubmatch(message); m != nil {
		num, _ := strconv.Atoi(m[1])
		if err := n.failFor[num]; err != nil {
			return err
		}
	}
	n.messages = append(n.messages, message)
	return nil
}

// sent returns the issue numbers of successfully delivered messages in order.
func (n *fakeNotifier) sent() []int {
	n.mu.Lock()
	defer n.mu.Unlock()

	nums := make([]int, 0, len(n.messages))
	for _, msg := range n.messages {
		if m := issueNumberRe.FindStringSubmatch(msg); m != nil {
			num, _ := strconv.Atoi(m[1])
			nums = append(nums, num)
		}
	}
	return nums
}
