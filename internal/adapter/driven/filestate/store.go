// Package filestate implements the WatermarkStore port as a single JSON
// document replaced atomically on every write.
package filestate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.WatermarkStore = (*Store)(nil)

const fileVersion = 1

// document is the on-disk layout. Entries stay raw until looked up so that one
// undecodable entry only affects its own key.
type document struct {
	Version int                        `json:"version"`
	Targets map[string]json.RawMessage `json:"targets"`
}

type entry struct {
	LastSeenAt time.Time `json:"last_seen_at"`
	LastSeenID int64     `json:"last_seen_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store keeps all watermarks in one file. Writes go through a temp file and
// rename, so readers and a crash mid-write only ever see a complete document.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a Store for the file at path. The file is created on first Set.
func New(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Get returns the watermark for key, or nil, nil if none is stored.
func (s *Store) Get(_ context.Context, key string) (*model.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	raw, ok := doc.Targets[key]
	if !ok {
		return nil, nil
	}

	return decodeEntry(key, raw)
}

// Set stores wm unless it is older than the current entry for the same key.
func (s *Store) Set(_ context.Context, wm model.Watermark) error {
	if wm.TargetKey == "" {
		return fmt.Errorf("set watermark: empty target key: %w", driven.ErrStateStore)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if errors.Is(err, driven.ErrCorruptWatermark) {
		s.logger.Warn("state file unreadable, rewriting from scratch", "path", s.path, "error", err)
		doc = &document{Version: fileVersion, Targets: map[string]json.RawMessage{}}
	} else if err != nil {
		return err
	}

	if raw, ok := doc.Targets[wm.TargetKey]; ok {
		current, err := decodeEntry(wm.TargetKey, raw)
		if err == nil && wm.Before(*current) {
			return fmt.Errorf("set watermark %s: %w", wm.TargetKey, driven.ErrWatermarkRegression)
		}
	}

	updatedAt := wm.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	raw, err := json.Marshal(entry{
		LastSeenAt: wm.LastSeenAt.UTC(),
		LastSeenID: wm.LastSeenID,
		UpdatedAt:  updatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode watermark %s: %w: %w", wm.TargetKey, driven.ErrStateStore, err)
	}
	doc.Targets[wm.TargetKey] = raw

	return s.save(doc)
}

// ListAll returns every decodable watermark ordered by key.
func (s *Store) ListAll(_ context.Context) ([]model.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(doc.Targets))
	for key := range doc.Targets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	marks := make([]model.Watermark, 0, len(keys))
	for _, key := range keys {
		wm, err := decodeEntry(key, doc.Targets[key])
		if err != nil {
			s.logger.Warn("skipping unreadable watermark entry", "target", key, "error", err)
			continue
		}
		marks = append(marks, *wm)
	}

	return marks, nil
}

// load reads the document. A missing file is an empty document.
func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &document{Version: fileVersion, Targets: map[string]json.RawMessage{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w: %w", s.path, driven.ErrStateStore, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w: %w", s.path, driven.ErrCorruptWatermark, err)
	}
	if doc.Targets == nil {
		doc.Targets = map[string]json.RawMessage{}
	}

	return &doc, nil
}

func (s *Store) save(doc *document) error {
	doc.Version = fileVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w: %w", driven.ErrStateStore, err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w: %w", driven.ErrStateStore, err)
		}
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write state file %s: %w: %w", s.path, driven.ErrStateStore, err)
	}

	return nil
}

func decodeEntry(key string, raw json.RawMessage) (*model.Watermark, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("watermark %s: %w: %w", key, driven.ErrCorruptWatermark, err)
	}
	if e.LastSeenAt.IsZero() || e.LastSeenID < 0 {
		return nil, fmt.Errorf("watermark %s: %w: missing position", key, driven.ErrCorruptWatermark)
	}

	return &model.Watermark{
		TargetKey:  key,
		LastSeenAt: e.LastSeenAt.UTC(),
		LastSeenID: e.LastSeenID,
		UpdatedAt:  e.UpdatedAt.UTC(),
	}, nil
}
