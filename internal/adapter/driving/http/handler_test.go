package httphandler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	httphandler "github.com/ericfisherdev/issuewatch/internal/adapter/driving/http"
	"github.com/ericfisherdev/issuewatch/internal/application"
	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockWatermarkStore struct {
	marks []model.Watermark
	err   error
}

func (m *mockWatermarkStore) Get(_ context.Context, _ string) (*model.Watermark, error) {
	return nil, nil
}
func (m *mockWatermarkStore) Set(_ context.Context, _ model.Watermark) error { return nil }
func (m *mockWatermarkStore) ListAll(_ context.Context) ([]model.Watermark, error) {
	return m.marks, m.err
}

// checkerFunc adapts a function to application.TargetChecker.
type checkerFunc func(ctx context.Context, target model.Target) (application.CycleResult, error)

func (f checkerFunc) Check(ctx context.Context, target model.Target) (application.CycleResult, error) {
	return f(ctx, target)
}

// --- Test helpers ---

var (
	testTime    = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	testTimeStr = "2026-02-10T12:00:00Z"

	octoRepo = model.Target{Provider: model.ProviderGitHub, FullName: "octo/repo", AuthorFilter: "alice"}
	glProj   = model.Target{Provider: model.ProviderGitLab, FullName: "grp/sub/proj"}
	flaky    = model.Target{Provider: model.ProviderGitHub, FullName: "acme/flaky"}
	revoked  = model.Target{Provider: model.ProviderGitHub, FullName: "acme/revoked"}
)

// testChecker succeeds for most targets, fails acme/flaky with a network
// error and acme/revoked with an auth error.
func testChecker(_ context.Context, target model.Target) (application.CycleResult, error) {
	switch target.Key() {
	case flaky.Key():
		return application.CycleResult{Target: target}, fmt.Errorf("%w: connection reset", driven.ErrNetwork)
	case revoked.Key():
		return application.CycleResult{Target: target}, fmt.Errorf("%w: bad credentials", driven.ErrAuth)
	}

	wm := model.Watermark{TargetKey: target.Key(), LastSeenAt: testTime, LastSeenID: 9}
	return application.CycleResult{
		Target:    target,
		Watermark: &wm,
		Records: []model.AlertRecord{
			{Target: target, Outcome: model.DispatchSent},
			{Target: target, Outcome: model.DispatchSent},
			{Target: target, Outcome: model.DispatchFiltered},
		},
	}, nil
}

// setupMux creates a mux over a PollService that is not running.
func setupMux(store driven.WatermarkStore, targets ...model.Target) (http.Handler, *application.PollService) {
	svc := application.NewPollService(checkerFunc(testChecker), targets, time.Hour, 1, slog.Default())
	h := httphandler.NewHandler(store, svc, slog.Default())
	return httphandler.NewServeMux(h, slog.Default()), svc
}

// setupRunningMux is setupMux with the poll loop started. The first cycle has
// already run against every target.
func setupRunningMux(t *testing.T, store driven.WatermarkStore, targets ...model.Target) http.Handler {
	t.Helper()

	mux, svc := setupMux(store, targets...)
	cycled := make(chan struct{}, 1)
	svc.OnCycle(func(application.CycleSummary) {
		select {
		case cycled <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-cycled:
	case <-time.After(2 * time.Second):
		t.Fatal("first poll cycle did not complete")
	}
	return mux
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	err := json.NewDecoder(rec.Body).Decode(v)
	require.NoError(t, err)
}

// --- Tests ---

func TestHealth(t *testing.T) {
	mux, _ := setupMux(&mockWatermarkStore{}, octoRepo, glProj)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, resp["time"])
	assert.Equal(t, float64(2), resp["targets"])
}

func TestListTargets(t *testing.T) {
	tests := []struct {
		name       string
		store      *mockWatermarkStore
		wantStatus int
		check      func(t *testing.T, resp []map[string]any)
	}{
		{
			name: "targets in config order with watermarks",
			store: &mockWatermarkStore{marks: []model.Watermark{
				{TargetKey: "gitlab:grp/sub/proj", LastSeenAt: testTime, LastSeenID: 77, UpdatedAt: testTime},
			}},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, resp []map[string]any) {
				require.Len(t, resp, 2)

				first := resp[0]
				assert.Equal(t, "octo/repo", first["key"])
				assert.Equal(t, "github", first["provider"])
				assert.Equal(t, "octo/repo", first["repository"])
				assert.Equal(t, "alice", first["author_filter"])
				assert.Equal(t, "never", first["last_outcome"])
				assert.Equal(t, false, first["disabled"])
				assert.Nil(t, first["watermark"])
				assert.NotContains(t, first, "last_checked_at")

				second := resp[1]
				assert.Equal(t, "gitlab:grp/sub/proj", second["key"])
				assert.Equal(t, "gitlab", second["provider"])
				wm, ok := second["watermark"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, testTimeStr, wm["last_seen_at"])
				assert.Equal(t, float64(77), wm["last_seen_id"])
			},
		},
		{
			name:       "store error",
			store:      &mockWatermarkStore{err: errors.New("db fail")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, _ := setupMux(tt.store, octoRepo, glProj)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil)
			rec := httptest.NewRecorder()

			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.check != nil {
				var resp []map[string]any
				decodeJSON(t, rec, &resp)
				tt.check(t, resp)
			}
		})
	}
}

func TestListTargets_ReflectsCycleStatus(t *testing.T) {
	mux := setupRunningMux(t, &mockWatermarkStore{}, octoRepo, flaky, revoked)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []map[string]any
	decodeJSON(t, rec, &resp)
	require.Len(t, resp, 3)

	assert.Equal(t, "ok", resp[0]["last_outcome"])
	assert.Equal(t, float64(2), resp[0]["alerts_sent"])
	assert.Equal(t, float64(1), resp[0]["issues_filtered"])
	assert.NotEmpty(t, resp[0]["last_checked_at"])

	assert.Equal(t, "failed", resp[1]["last_outcome"])
	assert.Equal(t, "transient_source", resp[1]["last_error_kind"])
	assert.Equal(t, float64(1), resp[1]["consecutive_failures"])

	assert.Equal(t, "disabled", resp[2]["last_outcome"])
	assert.Equal(t, true, resp[2]["disabled"])
	assert.Equal(t, "auth", resp[2]["last_error_kind"])
}

func TestCheckTarget(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
		check      func(t *testing.T, resp map[string]any)
	}{
		{
			name:       "github target",
			path:       "/api/v1/targets/check/octo/repo",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "octo/repo", resp["key"])
				assert.Equal(t, float64(2), resp["sent"])
				assert.Equal(t, float64(0), resp["failed"])
				assert.Equal(t, float64(1), resp["filtered"])
				assert.Equal(t, false, resp["initialized"])
				wm, ok := resp["watermark"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, float64(9), wm["last_seen_id"])
			},
		},
		{
			name:       "gitlab target with nested path",
			path:       "/api/v1/targets/check/gitlab:grp/sub/proj",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "gitlab:grp/sub/proj", resp["key"])
			},
		},
		{
			name:       "unknown target",
			path:       "/api/v1/targets/check/nobody/home",
			wantStatus: http.StatusNotFound,
			check: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "target not found", resp["error"])
			},
		},
		{
			name:       "disabled target",
			path:       "/api/v1/targets/check/acme/revoked",
			wantStatus: http.StatusConflict,
		},
		{
			name:       "failing target",
			path:       "/api/v1/targets/check/acme/flaky",
			wantStatus: http.StatusBadGateway,
			check: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "transient_source", resp["kind"])
				assert.Contains(t, resp["error"], "connection reset")
			},
		},
	}

	mux := setupRunningMux(t, &mockWatermarkStore{}, octoRepo, glProj, flaky, revoked)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			rec := httptest.NewRecorder()

			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.check != nil {
				var resp map[string]any
				decodeJSON(t, rec, &resp)
				tt.check(t, resp)
			}
		})
	}
}

func TestCheckTarget_LoopNotRunning(t *testing.T) {
	mux, _ := setupMux(&mockWatermarkStore{}, octoRepo)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets/check/octo/repo", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckTarget_MethodNotAllowed(t *testing.T) {
	mux, _ := setupMux(&mockWatermarkStore{}, octoRepo)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/targets/check/octo/repo", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	// A nil poll service makes the health handler panic.
	h := httphandler.NewHandler(&mockWatermarkStore{}, nil, slog.Default())
	mux := httphandler.NewServeMux(h, slog.Default())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "internal server error", resp["error"])
}
