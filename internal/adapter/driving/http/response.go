package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/issuewatch/internal/application"
	"github.com/ericfisherdev/issuewatch/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HealthResponse is the JSON representation of a health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Time    string `json:"time"`
	Targets int    `json:"targets"`
}

// WatermarkResponse is the JSON representation of a stored watermark.
type WatermarkResponse struct {
	LastSeenAt string `json:"last_seen_at"`
	LastSeenID int64  `json:"last_seen_id"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// TargetResponse is the JSON representation of a target's runtime status.
type TargetResponse struct {
	Key                 string             `json:"key"`
	Provider            string             `json:"provider"`
	Repository          string             `json:"repository"`
	AuthorFilter        string             `json:"author_filter,omitempty"`
	LastCheckedAt       string             `json:"last_checked_at,omitempty"`
	LastOutcome         string             `json:"last_outcome"`
	LastError           string             `json:"last_error,omitempty"`
	LastErrorKind       string             `json:"last_error_kind,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Disabled            bool               `json:"disabled"`
	AlertsSent          int                `json:"alerts_sent"`
	AlertsFailed        int                `json:"alerts_failed"`
	IssuesFiltered      int                `json:"issues_filtered"`
	Watermark           *WatermarkResponse `json:"watermark"`
}

// CheckResponse is the JSON representation of a manual target check.
type CheckResponse struct {
	Key         string             `json:"key"`
	Initialized bool               `json:"initialized"`
	Sent        int                `json:"sent"`
	Failed      int                `json:"failed"`
	Filtered    int                `json:"filtered"`
	Watermark   *WatermarkResponse `json:"watermark"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toWatermarkResponse(wm *model.Watermark) *WatermarkResponse {
	if wm == nil {
		return nil
	}
	return &WatermarkResponse{
		LastSeenAt: formatTime(wm.LastSeenAt),
		LastSeenID: wm.LastSeenID,
		UpdatedAt:  formatTime(wm.UpdatedAt),
	}
}

func toTargetResponse(st model.TargetStatus, wm *model.Watermark) TargetResponse {
	provider := st.Target.Provider
	if provider == "" {
		provider = model.ProviderGitHub
	}

	return TargetResponse{
		Key:                 st.Target.Key(),
		Provider:            string(provider),
		Repository:          st.Target.FullName,
		AuthorFilter:        st.Target.AuthorFilter,
		LastCheckedAt:       formatTime(st.LastCheckedAt),
		LastOutcome:         string(st.LastOutcome),
		LastError:           st.LastError,
		LastErrorKind:       st.LastErrorKind,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Disabled:            st.Disabled,
		AlertsSent:          st.AlertsSent,
		AlertsFailed:        st.AlertsFailed,
		IssuesFiltered:      st.IssuesFiltered,
		Watermark:           toWatermarkResponse(wm),
	}
}

func toCheckResponse(res application.CycleResult) CheckResponse {
	return CheckResponse{
		Key:         res.Target.Key(),
		Initialized: res.Initialized,
		Sent:        res.Count(model.DispatchSent),
		Failed:      res.Count(model.DispatchFailed),
		Filtered:    res.Count(model.DispatchFiltered),
		Watermark:   toWatermarkResponse(res.Watermark),
	}
}
