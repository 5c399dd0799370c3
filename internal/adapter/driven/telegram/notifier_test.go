package telegram_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/issuewatch/internal/adapter/driven/telegram"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

const testToken = "123:abc"

type apiReply struct {
	status int
	body   string
}

const okMessage = `{"ok":true,"result":{"message_id":5,"date":1772400000,"chat":{"id":-100,"type":"group"},"text":"hi"}}`

// fakeBotAPI serves getMe and replays the scripted sendMessage replies, repeating
// the last one once the script runs out.
type fakeBotAPI struct {
	mu      sync.Mutex
	replies []apiReply
	sends   []map[string]any
	getMe   apiReply
	// stall delays the first sendMessage response after it was recorded.
	stall time.Duration
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.HasSuffix(r.URL.Path, "/bot"+testToken+"/getMe"):
		reply := f.getMe
		if reply.body == "" {
			reply = apiReply{status: http.StatusOK, body: `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Watch","username":"watch_bot"}}`}
		}
		w.WriteHeader(reply.status)
		_, _ = io.WriteString(w, reply.body)
	case strings.HasSuffix(r.URL.Path, "/bot"+testToken+"/sendMessage"):
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)

		f.mu.Lock()
		f.sends = append(f.sends, params)
		stall := time.Duration(0)
		if len(f.sends) == 1 {
			stall = f.stall
		}
		reply := apiReply{status: http.StatusOK, body: okMessage}
		if len(f.replies) > 0 {
			reply = f.replies[0]
			if len(f.replies) > 1 {
				f.replies = f.replies[1:]
			}
		}
		f.mu.Unlock()

		if stall > 0 {
			select {
			case <-time.After(stall):
			case <-r.Context().Done():
			}
		}

		w.WriteHeader(reply.status)
		_, _ = io.WriteString(w, reply.body)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (f *fakeBotAPI) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func newNotifier(t *testing.T, api *fakeBotAPI) *telegram.Notifier {
	t.Helper()

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	n, err := telegram.New(testToken, "-100", telegram.Options{
		APIURL:        server.URL,
		HTTPClient:    server.Client(),
		RatePerSecond: 1000,
		Attempts:      3,
		Delay:         time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return n
}

func TestNew_ReportsBotIdentity(t *testing.T) {
	n := newNotifier(t, &fakeBotAPI{})
	assert.Equal(t, "watch_bot", n.BotUsername())
}

func TestNew_RejectsBadToken(t *testing.T) {
	api := &fakeBotAPI{getMe: apiReply{
		status: http.StatusUnauthorized,
		body:   `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
	}}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	_, err := telegram.New(testToken, "-100", telegram.Options{APIURL: server.URL, HTTPClient: server.Client()},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestNew_RequiresSettings(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := telegram.New("", "-100", telegram.Options{}, logger)
	assert.Error(t, err)

	_, err = telegram.New(testToken, " ", telegram.Options{}, logger)
	assert.Error(t, err)
}

func TestSend_UsesHTMLToConfiguredChat(t *testing.T) {
	api := &fakeBotAPI{}
	n := newNotifier(t, api)

	require.NoError(t, n.Send(context.Background(), "<b>hello</b>"))

	require.Equal(t, 1, api.sendCount())
	sent := api.sends[0]
	assert.Equal(t, "-100", sent["chat_id"])
	assert.Equal(t, "<b>hello</b>", sent["text"])
	assert.Equal(t, "HTML", sent["parse_mode"])
}

func TestSend_RetriesServerErrors(t *testing.T) {
	api := &fakeBotAPI{replies: []apiReply{
		{status: http.StatusInternalServerError, body: `{"ok":false,"error_code":500,"description":"Internal Server Error"}`},
		{status: http.StatusOK, body: okMessage},
	}}
	n := newNotifier(t, api)

	require.NoError(t, n.Send(context.Background(), "retry me"))
	assert.Equal(t, 2, api.sendCount())
}

func TestSend_RetriesFloodControl(t *testing.T) {
	api := &fakeBotAPI{replies: []apiReply{
		{status: http.StatusTooManyRequests, body: `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`},
		{status: http.StatusOK, body: okMessage},
	}}
	n := newNotifier(t, api)

	require.NoError(t, n.Send(context.Background(), "slow down"))
	assert.Equal(t, 2, api.sendCount())
}

func TestSend_PermanentFailureNotRetried(t *testing.T) {
	api := &fakeBotAPI{replies: []apiReply{
		{status: http.StatusBadRequest, body: `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`},
	}}
	n := newNotifier(t, api)

	err := n.Send(context.Background(), "nobody home")

	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrDelivery)
	assert.Equal(t, 1, api.sendCount())
}

func TestSend_GivesUpAfterAttempts(t *testing.T) {
	api := &fakeBotAPI{replies: []apiReply{
		{status: http.StatusBadGateway, body: `{"ok":false,"error_code":502,"description":"Bad Gateway"}`},
	}}
	n := newNotifier(t, api)

	err := n.Send(context.Background(), "down")

	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrDelivery)
	assert.Equal(t, 3, api.sendCount())
}

func TestSend_CancelledContext(t *testing.T) {
	n := newNotifier(t, &fakeBotAPI{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, n.Send(ctx, "never"), driven.ErrDelivery)
}

func TestSend_TimeoutAfterDeliveryNotRetried(t *testing.T) {
	api := &fakeBotAPI{stall: 300 * time.Millisecond}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	n, err := telegram.New(testToken, "-100", telegram.Options{
		APIURL:        server.URL,
		HTTPClient:    &http.Client{Timeout: 100 * time.Millisecond},
		RatePerSecond: 1000,
		Attempts:      3,
		Delay:         time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	err = n.Send(context.Background(), "posted once")

	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrDelivery)
	assert.Equal(t, 1, api.sendCount(), "a send that may have been posted must not be repeated")
}
