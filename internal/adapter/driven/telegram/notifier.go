// Package telegram implements the Notifier port on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*Notifier)(nil)

// Options tunes delivery. Zero values fall back to the defaults below.
type Options struct {
	// APIURL overrides the Bot API endpoint (self-hosted Bot API servers, tests).
	APIURL string
	// HTTPClient is used for every Bot API call. Its timeout bounds a single send.
	HTTPClient *http.Client
	// RatePerSecond paces outgoing messages.
	RatePerSecond float64
	Attempts      uint
	Delay         time.Duration
	MaxDelay      time.Duration
}

const (
	defaultAttempts = 3
	defaultDelay    = time.Second
	defaultMaxDelay = 30 * time.Second
	defaultTimeout  = 10 * time.Second
)

// chat addresses either a numeric chat id or an "@channel" username.
type chat string

func (c chat) Recipient() string { return string(c) }

// Notifier sends alert messages to a single Telegram chat.
type Notifier struct {
	bot     *tele.Bot
	chat    chat
	limiter *rate.Limiter
	opts    Options
	logger  *slog.Logger
}

// New connects to the Bot API. tele.NewBot calls getMe, so a bad token or an
// unreachable API fails here rather than on the first alert.
func New(token, chatID string, opts Options, logger *slog.Logger) (*Notifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("telegram chat id is empty")
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Attempts == 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = defaultDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}

	settings := tele.Settings{
		Token:  token,
		Client: opts.HTTPClient,
	}
	if opts.APIURL != "" {
		settings.URL = strings.TrimSuffix(opts.APIURL, "/")
	}

	b, err := tele.NewBot(settings)
	if err != nil {
		if isUnauthorized(err) {
			return nil, fmt.Errorf("connecting to telegram: %w: %w", driven.ErrAuth, err)
		}
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}

	return &Notifier{
		bot:     b,
		chat:    chat(strings.TrimSpace(chatID)),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		opts:    opts,
		logger:  logger,
	}, nil
}

// BotUsername returns the username reported by getMe.
func (n *Notifier) BotUsername() string {
	if n.bot.Me == nil {
		return ""
	}
	return n.bot.Me.Username
}

// Send delivers an HTML message. Flood control, server-side failures and
// connection failures are retried a bounded number of times; anything that
// may have reached Telegram fails immediately, so an alert is never posted
// twice. Every
// failure wraps driven.ErrDelivery.
func (n *Notifier) Send(ctx context.Context, message string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: waiting for send slot: %w", driven.ErrDelivery, err)
	}

	err := retry.Do(
		func() error {
			_, err := n.bot.Send(n.chat, message, &tele.SendOptions{
				ParseMode:             tele.ModeHTML,
				DisableWebPagePreview: true,
			})
			if err == nil {
				return nil
			}
			if !retryable(err) {
				return retry.Unrecoverable(err)
			}

			var flood *tele.FloodError
			if errors.As(err, &flood) && flood.RetryAfter > 0 {
				wait := min(time.Duration(flood.RetryAfter)*time.Second, n.opts.MaxDelay)
				select {
				case <-ctx.Done():
					return retry.Unrecoverable(ctx.Err())
				case <-time.After(wait):
				}
			}
			return err
		},
		retry.Attempts(n.opts.Attempts),
		retry.Delay(n.opts.Delay),
		retry.MaxDelay(n.opts.MaxDelay),
		retry.MaxJitter(n.opts.Delay/2),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			n.logger.Warn("retrying telegram send", "attempt", attempt, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", driven.ErrDelivery, err)
	}

	return nil
}

// apiStatus matches the "(code)" suffix telebot puts on Bot API errors it
// does not map to a typed error.
var apiStatus = regexp.MustCompile(`\((\d{3})\)$`)

// retryable reports whether a send failure may be retried without risking a
// second copy of the message. Bot API 429/5xx answers qualify, as do dial and
// DNS failures where the request never left. Any other transport error is
// permanent because Telegram may already have posted the message.
func retryable(err error) bool {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return true
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.Code)
	}

	if m := apiStatus.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return retryableStatus(code)
	}
	if strings.Contains(strings.ToLower(err.Error()), "too many requests") {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func isUnauthorized(err error) bool {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusUnauthorized
	}
	return strings.Contains(strings.ToLower(err.Error()), "unauthorized")
}
