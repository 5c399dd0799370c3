package application

import (
	"context"
	"errors"

	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

// ErrorKind classifies a per-target failure so the orchestrator can choose a
// recovery action and operators can tell failures apart in logs.
type ErrorKind string

const (
	// KindTransientSource covers network failures, timeouts and rate limits
	// on the issue source. The target is retried on the next tick.
	KindTransientSource ErrorKind = "transient_source"
	// KindNotFound means the repository is missing or renamed. Retried every
	// tick so a restored repository recovers without a restart.
	KindNotFound ErrorKind = "not_found"
	// KindAuth disables the target for the rest of the run.
	KindAuth ErrorKind = "auth"
	// KindDelivery is a notifier failure for a single issue.
	KindDelivery ErrorKind = "delivery"
	// KindStateStore is a watermark read or write failure.
	KindStateStore ErrorKind = "state_store"
	KindUnknown    ErrorKind = "unknown"
)

// ClassifyError maps err onto an ErrorKind using the driven sentinels.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, driven.ErrAuth):
		return KindAuth
	case errors.Is(err, driven.ErrStateStore),
		errors.Is(err, driven.ErrCorruptWatermark),
		errors.Is(err, driven.ErrWatermarkRegression):
		return KindStateStore
	case errors.Is(err, driven.ErrNotFound):
		return KindNotFound
	case errors.Is(err, driven.ErrRateLimit),
		errors.Is(err, driven.ErrNetwork),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransientSource
	case errors.Is(err, driven.ErrDelivery):
		return KindDelivery
	default:
		return KindUnknown
	}
}
