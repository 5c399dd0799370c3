// Package driven defines secondary port interfaces for external adapters.
package driven

import "errors"

// Sentinel errors wrapped by IssueSource implementations. Adapters wrap both
// the sentinel and the underlying cause so callers can use errors.Is on either.
var (
	// ErrAuth indicates invalid or insufficient credentials for a repository.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimit indicates the provider throttled the request.
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrNetwork indicates a transport failure, timeout or provider-side error.
	ErrNetwork = errors.New("network error")

	// ErrNotFound indicates the repository is missing or was renamed.
	ErrNotFound = errors.New("repository not found")
)

// ErrDelivery is wrapped by Notifier implementations when a message could not
// be delivered.
var ErrDelivery = errors.New("delivery failed")

// Sentinel errors returned by WatermarkStore implementations.
var (
	// ErrStateStore indicates the store could not be read or written.
	ErrStateStore = errors.New("state store failure")

	// ErrCorruptWatermark indicates a stored watermark exists but cannot be decoded.
	ErrCorruptWatermark = errors.New("corrupt watermark")

	// ErrWatermarkRegression indicates a write that would move a watermark backwards.
	ErrWatermarkRegression = errors.New("watermark regression")
)
