package driven

import (
	"context"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
)

// WatermarkStore defines the driven port for durable per-target watermarks.
// Implementations must survive process restarts and apply each Set
// atomically.
type WatermarkStore interface {
	// Get returns the watermark stored for key. Returns nil, nil if none
	// exists. Returns an error wrapping ErrCorruptWatermark if the stored
	// value cannot be decoded; other keys remain readable.
	Get(ctx context.Context, key string) (*model.Watermark, error)

	// Set stores wm under wm.TargetKey. Returns ErrWatermarkRegression if wm
	// is older than the stored watermark, which is left untouched.
	Set(ctx context.Context, wm model.Watermark) error

	// ListAll returns every readable watermark ordered by key.
	ListAll(ctx context.Context) ([]model.Watermark, error)
}
