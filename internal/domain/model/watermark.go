package model

import "time"

// Watermark is the durable marker of the most recent issue already processed
// for a target. It only ever moves forward in (LastSeenAt, LastSeenID) order.
type Watermark struct {
	TargetKey  string
	LastSeenAt time.Time
	LastSeenID int64
	UpdatedAt  time.Time
}

// WatermarkFor returns the watermark positioned at issue.
func WatermarkFor(key string, issue Issue, now time.Time) Watermark {
	return Watermark{
		TargetKey:  key,
		LastSeenAt: issue.CreatedAt.UTC(),
		LastSeenID: issue.ID,
		UpdatedAt:  now.UTC(),
	}
}

// Covers reports whether issue is at or behind the watermark, meaning it was
// already processed.
func (w Watermark) Covers(issue Issue) bool {
	if !issue.CreatedAt.Equal(w.LastSeenAt) {
		return issue.CreatedAt.Before(w.LastSeenAt)
	}
	return issue.ID <= w.LastSeenID
}

// Before reports whether w is strictly older than other.
func (w Watermark) Before(other Watermark) bool {
	if !w.LastSeenAt.Equal(other.LastSeenAt) {
		return w.LastSeenAt.Before(other.LastSeenAt)
	}
	return w.LastSeenID < other.LastSeenID
}
