package model

import "time"

// Issue is a newly created issue as reported by an issue source. Issues are
// immutable once fetched and live for a single poll cycle.
type Issue struct {
	ID        int64 // Provider-wide unique id; tie-breaker for equal CreatedAt.
	Number    int
	Title     string
	Author    string
	CreatedAt time.Time
	URL       string
	Body      string
	Labels    []string
}

// IssueBefore reports whether a sorts before b in (CreatedAt, ID) order.
func IssueBefore(a, b Issue) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
