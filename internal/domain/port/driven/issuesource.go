package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
)

// IssueSource defines the driven port for listing a repository's issues.
type IssueSource interface {
	// ListIssuesCreatedSince returns issues of the target created at or after
	// since, in any order. Failures wrap ErrAuth, ErrRateLimit, ErrNetwork or
	// ErrNotFound.
	ListIssuesCreatedSince(ctx context.Context, target model.Target, since time.Time) ([]model.Issue, error)
}
