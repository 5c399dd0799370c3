package application

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.IssueSource = (*SourceRouter)(nil)

// SourceRouter dispatches issue queries to the source registered for the
// target's provider. Targets without a provider are GitHub targets.
type SourceRouter struct {
	sources map[model.Provider]driven.IssueSource
}

// NewSourceRouter creates an empty router.
func NewSourceRouter() *SourceRouter {
	return &SourceRouter{sources: make(map[model.Provider]driven.IssueSource)}
}

// Register sets the source used for provider. It is not safe to call once
// polling has started.
func (r *SourceRouter) Register(provider model.Provider, source driven.IssueSource) {
	r.sources[provider] = source
}

// ListIssuesCreatedSince forwards to the provider's source. A provider with no
// registered source fails with ErrAuth since no credentials exist for it.
func (r *SourceRouter) ListIssuesCreatedSince(ctx context.Context, target model.Target, since time.Time) ([]model.Issue, error) {
	provider := target.Provider
	if provider == "" {
		provider = model.ProviderGitHub
	}

	source, ok := r.sources[provider]
	if !ok {
		return nil, fmt.Errorf("no issue source configured for provider %q: %w", provider, driven.ErrAuth)
	}

	return source.ListIssuesCreatedSince(ctx, target, since)
}
