// Package github implements the IssueSource port using the go-github library.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.IssueSource = (*Client)(nil)

const perPage = 100

// Client implements the driven.IssueSource port for GitHub repositories.
type Client struct {
	gh         *gh.Client
	issueState string
}

// NewClient creates a GitHub API client with the following transport stack:
//  1. httpcache (ETag-based conditional requests; 304s do not count against the rate limit)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (REST client, PAT auth when token is non-empty)
//
// issueState is passed to the issues listing ("open" or "all").
func NewClient(token, issueState string) *Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &Client{
		gh:         client,
		issueState: issueState,
	}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, token, issueState string) (*Client, error) {
	client := gh.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	return &Client{
		gh:         client,
		issueState: issueState,
	}, nil
}

// ListIssuesCreatedSince lists the target's issues newest first and stops
// paginating once a page reaches issues created before since. The API's
// "since" parameter is not sent: it filters on update time, and keeping it
// out of the query string leaves the first page URL constant per repository,
// so the cache transport keeps one entry per target and unchanged repositories
// are answered with 304. Pull requests returned by the issues endpoint are
// skipped.
func (c *Client) ListIssuesCreatedSince(ctx context.Context, target model.Target, since time.Time) ([]model.Issue, error) {
	owner, repo, err := splitRepo(target.FullName)
	if err != nil {
		return nil, err
	}

	opts := &gh.IssueListByRepoOptions{
		State:     c.issueState,
		Sort:      "created",
		Direction: "desc",
		ListOptions: gh.ListOptions{
			PerPage: perPage,
		},
	}

	issues := []model.Issue{}

	for {
		page, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing issues for %s (page %d): %w", target.FullName, opts.Page, classifyError(err, resp))
		}

		logRateLimit(resp, target.FullName, opts.Page, len(page))

		reachedOlder := false
		for _, issue := range page {
			created := issue.GetCreatedAt().Time
			if created.Before(since) {
				reachedOlder = true
				continue
			}
			if issue.IsPullRequest() {
				continue
			}
			issues = append(issues, mapIssue(issue))
		}

		if reachedOlder || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return issues, nil
}

// TokenInfo describes the authenticated identity behind a token.
type TokenInfo struct {
	Login         string
	Scopes        []string
	RateLimit     int
	RateRemaining int
}

// HasScope reports whether the token carries the named OAuth scope.
func (t TokenInfo) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ValidateToken fetches the authenticated user. Scopes come from the
// X-OAuth-Scopes header, which fine-grained tokens leave empty.
func (c *Client) ValidateToken(ctx context.Context) (*TokenInfo, error) {
	user, resp, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("validating token: %w", classifyError(err, resp))
	}

	info := &TokenInfo{Login: user.GetLogin()}
	if header := resp.Header.Get("X-OAuth-Scopes"); header != "" {
		for _, scope := range strings.Split(header, ",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				info.Scopes = append(info.Scopes, scope)
			}
		}
	}
	info.RateLimit = resp.Rate.Limit
	info.RateRemaining = resp.Rate.Remaining

	return info, nil
}

// CheckRepoAccess reports whether the repository is reachable with the
// configured credentials and whether it is private.
func (c *Client) CheckRepoAccess(ctx context.Context, fullName string) (bool, error) {
	owner, repo, err := splitRepo(fullName)
	if err != nil {
		return false, err
	}

	r, resp, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return false, fmt.Errorf("checking access to %s: %w", fullName, classifyError(err, resp))
	}

	return r.GetPrivate(), nil
}

// logRateLimit records the rate limit state after an API call and warns when
// it runs low.
func logRateLimit(resp *gh.Response, endpoint string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"endpoint", endpoint,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}

// mapIssue converts a go-github Issue to a domain model Issue.
// It uses GetXxx() helper methods exclusively to avoid nil pointer panics.
func mapIssue(issue *gh.Issue) model.Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}

	return model.Issue{
		ID:        issue.GetID(),
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Author:    issue.GetUser().GetLogin(),
		CreatedAt: issue.GetCreatedAt().UTC(),
		URL:       issue.GetHTMLURL(),
		Body:      issue.GetBody(),
		Labels:    labels,
	}
}

// splitRepo splits a "owner/repo" string into its two components.
func splitRepo(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
