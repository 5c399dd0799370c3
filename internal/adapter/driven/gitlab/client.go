// Package gitlab implements the IssueSource port for GitLab projects.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.IssueSource = (*Client)(nil)

const (
	perPage        = 100
	defaultBaseURL = "https://gitlab.com"
)

// Client lists project issues through the GitLab REST API.
type Client struct {
	gl    *gitlab.Client
	state *string
}

// NewClient creates a client for the GitLab instance at instanceURL (the
// public gitlab.com when empty). issueState "open" lists opened issues only,
// anything else lists every state.
func NewClient(token, instanceURL, issueState string, opts ...gitlab.ClientOptionFunc) (*Client, error) {
	if instanceURL == "" {
		instanceURL = defaultBaseURL
	}
	apiURL := strings.TrimSuffix(instanceURL, "/") + "/api/v4"

	client, err := gitlab.NewClient(token, append([]gitlab.ClientOptionFunc{gitlab.WithBaseURL(apiURL)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	var state *string
	if issueState == "open" {
		state = gitlab.Ptr("opened")
	}

	return &Client{gl: client, state: state}, nil
}

// ListIssuesCreatedSince returns the project's issues created at or after
// since, newest first. created_after is inclusive on the server; older issues
// are filtered again here so a lenient instance cannot leak them through.
func (c *Client) ListIssuesCreatedSince(ctx context.Context, target model.Target, since time.Time) ([]model.Issue, error) {
	if !strings.Contains(target.FullName, "/") {
		return nil, fmt.Errorf("invalid project path %q: expected group/project", target.FullName)
	}

	opts := &gitlab.ListProjectIssuesOptions{
		ListOptions: gitlab.ListOptions{
			Page:    1,
			PerPage: perPage,
		},
		State:        c.state,
		CreatedAfter: gitlab.Ptr(since),
		OrderBy:      gitlab.Ptr("created_at"),
		Sort:         gitlab.Ptr("desc"),
	}

	issues := []model.Issue{}

	for {
		page, resp, err := c.gl.Issues.ListProjectIssues(target.FullName, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing issues for %s (page %d): %w", target.FullName, opts.Page, classifyError(err, resp))
		}

		slog.Debug("gitlab api call", "project", target.FullName, "page", opts.Page, "count", len(page))

		for _, issue := range page {
			if issue == nil || issue.CreatedAt == nil || issue.CreatedAt.Before(since) {
				continue
			}
			issues = append(issues, mapIssue(issue))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return issues, nil
}

// CurrentUser returns the username the token authenticates as.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	user, resp, err := c.gl.Users.CurrentUser(gitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetching current user: %w", classifyError(err, resp))
	}
	return user.Username, nil
}

func mapIssue(issue *gitlab.Issue) model.Issue {
	var author string
	if issue.Author != nil {
		author = issue.Author.Username
	}

	return model.Issue{
		ID:        int64(issue.ID),
		Number:    int(issue.IID),
		Title:     issue.Title,
		Author:    author,
		CreatedAt: issue.CreatedAt.UTC(),
		URL:       issue.WebURL,
		Body:      issue.Description,
		Labels:    append([]string{}, issue.Labels...),
	}
}

func classifyError(err error, resp *gitlab.Response) error {
	status := 0
	var errResp *gitlab.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status = errResp.Response.StatusCode
	} else if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", driven.ErrAuth, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", driven.ErrNotFound, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", driven.ErrRateLimit, err)
	default:
		return fmt.Errorf("%w: %w", driven.ErrNetwork, err)
	}
}
