package model

import "strings"

// Provider identifies the issue tracker hosting a target repository.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// Target is a configured repository to monitor plus an optional author
// filter. Targets are read-only for the lifetime of a run.
type Target struct {
	Provider     Provider
	FullName     string // "owner/name" on GitHub, "group/sub/project" on GitLab.
	AuthorFilter string
}

// Key returns the identifier the watermark store uses for this target.
// GitHub targets keep the bare "owner/name" form; other providers are
// prefixed so identical paths on different hosts never share a watermark.
func (t Target) Key() string {
	if t.Provider == "" || t.Provider == ProviderGitHub {
		return t.FullName
	}
	return string(t.Provider) + ":" + t.FullName
}

// Owner returns everything before the last slash of FullName.
func (t Target) Owner() string {
	i := strings.LastIndex(t.FullName, "/")
	if i < 0 {
		return ""
	}
	return t.FullName[:i]
}

// Name returns the final path segment of FullName.
func (t Target) Name() string {
	return t.FullName[strings.LastIndex(t.FullName, "/")+1:]
}

// MatchesAuthor reports whether an issue by author should alert. The match is
// exact and case-sensitive; an empty filter matches every author.
func (t Target) MatchesAuthor(author string) bool {
	return t.AuthorFilter == "" || t.AuthorFilter == author
}
