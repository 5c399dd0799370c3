package application

import (
	"fmt"
	"html"
	"strings"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
)

const (
	maxAlertLabels     = 5
	maxDescriptionRune = 300
)

// FormatIssueAlert renders the Telegram HTML message for a new issue. Every
// piece of user-controlled text is escaped.
func FormatIssueAlert(target model.Target, issue model.Issue) string {
	var b strings.Builder

	b.WriteString("🔔 <b>New Issue Opened</b>\n\n")
	fmt.Fprintf(&b, "<b>Repository:</b> <code>%s</code>\n", html.EscapeString(target.FullName))
	fmt.Fprintf(&b, "<b>Author:</b> %s\n", html.EscapeString(issue.Author))
	fmt.Fprintf(&b, "<b>Issue #%d:</b> %s\n", issue.Number, html.EscapeString(issue.Title))

	if tags := labelTags(issue.Labels); tags != "" {
		fmt.Fprintf(&b, "<b>Labels:</b> %s\n", tags)
	}

	if excerpt := plainExcerpt(issue.Body, maxDescriptionRune); excerpt != "" {
		fmt.Fprintf(&b, "\n<b>Description:</b>\n%s\n", html.EscapeString(excerpt))
	}

	fmt.Fprintf(&b, "\n🔗 <a href=\"%s\"><b>View Issue →</b></a>", html.EscapeString(issue.URL))

	return b.String()
}

// labelTags renders up to maxAlertLabels labels as Telegram hashtags.
func labelTags(labels []string) string {
	tags := make([]string, 0, maxAlertLabels)
	for _, l := range labels {
		l = strings.Join(strings.Fields(l), "_")
		if l == "" {
			continue
		}
		tags = append(tags, "#"+html.EscapeString(l))
		if len(tags) == maxAlertLabels {
			break
		}
	}
	return strings.Join(tags, " ")
}
