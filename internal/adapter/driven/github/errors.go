package github

import (
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v82/github"

	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

// classifyError wraps err with the driven sentinel matching its cause so the
// application layer can pick a recovery action without knowing go-github.
func classifyError(err error, resp *gh.Response) error {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %w", driven.ErrRateLimit, err)
	}

	status := 0
	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status = errResp.Response.StatusCode
	} else if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", driven.ErrAuth, err)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %w", driven.ErrNotFound, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", driven.ErrRateLimit, err)
	default:
		return fmt.Errorf("%w: %w", driven.ErrNetwork, err)
	}
}
