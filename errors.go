package tweetwatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// APIError is a non-2xx response from the Twitter API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Title      string
	Detail     string

	// ResetAt is when the rate limit window resets, taken from the
	// x-rate-limit-reset header. Zero if the header was absent.
	ResetAt time.Time
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("twitter API %d: %s (url: %s)", e.StatusCode, msg, e.Endpoint)
}

// newAPIError builds an APIError from a failed response and its body.
func newAPIError(endpoint string, resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
	}
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &problem) == nil {
		apiErr.Title = problem.Title
		apiErr.Detail = problem.Detail
		if apiErr.Detail == "" && len(problem.Errors) > 0 {
			apiErr.Detail = problem.Errors[0].Message
		}
	} else {
		apiErr.Detail = truncate(string(body), 200)
	}
	if v := resp.Header.Get("x-rate-limit-reset"); v != "" {
		apiErr.ResetAt = parseRateLimitReset(v)
	}
	return apiErr
}

// parseRateLimitReset parses the x-rate-limit-reset unix timestamp header.
// Returns the zero time if the value is not a timestamp.
func parseRateLimitReset(v string) time.Time {
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRateLimited reports whether err is an HTTP 429 from the API.
func IsRateLimited(err error) bool {
	return statusOf(err) == http.StatusTooManyRequests
}

// IsUnauthorized reports whether err is an HTTP 401, meaning the bearer
// token is missing, revoked or malformed.
func IsUnauthorized(err error) bool {
	return statusOf(err) == http.StatusUnauthorized
}

// IsForbidden reports whether err is an HTTP 403. The API answers this way
// when the app's access level does not include the endpoint.
func IsForbidden(err error) bool {
	return statusOf(err) == http.StatusForbidden
}

// IsBadRequest reports whether err is an HTTP 400. Recent search answers
// this way for an invalid query, and for a since_id older than its window.
func IsBadRequest(err error) bool {
	return statusOf(err) == http.StatusBadRequest
}

// IsFatal reports whether retrying after err cannot succeed without an
// operator changing the query, credentials or plan.
func IsFatal(err error) bool {
	return IsUnauthorized(err) || IsForbidden(err) || IsBadRequest(err)
}

// rateLimitWait returns how long until the rate limit window in err resets,
// or zero if unknown or already passed.
func rateLimitWait(err error, now time.Time) time.Duration {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ResetAt.IsZero() {
		return 0
	}
	if d := apiErr.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
