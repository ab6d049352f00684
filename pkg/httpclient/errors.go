package httpclient

import (
	"errors"
	"fmt"
)

// maxErrorBody bounds the upstream body kept on a StatusError.
const maxErrorBody = 2048

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// NewStatusError captures resp as a StatusError.
func NewStatusError(method, url string, resp *Response) *StatusError {
	body := string(resp.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: body}
}

// StatusCodeOf returns the upstream status of a StatusError anywhere in err's chain, or 0.
func StatusCodeOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsSuccessStatus returns true if the status code indicates success
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsRetryableStatus returns true if the status code indicates a retryable error
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRateLimitStatus returns true if the status code indicates rate limiting
func IsRateLimitStatus(statusCode int) bool {
	return statusCode == 429
}
