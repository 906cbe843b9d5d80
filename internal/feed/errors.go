package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RequestError is a failed remote call: a transport error, a timeout, or a
// non-success HTTP status. Status is 0 when no response was received.
type RequestError struct {
	URL    string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	switch e.Status {
	case 0:
		return fmt.Sprintf("request %s: %v", e.URL, e.Err)
	case http.StatusUnauthorized:
		return fmt.Sprintf("request %s: unauthorized (check credentials)", e.URL)
	case http.StatusForbidden:
		return fmt.Sprintf("request %s: forbidden", e.URL)
	case http.StatusTooManyRequests:
		return fmt.Sprintf("request %s: rate limited", e.URL)
	default:
		return fmt.Sprintf("request %s: unexpected status %d", e.URL, e.Status)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a 429 from the remote.
func IsRateLimited(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Status == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 from the remote.
func IsNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}

// statusError turns a non-2xx response into a RequestError, keeping a short
// body excerpt for the log.
func statusError(url string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	excerpt := strings.TrimSpace(string(body))
	if excerpt == "" {
		excerpt = resp.Status
	}
	return &RequestError{URL: url, Status: resp.StatusCode, Err: errors.New(excerpt)}
}

// wrapTransport turns a transport-level failure into a RequestError.
// Cancellation passes through untouched so callers can swallow it; a
// deadline counts as a network failure like any other timeout.
func wrapTransport(url string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &RequestError{URL: url, Err: err}
}
