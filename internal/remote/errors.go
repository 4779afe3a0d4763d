package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// ErrOffline is returned without touching the network while the monitor reports offline.
var ErrOffline = errors.New("remote: offline")

// StatusError is a non-2xx answer from the remote API.
type StatusError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: remote returned %d", e.Method, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: remote returned %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// Permanent reports whether repeating the request cannot succeed: any 4xx
// except 408 Request Timeout and 429 Too Many Requests.
func (e *StatusError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// RejectedError is a 2xx answer whose body carries "success": false.
type RejectedError struct {
	Method   string
	Endpoint string
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s %s: rejected by remote: %s", e.Method, e.Endpoint, e.Message)
}

// IsPermanent reports whether err is a remote rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// IsNetworkError reports whether err means the remote API could not be reached at all.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
