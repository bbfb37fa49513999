package devserver

import (
	"errors"
	"fmt"
)

// ConnectionError means the dev server could not be reached at all.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to dev server at %s: is the dev server running?", e.URL)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RequestError is a non-2xx response from the dev server.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// IsConnectionError reports whether err was caused by an unreachable server.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// DescribeError turns a client error into the message shown to the user.
func DescribeError(err error) string {
	if err == nil {
		return ""
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Error()
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return fmt.Sprintf("dev server request failed: %s", reqErr.Error())
	}
	return err.Error()
}
