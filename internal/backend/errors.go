package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

// transientStatus reports HTTP statuses that signal a temporarily
// unavailable service
func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// statusError is produced by StatusTransport for transient statuses
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend responded %s", e.status)
}

// StatusTransport turns transient HTTP statuses into transport errors.
//
// Some client libraries report an error body without its status code, which
// would make "server busy" indistinguishable from "bad request". Failing the
// round trip keeps the status visible to classification.
type StatusTransport struct {
	base http.RoundTripper
}

// NewStatusTransport wraps base, or http.DefaultTransport when nil
func NewStatusTransport(base http.RoundTripper) *StatusTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &StatusTransport{base: base}
}

// RoundTrip implements http.RoundTripper
func (t *StatusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if transientStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode, status: resp.Status}
	}
	return resp, nil
}

// classify maps a client error onto the backend error kinds.
// code is the HTTP status the client library reported, or 0.
func classify(op string, code int, err error) error {
	if err == nil {
		return nil
	}

	var be *generation.BackendError
	if errors.As(err, &be) {
		return err
	}

	var se *statusError
	if errors.As(err, &se) {
		code = se.code
	}

	kind := generation.ErrBackend
	switch {
	case code != 0 && transientStatus(code):
		kind = generation.ErrBackendUnavailable
	case code != 0:
		kind = generation.ErrBackend
	case isTransportError(err):
		kind = generation.ErrBackendUnavailable
	}

	return &generation.BackendError{
		Kind:       kind,
		StatusCode: code,
		Message:    op + ": " + err.Error(),
		Err:        err,
	}
}

// isTransportError reports failures that happened before a response arrived
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
