package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lkarlslund/tokenrelay/pkg/metrics"
)

// Error kinds surfaced by the relay. Match with errors.Is.
var (
	ErrMalformedInput      = errors.New("malformed input")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamStatus      = errors.New("upstream error")
	ErrBadUpstreamResponse = errors.New("bad upstream response")
)

// RelayError is a proxying failure together with the fixed status and body
// the client receives. Err holds the internal cause and is only logged.
type RelayError struct {
	Kind   error
	Status int
	Body   string
	Err    error
}

func (e *RelayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (status %d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("%v (status %d): %v", e.Kind, e.Status, e.Err)
}

func (e *RelayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func malformedInput(body string, cause error) *RelayError {
	return &RelayError{Kind: ErrMalformedInput, Status: http.StatusBadRequest, Body: body, Err: cause}
}

func upstreamUnreachable(body string, cause error) *RelayError {
	return &RelayError{Kind: ErrUpstreamUnreachable, Status: http.StatusBadGateway, Body: body, Err: cause}
}

func badUpstreamResponse(cause error) *RelayError {
	return &RelayError{Kind: ErrBadUpstreamResponse, Status: http.StatusBadGateway, Body: "Invalid response from upstream service", Err: cause}
}

// upstreamStatus keeps the upstream's own status code; the body is fixed so
// nothing from the provider leaks through.
func upstreamStatus(code int) *RelayError {
	return &RelayError{Kind: ErrUpstreamStatus, Status: code, Body: "Upstream service error"}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrMalformedInput):
		return metrics.OutcomeMalformed
	case errors.Is(err, ErrUpstreamUnreachable):
		return metrics.OutcomeUnreachable
	case errors.Is(err, ErrUpstreamStatus):
		return metrics.OutcomeUpstreamError
	case errors.Is(err, ErrBadUpstreamResponse):
		return metrics.OutcomeBadResponse
	default:
		return metrics.OutcomeUnreachable
	}
}

func writeRelayError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	body := "Upstream service error"
	var re *RelayError
	if errors.As(err, &re) {
		status, body = re.Status, re.Body
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
