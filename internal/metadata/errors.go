package metadata

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrRateLimited   = errors.New("provider rate limit reached")
	ErrNotFound      = errors.New("not found at provider")
	ErrNetwork       = errors.New("provider unreachable")
	ErrServer        = errors.New("provider server error")
	ErrUnauthorized  = errors.New("provider rejected credentials")
	ErrNotConfigured = errors.New("provider API key not configured")
)

// ProviderError carries which provider and call failed. Err is one of the
// sentinels above, possibly wrapping the transport error.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %v (status %d)", e.Provider, e.Op, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func newProviderError(provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// statusError maps a non-2xx HTTP status to a typed provider error.
func statusError(provider, op string, status int) error {
	var kind error
	switch {
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrUnauthorized
	case status >= 500:
		kind = ErrServer
	default:
		kind = fmt.Errorf("unexpected status %d", status)
	}
	return &ProviderError{Provider: provider, Op: op, StatusCode: status, Err: kind}
}

// Outcome names an error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotConfigured):
		return "unauthorized"
	}
	return "error"
}
