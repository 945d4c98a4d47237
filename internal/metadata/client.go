package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimitAttempts = 3
	rateLimitBackoff  = 2 * time.Second
)

// apiClient is the rate-limited JSON transport shared by the adapters.
// A 429 is retried with exponential backoff before it is reported.
type apiClient struct {
	provider string
	http     *http.Client
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
}

func newAPIClient(provider string, client *http.Client, rps float64, burst int) apiClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return apiClient{
		provider: provider,
		http:     client,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		attempts: rateLimitAttempts,
		backoff:  rateLimitBackoff,
	}
}

// do sends req after waiting for the limiter and decodes a 200 JSON body
// into out. Failures come back as *ProviderError.
func (c apiClient) do(ctx context.Context, op string, req *http.Request, out interface{}) error {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	attempts := c.attempts
	if attempts < 1 {
		attempts = 1
	}
	var resp *http.Response
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return newProviderError(c.provider, op, fmt.Errorf("%w: %v", ErrNetwork, err))
		}
		try := req.WithContext(ctx)
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return newProviderError(c.provider, op, err)
			}
			try.Body = body
		}

		var err error
		resp, err = c.http.Do(try)
		if err != nil {
			return newProviderError(c.provider, op, fmt.Errorf("%w: %v", ErrNetwork, err))
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt+1 >= attempts {
			break
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		wait := c.backoff << uint(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return newProviderError(c.provider, op, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err()))
		case <-timer.C:
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return statusError(c.provider, op, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newProviderError(c.provider, op, fmt.Errorf("%w: decode: %v", ErrServer, err))
	}
	return nil
}

func (c apiClient) getJSON(ctx context.Context, op, url string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return newProviderError(c.provider, op, err)
	}
	return c.do(ctx, op, req, out)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func optInt64(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

func optFloat(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

// yearOf reads the leading four digits of a date string.
func yearOf(date string) *int {
	if len(date) < 4 {
		return nil
	}
	y := 0
	fmt.Sscanf(date[:4], "%d", &y)
	if y <= 0 {
		return nil
	}
	return &y
}
