package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultHealthTimeout bounds how long WaitHealthy retries before giving up.
const DefaultHealthTimeout = 30 * time.Second

// CheckHealth performs a single probe against the server's /health endpoint.
func CheckHealth(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: health check returned %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls the health endpoint with exponential backoff until it
// answers 200, the timeout elapses, or ctx ends.
func WaitHealthy(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		return CheckHealth(ctx, url)
	}, backoff.WithContext(policy, ctx))
}
