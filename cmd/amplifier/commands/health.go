package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/amplifier-ai/runtime/pkg/client"
)

const healthTimeout = 10 * time.Second

// runHealth probes a running server and exits 0 when healthy, 1 otherwise.
func runHealth() error {
	url := flagHealthURL
	if url == "" {
		url = fmt.Sprintf("http://%s:%d/health", flagHost, flagPort)
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	if err := client.WaitHealthy(ctx, url, healthTimeout); err != nil {
		return &ExitError{Code: 1, Err: fmt.Errorf("health check failed: %w", err)}
	}
	fmt.Println("ok")
	return nil
}
