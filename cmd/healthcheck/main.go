// Command healthcheck probes the client's diagnostics /healthz endpoint and
// exits non-zero when it is unreachable or unhealthy.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if err := probe(context.Background(), healthURL(os.Getenv("DIAG_ADDR"))); err != nil {
		log.Printf("healthcheck failed: %v", err)
		os.Exit(1)
	}
}

// healthURL turns a listen address such as ":9090" into a probe URL.
func healthURL(addr string) string {
	if addr == "" {
		addr = "localhost:9090"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}

func probe(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "unexpected status " + http.StatusText(e.code) }
