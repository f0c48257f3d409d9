package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober checks a component's health endpoint and maps the response to a
// level.
//
//go:generate mockgen -source=prober.go -destination=mocks/prober.go -package=mocks
type Prober interface {
	Probe(ctx context.Context, url string) (Level, error)
}

// HTTPProber probes components over HTTP GET. The endpoint is expected to
// return JSON with a "status" field; non-2xx responses and transport
// errors map to Unhealthy without failing the sampler.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) (Level, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Unhealthy, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Unhealthy, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Unhealthy, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Unhealthy, fmt.Errorf("read probe response: %w", err)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Status == "" {
		// A 200 with an unparseable body still proves the listener is up.
		return Healthy, nil
	}
	return ParseLevel(payload.Status), nil
}
