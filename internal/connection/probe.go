package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Prober checks that the backend is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber issues GET <base>/health and expects a 2xx answer.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func NewHTTPProber(baseURL string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{URL: strings.TrimRight(baseURL, "/") + "/health", Client: client}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}
