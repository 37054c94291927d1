package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowmesh/orchestrator/flow"
)

// healthResponse mirrors the GET /health contract: any non-200
// status, a malformed body, or ready=false is an unhealthy probe.
type healthResponse struct {
	AgentID      string   `json:"agent_id"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Ready        bool     `json:"ready"`
	AgentType    string   `json:"agent_type"`
}

// probeTimeout bounds a single health check; it is deliberately shorter
// than a node dispatch timeout since health probes run on a fixed
// background schedule and must not pile up against a slow agent.
const probeTimeout = 5 * time.Second

// HTTPProber implements graph/registry.Prober over the agent HTTP
// contract's GET /health endpoint. It is the production Prober;
// registry tests substitute a fake that needs no network.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns an HTTPProber using its own short-lived client,
// independent of the Proxy's dispatch client, since a hung agent
// probe must never consume a dispatch concurrency slot.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{client: &http.Client{Timeout: probeTimeout}}
}

// healthURL derives the agent's health-check endpoint from its
// registered Endpoint. Dispatch treats Endpoint as the agent's
// /execute URL directly, so the health URL swaps that suffix for
// /health, falling back to appending /health when no such suffix is
// present.
func healthURL(endpoint string) string {
	if strings.HasSuffix(endpoint, "/execute") {
		return strings.TrimSuffix(endpoint, "/execute") + "/health"
	}
	return strings.TrimRight(endpoint, "/") + "/health"
}

// Probe performs a best-effort GET of rec's /health endpoint. A
// non-2xx response, a malformed body, or a ready=false field is
// reported as an error so the registry's consecutive-failure counter
// advances.
func (p *HTTPProber) Probe(ctx context.Context, rec flow.AgentRecord) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(rec.Endpoint), nil)
	if err != nil {
		return fmt.Errorf("proxy: build health probe request: %w", err)
	}
	if rec.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rec.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy: health probe: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("proxy: read health probe response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("proxy: health probe returned http %d", resp.StatusCode)
	}

	var h healthResponse
	if err := json.Unmarshal(body, &h); err != nil {
		return fmt.Errorf("proxy: health probe returned invalid JSON: %w", err)
	}
	if !h.Ready {
		return fmt.Errorf("proxy: agent reports not ready")
	}
	return nil
}
