package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowmesh/orchestrator/flow"
)

func TestHTTPProberSucceedsOnReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("expected /health, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"agent_id":"a","version":"1.0","ready":true,"agent_type":"processor"}`))
	}))
	defer srv.Close()

	p := NewHTTPProber()
	rec := flow.AgentRecord{AgentID: "a", Endpoint: srv.URL + "/execute"}
	if err := p.Probe(context.Background(), rec); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestHTTPProberFailsWhenNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"agent_id":"a","ready":false}`))
	}))
	defer srv.Close()

	p := NewHTTPProber()
	rec := flow.AgentRecord{AgentID: "a", Endpoint: srv.URL}
	if err := p.Probe(context.Background(), rec); err == nil {
		t.Fatal("expected error for ready=false")
	}
}

func TestHTTPProberFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProber()
	rec := flow.AgentRecord{AgentID: "a", Endpoint: srv.URL}
	if err := p.Probe(context.Background(), rec); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestHealthURLDerivation(t *testing.T) {
	cases := map[string]string{
		"http://agents.local/summarizer/execute": "http://agents.local/summarizer/health",
		"http://agents.local/summarizer":         "http://agents.local/summarizer/health",
		"http://agents.local/summarizer/":        "http://agents.local/summarizer/health",
	}
	for in, want := range cases {
		if got := healthURL(in); got != want {
			t.Errorf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}
