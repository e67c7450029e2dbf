// Package toolserver is a thin client for the external tool-execution
// server the dispatcher POSTs to. It is deliberately built on bare
// net/http rather than a third-party HTTP client — the teacher's own
// provider connectors (see provider/openai_compatible.go) use the same
// idiom for "POST JSON, read JSON back", and there is no HTTP client
// library anywhere in the pack that would add anything here.
//
// Grounded on spec.md §6's "Tool server (downstream)" contract: POST to
// <base>/<endpoint>, JSON body/response, a `success` boolean at
// minimum, a non-200/non-success response becomes the caller's problem
// to treat as a soft failure.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is the generic shape every tool server endpoint returns.
// Unknown/tool-specific fields are preserved in Raw for adapters that
// need more than the conventional nested fields.
type Response struct {
	Success        bool             `json:"success"`
	Subdomains     []string         `json:"subdomains,omitempty"`
	OpenPorts      []any            `json:"open_ports,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`
	Error          string           `json:"error,omitempty"`
	Raw            json.RawMessage  `json:"-"`
}

// Vulnerability is the conventional nested shape for vuln-producing tools.
type Vulnerability struct {
	Severity string `json:"severity"`
	Template string `json:"template"`
	Detail   string `json:"detail"`
}

// Client POSTs tool invocations to the external tool server.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Invoke POSTs body to <base>/<endpoint> and decodes the JSON response.
// A transport error or non-200 status is returned as an error — the
// caller (the dispatcher) is responsible for treating that as a soft
// step failure rather than propagating it, per spec.md §7.
func (c *Client) Invoke(ctx context.Context, endpoint string, body map[string]any) (Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("toolserver: marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("toolserver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("toolserver: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("toolserver: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("toolserver: %s returned status %d: %s", endpoint, resp.StatusCode, string(raw))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("toolserver: decode response: %w", err)
	}
	out.Raw = raw

	if !out.Success {
		return out, fmt.Errorf("toolserver: %s reported success=false", endpoint)
	}
	return out, nil
}
