// Package provider defines the LLM connector abstraction and registry
// used by the inference router. Each entry in a rotation tier names a
// "vendor/model" string (the same convention the original LiteLLM-backed
// implementation uses); Registry resolves that string to a concrete
// Provider via DetectProvider.
//
// Grounded on the gateway's provider.Provider/Registry/DetectProvider,
// trimmed from the gateway's full streaming+embeddings+health-check
// surface down to the single blocking ChatCompletion call the
// orchestrator's router actually needs — HexClaw never streams a
// response to an end user and never proxies a public API, so the
// teacher's Stream/HTTPStream/HealthPoller machinery has no caller here.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a single-shot, non-streaming completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the provider's reply plus token accounting the router
// needs for the ledger.
type ChatResponse struct {
	Text         string
	TokensIn     int
	TokensOut    int
	ProviderCost float64 // 0 when the provider doesn't report cost; router falls back to the static table
}

// Provider is the interface every LLM connector implements.
type Provider interface {
	Name() string
	ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Config holds connector construction parameters.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Registry holds every configured connector, keyed by vendor name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// GetForModel resolves a "vendor/model" rotation-list string to a
// registered connector.
func (r *Registry) GetForModel(model string) (Provider, error) {
	vendor := DetectProvider(model)
	p, ok := r.Get(vendor)
	if !ok {
		return nil, fmt.Errorf("provider %q not registered for model %q", vendor, model)
	}
	return p, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// DetectProvider maps a "vendor/model" rotation-list entry to the
// connector name that should serve it. Vendor prefixes are matched
// before falling back to substring detection on the model name itself,
// since HexClaw's rotation lists are "vendor/model" strings, not bare
// model names.
func DetectProvider(model string) string {
	m := strings.ToLower(model)
	if idx := strings.Index(m, "/"); idx > 0 {
		vendor := m[:idx]
		switch vendor {
		case "gemini", "google":
			return "gemini"
		case "openrouter":
			return "openrouter"
		case "groq":
			return "groq"
		case "ollama":
			return "ollama"
		}
	}
	switch {
	case strings.Contains(m, "gemini"):
		return "gemini"
	case strings.Contains(m, "llama"), strings.Contains(m, "mixtral"), strings.Contains(m, "mistral"):
		return "openrouter"
	}
	return "unknown"
}
