package provider

import (
	"context"
	"net/http"
	"time"
)

const openrouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider implements Provider against OpenRouter's
// OpenAI-compatible API. This is the workhorse connector for the low
// and free tiers — OpenRouter fronts dozens of third-party models
// (including free ones, suffixed ":free" in the model string) behind a
// single key and a single wire format.
type OpenRouterProvider struct {
	cfg    Config
	client *http.Client
}

func NewOpenRouterProvider(cfg Config) *OpenRouterProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openrouterBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &OpenRouterProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

func (p *OpenRouterProvider) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return openAICompatibleChatCompletion(ctx, p.client, p.cfg, req)
}
