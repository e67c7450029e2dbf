package provider

import (
	"context"
	"net/http"
	"time"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// GroqProvider implements Provider against Groq's OpenAI-compatible
// chat completions endpoint. Several Groq models are free-tier, which
// the ledger's static pricing table (not this connector) accounts for.
type GroqProvider struct {
	cfg    Config
	client *http.Client
}

func NewGroqProvider(cfg Config) *GroqProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = groqBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &GroqProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *GroqProvider) Name() string { return "groq" }

func (p *GroqProvider) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return openAICompatibleChatCompletion(ctx, p.client, p.cfg, req)
}
