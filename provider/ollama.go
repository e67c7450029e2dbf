package provider

import (
	"context"
	"net/http"
	"time"
)

const ollamaDefaultBaseURL = "http://localhost:11434/v1"

// OllamaProvider implements Provider against a self-hosted Ollama
// server's OpenAI-compatible endpoint. Local models can be slow to
// load, hence the longer default timeout than the hosted connectors.
type OllamaProvider struct {
	cfg    Config
	client *http.Client
}

func NewOllamaProvider(cfg Config) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ollamaDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &OllamaProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return openAICompatibleChatCompletion(ctx, p.client, p.cfg, req)
}
