package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// openAICompatibleChatCompletion posts to {BaseURL}/chat/completions
// using the OpenAI wire schema. Groq, Ollama, and OpenRouter all expose
// this same shape, so the three connectors share one implementation
// rather than each re-marshaling near-identical JSON.
func openAICompatibleChatCompletion(ctx context.Context, client *http.Client, cfg Config, req ChatRequest) (ChatResponse, error) {
	wireReq := openAIWireRequest{
		Model:       modelOnly(req.Model),
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%s: marshal: %w", cfg.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%s: build request: %w", cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%s: request failed: %w", cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, fmt.Errorf("%s: status %d: %s", cfg.Name, resp.StatusCode, string(b))
	}

	var wireResp openAIWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return ChatResponse{}, fmt.Errorf("%s: decode: %w", cfg.Name, err)
	}

	out := ChatResponse{TokensIn: wireResp.Usage.PromptTokens, TokensOut: wireResp.Usage.CompletionTokens}
	if len(wireResp.Choices) > 0 {
		out.Text = wireResp.Choices[0].Message.Content
	}
	return out, nil
}

type openAIWireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIWireResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
