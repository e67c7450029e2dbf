// Package inference implements the thrifty inference router (C3): a
// cache-first, tiered, rotating, retrying call path to the configured
// LLM providers. Every call is logged to the token ledger — including
// cache hits, which are logged at zero tokens/cost, never skipped.
//
// Grounded on original_source/inference.py's ask()/_ask_with_rotation()
// (tier rotation, per-provider retry with exponential backoff, "all
// providers exhausted" synthesized error string rather than a raised
// exception) and the gateway's routing.Engine for the general shape of
// an ordered, failover-capable routing decision.
package inference

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hexclaw/orchestrator/cache"
	"github.com/hexclaw/orchestrator/config"
	"github.com/hexclaw/orchestrator/ledger"
	"github.com/hexclaw/orchestrator/provider"
	"github.com/rs/zerolog"
)

// Metrics is the subset of admin.Metrics the router updates on every
// recorded call. Declared locally so this package never imports admin.
type Metrics interface {
	AddInferenceCost(cost float64)
}

// Tier selects a rotation list and its per-tier token budget.
type Tier string

const (
	TierHigh Tier = "high"
	TierLow  Tier = "low"
	TierFree Tier = "free"
)

// defaultRotations lists, per tier, the "vendor/model" strings tried in
// order. The first entry is primary; later entries are only tried after
// every retry against an earlier entry is exhausted.
var defaultRotations = map[Tier][]string{
	TierHigh: {
		"gemini/gemini-1.5-pro",
		"openrouter/google/gemini-pro",
		"openrouter/mistralai/mistral-7b-instruct",
	},
	TierLow: {
		"openrouter/mistralai/mistral-7b-instruct",
		"openrouter/mistralai/mistral-7b-instruct:free",
		"openrouter/meta-llama/llama-3-8b-instruct:free",
	},
	TierFree: {
		"openrouter/mistralai/mistral-7b-instruct:free",
		"openrouter/meta-llama/llama-3-8b-instruct:free",
		"groq/llama-3.1-8b-instant",
	},
}

var maxTokensByTier = map[Tier]int{
	TierHigh: 4096,
	TierLow:  2048,
	TierFree: 1024,
}

// Router is the cache-first, tiered, retrying inference entry point.
type Router struct {
	log       zerolog.Logger
	registry  *provider.Registry
	cache     *cache.Engine
	ledger    *ledger.Ledger
	metrics   Metrics // optional
	rotations map[Tier][]string
	maxRetry  int
	backoff   time.Duration
}

func New(cfg *config.Config, log zerolog.Logger, registry *provider.Registry, cacheEngine *cache.Engine, led *ledger.Ledger, metrics Metrics) *Router {
	return &Router{
		log:       log.With().Str("component", "inference").Logger(),
		registry:  registry,
		cache:     cacheEngine,
		ledger:    led,
		metrics:   metrics,
		rotations: defaultRotations,
		maxRetry:  cfg.MaxRetries,
		backoff:   cfg.RetryBackoffBase,
	}
}

// Request is a single-shot prompt at a given tier.
type Request struct {
	Prompt      string
	System      string
	Tier        Tier
	Temperature float64
	MaxTokens   int  // 0 uses the tier default
	SkipCache   bool // forces a live call, bypassing both cache tiers
}

// Ask is the full cache-first, tier-rotating call path. It never
// returns a Go error for provider exhaustion — per the original
// contract, a fully exhausted rotation yields a synthesized
// "[Inference error: ...]" string so callers (skills, planner) can
// always treat the result as text. A returned error here means a true
// programming error (unknown tier), not an inference failure.
func (r *Router) Ask(ctx context.Context, req Request) (string, error) {
	if _, ok := r.rotations[req.Tier]; !ok {
		return "", fmt.Errorf("inference: unknown tier %q", req.Tier)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = maxTokensByTier[req.Tier]
	}

	fullPrompt := req.Prompt
	if req.System != "" {
		fullPrompt = req.System + "\n\n" + req.Prompt
	}

	if !req.SkipCache {
		result, err := r.cache.Check(ctx, fullPrompt)
		if err != nil {
			r.log.Debug().Err(err).Msg("cache check failed, proceeding to live call")
		} else if result.Hit {
			r.recordLedger(ctx, "cache", "cache", 0, 0, 0, true)
			return result.Response, nil
		}
	}

	text, model, tokensIn, tokensOut, cost, err := r.askWithRotation(ctx, req.Tier, fullPrompt, maxTokens, req.Temperature)
	if err != nil {
		r.log.Error().Err(err).Str("tier", string(req.Tier)).Msg("inference exhausted all providers")
		return fmt.Sprintf("[Inference error: %s]", err), nil
	}

	if !req.SkipCache {
		if err := r.cache.Store(ctx, fullPrompt, text); err != nil {
			r.log.Debug().Err(err).Msg("cache store failed")
		}
	}

	providerName := model
	if idx := strings.Index(model, "/"); idx > 0 {
		providerName = model[:idx]
	}
	r.recordLedger(ctx, providerName, model, tokensIn, tokensOut, cost, false)

	return text, nil
}

func (r *Router) recordLedger(ctx context.Context, providerName, model string, tokensIn, tokensOut int, cost float64, cacheHit bool) {
	if r.metrics != nil && cost > 0 {
		r.metrics.AddInferenceCost(cost)
	}
	if r.ledger == nil {
		return
	}
	err := r.ledger.Record(ctx, ledger.Entry{
		Provider: providerName, Model: model, TokensIn: tokensIn, TokensOut: tokensOut,
		CostUSD: cost, CacheHit: cacheHit, CreatedAt: time.Now(),
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("ledger record failed")
	}
}

// askWithRotation tries every model in the tier's rotation list in
// order, retrying each one maxRetry times with exponential backoff
// (base^attempt seconds) before moving to the next model. It returns an
// error only once every model in the rotation has been exhausted.
func (r *Router) askWithRotation(ctx context.Context, tier Tier, prompt string, maxTokens int, temperature float64) (text, model string, tokensIn, tokensOut int, cost float64, err error) {
	rotation := r.rotations[tier]
	var lastErr error

	for _, candidate := range rotation {
		p, perr := r.registry.GetForModel(candidate)
		if perr != nil {
			lastErr = perr
			continue
		}

		for attempt := 0; attempt < r.maxRetry; attempt++ {
			resp, cerr := p.ChatCompletion(ctx, provider.ChatRequest{
				Model:       candidate,
				Messages:    []provider.Message{{Role: "user", Content: prompt}},
				MaxTokens:   maxTokens,
				Temperature: temperature,
			})
			if cerr == nil {
				cost := resp.ProviderCost
				if cost == 0 {
					cost = ledger.EstimateCost(candidate, resp.TokensIn, resp.TokensOut)
				}
				return resp.Text, candidate, resp.TokensIn, resp.TokensOut, cost, nil
			}

			lastErr = cerr
			wait := time.Duration(math.Pow(r.backoff.Seconds(), float64(attempt))) * time.Second
			r.log.Warn().Err(cerr).Str("model", candidate).Int("attempt", attempt+1).Dur("wait", wait).Msg("provider call failed, retrying")

			select {
			case <-ctx.Done():
				return "", "", 0, 0, 0, ctx.Err()
			case <-time.After(wait):
			}
		}
		r.log.Warn().Str("model", candidate).Msg("provider exhausted retries, trying next in rotation")
	}

	return "", "", 0, 0, 0, fmt.Errorf("all providers in tier %q failed: %w", tier, lastErr)
}
