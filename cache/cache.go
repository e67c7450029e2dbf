// Package cache implements HexClaw's two-tier inference cache: an exact
// hash match tier for prompts that are identical once surrounding
// whitespace is trimmed and letters are lowercased, and a semantic tier that
// matches prompts above a cosine-similarity threshold. Both tiers are
// backed by Redis and degrade to a pure no-op whenever the backing store
// is unavailable — a cache miss is always a safe outcome, never an
// error a caller has to handle specially.
//
// Grounded on the gateway's caching.Engine (exact-index + similarity
// search + TTL + eviction shape) generalized to the two-Redis-database,
// FIFO-eviction, promotion-on-semantic-hit contract the original
// Python implementation defines.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hexclaw/orchestrator/config"
	"github.com/hexclaw/orchestrator/redisclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const semIndexKey = "hexclaw:sem:index"

// EmbeddingFunc produces an embedding vector for a prompt. Callers may
// wire a real backend; Engine defaults to the deterministic trigram
// fallback when none is supplied.
type EmbeddingFunc func(ctx context.Context, text string) ([]float64, error)

// Result describes the outcome of a Check call.
type Result struct {
	Hit        bool
	Response   string
	Similarity float64
	Source     string // "exact" or "semantic"
}

// Stats reports cumulative counters since process start.
type Stats struct {
	Hits      int64
	Misses    int64
	Stores    int64
	Evictions int64
}

// Engine is the two-tier cache. A nil *redisclient.Client (Redis
// unreachable at startup) makes every operation a no-op: Check always
// misses, Store always succeeds without doing anything.
type Engine struct {
	log zerolog.Logger
	rc  *redisclient.Client

	exactTTL    time.Duration
	semanticTTL time.Duration
	threshold   float64
	maxEntries  int
	dim         int
	embedFn     EmbeddingFunc

	hits, misses, stores, evictions int64
}

// New builds the cache engine from configuration. rc may be nil.
func New(cfg *config.Config, rc *redisclient.Client, log zerolog.Logger, embedFn EmbeddingFunc) *Engine {
	e := &Engine{
		log:         log.With().Str("component", "cache").Logger(),
		rc:          rc,
		exactTTL:    cfg.CacheExactTTL,
		semanticTTL: cfg.CacheSemanticTTL,
		threshold:   cfg.CacheSemanticThresh,
		maxEntries:  cfg.CacheSemanticMaxEntry,
		dim:         cfg.CacheEmbedDim,
		embedFn:     embedFn,
	}
	if e.embedFn == nil {
		dim := e.dim
		e.embedFn = func(_ context.Context, text string) ([]float64, error) {
			return ngramEmbed(text, dim), nil
		}
	}
	return e
}

// Enabled reports whether the cache has a live Redis backing store.
func (e *Engine) Enabled() bool { return e.rc != nil }

// Check looks up prompt in the exact tier first, then the semantic tier.
// A semantic hit is promoted into the exact tier so the next identical
// request is a fast exact hit.
func (e *Engine) Check(ctx context.Context, prompt string) (Result, error) {
	if e.rc == nil {
		atomic.AddInt64(&e.misses, 1)
		return Result{}, nil
	}

	hash := hashPrompt(normalizePrompt(prompt))
	exactKey := "exact:" + hash

	if resp, err := e.rc.Exact.Get(ctx, exactKey).Result(); err == nil {
		atomic.AddInt64(&e.hits, 1)
		return Result{Hit: true, Response: resp, Similarity: 1.0, Source: "exact"}, nil
	} else if err != redis.Nil {
		e.log.Warn().Err(err).Msg("exact cache get failed")
	}

	embedding, err := e.embedFn(ctx, prompt)
	if err != nil {
		atomic.AddInt64(&e.misses, 1)
		e.log.Debug().Err(err).Msg("embedding failed, treating as miss")
		return Result{}, nil
	}

	ids, err := e.rc.Semantic.LRange(ctx, semIndexKey, 0, -1).Result()
	if err != nil {
		atomic.AddInt64(&e.misses, 1)
		return Result{}, nil
	}

	var bestID string
	var bestSim float64
	var bestResponse string
	for _, id := range ids {
		fields, err := e.rc.Semantic.HGetAll(ctx, "sem:embed:"+id).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		var vec []float64
		if err := json.Unmarshal([]byte(fields["vec"]), &vec); err != nil {
			continue
		}
		sim := cosineSimilarity(embedding, vec)
		if sim > bestSim {
			bestSim = sim
			bestID = id
			bestResponse = fields["response"]
		}
	}

	if bestID != "" && bestSim >= e.threshold {
		atomic.AddInt64(&e.hits, 1)
		// Promote into the exact tier so a repeat of this prompt (same
		// text after trimming and lowercasing) is a fast-path hit next time.
		if err := e.rc.Exact.Set(ctx, exactKey, bestResponse, e.exactTTL).Err(); err != nil {
			e.log.Debug().Err(err).Msg("promotion to exact tier failed")
		}
		return Result{Hit: true, Response: bestResponse, Similarity: bestSim, Source: "semantic"}, nil
	}

	atomic.AddInt64(&e.misses, 1)
	return Result{Similarity: bestSim}, nil
}

// Store writes prompt/response into both tiers. Semantic tier eviction
// is strict FIFO by insertion order (oldest id popped from the head of
// the index list), never by recency of use.
func (e *Engine) Store(ctx context.Context, prompt, response string) error {
	if e.rc == nil {
		return nil
	}

	hash := hashPrompt(normalizePrompt(prompt))
	exactKey := "exact:" + hash
	if err := e.rc.Exact.Set(ctx, exactKey, response, e.exactTTL).Err(); err != nil {
		return fmt.Errorf("exact store: %w", err)
	}

	embedding, err := e.embedFn(ctx, prompt)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	vecJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	id := hash[:16]
	entryKey := "sem:embed:" + id
	pipe := e.rc.Semantic.TxPipeline()
	pipe.HSet(ctx, entryKey, map[string]interface{}{
		"vec":      string(vecJSON),
		"response": response,
		"prompt":   prompt,
	})
	pipe.Expire(ctx, entryKey, e.semanticTTL)
	pipe.RPush(ctx, semIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("semantic store: %w", err)
	}

	atomic.AddInt64(&e.stores, 1)

	if n, err := e.rc.Semantic.LLen(ctx, semIndexKey).Result(); err == nil && int(n) > e.maxEntries {
		oldest, err := e.rc.Semantic.LPop(ctx, semIndexKey).Result()
		if err == nil && oldest != "" {
			e.rc.Semantic.Del(ctx, "sem:embed:"+oldest)
			atomic.AddInt64(&e.evictions, 1)
		}
	}

	return nil
}

// FlushExact deletes every key in the exact tier's database.
func (e *Engine) FlushExact(ctx context.Context) error {
	if e.rc == nil {
		return nil
	}
	return e.rc.Exact.FlushDB(ctx).Err()
}

// FlushSemantic deletes every key in the semantic tier's database.
func (e *Engine) FlushSemantic(ctx context.Context) error {
	if e.rc == nil {
		return nil
	}
	return e.rc.Semantic.FlushDB(ctx).Err()
}

// Snapshot returns cumulative counters.
func (e *Engine) Snapshot() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&e.hits),
		Misses:    atomic.LoadInt64(&e.misses),
		Stores:    atomic.LoadInt64(&e.stores),
		Evictions: atomic.LoadInt64(&e.evictions),
	}
}

func normalizePrompt(prompt string) string {
	return strings.ToLower(strings.TrimSpace(prompt))
}

func hashPrompt(prompt string) string {
	h := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(h[:])
}
