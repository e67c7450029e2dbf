package artifact

import (
	"context"
	"regexp"
	"strings"

	"github.com/hexclaw/orchestrator/cache"
	"github.com/hexclaw/orchestrator/inference"
)

// schemaContext is injected as the system prompt so the LLM knows which
// views/tables exist. Kept close to the original's wording since that's
// what the model was prompted with.
const schemaContext = `You have access to the following tables (via the artifact store), exposed as view "data" per artifact:
  subs(subdomain TEXT)   -- from subdomain enumeration
  ports(port TEXT)       -- from port scanning
  vulns(severity TEXT, title TEXT, detail TEXT)  -- from vulnerability scanning

Respond with ONE valid SQL query only. No prose, no Markdown fences.
If the question cannot be answered with SQL, reply: UNSUPPORTED`

// prebuiltSQL holds canonical SQL for frequently asked questions so they
// never spend an inference token. Matched as a substring against the
// normalised question, same as the original's _PREBUILT_SQL dict.
var prebuiltSQL = map[string]string{
	"how many critical vulns": "SELECT COUNT(*) AS critical_vulns FROM data WHERE severity = 'critical'",
	"how many high vulns":     "SELECT COUNT(*) AS high_vulns FROM data WHERE severity = 'high'",
	"top 10 vulns":            "SELECT severity, title, COUNT(*) AS n FROM data GROUP BY severity, title ORDER BY n DESC LIMIT 10",
	"vuln summary":            "SELECT severity, COUNT(*) AS n FROM data GROUP BY severity ORDER BY n DESC",
	"how many subdomains":     "SELECT COUNT(*) AS total_subdomains FROM data",
}

var punctuationRE = regexp.MustCompile(`[^a-z0-9 ]`)

func normaliseQuestion(q string) string {
	lower := strings.ToLower(q)
	return strings.TrimSpace(punctuationRE.ReplaceAllString(lower, ""))
}

// Answer is the result of resolving a natural-language question to SQL
// and (optionally) executing it.
type Answer struct {
	Question string
	SQL      string
	Source   string // "prebuilt" | "cache" | "llm" | "error"
	Rows     []Record
	Error    string
}

// TextToSQL converts natural-language analytics questions into SQL run
// against a job's artifacts, spending inference tokens only when
// neither the prebuilt table nor the cache already has an answer.
//
// Grounded on original_source/data.py's TextToSQL: prebuilt exact match
// first (0 tokens), then cache (0 tokens on hit), then LLM generation
// at the low tier, with the result's SQL also cached so repeat
// questions about the same thing never hit the LLM twice.
type TextToSQL struct {
	store *Store
	cache *cache.Engine
	infer *inference.Router
}

func NewTextToSQL(store *Store, cacheEngine *cache.Engine, router *inference.Router) *TextToSQL {
	return &TextToSQL{store: store, cache: cacheEngine, infer: router}
}

// Answer resolves question to SQL and, unless execute is false, runs it
// against artifact's per-job view.
func (t *TextToSQL) Answer(ctx context.Context, question, jobID, artifactName string, execute bool) Answer {
	sql, source := t.resolveSQL(ctx, question)

	if sql == "UNSUPPORTED" {
		return Answer{Question: question, SQL: sql, Source: source, Error: "question cannot be answered with available SQL tables"}
	}
	if !execute {
		return Answer{Question: question, SQL: sql, Source: source}
	}

	rows, err := t.store.Query(ctx, jobID, artifactName, sql)
	if err != nil {
		return Answer{Question: question, SQL: sql, Source: source, Error: err.Error()}
	}
	return Answer{Question: question, SQL: sql, Source: source, Rows: rows}
}

// AnswerGlob resolves question to SQL like Answer, but runs it across
// every job's artifactName via the store's glob view instead of scoping
// to one job — the shape /data needs, since an operator asking "how many
// critical vulns" means across all recon run so far, not just the most
// recent one.
func (t *TextToSQL) AnswerGlob(ctx context.Context, question, artifactName string, execute bool) Answer {
	sql, source := t.resolveSQL(ctx, question)

	if sql == "UNSUPPORTED" {
		return Answer{Question: question, SQL: sql, Source: source, Error: "question cannot be answered with available SQL tables"}
	}
	if !execute {
		return Answer{Question: question, SQL: sql, Source: source}
	}

	rows, err := t.store.QueryGlob(ctx, artifactName, sql)
	if err != nil {
		return Answer{Question: question, SQL: sql, Source: source, Error: err.Error()}
	}
	return Answer{Question: question, SQL: sql, Source: source, Rows: rows}
}

func (t *TextToSQL) resolveSQL(ctx context.Context, question string) (string, string) {
	norm := normaliseQuestion(question)
	for keyword, sql := range prebuiltSQL {
		if strings.Contains(norm, keyword) {
			return sql, "prebuilt"
		}
	}

	cacheKey := "t2s:sql:" + question
	if t.cache != nil {
		if result, err := t.cache.Check(ctx, cacheKey); err == nil && result.Hit {
			return result.Response, "cache"
		}
	}

	if t.infer == nil {
		return "UNSUPPORTED", "error"
	}
	raw, err := t.infer.Ask(ctx, inference.Request{
		Prompt: "Question: " + question, System: schemaContext, Tier: inference.TierLow,
		Temperature: 0.1, MaxTokens: 256,
	})
	if err != nil {
		return "UNSUPPORTED", "error"
	}
	sql := stripSQLFence(raw)

	if t.cache != nil {
		_ = t.cache.Store(ctx, cacheKey, sql)
	}
	return sql, "llm"
}

func stripSQLFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```sql")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
