// Package ledger implements the append-only token/cost ledger (C1):
// every inference call, cache hit or miss, records one row. Summaries
// are produced by a plain SQL GROUP BY over the same table, never by an
// in-memory accumulator that could drift from what was actually written.
//
// Grounded on the gateway's metering.CostEngine (substring-keyed static
// pricing table, "unknown model costs zero" fallback) generalized to the
// original's inference.py token_log table and get_usage_summary
// aggregate query.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS token_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	tokens_in INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	cache_hit INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
`

// Entry is one ledger row.
type Entry struct {
	Provider  string
	Model     string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	CacheHit  bool
	CreatedAt time.Time
}

// Summary is one row of the provider/model usage aggregate.
type Summary struct {
	Provider     string
	Model        string
	Calls        int
	TotalTokens  int
	TotalCostUSD float64
	CacheHits    int
}

// Ledger is the append-only token/cost record store.
type Ledger struct {
	db *sql.DB
}

// Open creates (if needed) the ledger database at path and returns a
// handle. Parent directories are created as needed.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Record appends one row. The ledger never mutates or deletes a row —
// corrections are new rows, not updates.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO token_log (provider, model, tokens_in, tokens_out, cost_usd, cache_hit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Provider, e.Model, e.TokensIn, e.TokensOut, e.CostUSD, boolToInt(e.CacheHit), e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert: %w", err)
	}
	return nil
}

// Summary aggregates every row grouped by (provider, model).
func (l *Ledger) Summary(ctx context.Context) ([]Summary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT provider, model, COUNT(*), SUM(tokens_in + tokens_out), SUM(cost_usd), SUM(cache_hit)
		FROM token_log
		GROUP BY provider, model
		ORDER BY SUM(cost_usd) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: summary query: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Provider, &s.Model, &s.Calls, &s.TotalTokens, &s.TotalCostUSD, &s.CacheHits); err != nil {
			return nil, fmt.Errorf("ledger: summary scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// costTable is a static per-model pricing table matched by substring
// (the longest table key contained in the model name wins, so
// "gpt-4o-mini" is never priced as "gpt-4o"), mirroring
// the original's COST_PER_1M dict. Unknown models cost zero rather than
// raising — metering must never block an inference call.
var costTable = map[string]struct{ InputPer1M, OutputPer1M float64 }{
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4-turbo":       {10.00, 30.00},
	"gpt-3.5-turbo":     {0.50, 1.50},
	"o1-mini":           {3.00, 12.00},
	"o1":                {15.00, 60.00},
	"claude-3-opus":     {15.00, 75.00},
	"claude-3.5-sonnet": {3.00, 15.00},
	"claude-3-sonnet":   {3.00, 15.00},
	"claude-3-haiku":    {0.25, 1.25},
	"gemini-1.5-pro":    {1.25, 5.00},
	"gemini-1.5-flash":  {0.075, 0.30},
	"gemini-2.0-flash":  {0.10, 0.40},
	"llama-3.1-70b":     {0, 0},
	"llama-3.1-8b":      {0, 0},
	"mixtral-8x7b":      {0, 0},
}

// EstimateCost looks up a model by substring match against the static
// pricing table and returns the USD cost of tokensIn/tokensOut. A model
// that matches no table entry costs 0 — this is a deliberate fallback,
// not an error, since new/unknown models must never block metering.
func EstimateCost(model string, tokensIn, tokensOut int) float64 {
	lower := strings.ToLower(model)
	best := ""
	for key := range costTable {
		if strings.Contains(lower, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return 0
	}
	price := costTable[best]
	return float64(tokensIn)/1_000_000*price.InputPer1M + float64(tokensOut)/1_000_000*price.OutputPer1M
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
