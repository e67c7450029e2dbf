package ledger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hexclaw/orchestrator/ledger"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := ledger.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndSummary(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, ledger.Entry{
		Provider: "openai", Model: "gpt-4o-mini", TokensIn: 100, TokensOut: 50,
		CostUSD: ledger.EstimateCost("gpt-4o-mini", 100, 50), CreatedAt: time.Now(),
	}))
	require.NoError(t, l.Record(ctx, ledger.Entry{
		Provider: "openai", Model: "gpt-4o-mini", TokensIn: 0, TokensOut: 0,
		CostUSD: 0, CacheHit: true, CreatedAt: time.Now(),
	}))

	summary, err := l.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	require.Equal(t, "openai", summary[0].Provider)
	require.Equal(t, 2, summary[0].Calls)
	require.Equal(t, 1, summary[0].CacheHits)
	require.Equal(t, 150, summary[0].TotalTokens)
}

func TestEstimateCostUnknownModelIsZero(t *testing.T) {
	require.Equal(t, 0.0, ledger.EstimateCost("some-future-model-v9", 1000, 1000))
}

func TestEstimateCostFreeModel(t *testing.T) {
	require.Equal(t, 0.0, ledger.EstimateCost("groq/llama-3.1-70b", 1000, 1000))
}

func TestEstimateCostKnownModel(t *testing.T) {
	cost := ledger.EstimateCost("openai/gpt-4o", 1_000_000, 1_000_000)
	require.InDelta(t, 12.50, cost, 1e-9)
}
