package planner

import (
	"context"
	"testing"
	"time"

	"github.com/hexclaw/orchestrator/cache"
	"github.com/hexclaw/orchestrator/config"
	"github.com/hexclaw/orchestrator/inference"
	"github.com/hexclaw/orchestrator/ledger"
	"github.com/hexclaw/orchestrator/provider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	reply string
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) ChatCompletion(context.Context, provider.ChatRequest) (provider.ChatResponse, error) {
	return provider.ChatResponse{Text: f.reply, TokensIn: 5, TokensOut: 5}, nil
}

func newTestRouter(t *testing.T, reply string) *inference.Router {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(&fakeProvider{name: "openrouter", reply: reply})
	reg.Register(&fakeProvider{name: "groq", reply: reply})

	led, err := ledger.Open(t.TempDir() + "/ledger.db")
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	cfg := &config.Config{MaxRetries: 1, RetryBackoffBase: time.Millisecond}
	cacheEngine := cache.New(cfg, nil, zerolog.Nop(), nil)
	return inference.New(cfg, zerolog.Nop(), reg, cacheEngine, led, nil)
}

func TestPlanExplicitSkillToken(t *testing.T) {
	p := New(zerolog.Nop(), nil)
	skillName, params := p.Plan("@custom_chain scan example.com now")
	require.Equal(t, "custom_chain", skillName)
	require.Equal(t, "example.com", params["target"])
}

func TestPlanRuleBasedReconKeyword(t *testing.T) {
	p := New(zerolog.Nop(), nil)
	skillName, params := p.Plan("please scan target.example.com for vulns")
	require.Equal(t, "recon_osint", skillName)
	require.Equal(t, "target.example.com", params["target"])
}

func TestPlanRuleBasedDevOpsKeyword(t *testing.T) {
	p := New(zerolog.Nop(), nil)
	skillName, _ := p.Plan("git clone and deploy the service")
	require.Equal(t, "dev_ops", skillName)
}

func TestPlanRuleBasedOSINTKeyword(t *testing.T) {
	p := New(zerolog.Nop(), nil)
	skillName, _ := p.Plan("check for a breach on darkweb forums")
	require.Equal(t, "osint_mapping", skillName)
}

func TestPlanRuleBasedDefaultFallback(t *testing.T) {
	p := New(zerolog.Nop(), nil)
	skillName, params := p.Plan("do something unusual")
	require.Equal(t, "agent_plan", skillName)
	require.Equal(t, "do something unusual", params["goal"])
}

func TestPlanNeverReturnsEmptySkill(t *testing.T) {
	p := New(zerolog.Nop(), nil)
	skillName, _ := p.Plan("")
	require.NotEmpty(t, skillName)
}

func TestPlanLLMResolutionWhenRouterConfigured(t *testing.T) {
	router := newTestRouter(t, `{"skill": "recon_osint", "params": {"target": "llm.example.com"}}`)
	p := New(zerolog.Nop(), router)
	skillName, params := p.PlanContext(context.Background(), "investigate llm.example.com")
	require.Equal(t, "recon_osint", skillName)
	require.Equal(t, "llm.example.com", params["target"])
}

func TestPlanFallsThroughToRulesOnUnparsableLLMReply(t *testing.T) {
	router := newTestRouter(t, "not json at all")
	p := New(zerolog.Nop(), router)
	skillName, _ := p.PlanContext(context.Background(), "scan target.example.com for vulns")
	require.Equal(t, "recon_osint", skillName)
}

func TestStripFence(t *testing.T) {
	require.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
}
