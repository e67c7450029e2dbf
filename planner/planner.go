// Package planner implements the orchestrator planner (C8): it turns a
// free-form operator goal into a (skill, params) pair the dispatcher
// can run. Resolution never fails — the rule-based fallback always
// produces a pair, however degenerate.
//
// Grounded on original_source/planner.py's plan_goal/_plan_with_rules/
// _plan_with_llm, generalized from its three-skill keyword table to
// spec.md §4.8's resolution order (explicit @name token, optional LLM
// JSON, rule-based keywords).
package planner

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/hexclaw/orchestrator/inference"
	"github.com/rs/zerolog"
)

var domainRE = regexp.MustCompile(`([a-z0-9]+(-[a-z0-9]+)*\.)+[a-z]{2,}`)

const llmSystem = `You are the HexClaw orchestrator planner.
Given a goal, respond ONLY with JSON: {"skill": "skill_name", "params": {"target": "extracted_target"}}
No prose outside the JSON object.`

// Planner resolves goals to skill invocations.
type Planner struct {
	log    zerolog.Logger
	router *inference.Router // nil disables the LLM tier entirely
	model  string
}

// New builds a Planner. router may be nil — the LLM resolution step
// is then always skipped and rule-based matching handles every goal.
func New(log zerolog.Logger, router *inference.Router) *Planner {
	return &Planner{log: log.With().Str("component", "planner").Logger(), router: router}
}

// Plan resolves goal per spec.md §4.8's three-tier order: explicit
// "@name" token, then an optional LLM call, then rule-based keyword
// matching. It always returns a usable pair.
func (p *Planner) Plan(goal string) (string, map[string]any) {
	return p.PlanContext(context.Background(), goal)
}

// PlanContext is Plan with an explicit context, used when the LLM tier
// is reachable and the caller wants to bound or cancel that call.
func (p *Planner) PlanContext(ctx context.Context, goal string) (string, map[string]any) {
	if skillName, params, ok := planFromExplicitSkill(goal); ok {
		return skillName, params
	}

	if p.router != nil {
		if skillName, params, ok := p.planFromLLM(ctx, goal); ok {
			return skillName, params
		}
	}

	return planFromRules(goal)
}

// planFromExplicitSkill honors an "@name" token anywhere in the goal —
// the skills directory itself is the named-skills index: whatever
// follows "@" is passed straight through as the skill name.
func planFromExplicitSkill(goal string) (string, map[string]any, bool) {
	fields := strings.Fields(goal)
	for _, f := range fields {
		if strings.HasPrefix(f, "@") && len(f) > 1 {
			name := strings.TrimPrefix(f, "@")
			return name, map[string]any{"target": extractTarget(goal), "goal": goal}, true
		}
	}
	return "", nil, false
}

func (p *Planner) planFromLLM(ctx context.Context, goal string) (string, map[string]any, bool) {
	raw, err := p.router.Ask(ctx, inference.Request{
		Prompt: goal,
		System: llmSystem,
		Tier:   inference.TierLow,
	})
	if err != nil {
		p.log.Debug().Err(err).Msg("llm planning failed, falling through to rules")
		return "", nil, false
	}

	var parsed struct {
		Skill  string         `json:"skill"`
		Params map[string]any `json:"params"`
	}
	if jerr := json.Unmarshal([]byte(stripFence(raw)), &parsed); jerr != nil || parsed.Skill == "" {
		p.log.Debug().Msg("llm planning response unparseable, falling through to rules")
		return "", nil, false
	}
	if parsed.Params == nil {
		parsed.Params = map[string]any{}
	}
	return parsed.Skill, parsed.Params, true
}

// planFromRules is the zero-inference fallback, a direct generalization
// of _plan_with_rules's keyword table. It always matches — an
// unrecognised goal falls through to the generic plan skill.
func planFromRules(goal string) (string, map[string]any) {
	lower := strings.ToLower(goal)
	target := extractTarget(goal)

	switch {
	case containsAny(lower, "scan", "recon", "domain", "vuln", "nuclei"):
		return "recon_osint", map[string]any{"target": target, "description": "auto-planned recon based on goal"}
	case containsAny(lower, "git", "clone", "deploy", "lint", "test"):
		return "dev_ops", map[string]any{"target": target, "action": "clone_and_test"}
	case containsAny(lower, "code", "script", "app"):
		return "autonomous_coder", map[string]any{"target": target, "goal": goal}
	case containsAny(lower, "breach", "social", "darkweb", "email"):
		return "osint_mapping", map[string]any{"target": target}
	default:
		return "agent_plan", map[string]any{"target": target, "goal": goal}
	}
}

func extractTarget(goal string) string {
	m := domainRE.FindString(strings.ToLower(goal))
	if m == "" {
		return "unknown"
	}
	return m
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
