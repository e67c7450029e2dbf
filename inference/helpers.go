package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const vulnPrioritiseSystem = `You are a senior penetration tester.
Given a list of vulnerabilities, output a JSON array ranked by exploitability and impact.
Each item: {"rank": 1, "title": "...", "severity": "critical|high|medium|low", "reason": "..."}
Be concise. No prose outside the JSON array.`

const suggestNextSystem = `You are an autonomous red-team agent.
Given partial recon results, suggest the 3 most valuable next scanning steps.
Output JSON: {"next_steps": ["...", "...", "..."]}
Each step must be a specific tool name + target. No prose outside JSON.`

// Finding is a single vulnerability-like record handed to PrioritiseVulns.
// It is passed through verbatim (as a generic map) so callers don't need
// a shared finding type with the inference package.
type Finding = map[string]any

// PrioritiseVulns ranks findings by severity/exploitability via the LLM.
// On any JSON parse failure it returns the findings in their original
// order rather than erroring — a caller's worklist should never be
// blocked by a malformed LLM response.
func (r *Router) PrioritiseVulns(ctx context.Context, findings []Finding, tier Tier) ([]Finding, error) {
	if len(findings) == 0 {
		return nil, nil
	}
	if tier == "" {
		tier = TierHigh
	}

	capped := findings
	if len(capped) > 30 {
		capped = capped[:30]
	}
	body, err := json.MarshalIndent(capped, "", "  ")
	if err != nil {
		return findings, fmt.Errorf("inference: marshal findings: %w", err)
	}

	raw, err := r.Ask(ctx, Request{Prompt: string(body), System: vulnPrioritiseSystem, Tier: tier, Temperature: 0.1})
	if err != nil {
		return findings, err
	}

	var ranked []Finding
	if jerr := json.Unmarshal([]byte(stripJSONFence(raw)), &ranked); jerr != nil {
		r.log.Warn().Err(jerr).Msg("prioritise_vulns: failed to parse LLM JSON response")
		return findings, nil
	}
	return ranked, nil
}

// SuggestNextSteps asks the LLM for the next scanning steps given a text
// summary of findings so far. On parse failure it returns an empty
// slice, matching the original's "suggest nothing rather than guess"
// fallback.
func (r *Router) SuggestNextSteps(ctx context.Context, target, findingsSummary string, tier Tier) ([]string, error) {
	if tier == "" {
		tier = TierLow
	}
	prompt := fmt.Sprintf("Target: %s\n\nFindings summary:\n%s", target, findingsSummary)

	raw, err := r.Ask(ctx, Request{Prompt: prompt, System: suggestNextSystem, Tier: tier, Temperature: 0.2})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		NextSteps []string `json:"next_steps"`
	}
	if jerr := json.Unmarshal([]byte(stripJSONFence(raw)), &parsed); jerr != nil {
		r.log.Warn().Err(jerr).Msg("suggest_next_steps: failed to parse LLM JSON response")
		return nil, nil
	}
	return parsed.NextSteps, nil
}

// stripJSONFence removes a leading/trailing markdown code fence
// (```json ... ``` or ``` ... ```) that chat models routinely wrap JSON
// in despite being told not to.
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
