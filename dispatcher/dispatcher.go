// Package dispatcher implements the skill dispatcher (C7): the
// per-job engine that loads a skill definition, chains its steps
// against the external tool server (or internal actions), persists
// artifacts, accumulates findings, and reports back to the operator.
//
// Grounded on original_source/daemon.py's run_skill/_build_payload/
// _extract_findings/_handle_suggest_next, generalized from its
// hardcoded recon_osint chain to spec.md §4.7's general Step/Action
// contract.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hexclaw/orchestrator/approval"
	"github.com/hexclaw/orchestrator/artifact"
	"github.com/hexclaw/orchestrator/ltstore"
	"github.com/hexclaw/orchestrator/operator"
	"github.com/hexclaw/orchestrator/queue"
	"github.com/hexclaw/orchestrator/skill"
	"github.com/hexclaw/orchestrator/toolserver"
	"github.com/rs/zerolog"
)

// Planner resolves a free-form goal into a skill+params pair. The
// suggest_next action's optional follow-up enqueue goes through this
// narrow interface rather than importing the planner package directly,
// so the dispatcher stays testable without a live planner.
type Planner interface {
	Plan(goal string) (skillName string, params map[string]any)
}

// Metrics is the subset of admin.Metrics the dispatcher updates as jobs
// finish. Declared locally, same as Planner, so this package never
// imports admin just to accept one collaborator.
type Metrics interface {
	ObserveJobCompletion(status string, duration time.Duration)
}

// defaultApprovalTimeout is used when a suggest_next step doesn't
// declare its own timeout_sec.
const defaultApprovalTimeout = 120 * time.Second

// Dispatcher runs one job's skill chain end to end. A single instance
// is shared across every concurrently running job — all per-job state
// lives in the call stack of Run, except the cancellation registry.
type Dispatcher struct {
	log       zerolog.Logger
	queue     *queue.Queue
	skills    *skill.Loader
	tools     *toolserver.Client
	artifacts *artifact.Store
	gate      *approval.Gate
	channel   operator.Channel
	planner   Planner
	dryRun    bool
	metrics   Metrics     // optional
	sink      ltstore.Sink

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(log zerolog.Logger, q *queue.Queue, skills *skill.Loader, tools *toolserver.Client, artifacts *artifact.Store, gate *approval.Gate, channel operator.Channel, planner Planner, metrics Metrics, sink ltstore.Sink, dryRun bool) *Dispatcher {
	if sink == nil {
		sink = ltstore.NullSink{}
	}
	return &Dispatcher{
		log:       log.With().Str("component", "dispatcher").Logger(),
		queue:     q,
		skills:    skills,
		tools:     tools,
		artifacts: artifacts,
		gate:      gate,
		channel:   channel,
		planner:   planner,
		metrics:   metrics,
		sink:      sink,
		dryRun:    dryRun,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Cancel requests cancellation of jobID if it is currently running.
// Returns false if no such job is in flight (already finished, or never
// started). The dispatcher checks cancellation between steps and at
// the approval gate, per spec.md §4.9 — it never interrupts an
// in-flight tool HTTP call.
func (d *Dispatcher) Cancel(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.cancels[jobID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Run executes one job's skill chain. It MUST NOT let a panic escape:
// the worker pool that calls Run depends on that guarantee to keep
// going after any single job blows up.
func (d *Dispatcher) Run(parent context.Context, jobID string) {
	job, err := d.queue.Get(parent, jobID)
	if err != nil {
		d.log.Error().Err(err).Str("job", jobID).Msg("job not found")
		return
	}

	start := time.Now()
	defer d.recordCompletion(parent, jobID, start)

	ctx, cancel := context.WithCancel(parent)
	d.mu.Lock()
	d.cancels[jobID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, jobID)
		d.mu.Unlock()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("job", jobID).Msg("dispatcher recovered from panic")
			_ = d.queue.UpdateStatus(parent, jobID, queue.StatusFailed, "", fmt.Sprintf("internal error: %v", r))
			d.notify(parent, fmt.Sprintf("💥 Job `%s` crashed: `%v`", jobID, r))
		}
	}()

	target := fmt.Sprint(job.Params["target"])
	if target == "" || target == "<nil>" {
		target = "unknown"
	}

	if err := d.queue.UpdateStatus(ctx, jobID, queue.StatusRunning, "", ""); err != nil {
		d.log.Error().Err(err).Msg("transition to running failed")
		return
	}
	d.notify(ctx, fmt.Sprintf("🔄 Job `%s` started: `%s` on `%s`", jobID, job.Skill, target))

	def, err := d.skills.Load(job.Skill)
	if err != nil {
		_ = d.queue.UpdateStatus(ctx, jobID, queue.StatusFailed, "", err.Error())
		d.notify(ctx, fmt.Sprintf("❌ Job `%s`: skill `%s` not found.", jobID, job.Skill))
		return
	}

	jobCtx := map[string]any{"target": target}
	for k, v := range job.Params {
		jobCtx[k] = v
	}

	var findings []finding
	cancelled := false

	for i, step := range def.Steps {
		select {
		case <-ctx.Done():
			cancelled = true
		default:
		}
		if cancelled {
			// ctx is already cancelled here, so the notice and the
			// terminal write go through parent.
			d.notify(parent, fmt.Sprintf("🚫 Job `%s` cancelled at step %d/%d.", jobID, i+1, len(def.Steps)))
			_ = d.queue.UpdateStatus(parent, jobID, queue.StatusCancelled, "", "cancelled by operator")
			return
		}

		if step.Action != "" {
			d.notify(ctx, fmt.Sprintf("🔄 Job `%s` step %d/%d: `%s`", jobID, i+1, len(def.Steps), step.Action))
			outcome := d.runAction(ctx, job, jobCtx, &findings, step)
			if outcome == actionCancelled {
				d.notify(parent, fmt.Sprintf("🚫 Job `%s` cancelled during approval at step %d/%d.", jobID, i+1, len(def.Steps)))
				_ = d.queue.UpdateStatus(parent, jobID, queue.StatusCancelled, "", "cancelled during approval")
				return
			}
			continue
		}

		d.notify(ctx, fmt.Sprintf("🔄 Job `%s` step %d/%d: `%s` on `%s`...", jobID, i+1, len(def.Steps), step.Tool, target))
		d.runToolStep(ctx, job, jobCtx, &findings, step)
	}

	d.finish(ctx, job, findings)
}

type actionOutcome int

const (
	actionDone actionOutcome = iota
	actionCancelled
)

func (d *Dispatcher) runToolStep(ctx context.Context, job queue.Job, jobCtx map[string]any, findings *[]finding, step skill.Step) {
	endpoint, known := toolEndpoints[step.Tool]
	target := fmt.Sprint(jobCtx["target"])
	payload := buildPayload(step.Tool, target, step.ExtraParams)

	var resp toolserver.Response
	switch {
	case d.dryRun:
		resp = toolserver.Response{Success: true}
	case !known:
		// Unknown tool: synthetic success no-op carrying the step
		// params as data, so dry-runs and partially-implemented skill
		// YAML compose cleanly instead of hard-failing.
		raw, _ := json.Marshal(payload)
		resp = toolserver.Response{Success: true, Raw: raw}
	default:
		var err error
		resp, err = d.tools.Invoke(ctx, endpoint, payload)
		if err != nil {
			d.log.Warn().Err(err).Str("tool", step.Tool).Str("job", job.ID).Msg("tool step failed, continuing chain")
			d.notify(ctx, fmt.Sprintf("⚠️ Job `%s`: `%s` failed — `%s`\nContinuing chain...", job.ID, step.Tool, err))
			return
		}
	}

	if step.Output != "" {
		records := extractRecords(step.Tool, resp)
		if _, err := d.artifacts.Write(ctx, job.ID, step.Output, records); err != nil {
			d.log.Warn().Err(err).Str("artifact", step.Output).Msg("artifact write failed")
		}
	}

	*findings = append(*findings, extractFindings(step.Tool, resp)...)
	jobCtx[step.Tool+"_result"] = resp
}

func (d *Dispatcher) runAction(ctx context.Context, job queue.Job, jobCtx map[string]any, findings *[]finding, step skill.Step) actionOutcome {
	switch step.Action {
	case skill.ActionStoreFindings:
		d.handleStoreFindings(ctx, job, *findings)
		return actionDone
	case skill.ActionSuggestNext:
		return d.handleSuggestNext(ctx, job, jobCtx, *findings, step)
	default:
		d.log.Warn().Str("action", string(step.Action)).Msg("unknown internal action, skipping")
		return actionDone
	}
}

func (d *Dispatcher) handleStoreFindings(ctx context.Context, job queue.Job, findings []finding) {
	if len(findings) == 0 {
		return
	}
	if _, err := d.artifacts.Write(ctx, job.ID, "findings", findings); err != nil {
		d.log.Warn().Err(err).Msg("findings artifact write failed")
		return
	}
	hist := severityHistogram(findings)
	d.notify(ctx, fmt.Sprintf("📊 Job `%s`: stored %d finding(s) — %s", job.ID, len(findings), formatHistogram(hist)))
}

func (d *Dispatcher) handleSuggestNext(ctx context.Context, job queue.Job, jobCtx map[string]any, findings []finding, step skill.Step) actionOutcome {
	suggestions, err := d.artifacts.SuggestNext(ctx, job.ID)
	if err != nil {
		d.log.Warn().Err(err).Msg("suggest_next computation failed")
		return actionDone
	}
	choices := suggestions
	if len(choices) > 4 {
		choices = choices[:4]
	}

	hist := severityHistogram(findings)
	approvalID := fmt.Sprintf("suggest_%s", job.ID)
	prompt := fmt.Sprintf("🎯 *Job `%s` — %d finding(s)* · %s\n\nSelect next action:",
		job.ID, len(findings), formatHistogram(hist))

	var buttons []operator.Button
	for _, c := range choices {
		buttons = append(buttons, operator.Button{
			Label:   c.Action,
			Payload: fmt.Sprintf("choice:%s:%s", approvalID, c.Action),
		})
	}
	if err := d.channel.SendWithButtons(ctx, prompt, buttons); err != nil {
		d.log.Warn().Err(err).Msg("send_with_buttons failed")
	}

	timeout := defaultApprovalTimeout
	if step.TimeoutSec > 0 {
		timeout = time.Duration(step.TimeoutSec) * time.Second
	}
	outcome := d.gate.Request(ctx, approvalID, timeout)

	switch outcome.Action {
	case approval.Cancel:
		return actionCancelled
	case approval.Choice:
		d.notify(ctx, fmt.Sprintf("⏭ Job `%s`: queuing next step: *%s*", job.ID, outcome.Choice))
		if d.planner != nil {
			target := fmt.Sprint(jobCtx["target"])
			goal := fmt.Sprintf("%s on %s", outcome.Choice, target)
			skillName, params := d.planner.Plan(goal)
			if _, err := d.queue.Enqueue(ctx, skillName, params); err != nil {
				d.log.Warn().Err(err).Msg("follow-up enqueue failed")
			}
		}
	default:
		d.log.Info().Str("outcome", string(outcome.Action)).Str("job", job.ID).Msg("suggest_next resolved")
	}
	return actionDone
}

func (d *Dispatcher) finish(ctx context.Context, job queue.Job, findings []finding) {
	resultJSON, _ := json.Marshal(map[string]any{"findings": findings})
	if err := d.queue.UpdateStatus(ctx, job.ID, queue.StatusDone, string(resultJSON), ""); err != nil {
		d.log.Error().Err(err).Msg("transition to done failed")
	}

	suggestions, err := d.artifacts.SuggestNext(ctx, job.ID)
	if err != nil {
		suggestions = nil
	}

	record := ltstore.JobRecord{ID: job.ID, Skill: job.Skill, Target: fmt.Sprint(job.Params["target"]), Status: string(queue.StatusDone)}
	ltFindings := make([]ltstore.Finding, len(findings))
	for i, f := range findings {
		ltFindings[i] = ltstore.Finding(f)
	}
	if err := d.sink.PersistJob(ctx, record, ltFindings); err != nil {
		d.log.Warn().Err(err).Str("job", job.ID).Msg("long-term store persist failed")
	}

	d.notify(ctx, buildReport(job, findings, suggestions))
	d.log.Info().Str("job", job.ID).Int("findings", len(findings)).Msg("job complete")
}

// recordCompletion observes the job's terminal status and wall-clock
// duration. It re-reads the row rather than threading a status value
// through every return point in Run, since Run exits at half a dozen
// places (skill-not-found, cancelled, panic-recovered, finish) and by
// the time this defer runs the queue row already holds whichever one
// fired.
func (d *Dispatcher) recordCompletion(ctx context.Context, jobID string, start time.Time) {
	if d.metrics == nil {
		return
	}
	job, err := d.queue.Get(ctx, jobID)
	if err != nil {
		return
	}
	d.metrics.ObserveJobCompletion(string(job.Status), time.Since(start))
}

func buildReport(job queue.Job, findings []finding, suggestions []artifact.Suggestion) string {
	hist := severityHistogram(findings)
	var b strings.Builder
	fmt.Fprintf(&b, "✅ *Job `%s` complete* — `%s`\n", job.ID, job.Skill)
	fmt.Fprintf(&b, "Findings: %d · %s\n", len(findings), formatHistogram(hist))

	top := findings
	if len(top) > 5 {
		top = top[:5]
	}
	if len(top) > 0 {
		b.WriteString("\nTop findings:\n")
		for _, f := range top {
			fmt.Fprintf(&b, "- [%v] %v\n", f["severity"], f["title"])
		}
	}

	if len(suggestions) > 0 {
		b.WriteString("\nSuggested next steps:\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "- %s — %s\n", s.Action, s.Reason)
		}
	}
	return b.String()
}

func severityHistogram(findings []finding) map[string]int {
	hist := map[string]int{}
	for _, f := range findings {
		sev, _ := f["severity"].(string)
		if sev == "" {
			sev = "info"
		}
		hist[sev]++
	}
	return hist
}

func formatHistogram(hist map[string]int) string {
	order := []string{"critical", "high", "medium", "low", "info"}
	var parts []string
	for _, sev := range order {
		if n := hist[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	if len(parts) == 0 {
		return "no findings"
	}
	return strings.Join(parts, ", ")
}

func (d *Dispatcher) notify(ctx context.Context, text string) {
	if d.channel == nil {
		return
	}
	if err := d.channel.SendText(ctx, text); err != nil {
		d.log.Debug().Err(err).Msg("notify failed")
	}
}
