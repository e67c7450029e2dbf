// Package daemon implements the daemon core (C9): it owns the worker
// pool, the heartbeat loop, the operator bot's transport lifecycle, and
// graceful shutdown. Every suspension point spec.md §4.9 names — HTTP
// calls, DB reads/writes, model calls, approval waits, the heartbeat
// sleep itself — is already a goroutine-level concern handled by the
// collaborators this package merely schedules; the daemon's own job is
// bounding concurrency and keeping the queue moving.
//
// Grounded on original_source/daemon.py's Daemon class: enqueue/
// get_status (public API the operator channel calls into), start/run
// (heartbeat loop: drain → sleep → repeat, --once breaks on an empty
// queue), _drain_queue/_run_job (per-job worker, semaphore-bounded),
// shutdown (stop bot task, best-effort offline notice, join workers).
// The original's in-memory asyncio.Queue is replaced by the already
//-durable queue.Queue — draining means "select pending rows", not
// "pop an in-process channel", since spec.md §4.6 already made the
// queue crash-resumable.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hexclaw/orchestrator/approval"
	"github.com/hexclaw/orchestrator/artifact"
	"github.com/hexclaw/orchestrator/dispatcher"
	"github.com/hexclaw/orchestrator/ledger"
	"github.com/hexclaw/orchestrator/operator"
	"github.com/hexclaw/orchestrator/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const defaultOrchestrateApprovalTimeout = 5 * time.Minute

// shutdownGrace bounds how long shutdown waits for in-flight workers.
const shutdownGrace = 30 * time.Second

// Planner resolves a free-form goal to a skill invocation. Declared
// locally for the same reason dispatcher.Planner is: the daemon must
// not import the planner package just to accept one concrete type.
type Planner interface {
	Plan(goal string) (skillName string, params map[string]any)
}

// Bot is the subset of operator.TelegramChannel the daemon drives
// directly (poll loop lifecycle) rather than through the Channel
// interface it already holds for sending.
type Bot interface {
	Poll(ctx context.Context)
}

// Metrics is the subset of admin.Metrics the daemon updates. Declared
// locally, same as Planner and Bot, so this package never imports admin.
type Metrics interface {
	IncJobsEnqueued()
}

// TextToSQL is the subset of artifact.TextToSQL /data resolves against.
type TextToSQL interface {
	AnswerGlob(ctx context.Context, question, artifactName string, execute bool) artifact.Answer
}

// dataArtifacts lists the artifact names /data tries, in the order a
// question is most likely to be about them.
var dataArtifacts = []string{"vulns", "ports", "subs"}

// Daemon is the daemon core: worker pool + heartbeat + bot lifecycle.
type Daemon struct {
	log     zerolog.Logger
	queue   *queue.Queue
	dispatcher *dispatcher.Dispatcher
	gate    *approval.Gate
	channel operator.Channel
	bot     Bot // nil when Telegram isn't configured (NullChannel mode)
	planner Planner
	ledger  *ledger.Ledger // optional, powers /stats
	textToSQL TextToSQL    // optional, powers /data
	metrics   Metrics      // optional

	heartbeat     time.Duration
	sem           *semaphore.Weighted
	semSize       int64
	dryRun        bool
	once          bool
	approvalWait  time.Duration

	stop   chan struct{}
	active chan struct{} // closed once all in-flight workers have returned
}

// Config bundles the construction knobs that aren't collaborators.
type Config struct {
	Heartbeat         time.Duration
	MaxConcurrentJobs int
	DryRun            bool
	Once              bool
}

func New(log zerolog.Logger, q *queue.Queue, d *dispatcher.Dispatcher, gate *approval.Gate, channel operator.Channel, bot Bot, planner Planner, led *ledger.Ledger, textToSQL TextToSQL, metrics Metrics, cfg Config) *Daemon {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Daemon{
		log:          log.With().Str("component", "daemon").Logger(),
		queue:        q,
		dispatcher:   d,
		gate:         gate,
		channel:      channel,
		bot:          bot,
		planner:      planner,
		ledger:       led,
		textToSQL:    textToSQL,
		metrics:      metrics,
		heartbeat:    heartbeat,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		semSize:      int64(maxConcurrent),
		dryRun:       cfg.DryRun,
		once:         cfg.Once,
		approvalWait: defaultOrchestrateApprovalTimeout,
		stop:         make(chan struct{}),
		active:       make(chan struct{}),
	}
}

// Handlers builds the operator.CommandHandlers this daemon answers to,
// wired against its own Enqueue/Status/Stats/Cancel and the Orchestrate
// propose-then-approve sequence spec.md §6 names.
func (d *Daemon) Handlers() operator.CommandHandlers {
	return operator.CommandHandlers{
		Recon: func(ctx context.Context, target string) error {
			_, err := d.Enqueue(ctx, "recon_osint", map[string]any{"target": target})
			return err
		},
		Orchestrate: d.handleOrchestrate,
		Status:      d.handleStatus,
		Stats:       d.handleStats,
		Data:        d.handleData,
		Cancel: func(ctx context.Context, jobID string) error {
			if !d.dispatcher.Cancel(jobID) {
				return fmt.Errorf("job %s not running", jobID)
			}
			return nil
		},
	}
}

// Enqueue adds a new job to the durable queue and returns its ID.
func (d *Daemon) Enqueue(ctx context.Context, skillName string, params map[string]any) (string, error) {
	id, err := d.queue.Enqueue(ctx, skillName, params)
	if err != nil {
		return "", err
	}
	if d.metrics != nil {
		d.metrics.IncJobsEnqueued()
	}
	d.log.Info().Str("job_id", id).Str("skill", skillName).Msg("enqueued job")
	return id, nil
}

// handleOrchestrate resolves goal via the planner, proposes the result
// to the operator as an approve/deny choice, and only enqueues once
// approved — spec.md §6's "orchestrate <goal> → planner → propose-plan
// → enqueue on approve" path.
func (d *Daemon) handleOrchestrate(ctx context.Context, goal string) error {
	skillName, params := d.planner.Plan(goal)
	approvalID := "orchestrate_" + uuid.NewString()

	prompt := fmt.Sprintf("Proposed plan for %q:\nSkill: `%s`\nParams: `%v`", goal, skillName, params)
	buttons := []operator.Button{
		{Label: "Approve", Payload: fmt.Sprintf("approve:%s", approvalID)},
		{Label: "Deny", Payload: fmt.Sprintf("deny:%s", approvalID)},
	}
	if err := d.channel.SendWithButtons(ctx, prompt, buttons); err != nil {
		return err
	}

	outcome := d.gate.Request(ctx, approvalID, d.approvalWait)
	switch outcome.Action {
	case approval.Approve:
		id, err := d.Enqueue(ctx, skillName, params)
		if err != nil {
			return err
		}
		return d.channel.SendText(ctx, fmt.Sprintf("Approved. Enqueued job `%s` (%s).", id, skillName))
	case approval.Deny:
		return d.channel.SendText(ctx, "Plan declined.")
	case approval.Timeout:
		return d.channel.SendText(ctx, "Plan approval timed out, nothing enqueued.")
	default:
		return d.channel.SendText(ctx, "Plan approval cancelled.")
	}
}

func (d *Daemon) handleStatus(ctx context.Context) (string, error) {
	jobs, err := d.queue.Recent(ctx, 20)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "No jobs yet.", nil
	}
	out := "Recent jobs:\n"
	for _, j := range jobs {
		out += fmt.Sprintf("`%s` %s %s\n", j.ID, j.Skill, j.Status)
	}
	return out, nil
}

func (d *Daemon) handleStats(ctx context.Context) (string, error) {
	if d.ledger == nil {
		return "Ledger not configured.", nil
	}
	summary, err := d.ledger.Summary(ctx)
	if err != nil {
		return "", err
	}
	if len(summary) == 0 {
		return "No inference spend recorded yet.", nil
	}
	out := "Inference spend:\n"
	for _, s := range summary {
		out += fmt.Sprintf("%s/%s: %d calls, $%.4f\n", s.Provider, s.Model, s.Calls, s.TotalCostUSD)
	}
	return out, nil
}

// handleData resolves question to SQL once and tries it against each
// known artifact in turn (vulns, then ports, then subs), since a generated query
// references whichever table the question is actually about and the
// store only exposes one artifact type as "data" per call — the same
// per-artifact split aggregate.go uses for Aggregate. It answers across
// every job's matching artifact (store.QueryGlob), not just the most
// recent one, since an operator asking "how many critical vulns" means
// the whole recon history so far.
func (d *Daemon) handleData(ctx context.Context, question string) (string, error) {
	if d.textToSQL == nil {
		return "Data queries aren't configured.", nil
	}

	var ans artifact.Answer
	for _, name := range dataArtifacts {
		ans = d.textToSQL.AnswerGlob(ctx, question, name, true)
		if ans.Error == "" {
			break
		}
	}
	if ans.Error != "" {
		return fmt.Sprintf("Couldn't answer %q: %s", question, ans.Error), nil
	}

	out := fmt.Sprintf("SQL (%s): `%s`\n", ans.Source, ans.SQL)
	if len(ans.Rows) == 0 {
		return out + "No matching rows.", nil
	}
	const maxRows = 20
	for i, row := range ans.Rows {
		if i >= maxRows {
			out += fmt.Sprintf("... (%d more rows)\n", len(ans.Rows)-maxRows)
			break
		}
		out += fmt.Sprintf("%v\n", row)
	}
	return out, nil
}

// Run is the main heartbeat loop: resume crashed jobs, start the bot
// task, notify online, then drain → sleep → repeat until stopped or
// (in --once mode) the queue runs dry.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	botDone := make(chan struct{})
	if d.bot != nil {
		go func() {
			d.bot.Poll(ctx)
			close(botDone)
		}()
	} else {
		close(botDone)
	}

	for {
		empty, err := d.drainQueue(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("drain queue failed")
		}
		if d.once && empty {
			d.log.Info().Msg("--once: queue empty, exiting")
			break
		}

		select {
		case <-ctx.Done():
			d.shutdown(context.Background())
			return ctx.Err()
		case <-d.stop:
			d.shutdown(context.Background())
			return nil
		case <-ticker.C:
			// normal heartbeat tick
		}
	}

	d.shutdown(context.Background())
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	n, err := d.queue.ResumeCrashed(ctx)
	if err != nil {
		return fmt.Errorf("daemon: resume crashed jobs: %w", err)
	}
	if n > 0 {
		d.log.Warn().Int("count", n).Msg("resumed jobs left running by a prior crash")
	}

	mode := "live"
	if d.dryRun {
		mode = "dry-run"
	}
	d.log.Info().Str("mode", mode).Msg("HexClaw daemon starting up")
	return d.channel.SendText(ctx, fmt.Sprintf("HexClaw daemon online (mode: %s). Use /recon <target> to start scanning.", mode))
}

// drainQueue spawns one worker per pending job, bounded by the
// semaphore. It returns true if the queue was empty at this tick.
//
// Pending() is re-queried every tick rather than tracked in memory, so
// a row only avoids re-dispatch because the dispatcher's UpdateStatus
// call to Running (dispatcher.go's Run, synchronous, before any step
// executes) lands before the next heartbeat. The semaphore acquire
// below is also synchronous, so a tick can't outrun the previous tick's
// own dispatch loop. Safe at the 5s default heartbeat; would need an
// in-flight set if the heartbeat ever dropped below a status write's
// latency.
func (d *Daemon) drainQueue(ctx context.Context) (bool, error) {
	pending, err := d.queue.Pending(ctx)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return true, nil
	}

	for _, job := range pending {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return false, err
		}
		go func(jobID string) {
			defer d.sem.Release(1)
			d.runJob(ctx, jobID)
		}(job.ID)
	}
	return false, nil
}

func (d *Daemon) runJob(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("job_id", jobID).Msg("unhandled panic in job worker")
		}
	}()
	d.dispatcher.Run(ctx, jobID)
}

// Stop signals Run's heartbeat loop to end on its next tick.
func (d *Daemon) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

func (d *Daemon) shutdown(ctx context.Context) {
	d.log.Info().Msg("shutting down daemon")
	if err := d.channel.SendText(ctx, "HexClaw daemon offline."); err != nil {
		d.log.Debug().Err(err).Msg("offline notification failed")
	}
	go func() {
		// Holding every semaphore slot means no worker is still in flight.
		if err := d.sem.Acquire(context.Background(), d.semSize); err == nil {
			d.sem.Release(d.semSize)
		}
		close(d.active)
	}()
	select {
	case <-d.active:
	case <-time.After(shutdownGrace):
		d.log.Warn().Msg("workers still running after shutdown grace period")
	}
	d.log.Info().Msg("HexClaw daemon stopped")
}
