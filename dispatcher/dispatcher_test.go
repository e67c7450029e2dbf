package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hexclaw/orchestrator/approval"
	"github.com/hexclaw/orchestrator/artifact"
	"github.com/hexclaw/orchestrator/ltstore"
	"github.com/hexclaw/orchestrator/operator"
	"github.com/hexclaw/orchestrator/queue"
	"github.com/hexclaw/orchestrator/skill"
	"github.com/hexclaw/orchestrator/toolserver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeMetrics struct {
	completions int
	lastStatus  string
}

func (f *fakeMetrics) ObserveJobCompletion(status string, _ time.Duration) {
	f.completions++
	f.lastStatus = status
}

type fakeSink struct {
	jobs []ltstore.JobRecord
}

func (f *fakeSink) PersistJob(_ context.Context, job ltstore.JobRecord, _ []ltstore.Finding) error {
	f.jobs = append(f.jobs, job)
	return nil
}
func (f *fakeSink) PersistAlert(context.Context, ltstore.Alert) error { return nil }

type fakeChannel struct {
	texts   []string
	buttons []operator.Button
}

func (f *fakeChannel) SendText(_ context.Context, markdown string) error {
	f.texts = append(f.texts, markdown)
	return nil
}
func (f *fakeChannel) SendFile(context.Context, string, string) error { return nil }
func (f *fakeChannel) SendWithButtons(_ context.Context, prompt string, buttons []operator.Button) error {
	f.texts = append(f.texts, prompt)
	f.buttons = buttons
	return nil
}

type fakePlanner struct {
	lastGoal string
	skill    string
	params   map[string]any
}

func (p *fakePlanner) Plan(goal string) (string, map[string]any) {
	p.lastGoal = goal
	if p.skill == "" {
		return "generic_plan", map[string]any{"goal": goal}
	}
	return p.skill, p.params
}

func writeSkillYAML(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644))
}

type harness struct {
	dispatcher *Dispatcher
	queue      *queue.Queue
	store      *artifact.Store
	skillsDir  string
	channel    *fakeChannel
	metrics    *fakeMetrics
	sink       *fakeSink
}

func newTestHarness(t *testing.T, mux *http.ServeMux) *harness {
	t.Helper()
	dir := t.TempDir()

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	store := artifact.New(filepath.Join(dir, "artifacts"))
	skillsDir := filepath.Join(dir, "skills")
	require.NoError(t, os.MkdirAll(skillsDir, 0o755))
	loader := skill.NewLoader(skillsDir)

	var toolsClient *toolserver.Client
	if mux != nil {
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		toolsClient = toolserver.New(srv.URL, 2*time.Second)
	} else {
		toolsClient = toolserver.New("http://127.0.0.1:0", 2*time.Second)
	}

	gate := approval.New()
	ch := &fakeChannel{}
	metrics := &fakeMetrics{}
	sink := &fakeSink{}

	d := New(zerolog.Nop(), q, loader, toolsClient, store, gate, ch, nil, metrics, sink, false)
	return &harness{dispatcher: d, queue: q, store: store, skillsDir: skillsDir, channel: ch, metrics: metrics, sink: sink}
}

func TestRunExecutesToolChainAndCompletesJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tools/subfinder", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "subdomains": []string{"a.example.com", "b.example.com"}})
	})
	mux.HandleFunc("/api/tools/rustscan-fast-scan", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "open_ports": []any{80, 443}})
	})

	h := newTestHarness(t, mux)
	writeSkillYAML(t, h.skillsDir, "recon", `
name: recon
steps:
  - tool: subfinder
    output: subs
  - tool: rustscan
    output: ports
  - action: store_findings
`)

	id, err := h.queue.Enqueue(context.Background(), "recon", map[string]any{"target": "example.com"})
	require.NoError(t, err)

	h.dispatcher.Run(context.Background(), id)

	job, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusDone, job.Status)
	require.NotEmpty(t, job.Result)

	recs, err := h.store.Query(context.Background(), id, "subs", "")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.NotEmpty(t, h.channel.texts)

	require.Equal(t, 1, h.metrics.completions)
	require.Equal(t, "done", h.metrics.lastStatus)
	require.Len(t, h.sink.jobs, 1)
	require.Equal(t, id, h.sink.jobs[0].ID)
}

func TestRunSkillNotFoundFailsJob(t *testing.T) {
	h := newTestHarness(t, nil)
	id, err := h.queue.Enqueue(context.Background(), "nonexistent", map[string]any{"target": "x"})
	require.NoError(t, err)

	h.dispatcher.Run(context.Background(), id)

	job, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, job.Status)
	require.NotEmpty(t, h.channel.texts)

	require.Equal(t, 1, h.metrics.completions)
	require.Equal(t, "failed", h.metrics.lastStatus)
	require.Empty(t, h.sink.jobs) // finish() is only reached on a completed chain
}

func TestRunUnknownToolIsNoOp(t *testing.T) {
	h := newTestHarness(t, http.NewServeMux())
	writeSkillYAML(t, h.skillsDir, "weird", `
name: weird
steps:
  - tool: some_custom_tool
    output: raw_out
`)

	id, err := h.queue.Enqueue(context.Background(), "weird", map[string]any{"target": "example.com"})
	require.NoError(t, err)

	h.dispatcher.Run(context.Background(), id)

	job, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusDone, job.Status)

	recs, err := h.store.Query(context.Background(), id, "raw_out", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestRunToolHTTPFailureContinuesChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tools/amass-enum", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	h := newTestHarness(t, mux)
	writeSkillYAML(t, h.skillsDir, "flaky", `
name: flaky
steps:
  - tool: amass
    output: subs
  - action: store_findings
`)

	id, err := h.queue.Enqueue(context.Background(), "flaky", map[string]any{"target": "example.com"})
	require.NoError(t, err)

	h.dispatcher.Run(context.Background(), id)

	job, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusDone, job.Status)
	require.NotEmpty(t, h.channel.texts)
}

func TestRunCancelBeforeStepsCancelsJob(t *testing.T) {
	h := newTestHarness(t, nil)
	writeSkillYAML(t, h.skillsDir, "slow", `
name: slow
steps:
  - tool: amass
    output: subs
`)

	id, err := h.queue.Enqueue(context.Background(), "slow", map[string]any{"target": "example.com"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.dispatcher.Run(ctx, id)

	job, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, job.Status)
}

func TestRunSuggestNextChoiceEnqueuesFollowUp(t *testing.T) {
	h := newTestHarness(t, nil)
	writeSkillYAML(t, h.skillsDir, "analyze", `
name: analyze
steps:
  - action: suggest_next
    timeout_sec: 5
`)

	planner := &fakePlanner{skill: "recon", params: map[string]any{"target": "example.com"}}
	h.dispatcher.planner = planner

	_, err := h.store.Write(context.Background(), "seed", "vulns", []artifact.Record{{"severity": "critical", "template": "x", "detail": ""}})
	require.NoError(t, err)

	id, err := h.queue.Enqueue(context.Background(), "analyze", map[string]any{"target": "example.com"})
	require.NoError(t, err)

	go func() {
		require.Eventually(t, func() bool {
			return h.dispatcher.gate.Pending("suggest_" + id)
		}, 2*time.Second, 10*time.Millisecond)
		h.dispatcher.gate.Resolve("suggest_"+id, approval.Outcome{Action: approval.Choice, Choice: "manual_review"})
	}()

	h.dispatcher.Run(context.Background(), id)

	job, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusDone, job.Status)
	require.Equal(t, "manual_review on example.com", planner.lastGoal)
	require.NotEmpty(t, h.channel.buttons)
}

func TestCancelReturnsFalseForUnknownJob(t *testing.T) {
	h := newTestHarness(t, nil)
	require.False(t, h.dispatcher.Cancel("nope"))
}
