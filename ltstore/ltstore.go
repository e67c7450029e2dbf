// Package ltstore defines the long-term store collaborator spec.md §1
// names as external (Postgres in production) without building one: a
// narrow Sink interface, a NullSink default, and a LogSink fallback.
// A real lib/pq-backed sink is a drop-in implementation of the same
// interface, deliberately not built here since the store itself is out
// of scope.
//
// Grounded on the teacher's analytics.Sink/LogSink/ClickHouseSink
// pattern (services/gateway/analytics/ingestion.go): the same "narrow
// write interface, log fallback, real backend left as a stub" shape,
// adapted from LLM-gateway billing events to job completions and
// threat alerts.
package ltstore

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// JobRecord is the long-term-store projection of one finished job.
type JobRecord struct {
	ID     string
	Skill  string
	Target string
	Status string
}

// Finding is one persisted finding row, same shape as artifact.Record.
type Finding = map[string]any

// Alert is the long-term-store projection of a delivered threat alert.
type Alert struct {
	Source      string
	Title       string
	URL         string
	Severity    string
	Fingerprint string
}

// Sink is the long-term store write path. Every method is best-effort:
// callers log a failure and carry on rather than fail the job or the
// monitor pass over it.
type Sink interface {
	PersistJob(ctx context.Context, job JobRecord, findings []Finding) error
	PersistAlert(ctx context.Context, alert Alert) error
}

// NullSink discards everything. The default when no long-term store is
// configured.
type NullSink struct{}

func (NullSink) PersistJob(context.Context, JobRecord, []Finding) error { return nil }
func (NullSink) PersistAlert(context.Context, Alert) error              { return nil }

// LogSink writes structured JSON log lines in place of a real store —
// development/fallback, same role as the teacher's analytics.LogSink.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "ltstore-log").Logger()}
}

func (s *LogSink) PersistJob(_ context.Context, job JobRecord, findings []Finding) error {
	data, _ := json.Marshal(struct {
		Job      JobRecord `json:"job"`
		Findings []Finding `json:"findings"`
	}{job, findings})
	s.log.Debug().RawJSON("record", data).Msg("job persisted")
	return nil
}

func (s *LogSink) PersistAlert(_ context.Context, alert Alert) error {
	data, _ := json.Marshal(alert)
	s.log.Debug().RawJSON("record", data).Msg("alert persisted")
	return nil
}
