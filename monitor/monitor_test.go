package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hexclaw/orchestrator/ltstore"
	"github.com/hexclaw/orchestrator/operator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	alerts []ltstore.Alert
}

func (f *fakeSink) PersistJob(context.Context, ltstore.JobRecord, []ltstore.Finding) error {
	return nil
}
func (f *fakeSink) PersistAlert(_ context.Context, alert ltstore.Alert) error {
	f.alerts = append(f.alerts, alert)
	return nil
}

type fakeChannel struct {
	texts []string
}

func (f *fakeChannel) SendText(_ context.Context, markdown string) error {
	f.texts = append(f.texts, markdown)
	return nil
}
func (f *fakeChannel) SendFile(context.Context, string, string) error { return nil }
func (f *fakeChannel) SendWithButtons(context.Context, string, []operator.Button) error {
	return nil
}

const rssBody = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Test Feed</title>
<item>
  <title>Critical RCE found in widget (CVE-2024-1234)</title>
  <link>https://example.com/a</link>
  <description>Unauthenticated remote code execution.</description>
  <pubDate>Mon, 01 Jan 2024 00:00:00 GMT</pubDate>
</item>
<item>
  <title>Minor info disclosure</title>
  <link>https://example.com/b</link>
  <description>Low severity issue.</description>
</item>
</channel></rss>`

func TestScoreSeverityKeywords(t *testing.T) {
	require.Equal(t, "critical", scoreSeverity("Zero-day RCE", ""))
	require.Equal(t, "high", scoreSeverity("SQL injection found", ""))
	require.Equal(t, "medium", scoreSeverity("Reflected XSS", ""))
	require.Equal(t, "low", scoreSeverity("CVE-2023-9999 disclosed", ""))
	require.Equal(t, "info", scoreSeverity("Routine maintenance notice", ""))
}

func TestScoreSeverityCVSS(t *testing.T) {
	require.Equal(t, "critical", scoreSeverity("Advisory CVSS: 9.8", ""))
	require.Equal(t, "high", scoreSeverity("Advisory cvss 7.5 reported", ""))
	require.Equal(t, "medium", scoreSeverity("cvss score 4.0", ""))
}

func TestMinSeverityMet(t *testing.T) {
	require.True(t, minSeverityMet("critical", "medium"))
	require.True(t, minSeverityMet("medium", "medium"))
	require.False(t, minSeverityMet("low", "medium"))
	require.False(t, minSeverityMet("bogus", "medium"))
}

func TestDedupeStoreInProcessOnly(t *testing.T) {
	d := NewDedupeStore(nil)
	ctx := context.Background()
	require.False(t, d.IsSeen(ctx, "fp1"))
	d.MarkSeen(ctx, "fp1")
	require.True(t, d.IsSeen(ctx, "fp1"))
	require.False(t, d.IsSeen(ctx, "fp2"))
}

func TestParseRSSExtractsItemsAndScoresSeverity(t *testing.T) {
	alerts, ok := parseRSS("https://feed.example.com/rss", []byte(rssBody))
	require.True(t, ok)
	require.Len(t, alerts, 2)
	require.Equal(t, "critical", alerts[0].Severity)
	require.Equal(t, "low", alerts[1].Severity)
	require.NotEmpty(t, alerts[0].Fingerprint)
}

func TestRunOnceDeliversAboveThresholdAndDedupes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssBody))
	}))
	defer srv.Close()

	ch := &fakeChannel{}
	sink := &fakeSink{}
	m := New(zerolog.Nop(), []string{srv.URL}, "medium", false, NewDedupeStore(nil), ch, nil, sink)

	sent, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, sent, 1) // only the critical one clears "medium" threshold
	require.Len(t, ch.texts, 1)
	require.Len(t, sink.alerts, 1)
	require.Equal(t, "critical", sink.alerts[0].Severity)

	sent2, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, sent2) // second pass: same fingerprint, deduped

	stats := m.Stats()
	require.Equal(t, 2, stats.FeedsPolled)
	require.Equal(t, 1, stats.AlertsSent)
	require.GreaterOrEqual(t, stats.AlertsSkippedDedup, 1)
}

func TestRunOnceDryRunDoesNotCallChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssBody))
	}))
	defer srv.Close()

	ch := &fakeChannel{}
	m := New(zerolog.Nop(), []string{srv.URL}, "medium", true, NewDedupeStore(nil), ch, nil, nil)

	sent, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Empty(t, ch.texts)
}

func TestFetchFeedFallsBackToHTMLAdvisory(t *testing.T) {
	html := `<html><body><article><h2><a href="/advisory/1">Critical zero-day disclosed</a></h2></article></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(html))
	}))
	defer srv.Close()

	m := New(zerolog.Nop(), nil, "medium", false, NewDedupeStore(nil), &fakeChannel{}, nil, nil)
	alerts, err := m.fetchFeed(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "critical", alerts[0].Severity)
	require.Contains(t, alerts[0].URL, srv.URL)
}

func TestSendTestAlertReachesChannel(t *testing.T) {
	ch := &fakeChannel{}
	m := New(zerolog.Nop(), nil, "medium", false, NewDedupeStore(nil), ch, nil, nil)
	require.NoError(t, m.SendTestAlert(context.Background()))
	require.Len(t, ch.texts, 1)
	require.Contains(t, ch.texts[0], "TEST")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m := New(zerolog.Nop(), nil, "medium", true, NewDedupeStore(nil), &fakeChannel{}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
