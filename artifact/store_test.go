package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndQuery(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	n, err := store.Write(ctx, "job1", "vulns", []Record{
		{"severity": "critical", "title": "sqli"},
		{"severity": "low", "title": "verbose errors"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := store.Query(ctx, "job1", "vulns", "SELECT severity, COUNT(*) AS n FROM data GROUP BY severity ORDER BY severity")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestQueryMissingArtifactReturnsEmpty(t *testing.T) {
	store := New(t.TempDir())
	rows, err := store.Query(context.Background(), "nope", "vulns", "SELECT * FROM data")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestWriteEmptyRecordsIsNoop(t *testing.T) {
	store := New(t.TempDir())
	n, err := store.Write(context.Background(), "job1", "vulns", nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestAppendUnionsWithExisting(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	_, err := store.Write(ctx, "job1", "ports", []Record{{"port": "22"}})
	require.NoError(t, err)

	n, err := store.Append(ctx, "job1", "ports", []Record{{"port": "443"}})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := store.Query(ctx, "job1", "ports", "SELECT * FROM data")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestQueryGlobUnionsAcrossJobs(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	_, err := store.Write(ctx, "job1", "vulns", []Record{{"severity": "critical", "title": "a"}})
	require.NoError(t, err)
	_, err = store.Write(ctx, "job2", "vulns", []Record{{"severity": "high", "title": "b"}})
	require.NoError(t, err)

	rows, err := store.QueryGlob(ctx, "vulns", "SELECT * FROM data ORDER BY severity")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestQueryGlobNoArtifactsReturnsEmpty(t *testing.T) {
	store := New(t.TempDir())
	rows, err := store.QueryGlob(context.Background(), "vulns", "SELECT * FROM data")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestList(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	_, err := store.Write(ctx, "job1", "vulns", []Record{{"severity": "low"}})
	require.NoError(t, err)

	entries, err := store.List("")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Path, "vulns.db")
}
