package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuggestNextCriticalFindingsTakePriority(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	_, err := store.Write(ctx, "job1", "vulns", []Record{{"severity": "critical", "title": "rce"}})
	require.NoError(t, err)

	suggestions, err := store.SuggestNext(ctx, "job1")
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)
	require.Equal(t, 1, suggestions[0].Priority)
	require.Contains(t, suggestions[0].Action, "nuclei")
}

func TestSuggestNextWebPortsDetected(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	_, err := store.Write(ctx, "job1", "ports", []Record{{"port": "80"}, {"port": "443"}})
	require.NoError(t, err)

	suggestions, err := store.SuggestNext(ctx, "job1")
	require.NoError(t, err)

	found := false
	for _, s := range suggestions {
		if s.Action == "nikto -h TARGET" {
			found = true
		}
	}
	require.True(t, found)
}

func TestSuggestNextNoFindingsExpandsScope(t *testing.T) {
	store := New(t.TempDir())
	suggestions, err := store.SuggestNext(context.Background(), "emptyjob")
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	require.Equal(t, "amass enum -passive -d TARGET", suggestions[0].Action)
}

func TestSuggestNextDeduplicatesActions(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	_, err := store.Write(ctx, "job1", "ports", []Record{{"port": "3306"}, {"port": "3306"}})
	require.NoError(t, err)

	suggestions, err := store.SuggestNext(ctx, "job1")
	require.NoError(t, err)

	seen := map[string]int{}
	for _, s := range suggestions {
		seen[s.Action]++
	}
	for action, count := range seen {
		require.Equal(t, 1, count, "action %q should appear once", action)
	}
}
