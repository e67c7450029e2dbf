package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveApprove(t *testing.T) {
	g := New()
	var outcome Outcome
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcome = g.Request(context.Background(), "a1", time.Second)
	}()

	require.Eventually(t, func() bool { return g.Pending("a1") }, time.Second, time.Millisecond)
	require.True(t, g.Resolve("a1", Outcome{Action: Approve}))
	wg.Wait()

	require.Equal(t, Approve, outcome.Action)
}

func TestResolveChoice(t *testing.T) {
	g := New()
	var outcome Outcome
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcome = g.Request(context.Background(), "a2", time.Second)
	}()

	require.Eventually(t, func() bool { return g.Pending("a2") }, time.Second, time.Millisecond)
	g.Resolve("a2", Outcome{Action: Choice, Choice: "ssh_audit"})
	wg.Wait()

	require.Equal(t, Choice, outcome.Action)
	require.Equal(t, "ssh_audit", outcome.Choice)
}

func TestTimeout(t *testing.T) {
	g := New()
	outcome := g.Request(context.Background(), "a3", 20*time.Millisecond)
	require.Equal(t, Timeout, outcome.Action)
	require.False(t, g.Pending("a3"))
}

func TestLateResolveAfterTimeoutIsNoop(t *testing.T) {
	g := New()
	outcome := g.Request(context.Background(), "a4", 10*time.Millisecond)
	require.Equal(t, Timeout, outcome.Action)

	resolved := g.Resolve("a4", Outcome{Action: Approve})
	require.False(t, resolved, "a resolve after timeout must be a no-op")
}

func TestCancelViaContext(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan Outcome, 1)
	go func() {
		resultCh <- g.Request(ctx, "a5", 5*time.Second)
	}()

	require.Eventually(t, func() bool { return g.Pending("a5") }, time.Second, time.Millisecond)
	cancel()

	select {
	case outcome := <-resultCh:
		require.Equal(t, Cancel, outcome.Action)
	case <-time.After(time.Second):
		t.Fatal("Request did not return after context cancellation")
	}
}

func TestDoubleResolveOnlyFirstWins(t *testing.T) {
	g := New()
	resultCh := make(chan Outcome, 1)
	go func() {
		resultCh <- g.Request(context.Background(), "a6", time.Second)
	}()
	require.Eventually(t, func() bool { return g.Pending("a6") }, time.Second, time.Millisecond)

	first := g.Resolve("a6", Outcome{Action: Approve})
	second := g.Resolve("a6", Outcome{Action: Deny})

	require.True(t, first)
	require.False(t, second)

	outcome := <-resultCh
	require.Equal(t, Approve, outcome.Action)
}

func TestParseCallback(t *testing.T) {
	action, id, choice, err := ParseCallback("approve:abc123")
	require.NoError(t, err)
	require.Equal(t, Approve, action)
	require.Equal(t, "abc123", id)
	require.Empty(t, choice)

	action, id, choice, err = ParseCallback("choice:abc123:ssh_audit")
	require.NoError(t, err)
	require.Equal(t, Choice, action)
	require.Equal(t, "abc123", id)
	require.Equal(t, "ssh_audit", choice)

	_, _, _, err = ParseCallback("garbage")
	require.Error(t, err)

	_, _, _, err = ParseCallback("choice:abc123")
	require.Error(t, err)
}
