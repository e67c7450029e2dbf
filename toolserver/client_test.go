package toolserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInvokeSuccessDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/subdomain_enum", r.URL.Path)
		w.Write([]byte(`{"success":true,"subdomains":["a.example.com","b.example.com"]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	resp, err := c.Invoke(context.Background(), "subdomain_enum", map[string]any{"target": "example.com"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, []string{"a.example.com", "b.example.com"}, resp.Subdomains)
	require.NotEmpty(t, resp.Raw)
}

func TestInvokeSuccessFalseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"tool crashed"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Invoke(context.Background(), "port_scan", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "success=false")
}

func TestInvokeNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`internal error`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Invoke(context.Background(), "vuln_scan", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
}

func TestInvokeDefaultTimeoutApplied(t *testing.T) {
	c := New("http://example.invalid", 0)
	require.Equal(t, 300*time.Second, c.http.Timeout)
}
