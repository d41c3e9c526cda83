package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRobotsEnforcer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := zap.NewNop()

	allowAll := NewRobotsEnforcer(false, "test-agent", nil, logger)
	require.True(t, allowAll.Allowed(ctx, "https://example.com/whatever"))

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enforcer := NewRobotsEnforcer(true, "test-agent", srv.Client(), logger)
	require.True(t, enforcer.Allowed(ctx, srv.URL+"/allowed"))
	require.False(t, enforcer.Allowed(ctx, srv.URL+"/blocked/page"))
	require.Equal(t, int32(1), robotsHits.Load(), "robots.txt should be cached per host")
}

func TestRobotsEnforcerAllowsWhenRobotsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	enforcer := NewRobotsEnforcer(true, "test-agent", srv.Client(), nil)
	require.True(t, enforcer.Allowed(context.Background(), srv.URL+"/anything"))
}
