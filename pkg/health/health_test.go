package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// serverEndpoints points both services at srv.
func serverEndpoints(t *testing.T, srv *httptest.Server) (Endpoints, string) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Endpoints{Scheme: "http", SearchPort: port, DashboardPort: port}, host
}

func TestEndpointsURLs(t *testing.T) {
	e := DefaultEndpoints()
	assert.Equal(t, "http://1.2.3.4:9200", e.SearchURL("1.2.3.4"))
	assert.Equal(t, "http://1.2.3.4:5601/api/status", e.DashboardURL("1.2.3.4", "/api/status"))
	assert.Equal(t, "http://1.2.3.4:9200", Endpoints{SearchPort: 9200}.SearchURL("1.2.3.4"))
}

func TestSearchEngineProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{"ok", http.StatusOK, true},
		{"auth enforced", http.StatusUnauthorized, true},
		{"starting", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			endpoints, host := serverEndpoints(t, srv)
			err := NewProber(endpoints, "pw", time.Second).SearchEngine(context.Background(), host)
			if tt.healthy {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, engine.IsTransient(err))
			}
		})
	}
}

func TestDashboardProbeSendsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if r.URL.Path != "/api/status" || !ok || user != ServiceUser || pass != "secret" || r.Header.Get("kbn-xsrf") != "true" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoints, host := serverEndpoints(t, srv)
	assert.NoError(t, NewProber(endpoints, "secret", time.Second).Dashboard(context.Background(), host))
	assert.Error(t, NewProber(endpoints, "wrong", time.Second).Dashboard(context.Background(), host))
}

func TestProbeUnreachable(t *testing.T) {
	endpoints := Endpoints{SearchPort: 1, DashboardPort: 1}
	err := NewProber(endpoints, "", 200*time.Millisecond).SearchEngine(context.Background(), "127.0.0.1")
	require.Error(t, err)
	assert.True(t, engine.IsRetryable(err))
}

func TestWaitForEventuallySucceeds(t *testing.T) {
	calls := 0
	err := WaitFor(context.Background(), "thing", time.Second, 5*time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitForTimesOut(t *testing.T) {
	err := WaitFor(context.Background(), "thing", 30*time.Millisecond, 5*time.Millisecond, func(context.Context) error {
		return errors.New("still down")
	})
	require.Error(t, err)

	var engineErr *engine.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, engine.ErrCodeTimeout, engineErr.Code)
	assert.Contains(t, err.Error(), "still down")
}

func TestWaitForStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WaitFor(context.Background(), "thing", time.Second, 5*time.Millisecond, func(context.Context) error {
		calls++
		return engine.NewAuthError("rejected", nil)
	})
	require.Error(t, err)
	assert.True(t, engine.IsAuth(err))
	assert.Equal(t, 1, calls)
}

func TestWaitForHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitFor(ctx, "thing", time.Second, 5*time.Millisecond, func(context.Context) error {
		return errors.New("down")
	})
	assert.Error(t, err)
}

func TestTCPReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.True(t, TCPReachable(context.Background(), "127.0.0.1", port, time.Second))
	assert.False(t, TCPReachable(context.Background(), "", port, time.Second))

	ln.Close()
	assert.False(t, TCPReachable(context.Background(), "127.0.0.1", port, 200*time.Millisecond))
}

func TestReachabilityUsesNodeAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	saved := nodeSSHPort
	nodeSSHPort = ln.Addr().(*net.TCPAddr).Port
	t.Cleanup(func() { nodeSSHPort = saved })

	nodes := []engine.ComputeNodeRecord{
		{ID: "i-private", PrivateAddress: "127.0.0.1"},
		{ID: "i-public", PublicAddress: "127.0.0.1", PrivateAddress: "192.0.2.1"},
		{ID: "i-none"},
	}
	report := ProbeReachability(context.Background(), engine.EdgeSpec{Host: "127.0.0.1", Port: 1}, nodes, 200*time.Millisecond)

	assert.True(t, report.Nodes["i-private"])
	assert.True(t, report.Nodes["i-public"])
	assert.False(t, report.Nodes["i-none"])
	assert.False(t, report.Edge.Reachable)
}

func TestConnectivityPollerReports(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	targets := func() (engine.EdgeSpec, []engine.ComputeNodeRecord) {
		return engine.EdgeSpec{Host: "127.0.0.1", Port: port},
			[]engine.ComputeNodeRecord{{ID: "i-1"}}
	}

	poller := StartConnectivityPoller(context.Background(), time.Hour, 200*time.Millisecond, targets)
	defer poller.Stop()

	select {
	case report := <-poller.Reports():
		assert.True(t, report.Edge.Reachable)
		assert.False(t, report.Nodes["i-1"])
	case <-time.After(2 * time.Second):
		t.Fatal("no connectivity report")
	}

	poller.Stop()
	poller.Stop()
}
