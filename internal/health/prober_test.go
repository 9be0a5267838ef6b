package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/portpilot/internal/netaddr"
)

// closedURL returns the URL of a server that is no longer listening.
func closedURL(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	u := server.URL
	server.Close()
	return u
}

// flakyServer answers only while up is true; otherwise it aborts the connection.
func flakyServer(t *testing.T, up *atomic.Bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !up.Load() {
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestProber(t *testing.T, opts ...Option) *Prober {
	t.Helper()
	p := NewProber(opts...)
	t.Cleanup(p.Close)
	return p
}

func TestProber_Check(t *testing.T) {
	statusServer := func(code int) string {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		t.Cleanup(server.Close)
		return server.URL
	}

	okURL := statusServer(http.StatusOK)
	tests := []struct {
		name     string
		urls     []string
		expected bool
	}{
		{name: "status_ok", urls: []string{okURL}, expected: true},
		{name: "server_error_counts_as_reachable", urls: []string{statusServer(http.StatusInternalServerError)}, expected: true},
		{name: "not_found_counts_as_reachable", urls: []string{statusServer(http.StatusNotFound) + "/nope"}, expected: true},
		{name: "connection_refused", urls: []string{closedURL(t)}, expected: false},
		{name: "all_must_pass", urls: []string{okURL, closedURL(t)}, expected: false},
		{name: "invalid_url", urls: []string{"http://%zz"}, expected: false},
		{name: "empty_set", urls: nil, expected: true},
	}

	p := newTestProber(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, p.Check(context.Background(), tt.urls))
		})
	}
}

func TestProber_CheckSelfSignedLoopback(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p := newTestProber(t)
	assert.True(t, p.Check(context.Background(), []string{server.URL}))
}

// redirectingServer is a loopback TLS server answering every request with a
// redirect to target.
func redirectingServer(t *testing.T, target string) *httptest.Server {
	t.Helper()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestProber_CheckDoesNotFollowRedirects(t *testing.T) {
	t.Run("redirect_to_closed_target_is_reachable", func(t *testing.T) {
		server := redirectingServer(t, closedURL(t))

		p := newTestProber(t)
		assert.True(t, p.Check(context.Background(), []string{server.URL}))
	})

	t.Run("redirect_never_leaves_loopback", func(t *testing.T) {
		ips := netaddr.LANIPv4()
		if len(ips) == 0 {
			t.Skip("no non-loopback IPv4 address")
		}
		listener, err := net.Listen("tcp", net.JoinHostPort(ips[0], "0"))
		if err != nil {
			t.Skipf("cannot listen on %s: %v", ips[0], err)
		}

		var hits atomic.Int32
		remote := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		_ = remote.Listener.Close() //nolint:errcheck // replaced below
		remote.Listener = listener
		remote.StartTLS()
		t.Cleanup(remote.Close)

		server := redirectingServer(t, remote.URL)

		p := newTestProber(t)
		assert.True(t, p.Check(context.Background(), []string{server.URL}))
		assert.Zero(t, hits.Load())
	})
}

func TestProber_ClientFor(t *testing.T) {
	p := newTestProber(t)

	tests := []struct {
		name     string
		raw      string
		loopback bool
	}{
		{name: "https_localhost", raw: "https://localhost:8443", loopback: true},
		{name: "https_ipv4_loopback", raw: "https://127.0.0.1", loopback: true},
		{name: "https_ipv6_loopback", raw: "https://[::1]:9000", loopback: true},
		{name: "https_remote", raw: "https://example.com", loopback: false},
		{name: "https_lan", raw: "https://192.168.1.10:8443", loopback: false},
		{name: "http_localhost", raw: "http://localhost:3000", loopback: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			if tt.loopback {
				assert.Same(t, p.loopbackClient, p.clientFor(u))
			} else {
				assert.Same(t, p.client, p.clientFor(u))
			}
		})
	}
}

func TestProber_CheckHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newTestProber(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.False(t, p.Check(ctx, []string{server.URL}))
}

func TestProber_ScheduleReady(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	server := flakyServer(t, &up)

	p := newTestProber(t)
	ready := make(chan struct{})
	p.Schedule([]string{server.URL}, 50*time.Millisecond, 5*time.Second,
		func() { close(ready) },
		func() { t.Error("unexpected timeout") },
	)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("check never became ready")
	}
	assert.Eventually(t, func() bool { return p.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestProber_ScheduleBecomesReady(t *testing.T) {
	var up atomic.Bool
	server := flakyServer(t, &up)

	p := newTestProber(t)
	ready := make(chan struct{})
	p.Schedule([]string{server.URL}, 30*time.Millisecond, 5*time.Second,
		func() { close(ready) },
		func() { t.Error("unexpected timeout") },
	)

	time.Sleep(150 * time.Millisecond)
	up.Store(true)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("check never became ready")
	}
}

func TestProber_ScheduleTimeout(t *testing.T) {
	p := newTestProber(t)
	timedOut := make(chan time.Duration, 1)
	started := time.Now()

	p.Schedule([]string{closedURL(t)}, 50*time.Millisecond, 200*time.Millisecond,
		func() { t.Error("unexpected ready") },
		func() { timedOut <- time.Since(started) },
	)

	select {
	case elapsed := <-timedOut:
		assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
		assert.Less(t, elapsed, 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout callback never fired")
	}
}

func TestProber_ScheduleSkipsOverlappingProbes(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(400 * time.Millisecond)
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	p := newTestProber(t)
	token := p.Schedule([]string{server.URL}, 20*time.Millisecond, 10*time.Second, func() {}, func() {})
	time.Sleep(300 * time.Millisecond)
	p.Cancel(token)

	assert.Equal(t, int32(1), hits.Load())
}

func TestProber_CancelIsIdempotent(t *testing.T) {
	p := newTestProber(t)

	assert.NotPanics(t, func() {
		p.Cancel(0)
		p.Cancel(Token(9999))
	})

	var called atomic.Bool
	token := p.Schedule([]string{closedURL(t)}, 20*time.Millisecond, 100*time.Millisecond,
		func() { called.Store(true) },
		func() { called.Store(true) },
	)
	p.Cancel(token)
	p.Cancel(token)

	time.Sleep(250 * time.Millisecond)
	assert.False(t, called.Load())
	assert.Equal(t, 0, p.Active())
}

func TestProber_Watch(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	server := flakyServer(t, &up)

	p := newTestProber(t)
	results := make(chan bool, 64)
	token := p.Watch([]string{server.URL}, 30*time.Millisecond, func(healthy bool) {
		select {
		case results <- healthy:
		default:
		}
	})
	defer p.Cancel(token)

	select {
	case healthy := <-results:
		assert.True(t, healthy)
	case <-time.After(2 * time.Second):
		t.Fatal("watch never reported")
	}

	up.Store(false)
	assert.Eventually(t, func() bool {
		select {
		case healthy := <-results:
			return !healthy
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProber_CloseStopsWatches(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	server := flakyServer(t, &up)

	p := NewProber()
	p.Watch([]string{server.URL}, 20*time.Millisecond, func(bool) {})
	p.Watch([]string{server.URL}, 20*time.Millisecond, func(bool) {})
	require.Equal(t, 2, p.Active())

	p.Close()
	assert.Equal(t, 0, p.Active())

	// Checks scheduled after Close never run.
	var called atomic.Bool
	p.Schedule([]string{server.URL}, 10*time.Millisecond, time.Second, func() { called.Store(true) }, func() {})
	time.Sleep(100 * time.Millisecond)
	assert.False(t, called.Load())
}

func TestProber_Metrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	p := newTestProber(t, WithMetrics(reg))

	require.True(t, p.Check(context.Background(), []string{server.URL}))
	require.False(t, p.Check(context.Background(), []string{closedURL(t)}))

	assert.InDelta(t, 1, testutil.ToFloat64(p.probes.WithLabelValues("reachable")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.probes.WithLabelValues("unreachable")), 0)
}
