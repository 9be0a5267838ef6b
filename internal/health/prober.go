// Package health probes HTTP endpoints for liveness.
//
// A URL passes when the request completes with any HTTP response; the status
// code is not inspected. Probes run once (Check), repeatedly until ready or
// timed out (Schedule), or repeatedly until cancelled (Watch). Scheduled
// checks are identified by a Token and can be cancelled at any time.
package health

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"vawter.tech/stopper"

	"github.com/paveg/portpilot/internal/netaddr"
)

// DefaultRequestTimeout bounds every individual probe request.
const DefaultRequestTimeout = 2 * time.Second

const (
	maxDrainBytes = 4096
	stopGrace     = 100 * time.Millisecond
)

// Token identifies a scheduled check. The zero Token is never issued.
type Token uint64

// Prober issues HTTP liveness probes and owns the goroutines of scheduled checks.
type Prober struct {
	logger         *zap.Logger
	requestTimeout time.Duration
	client         *http.Client
	loopbackClient *http.Client
	flight         singleflight.Group
	probes         *prometheus.CounterVec

	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	next   Token
	checks map[Token]*stopper.Context
	closed bool
}

// Option configures a Prober
type Option func(*Prober)

// WithLogger sets the logger used for probe diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithRequestTimeout overrides the per-request timeout
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.requestTimeout = d
		}
	}
}

// WithMetrics registers probe counters with reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Prober) {
		p.probes = newProbeCounter(reg)
	}
}

func newProbeCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "portpilot",
		Name:      "health_probes_total",
		Help:      "HTTP liveness probes by result.",
	}, []string{"result"})
}

// NewProber creates a Prober. Call Close to cancel every scheduled check.
func NewProber(opts ...Option) *Prober {
	root, cancel := context.WithCancel(context.Background())
	p := &Prober{
		logger:         zap.NewNop(),
		requestTimeout: DefaultRequestTimeout,
		root:           root,
		cancel:         cancel,
		checks:         make(map[Token]*stopper.Context),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.probes == nil {
		p.probes = newProbeCounter(nil)
	}

	// Redirects are never followed: any response counts and traffic stays on the host that was asked.
	p.client = &http.Client{Timeout: p.requestTimeout, CheckRedirect: noRedirect}

	// Self-signed certificates are accepted only for hosts that cannot leave this machine.
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // DefaultTransport is always *http.Transport

	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // loopback only
	p.loopbackClient = &http.Client{Timeout: p.requestTimeout, Transport: transport, CheckRedirect: noRedirect}

	return p
}

// Check probes every URL concurrently and reports whether all of them answered.
// An empty URL set is vacuously healthy; callers decide whether to probe at all.
func (p *Prober) Check(ctx context.Context, urls []string) bool {
	if len(urls) == 0 {
		return true
	}

	results := make(chan bool, len(urls))
	for _, raw := range urls {
		go func(raw string) {
			results <- p.probe(ctx, raw)
		}(raw)
	}

	healthy := true
	for range urls {
		if !<-results {
			healthy = false
		}
	}
	return healthy
}

// probe shares one in-flight request between concurrent callers of the same URL.
func (p *Prober) probe(ctx context.Context, raw string) bool {
	ch := p.flight.DoChan(raw, func() (interface{}, error) {
		return p.get(raw), nil
	})
	select {
	case res := <-ch:
		ok, _ := res.Val.(bool) //nolint:errcheck // value is always a bool
		return ok
	case <-ctx.Done():
		return false
	}
}

func (p *Prober) get(raw string) bool {
	ctx, cancel := context.WithTimeout(p.root, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		p.probes.WithLabelValues("invalid").Inc()
		return false
	}

	resp, err := p.clientFor(req.URL).Do(req)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("url", raw), zap.Error(err))
		p.probes.WithLabelValues("unreachable").Inc()
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes)) //nolint:errcheck // drain for connection reuse

	_ = resp.Body.Close() //nolint:errcheck // best effort

	p.probes.WithLabelValues("reachable").Inc()
	return true
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func (p *Prober) clientFor(u *url.URL) *http.Client {
	if u.Scheme == "https" && netaddr.IsLoopbackHost(u.Hostname()) {
		return p.loopbackClient
	}
	return p.client
}

// Schedule probes urls now and then every interval until a probe succeeds
// (onReady) or timeout has elapsed since the first attempt (onTimeout).
// Ticks that find a probe still in flight are skipped.
func (p *Prober) Schedule(urls []string, interval, timeout time.Duration, onReady, onTimeout func()) Token {
	return p.spawn(func(sctx *stopper.Context) error {
		started := time.Now()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		probes := newInflight(sctx, p, urls)
		probes.launch()

		for {
			select {
			case <-sctx.Stopping():
				return nil
			case ok := <-probes.results:
				probes.done()
				if ok {
					if !sctx.IsStopping() {
						onReady()
					}
					return nil
				}
			case <-ticker.C:
				if time.Since(started) >= timeout {
					if !sctx.IsStopping() {
						onTimeout()
					}
					return nil
				}
				probes.launch()
			}
		}
	})
}

// Watch probes urls every interval and reports each result to fn until the
// returned Token is cancelled. The first probe happens after one interval.
func (p *Prober) Watch(urls []string, interval time.Duration, fn func(healthy bool)) Token {
	return p.spawn(func(sctx *stopper.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		probes := newInflight(sctx, p, urls)
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case ok := <-probes.results:
				probes.done()
				if !sctx.IsStopping() {
					fn(ok)
				}
			case <-ticker.C:
				probes.launch()
			}
		}
	})
}

// Cancel stops the check identified by token. Unknown and finished tokens are ignored.
func (p *Prober) Cancel(token Token) {
	p.mu.Lock()
	sctx, ok := p.checks[token]
	delete(p.checks, token)
	p.mu.Unlock()

	if ok {
		sctx.Stop(stopGrace)
	}
}

// Active returns the number of scheduled checks that have not finished or been cancelled.
func (p *Prober) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checks)
}

// Close cancels every scheduled check and waits for their goroutines.
func (p *Prober) Close() {
	p.mu.Lock()
	p.closed = true
	checks := make([]*stopper.Context, 0, len(p.checks))
	for token, sctx := range p.checks {
		checks = append(checks, sctx)
		delete(p.checks, token)
	}
	p.mu.Unlock()

	for _, sctx := range checks {
		sctx.Stop(stopGrace)
	}
	for _, sctx := range checks {
		_ = sctx.Wait() //nolint:errcheck // check loops never return errors
	}
	p.cancel()
}

func (p *Prober) spawn(loop func(*stopper.Context) error) Token {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.next++
	token := p.next
	if p.closed {
		return token
	}

	sctx := stopper.WithContext(p.root)
	p.checks[token] = sctx
	sctx.Go(func(sctx *stopper.Context) error {
		defer func() {
			p.forget(token)
			sctx.Stop(stopGrace)
		}()
		return loop(sctx)
	})
	return token
}

func (p *Prober) forget(token Token) {
	p.mu.Lock()
	delete(p.checks, token)
	p.mu.Unlock()
}

// inflight runs at most one probe at a time for a scheduled check.
type inflight struct {
	sctx    *stopper.Context
	prober  *Prober
	urls    []string
	busy    bool
	results chan bool
}

func newInflight(sctx *stopper.Context, p *Prober, urls []string) *inflight {
	return &inflight{
		sctx:    sctx,
		prober:  p,
		urls:    urls,
		results: make(chan bool, 1),
	}
}

// launch starts a probe unless one is already running.
func (f *inflight) launch() {
	if f.busy {
		return
	}
	f.busy = true
	f.sctx.Go(func(sctx *stopper.Context) error {
		f.results <- f.prober.Check(sctx, f.urls)
		return nil
	})
}

func (f *inflight) done() {
	f.busy = false
}
