// Package resolver executes resolve(address,kind) / resolve(url,extract,method)
// side effects out-of-band and hands their results back so the dispatcher can
// re-enter the VM with a synthetic result event.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/hypertekorg/hyperstack/internal/bytecode"
	herrors "github.com/hypertekorg/hyperstack/internal/errors"
	"github.com/hypertekorg/hyperstack/internal/ir"
	"github.com/hypertekorg/hyperstack/internal/logging"
	"github.com/hypertekorg/hyperstack/internal/metrics"
)

// Outcome classifies how a resolve request settled.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// Request is one pending resolve(...) side effect, built from a
// vm.Mutation of kind MutationResolve.
type Request struct {
	Entity  string
	Key     string
	FieldID int
	Field   string
	Slot    uint64
	Spec    bytecode.ResolverSpec
	Input   any // the resolved address or url-template key popped by OpResolveRequest
}

// Result is what the dispatcher folds back into the VM as a synthetic
// ResolverResult event.
type Result struct {
	Request Request
	Value   any
	Outcome Outcome
	Err     error
}

// AddressFetcher performs the resolve(address, kind) side effect: given a
// resolver kind and the resolved address value, it returns the raw payload
// to extract a field from. Production wiring supplies an on-chain-metadata
// client; tests supply a stub.
type AddressFetcher interface {
	Fetch(ctx context.Context, kind string, address any) ([]byte, error)
}

// AddressFetcherFunc adapts a function to AddressFetcher.
type AddressFetcherFunc func(ctx context.Context, kind string, address any) ([]byte, error)

func (f AddressFetcherFunc) Fetch(ctx context.Context, kind string, address any) ([]byte, error) {
	return f(ctx, kind, address)
}

// Config controls the pool's concurrency, per-call timeout, and sweep cadence.
type Config struct {
	Concurrency       int
	Timeout           time.Duration
	SweepCron         string // robfig/cron schedule, e.g. "@every 5s"
	OutboundRateLimit rate.Limit
	OutboundRateBurst int
}

func (c *Config) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.SweepCron == "" {
		c.SweepCron = "@every 5s"
	}
	if c.OutboundRateLimit <= 0 {
		c.OutboundRateLimit = 20
	}
	if c.OutboundRateBurst <= 0 {
		c.OutboundRateBurst = int(c.OutboundRateLimit) + 1
	}
}

type inFlight struct {
	req       Request
	startedAt time.Time
	cancel    context.CancelFunc
}

// Pool is the bounded-concurrency async resolver executor. It implements
// internal/system.Service.
type Pool struct {
	cfg Config

	httpClient *http.Client
	addresses  AddressFetcher
	limiter    *rate.Limiter
	sem        chan struct{}

	log     *logging.Logger
	metrics *metrics.Metrics

	results chan Result

	mu       sync.Mutex
	inFlight map[string]*inFlight
	seq      uint64

	sweeper *cron.Cron
	wg      sync.WaitGroup
}

// New builds a Pool. addresses may be nil if no resolve(address,kind)
// mappings are compiled into the loaded spec.
func New(cfg Config, addresses AddressFetcher, log *logging.Logger, m *metrics.Metrics) *Pool {
	cfg.normalize()
	return &Pool{
		cfg:        cfg,
		httpClient: &http.Client{},
		addresses:  addresses,
		limiter:    rate.NewLimiter(cfg.OutboundRateLimit, cfg.OutboundRateBurst),
		sem:        make(chan struct{}, cfg.Concurrency),
		log:        log,
		metrics:    m,
		results:    make(chan Result, cfg.Concurrency*4),
		inFlight:   make(map[string]*inFlight),
	}
}

func (p *Pool) Name() string { return "resolver" }

func (p *Pool) Start(ctx context.Context) error {
	p.sweeper = cron.New()
	if _, err := p.sweeper.AddFunc(p.cfg.SweepCron, p.sweepExpired); err != nil {
		return fmt.Errorf("schedule resolver sweep: %w", err)
	}
	p.sweeper.Start()
	return nil
}

func (p *Pool) Stop(ctx context.Context) error {
	if p.sweeper != nil {
		sweepCtx := p.sweeper.Stop()
		select {
		case <-sweepCtx.Done():
		case <-ctx.Done():
		}
	}
	p.wg.Wait()
	close(p.results)
	return nil
}

// Results is the channel of settled resolve(...) outcomes.
func (p *Pool) Results() <-chan Result { return p.results }

// Submit enqueues a resolve request, admission-controlled by the pool's
// concurrency semaphore. It never blocks the caller for more than it takes
// to acquire a slot; a cancelled ctx aborts submission without running it.
func (p *Pool) Submit(ctx context.Context, req Request) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	// No per-call context deadline here: the periodic sweep (sweepExpired)
	// owns timeout enforcement, so a slow call's expiry is detected and
	// delivered exactly once regardless of how this goroutine is scheduled.
	callCtx, cancel := context.WithCancel(context.Background())
	id := p.track(req, cancel)
	start := time.Now()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer cancel()

		value, err := p.resolve(callCtx, req)
		if p.claim(id) {
			p.deliver(req, value, err, time.Since(start))
		}
	}()
}

func (p *Pool) track(req Request, cancel context.CancelFunc) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("%s:%s:%d", req.Entity, req.Key, p.seq)
	p.inFlight[id] = &inFlight{req: req, startedAt: time.Now(), cancel: cancel}
	return id
}

// claim reports whether id was still tracked as in-flight, removing it.
// It returns false if the sweep already claimed and delivered a timeout
// for this id first, preventing a duplicate result delivery.
func (p *Pool) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; !ok {
		return false
	}
	delete(p.inFlight, id)
	return true
}

func (p *Pool) deliver(req Request, value any, err error, elapsed time.Duration) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
		if err == context.DeadlineExceeded {
			outcome = OutcomeTimeout
		}
	}
	if p.log != nil {
		p.log.LogResolverCall(context.Background(), string(req.Spec.Kind), req.Entity, err)
	}
	if p.metrics != nil {
		p.metrics.ResolverCalls.WithLabelValues(string(req.Spec.Kind), string(outcome)).Inc()
		p.metrics.ResolverLatency.WithLabelValues(string(req.Spec.Kind)).Observe(elapsed.Seconds())
	}
	select {
	case p.results <- Result{Request: req, Value: value, Outcome: outcome, Err: err}:
	default:
		// Results channel full: the dispatcher is not draining fast enough.
		// Drop rather than block a resolver worker forever.
	}
}

// sweepExpired scans in-flight calls older than the configured timeout and
// injects a null ResolverResult, unblocking dependents while the call itself
// is still pending (e.g. a hung DNS lookup); the pool's HTTP client sets no
// timeout of its own.
func (p *Pool) sweepExpired() {
	now := time.Now()
	var expired []*inFlight
	p.mu.Lock()
	for id, f := range p.inFlight {
		if now.Sub(f.startedAt) >= p.cfg.Timeout {
			expired = append(expired, f)
			delete(p.inFlight, id)
		}
	}
	p.mu.Unlock()

	for _, f := range expired {
		f.cancel()
		p.deliver(f.req, nil, context.DeadlineExceeded, time.Since(f.startedAt))
	}
}

func (p *Pool) resolve(ctx context.Context, req Request) (any, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	switch req.Spec.Kind {
	case ir.ResolveURL:
		return p.resolveURL(ctx, req)
	case ir.ResolveAddress:
		return p.resolveAddress(ctx, req)
	default:
		return nil, herrors.ResolverRejected(string(req.Spec.Kind), fmt.Errorf("unknown resolver kind"))
	}
}

func (p *Pool) resolveURL(ctx context.Context, req Request) (any, error) {
	url := expandURLTemplate(req.Spec.URLTemplate, req.Input)
	method := req.Spec.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, req.Spec.Extract)
	if !result.Exists() {
		return nil, herrors.ResolverRejected(string(req.Spec.Kind), fmt.Errorf("field %q not found in response", req.Spec.Extract))
	}
	return result.Value(), nil
}

func (p *Pool) resolveAddress(ctx context.Context, req Request) (any, error) {
	if p.addresses == nil {
		return nil, herrors.ResolverRejected(req.Spec.ResolverName, fmt.Errorf("no address fetcher configured"))
	}
	body, err := p.addresses.Fetch(ctx, req.Spec.ResolverName, req.Input)
	if err != nil {
		return nil, err
	}
	if req.Spec.Extract == "" {
		return string(body), nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	value, err := jsonpath.Get(req.Spec.Extract, doc)
	if err != nil {
		return nil, herrors.ResolverRejected(req.Spec.ResolverName, fmt.Errorf("jsonpath %q: %w", req.Spec.Extract, err))
	}
	return value, nil
}

// expandURLTemplate substitutes {value} in a URL template with the resolved
// key, mirroring the {pair}/{base}/{quote} placeholder convention used for
// HTTP price-feed sources.
func expandURLTemplate(tmpl string, value any) string {
	return strings.ReplaceAll(tmpl, "{value}", fmt.Sprint(value))
}
