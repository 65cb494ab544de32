// Package pool hands out leases on outbound connections. A lease carries an HTTP client, through a proxy when proxies
// are enabled, and is only granted once the endpoint's rate budget has a token.
//
// Proxies are picked round-robin. A proxy that fails FailureThreshold consecutive times within the cooldown window
// is demoted: it is skipped until the window expires. A proxy demoted MaxDemotions times in a row is evicted.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/metrics"
	"github.com/willx33/sol-tools/lib/retry"
)

// Errors returned
var (
	ErrExhausted = errors.New("resources exhausted")
	ErrReleased  = errors.New("lease already released")
	ErrClosed    = errors.New("pool closed")
)

// ResourceExhaustedError is returned by Acquire when every proxy is evicted or no token nor proxy became available
// within the wait ceiling.
type ResourceExhaustedError struct {
	Endpoint string
	Reason   string
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resources exhausted for %s: %s", e.Endpoint, e.Reason)
}

// Is reports ErrExhausted as a match.
func (e *ResourceExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Outcome of the work done with a lease.
type Outcome int

// Outcomes. ContentError means the connection worked but the reply was unusable (4xx, bad payload), it does not
// count against the proxy.
const (
	Success Outcome = iota
	ProxyFault
	ContentError
)

// OutcomeFor maps the error of an attempt to a lease outcome. Only transport failures are blamed on the proxy.
func OutcomeFor(err error) Outcome {
	if err == nil {
		return Success
	}
	if k, _ := retry.Classify(err); k == retry.TransientNetwork {
		return ProxyFault
	}
	return ContentError
}

// Budget is a token bucket: Rate tokens per second, Burst tokens of capacity. A zero Rate means unlimited.
type Budget struct {
	Rate  float64
	Burst int
}

// Options of a Pool.
type Options struct {
	UseProxies       bool
	Proxies          []*Proxy
	Cooldown         time.Duration
	FailureThreshold int
	MaxDemotions     int
	AcquireTimeout   time.Duration
	RequestTimeout   time.Duration
	Budget           Budget
	Budgets          map[string]Budget
}

// OptionsFromConfig builds pool options from the service configuration, loading the proxy file when proxies are
// enabled.
func OptionsFromConfig(c config.ServiceConfig) (Options, error) {
	o := Options{
		UseProxies:       c.UseProxies,
		Cooldown:         time.Duration(c.Pool.CooldownMs) * time.Millisecond,
		FailureThreshold: c.Pool.FailureThreshold,
		MaxDemotions:     c.Pool.MaxDemotions,
		AcquireTimeout:   time.Duration(c.Pool.AcquireTimeoutMs) * time.Millisecond,
		RequestTimeout:   time.Duration(c.Pool.RequestTimeoutMs) * time.Millisecond,
		Budget:           Budget{Rate: c.Budget.Rate, Burst: c.Budget.Burst},
		Budgets:          map[string]Budget{},
	}
	for k, b := range c.Budgets {
		o.Budgets[k] = Budget{Rate: b.Rate, Burst: b.Burst}
	}
	if c.UseProxies {
		proxies, err := LoadProxyFile(c.ProxyFile)
		if err != nil {
			return o, err
		}
		if len(proxies) == 0 {
			return o, fmt.Errorf("no valid proxies in %s", c.ProxyFile)
		}
		o.Proxies = proxies
	}
	return o, nil
}

func (o Options) normalize() Options {
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.MaxDemotions <= 0 {
		o.MaxDemotions = 3
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	return o
}

// Pool is safe for concurrent use. Proxy health and rate budgets are only mutated under its lock.
type Pool struct {
	mu          sync.Mutex
	opts        Options
	proxies     []*Proxy
	next        int
	limiters    map[string]*rate.Limiter
	direct      *http.Client
	outstanding int
	closed      bool
	now         func() time.Time
}

// New returns a Pool for the given options.
func New(opts Options) *Pool {
	opts = opts.normalize()
	p := &Pool{
		opts:     opts,
		proxies:  opts.Proxies,
		limiters: map[string]*rate.Limiter{},
		direct:   &http.Client{Timeout: opts.RequestTimeout, Transport: newTransport(nil)},
		now:      time.Now,
	}
	for _, px := range p.proxies {
		px.client = &http.Client{Timeout: opts.RequestTimeout, Transport: newTransport(px)}
	}
	return p
}

func newTransport(px *Proxy) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	if px != nil {
		t.Proxy = http.ProxyURL(px.URL)
	}
	t.MaxIdleConnsPerHost = 16
	return t
}

// Acquire waits for a healthy proxy when proxies are enabled, then for a token of the endpoint's budget. The wait
// ends with ctx or after the acquire timeout, the latter as a *ResourceExhaustedError. No token is taken when no
// lease is returned. The returned lease must be released exactly once.
func (p *Pool) Acquire(ctx context.Context, endpoint string) (*Lease, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	wctx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	var px *Proxy
	for p.opts.UseProxies && px == nil {
		var wait time.Duration
		var err error
		if px, wait, err = p.pick(endpoint); err != nil {
			return nil, err
		}
		if px != nil {
			break
		}
		log.Debug().Str("endpoint", endpoint).Dur("wait", wait).Msg("all proxies cooling down")
		if werr := retry.Wait(wctx, wait); werr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &ResourceExhaustedError{Endpoint: endpoint, Reason: "no healthy proxy within wait ceiling"}
		}
	}

	// Wait gives the token back when it fails
	if err := p.limiter(endpoint).Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ResourceExhaustedError{Endpoint: endpoint, Reason: "rate budget unsatisfiable within wait ceiling"}
	}
	return p.lease(endpoint, px), nil
}

// pick returns the next healthy proxy, or how long until one leaves its cooldown.
func (p *Pool) pick(endpoint string) (*Proxy, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.proxies)
	var earliest time.Time
	alive := 0
	for i := 0; i < n; i++ {
		px := p.proxies[(p.next+i)%n]
		if px.evicted {
			continue
		}
		alive++
		if now.Before(px.coolUntil) {
			if earliest.IsZero() || px.coolUntil.Before(earliest) {
				earliest = px.coolUntil
			}
			continue
		}
		p.next = (p.next + i + 1) % n
		px.lastUsed = now
		return px, 0, nil
	}
	if alive == 0 {
		return nil, 0, &ResourceExhaustedError{Endpoint: endpoint, Reason: "all proxies evicted"}
	}
	return nil, earliest.Sub(now), nil
}

func (p *Pool) lease(endpoint string, px *Proxy) *Lease {
	p.mu.Lock()
	p.outstanding++
	p.mu.Unlock()
	metrics.LeasesOutstanding.Inc()

	l := &Lease{pool: p, endpoint: endpoint, proxy: px, client: p.direct, acquired: p.now()}
	if px != nil {
		l.client = px.client
	}
	return l
}

func (p *Pool) limiter(endpoint string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters[endpoint]; ok {
		return l
	}
	b, ok := p.opts.Budgets[endpoint]
	if !ok {
		b = p.opts.Budget
	}
	lim := rate.Inf
	if b.Rate > 0 {
		lim = rate.Limit(b.Rate)
	}
	burst := b.Burst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(lim, burst)
	p.limiters[endpoint] = l
	return l
}

// Release records the outcome of a lease. A second release of the same lease returns ErrReleased and changes nothing.
func (p *Pool) Release(l *Lease, o Outcome) error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	metrics.LeasesOutstanding.Dec()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.outstanding--
	px := l.proxy
	if px == nil {
		return nil
	}
	switch o {
	case Success, ContentError:
		px.successes++
		px.streak = 0
		px.demotions = 0
	case ProxyFault:
		p.fault(px)
	}
	return nil
}

// fault must be called with the lock held.
func (p *Pool) fault(px *Proxy) {
	now := p.now()
	px.failures++
	if px.streak == 0 || now.Sub(px.streakStart) > p.opts.Cooldown {
		px.streak = 0
		px.streakStart = now
	}
	px.streak++
	if px.streak < p.opts.FailureThreshold {
		return
	}
	px.streak = 0
	px.demotions++
	px.coolUntil = now.Add(p.opts.Cooldown)
	metrics.ProxyDemotions.Inc()
	log.Warn().Str("proxy", px.String()).Int("demotions", px.demotions).Time("until", px.coolUntil).
		Msg("proxy demoted")

	if px.demotions >= p.opts.MaxDemotions && !px.evicted {
		px.evicted = true
		metrics.ProxyEvictions.Inc()
		log.Error().Str("proxy", px.String()).Msg("proxy evicted")
	}
}

// Outstanding returns the number of leases not yet released.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// UseProxies reports whether leases go through proxies.
func (p *Pool) UseProxies() bool { return p.opts.UseProxies }

// Stats returns a snapshot of every proxy health.
func (p *Pool) Stats() []ProxyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := make([]ProxyStats, 0, len(p.proxies))
	for _, px := range p.proxies {
		stats = append(stats, ProxyStats{
			Address:   px.URL.Host,
			Scheme:    px.URL.Scheme,
			Successes: px.successes,
			Failures:  px.failures,
			Demotions: px.demotions,
			Cooling:   now.Before(px.coolUntil),
			Evicted:   px.evicted,
			LastUsed:  px.lastUsed,
		})
	}
	return stats
}

// Close drops idle connections. Further Acquire calls fail with ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.direct.CloseIdleConnections()
	for _, px := range p.proxies {
		px.client.CloseIdleConnections()
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
