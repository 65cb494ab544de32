package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, n int, opts Options) (*Pool, *fakeClock) {
	t.Helper()

	for i := 0; i < n; i++ {
		px, err := ParseProxy("http://10.0.0." + string(rune('1'+i)) + ":8080")
		if err != nil {
			t.Fatal(err)
		}
		opts.Proxies = append(opts.Proxies, px)
	}
	opts.UseProxies = n > 0
	p := New(opts)
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p.now = clk.now
	return p, clk
}

func TestRoundRobin(t *testing.T) {
	p, _ := newTestPool(t, 3, Options{})
	ctx := context.Background()

	var got []string
	for i := 0; i < 6; i++ {
		l, err := p.Acquire(ctx, "rpc")
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, l.Proxy().URL.Host)
		if err = l.Release(Success); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if got[i] != got[i+3] {
			t.Errorf("rotation not round-robin: %v", got)
		}
	}
	if got[0] == got[1] || got[1] == got[2] {
		t.Errorf("rotation repeated a proxy: %v", got)
	}
}

func TestDirect(t *testing.T) {
	p := New(Options{})
	l, err := p.Acquire(context.Background(), "rpc")
	if err != nil {
		t.Fatal(err)
	}
	if l.Proxy() != nil || l.Client() == nil || l.Endpoint() != "rpc" {
		t.Errorf("unexpected direct lease %+v", l)
	}
	if l.Dialer().Proxy != nil {
		t.Errorf("direct dialer should not use a proxy")
	}
	if p.Outstanding() != 1 {
		t.Errorf("outstanding got %d", p.Outstanding())
	}
	if err = l.Release(Success); err != nil {
		t.Fatal(err)
	}
	if err = l.Release(Success); !errors.Is(err, ErrReleased) {
		t.Errorf("double release should fail, got %v", err)
	}
	if p.Outstanding() != 0 {
		t.Errorf("outstanding got %d", p.Outstanding())
	}
}

func TestDemotionExcludesUntilCooldown(t *testing.T) {
	p, clk := newTestPool(t, 2, Options{Cooldown: time.Minute, FailureThreshold: 5, MaxDemotions: 3})
	bad := p.proxies[0]

	// 5 consecutive faults within the window
	for i := 0; i < 5; i++ {
		p.Release(p.lease("rpc", bad), ProxyFault)
		clk.add(time.Second)
	}

	for i := 0; i < 4; i++ {
		px, _, err := p.pick("rpc")
		if err != nil || px != p.proxies[1] {
			t.Fatalf("demoted proxy selected (%d): %v %v", i, px, err)
		}
	}

	clk.add(time.Minute)
	seen := false
	for i := 0; i < 2; i++ {
		px, _, _ := p.pick("rpc")
		seen = seen || px == bad
	}
	if !seen {
		t.Errorf("proxy not back in rotation after its cooldown")
	}
}

func TestFaultsOutsideWindowDoNotDemote(t *testing.T) {
	p, clk := newTestPool(t, 1, Options{Cooldown: 10 * time.Second, FailureThreshold: 5})
	px := p.proxies[0]
	for i := 0; i < 8; i++ {
		p.Release(p.lease("rpc", px), ProxyFault)
		clk.add(4 * time.Second)
	}
	if got, _, _ := p.pick("rpc"); got != px {
		t.Errorf("sparse faults demoted the proxy")
	}
}

func TestContentErrorsDoNotDemote(t *testing.T) {
	p, _ := newTestPool(t, 1, Options{FailureThreshold: 2})
	px := p.proxies[0]
	for i := 0; i < 10; i++ {
		p.Release(p.lease("rpc", px), ContentError)
	}
	if got, _, _ := p.pick("rpc"); got != px {
		t.Errorf("content errors demoted the proxy")
	}
}

func TestEvictionExhausts(t *testing.T) {
	p, clk := newTestPool(t, 1, Options{Cooldown: time.Second, FailureThreshold: 1, MaxDemotions: 2})
	px := p.proxies[0]
	for i := 0; i < 2; i++ {
		p.Release(p.lease("rpc", px), ProxyFault)
		clk.add(2 * time.Second)
	}
	if !p.Stats()[0].Evicted {
		t.Fatalf("proxy should be evicted: %+v", p.Stats()[0])
	}
	_, err := p.Acquire(context.Background(), "rpc")
	var re *ResourceExhaustedError
	if !errors.As(err, &re) || !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ResourceExhaustedError, got %v", err)
	}
}

func TestAcquireWaitCeiling(t *testing.T) {
	// a single token, the next one a hundred seconds away
	p, clk := newTestPool(t, 1, Options{Cooldown: time.Hour, FailureThreshold: 1, MaxDemotions: 5,
		AcquireTimeout: 50 * time.Millisecond, Budgets: map[string]Budget{"rpc": {Rate: 0.01, Burst: 1}}})
	p.Release(p.lease("rpc", p.proxies[0]), ProxyFault)

	start := time.Now()
	_, err := p.Acquire(context.Background(), "rpc")
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected exhaustion, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("acquire did not honor its wait ceiling")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err = p.Acquire(ctx, "rpc"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}

	// the failed acquires left the token in the budget
	clk.add(2 * time.Hour)
	l, err := p.Acquire(context.Background(), "rpc")
	if err != nil {
		t.Fatalf("token lost by failed acquires: %v", err)
	}
	l.Release(Success)
}

func TestAcquireCancelled(t *testing.T) {
	p, _ := newTestPool(t, 1, Options{Cooldown: time.Hour, FailureThreshold: 1, MaxDemotions: 5})
	p.Release(p.lease("rpc", p.proxies[0]), ProxyFault)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := p.Acquire(ctx, "rpc"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRateBudget(t *testing.T) {
	p := New(Options{Budgets: map[string]Budget{"slow": {Rate: 20, Burst: 1}}})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(ctx, "slow")
		if err != nil {
			t.Fatal(err)
		}
		l.Release(Success)
	}
	// 1 token up front, then 2 more at 20/s
	if el := time.Since(start); el < 80*time.Millisecond {
		t.Errorf("rate budget not enforced, elapsed %v", el)
	}

	unsatisfiable := New(Options{AcquireTimeout: 10 * time.Millisecond,
		Budgets: map[string]Budget{"tiny": {Rate: 0.01, Burst: 1}}})
	l, err := unsatisfiable.Acquire(ctx, "tiny")
	if err != nil {
		t.Fatal(err)
	}
	l.Release(Success)
	if _, err = unsatisfiable.Acquire(ctx, "tiny"); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected exhaustion, got %v", err)
	}
}

func TestOutcomeFor(t *testing.T) {
	if OutcomeFor(nil) != Success || OutcomeFor(context.DeadlineExceeded) != ProxyFault ||
		OutcomeFor(errors.New("bad json")) != ContentError {
		t.Error("unexpected outcomes")
	}
}

func TestClose(t *testing.T) {
	p := New(Options{})
	p.Close()
	p.Close()
	if _, err := p.Acquire(context.Background(), "rpc"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
