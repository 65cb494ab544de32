// Package retry decides, per failure kind, whether a failed fetch is tried again and after how long.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/willx33/sol-tools/lib/config"
)

// Kind classifies a failed attempt.
type Kind int

// Failure kinds.
const (
	None Kind = iota
	TransientNetwork
	RateLimited
	ClientError
	ServerError
	AuthError
)

var kindNames = [...]string{"none", "transient-network", "rate-limited", "client-error", "server-error", "auth-error"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// MarshalText renders kinds by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for i, n := range kindNames {
		if n == string(text) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown failure kind %q", text)
}

// Retryable reports whether a failure of this kind may be tried again.
func (k Kind) Retryable() bool {
	return k == TransientNetwork || k == RateLimited || k == ServerError
}

// Policy holds the backoff shape. Attempts are counted from 1.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0.2 is +/-20%
	MaxDelay    time.Duration

	mu   *sync.Mutex
	rand *rand.Rand
}

// Decision is the answer of ShouldRetry.
type Decision struct {
	Retry bool
	After time.Duration
}

// Default returns the default policy: 3 attempts, 0.5s base delay doubling with +/-20% jitter.
func Default() Policy {
	return FromConfig(config.RetryDefault)
}

// FromConfig builds a Policy from its configuration, using defaults for unset values.
func FromConfig(c config.RetryConfig) Policy {
	p := Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BaseDelayMs) * time.Millisecond,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
		MaxDelay:    time.Duration(c.MaxDelayMs) * time.Millisecond,
	}
	return p.normalize()
}

// WithSeed returns a copy of p whose jitter comes from a private source seeded with seed.
func (p Policy) WithSeed(seed int64) Policy {
	p.mu = &sync.Mutex{}
	p.rand = rand.New(rand.NewSource(seed)) //nolint:gosec // jitter only
	return p
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0.2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Backoff returns the delay before the attempt following attempt: base * multiplier^(attempt-1), capped at
// MaxDelay and jittered.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*p.float() - 1)
	}
	return time.Duration(d)
}

func (p Policy) float() float64 {
	if p.rand == nil {
		return rand.Float64() //nolint:gosec // jitter only
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rand.Float64()
}

// ShouldRetry tells whether the job that failed its attempt-th attempt with err should be tried again.
// Rate limited failures wait for the provider hint when there is one. Client and auth errors never retry.
func (p Policy) ShouldRetry(attempt int, err error) Decision {
	if err == nil {
		return Decision{}
	}
	p = p.normalize()
	kind, hint := Classify(err)
	if !kind.Retryable() || attempt >= p.MaxAttempts {
		return Decision{}
	}
	if kind == RateLimited && hint > 0 {
		return Decision{Retry: true, After: hint}
	}
	return Decision{Retry: true, After: p.Backoff(attempt)}
}

// Wait blocks for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do calls fn until it succeeds, fails with a non retryable error, runs out of attempts or ctx is done. It returns
// the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) (int, error) {
	var err error
	attempt := 0
	for {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return attempt, err
		}
		attempt++
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		d := p.ShouldRetry(attempt, err)
		if !d.Retry {
			return attempt, err
		}
		if werr := Wait(ctx, d.After); werr != nil {
			return attempt, err
		}
	}
}
