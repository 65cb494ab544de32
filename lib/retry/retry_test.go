package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/willx33/sol-tools/lib/config"
)

func TestFromStatus(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")

	cases := []struct {
		status int
		header http.Header
		kind   Kind
		hint   time.Duration
		nilErr bool
	}{
		{200, nil, None, 0, true},
		{204, nil, None, 0, true},
		{429, h, RateLimited, 3 * time.Second, false},
		{429, nil, RateLimited, 0, false},
		{401, nil, AuthError, 0, false},
		{403, nil, AuthError, 0, false},
		{404, nil, ClientError, 0, false},
		{400, nil, ClientError, 0, false},
		{408, nil, TransientNetwork, 0, false},
		{500, nil, ServerError, 0, false},
		{503, nil, ServerError, 0, false},
	}
	for _, c := range cases {
		err := FromStatus(c.status, c.header)
		if c.nilErr {
			if err != nil {
				t.Errorf("[%d] expected nil, got %v", c.status, err)
			}
			continue
		}
		k, hint := Classify(err)
		if k != c.kind || hint != c.hint {
			t.Errorf("[%d] got %s/%v want %s/%v", c.status, k, hint, c.kind, c.hint)
		}
		if Status(err) != c.status || !errors.Is(err, ErrStatus) {
			t.Errorf("[%d] status not carried by %v", c.status, err)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"nil", nil, None},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), TransientNetwork},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection reset")}, TransientNetwork},
		{"wrapped transient", fmt.Errorf("fetch: %w", Transient(errors.New("reset"))), TransientNetwork},
		{"malformed address", Permanent(ClientError, errors.New("invalid address")), ClientError},
		{"plain", errors.New("unexpected payload"), ClientError},
	}
	for _, c := range cases {
		if k, _ := Classify(c.err); k != c.kind {
			t.Errorf("[%s] got %s want %s", c.name, k, c.kind)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"-1", 0},
		{"soon", 0},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-10 * time.Second).Format(http.TimeFormat), 0},
	}
	for _, c := range cases {
		if got := ParseRetryAfter(c.in, now); got != c.want {
			t.Errorf("ParseRetryAfter(%q) got %v want %v", c.in, got, c.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	p := Default().WithSeed(1)
	base := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}
	for i, b := range base {
		d := p.Backoff(i + 1)
		lo, hi := time.Duration(float64(b)*0.8), time.Duration(float64(b)*1.2)
		if d < lo || d > hi {
			t.Errorf("attempt %d: backoff %v out of [%v,%v]", i+1, d, lo, hi)
		}
	}

	capped := Policy{BaseDelay: time.Second, Multiplier: 10, MaxDelay: 2 * time.Second, Jitter: 0.1}.WithSeed(2)
	if d := capped.Backoff(5); d > 2200*time.Millisecond {
		t.Errorf("backoff not capped: %v", d)
	}
}

func TestShouldRetry(t *testing.T) {
	p := FromConfig(config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 10, Multiplier: 2, Jitter: 0.2, MaxDelayMs: 1000})
	limited := &TransientFetchError{Kind: RateLimited, RetryAfter: 7 * time.Second, Err: errors.New("slow down")}

	cases := []struct {
		name    string
		attempt int
		err     error
		retry   bool
		after   time.Duration
	}{
		{"success", 1, nil, false, 0},
		{"transient first", 1, Transient(errors.New("reset")), true, -1},
		{"transient at cap", 3, Transient(errors.New("reset")), false, 0},
		{"server error", 2, FromStatus(502, nil), true, -1},
		{"client error", 1, FromStatus(404, nil), false, 0},
		{"auth error", 1, FromStatus(401, nil), false, 0},
		{"rate limit hint", 1, limited, true, 7 * time.Second},
		{"rate limit no hint", 1, FromStatus(429, nil), true, -1},
	}
	for _, c := range cases {
		d := p.ShouldRetry(c.attempt, c.err)
		if d.Retry != c.retry {
			t.Errorf("[%s] retry got %v want %v", c.name, d.Retry, c.retry)
		}
		if c.after >= 0 && d.After != c.after {
			t.Errorf("[%s] after got %v want %v", c.name, d.After, c.after)
		}
		if c.after < 0 && d.After <= 0 {
			t.Errorf("[%s] expected a backoff delay", c.name)
		}
	}
}

func TestDo(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	n, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("reset"))
		}
		return nil
	})
	if err != nil || n != 3 {
		t.Errorf("expected success on attempt 3, got %d %v", n, err)
	}

	n, err = Do(context.Background(), p, func(context.Context) error { return FromStatus(400, nil) })
	if err == nil || n != 1 {
		t.Errorf("client error must not be retried, got %d %v", n, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err = Do(ctx, p, func(context.Context) error { return nil })
	if n != 0 || !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context: got %d %v", n, err)
	}
}

func TestKindText(t *testing.T) {
	var k Kind
	if err := k.UnmarshalText([]byte("rate-limited")); err != nil || k != RateLimited {
		t.Errorf("unexpected kind %s %v", k, err)
	}
	if err := k.UnmarshalText([]byte("teapot")); err == nil {
		t.Error("unknown kind accepted")
	}
}
