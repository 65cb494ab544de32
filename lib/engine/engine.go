// Package engine runs bulk fetches: one job per target, executed by a bounded pool of workers that acquire a lease
// from the resource pool for every attempt and retry failed attempts according to the retry policy.
//
// Per-job failures are recorded on the job and never abort the run. Run only returns an error for faults that block
// every job: an exhausted resource pool, an auth error, or an all-failed batch when the caller asks for it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/willx33/sol-tools/lib/metrics"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// Concurrency bounds.
const (
	DefaultConcurrency = 10
	MaxConcurrency     = 100
)

// Errors returned
var (
	ErrAllFailed = errors.New("every job failed")
	ErrAuth      = errors.New("provider rejected credentials")
)

// Status of a job.
type Status int

// Job statuses.
const (
	Pending Status = iota
	InFlight
	Succeeded
	Failed
	Skipped
)

var statusNames = [...]string{"PENDING", "IN_FLIGHT", "SUCCEEDED", "FAILED", "SKIPPED"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// MarshalText renders statuses by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for i, n := range statusNames {
		if n == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown job status %q", text)
}

// FetchFunc fetches one target using the HTTP client of the lease.
type FetchFunc func(ctx context.Context, target string, lease *pool.Lease) (interface{}, error)

// Job is the outcome of one target.
type Job struct {
	Index    int           `json:"index"`
	Target   string        `json:"target"`
	Status   Status        `json:"status"`
	Attempts int           `json:"attempts"`
	LastKind retry.Kind    `json:"lastKind"`
	Err      error         `json:"-"`
	Result   interface{}   `json:"result,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	// Seq is the position of the job in completion order, starting at 1. Zero for skipped jobs.
	Seq int `json:"seq"`
}

// Error returns the last error message, for reports.
func (j Job) Error() string {
	if j.Err == nil {
		return ""
	}
	return j.Err.Error()
}

// Result of a run. Jobs are in input order.
type Result struct {
	Jobs      []Job         `json:"jobs"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Options of a run.
type Options struct {
	Concurrency int
	// Endpoint is the rate budget the leases are taken from.
	Endpoint string
	Policy   retry.Policy
	// Progress receives snapshots without ever blocking the workers. Intermediate snapshots may be dropped, the
	// last one is always delivered before Run returns.
	Progress func(Progress)
	// FailOnAllFailed makes Run return ErrAllFailed when no job succeeded.
	FailOnAllFailed bool
	// OnAuthError is called once when a provider rejects the credentials.
	OnAuthError func(error)
	// AttemptTimeout bounds a single attempt. Attempts in flight when the run is cancelled run to completion
	// within this bound.
	AttemptTimeout time.Duration
}

// Leaser hands out leases. *pool.Pool implements it.
type Leaser interface {
	Acquire(ctx context.Context, endpoint string) (*pool.Lease, error)
}

// Engine runs bulk fetches over a resource pool.
type Engine struct {
	pool           Leaser
	maxConcurrency int
	policy         retry.Policy
}

// New returns an Engine. maxConcurrency caps the concurrency of every run, values <= 0 mean MaxConcurrency.
func New(p Leaser, maxConcurrency int, policy retry.Policy) *Engine {
	if maxConcurrency <= 0 {
		maxConcurrency = MaxConcurrency
	}
	return &Engine{pool: p, maxConcurrency: maxConcurrency, policy: policy}
}

// Concurrency returns the effective concurrency for a requested value: DefaultConcurrency when unset, the engine
// maximum when above it.
func (e *Engine) Concurrency(requested int) int {
	switch {
	case requested <= 0:
		requested = DefaultConcurrency
	case requested > e.maxConcurrency:
		log.Warn().Int("requested", requested).Int("max", e.maxConcurrency).Msg("concurrency above maximum")
		requested = e.maxConcurrency
	}
	return requested
}

type run struct {
	e        *Engine
	opts     Options
	fn       FetchFunc
	mu       sync.Mutex
	jobs     []Job
	seq      int
	progress *reporter
	fatal    error
	cancel   context.CancelFunc
	authOnce sync.Once
}

// Run fetches every target with fn and returns one job per target, in input order. Duplicated targets are fetched
// once per occurrence.
func (e *Engine) Run(ctx context.Context, targets []string, fn FetchFunc, opts Options) (Result, error) {
	start := time.Now()
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = e.policy
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = time.Minute
	}
	workers := e.Concurrency(opts.Concurrency)
	if workers > len(targets) {
		workers = len(targets)
	}

	r := &run{e: e, opts: opts, fn: fn, jobs: make([]Job, len(targets))}
	for i, t := range targets {
		r.jobs[i] = Job{Index: i, Target: t, Status: Pending}
	}
	r.progress = newReporter(opts.Progress)
	r.report()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	queue := make(chan int, len(targets))
	for i := range targets {
		queue <- i
	}
	close(queue)

	log.Debug().Str("endpoint", opts.Endpoint).Int("targets", len(targets)).Int("workers", workers).
		Msg("bulk run started")

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range queue {
				r.do(rctx, i)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.report()
	r.progress.close()
	res := r.result(time.Since(start))

	metrics.RunSeconds.WithLabelValues(opts.Endpoint).Observe(res.Elapsed.Seconds())
	log.Info().Str("endpoint", opts.Endpoint).Int("succeeded", res.Succeeded).Int("failed", res.Failed).
		Int("skipped", res.Skipped).Dur("elapsed", res.Elapsed).Msg("bulk run finished")

	if r.fatal != nil {
		return res, r.fatal
	}
	if opts.FailOnAllFailed && len(targets) > 0 && res.Succeeded == 0 {
		return res, ErrAllFailed
	}
	return res, nil
}

// do runs job i to a final status.
func (r *run) do(ctx context.Context, i int) {
	for {
		if ctx.Err() != nil {
			r.finish(i, Skipped, nil, nil)
			return
		}
		lease, err := r.e.pool.Acquire(ctx, r.opts.Endpoint)
		if err != nil {
			if ctx.Err() == nil {
				r.abort(err)
			}
			r.finish(i, Skipped, nil, nil)
			return
		}

		r.set(i, InFlight)
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.AttemptTimeout)
		attemptStart := time.Now()
		res, err := r.fn(actx, r.jobs[i].Target, lease)
		cancel()
		_ = lease.Done(err)

		attempts := r.attempted(i, err, time.Since(attemptStart))
		if err == nil {
			r.finish(i, Succeeded, res, nil)
			return
		}

		kind, _ := retry.Classify(err)
		if kind == retry.AuthError {
			r.auth(err)
		}
		d := r.opts.Policy.ShouldRetry(attempts, err)
		if !d.Retry {
			r.finish(i, Failed, nil, err)
			return
		}
		r.set(i, Pending)
		log.Debug().Err(err).Str("target", r.jobs[i].Target).Int("attempt", attempts).Dur("after", d.After).
			Msg("retrying")
		if werr := retry.Wait(ctx, d.After); werr != nil {
			// cancelled while pending, the job keeps its attempts and last error
			r.finish(i, Skipped, nil, nil)
			return
		}
	}
}

func (r *run) attempted(i int, err error, el time.Duration) int {
	kind, _ := retry.Classify(err)
	metrics.AttemptsTotal.WithLabelValues(r.opts.Endpoint, kind.String()).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	j := &r.jobs[i]
	j.Attempts++
	j.Elapsed += el
	if err != nil {
		j.LastKind = kind
		j.Err = err
	}
	return j.Attempts
}

func (r *run) set(i int, s Status) {
	r.mu.Lock()
	r.jobs[i].Status = s
	r.mu.Unlock()
}

func (r *run) finish(i int, s Status, res interface{}, err error) {
	r.mu.Lock()
	j := &r.jobs[i]
	j.Status = s
	if res != nil {
		j.Result = res
	}
	if err != nil {
		j.Err = err
	}
	if s != Skipped {
		r.seq++
		j.Seq = r.seq
	}
	r.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(r.opts.Endpoint, s.String()).Inc()
	r.report()
}

// abort stops scheduling new jobs because of a fault every job would hit.
func (r *run) abort(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
		log.Error().Err(err).Str("endpoint", r.opts.Endpoint).Msg("bulk run aborted")
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) auth(err error) {
	r.authOnce.Do(func() {
		if r.opts.OnAuthError != nil {
			r.opts.OnAuthError(err)
		}
		r.abort(fmt.Errorf("%w: %v", ErrAuth, err))
	})
}

func (r *run) report() {
	r.mu.Lock()
	p := Progress{Total: len(r.jobs)}
	for _, j := range r.jobs {
		switch j.Status {
		case Succeeded:
			p.Succeeded++
		case Failed:
			p.Failed++
		case Skipped:
			p.Skipped++
		}
	}
	r.mu.Unlock()
	p.Remaining = p.Total - p.Succeeded - p.Failed - p.Skipped
	r.progress.send(p)
}

func (r *run) result(el time.Duration) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{Jobs: make([]Job, len(r.jobs)), Elapsed: el}
	copy(res.Jobs, r.jobs)
	for _, j := range res.Jobs {
		switch j.Status {
		case Succeeded:
			res.Succeeded++
		case Failed:
			res.Failed++
		case Skipped:
			res.Skipped++
		}
	}
	return res
}
