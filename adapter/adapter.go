// Package adapter holds what every module adapter shares: the lifecycle state machine, the resource pool, the bulk
// engine and the monitor sessions the adapter owns. Module adapters embed a *Base and add their fetch functions.
package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/lifecycle"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// Adapter is the contract of every module.
type Adapter interface {
	Name() string
	State() lifecycle.State
	LastError() error
	Initialize(ctx context.Context) bool
	Validate(ctx context.Context) bool
	Cleanup()
}

// Watcher is implemented by adapters with monitors. Watch starts a session on target of kind and returns it.
type Watcher interface {
	Adapter
	Watch(ctx context.Context, kind, target string, sink monitor.Sink, store monitor.CursorStore) (*monitor.Session, error)
	Session(id string) *monitor.Session
	Sessions() []*monitor.Session
	StopSession(id string) error
}

// ErrNoSession is returned for unknown session ids.
var ErrNoSession = fmt.Errorf("%w: no such session", monitor.ErrState)

// Base implements the shared part of Adapter.
type Base struct {
	lc      *lifecycle.Lifecycle
	Conf    config.ServiceConfig
	Pool    *pool.Pool
	Engine  *engine.Engine
	Policy  retry.Policy
	ownPool bool

	mu       sync.Mutex
	sessions map[string]*monitor.Session
}

// NewBase returns the base of module. The pool is shared between adapters when given; otherwise one is built from
// conf and closed by Cleanup.
func NewBase(module string, conf config.ServiceConfig, p *pool.Pool) *Base {
	b := &Base{
		lc:       lifecycle.New(module),
		Conf:     conf,
		Pool:     p,
		Policy:   retry.FromConfig(conf.Retry),
		sessions: map[string]*monitor.Session{},
	}
	if b.Pool == nil {
		opts, err := pool.OptionsFromConfig(conf)
		if err != nil {
			log.Warn().Err(err).Str("module", module).Msg("proxies unavailable, using direct connections")
			opts.UseProxies, opts.Proxies = false, nil
		}
		b.Pool, b.ownPool = pool.New(opts), true
	}
	b.Engine = engine.New(b.Pool, conf.MaxConcurrency, b.Policy)
	return b
}

// Name returns the module name.
func (b *Base) Name() string { return b.lc.Module() }

// State returns the lifecycle state.
func (b *Base) State() lifecycle.State { return b.lc.State() }

// LastError returns the error that moved the adapter to ERROR.
func (b *Base) LastError() error { return b.lc.LastError() }

// Require fails with a *lifecycle.NotReadyError unless the adapter is READY.
func (b *Base) Require() error { return b.lc.Require() }

// Fail moves the adapter to ERROR.
func (b *Base) Fail(err error) { b.lc.Fail(err) }

// CheckKeys returns a *lifecycle.ConfigError naming the required keys that are not configured.
func (b *Base) CheckKeys() error {
	if missing := b.Conf.Missing(b.Name()); len(missing) > 0 {
		return &lifecycle.ConfigError{Module: b.Name(), Missing: missing}
	}
	return nil
}

// Init checks the configured keys, then runs check, moving the adapter to READY or ERROR.
func (b *Base) Init(check func() error) bool {
	return b.lc.Initialize(func() error {
		if err := b.CheckKeys(); err != nil {
			return err
		}
		if check != nil {
			return check()
		}
		return nil
	})
}

// Check runs check when READY without changing the state.
func (b *Base) Check(check func() error) bool {
	return b.lc.Validate(check)
}

// Probe acquires a lease of endpoint and runs fn once with it, for reachability checks.
func (b *Base) Probe(ctx context.Context, endpoint string, fn func(ctx context.Context, l *pool.Lease) error) error {
	l, err := b.Pool.Acquire(ctx, endpoint)
	if err != nil {
		return err
	}
	err = fn(ctx, l)
	_ = l.Done(err)
	return err
}

// Run runs fn over targets with the engine. An auth error moves the adapter to ERROR.
func (b *Base) Run(ctx context.Context, targets []string, fn engine.FetchFunc, opts engine.Options) (
	engine.Result, error) {
	if err := b.Require(); err != nil {
		return engine.Result{}, err
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = b.Conf.Concurrency
	}
	auth := opts.OnAuthError
	opts.OnAuthError = func(err error) {
		b.Fail(&lifecycle.ConfigError{Module: b.Name(), Err: err})
		if auth != nil {
			auth(err)
		}
	}
	return b.Engine.Run(ctx, targets, fn, opts)
}

// SessionOptions returns session options for target filled from the configuration.
func (b *Base) SessionOptions(kind, target, endpoint string, store monitor.CursorStore) monitor.Options {
	return monitor.Options{
		ID:            SessionID(b.Name(), kind, target),
		Module:        b.Name(),
		Target:        target,
		Endpoint:      endpoint,
		Interval:      time.Duration(b.Conf.PollIntervalMs) * time.Millisecond,
		Policy:        b.Policy,
		MaxReconnects: b.Conf.MaxReconnects,
		Store:         store,
	}
}

// SessionID is the stable id of the session of a module on target, so that cursors survive restarts.
func SessionID(module, kind, target string) string {
	return module + ":" + kind + ":" + target
}

// StartSession registers s as owned by the adapter and starts it. A running session with the same id is returned
// instead.
func (b *Base) StartSession(ctx context.Context, s *monitor.Session, sink monitor.Sink) (*monitor.Session, error) {
	// Teardown moves to CLEANING_UP before taking b.mu, so a session started under b.mu is always stopped by it
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.Require(); err != nil {
		return nil, err
	}
	if old, ok := b.sessions[s.ID()]; ok {
		if st := old.Status(); st != monitor.Stopped && st != monitor.Errored {
			return old, nil
		}
	}
	if err := s.Start(ctx, sink); err != nil {
		return nil, err
	}
	b.sessions[s.ID()] = s
	return s, nil
}

// Session returns the session with id, nil if the adapter does not own it.
func (b *Base) Session(id string) *monitor.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[id]
}

// Sessions returns the owned sessions sorted by id.
func (b *Base) Sessions() []*monitor.Session {
	b.mu.Lock()
	ss := make([]*monitor.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		ss = append(ss, s)
	}
	b.mu.Unlock()
	sort.Slice(ss, func(i, j int) bool { return ss[i].ID() < ss[j].ID() })
	return ss
}

// StopSession stops and forgets the session with id.
func (b *Base) StopSession(id string) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.Stop()
	return nil
}

// Teardown stops every owned session, calls release and closes the pool if the adapter owns it. It ends the
// adapter in CLEANED_UP.
func (b *Base) Teardown(release func()) {
	b.lc.Cleanup(func() {
		b.mu.Lock()
		ss := b.sessions
		b.sessions = map[string]*monitor.Session{}
		b.mu.Unlock()
		for _, s := range ss {
			s.Stop()
		}
		if release != nil {
			release()
		}
		if b.ownPool {
			b.Pool.Close()
		}
	})
}

// DataPath returns the path of name in the module's data directory, creating the directory.
func (b *Base) DataPath(name string) (string, error) {
	dir := filepath.Join(b.Conf.DataDir, b.Name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create data dir %s: %w", dir, err)
	}
	return filepath.Join(dir, name), nil
}
